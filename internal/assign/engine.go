// Package assign выбирает сеанс для новой записи и поддерживает
// плотную нумерацию позиций внутри сеансов.
package assign

import (
	"fmt"
	"log"
	"sync"
	"time"

	"waitline/internal/models"
	"waitline/internal/schedule"
	"waitline/internal/storage"
)

// Причины отказа в назначении. Клиенты показывают разные сообщения
// для «все сеансы заняты или закрыты» и «на эту дату сеансов нет».
const (
	ReasonFull       = "full"
	ReasonIneligible = "ineligible"
)

// NoCapacityError — свободного места не нашлось.
type NoCapacityError struct {
	Reason string
}

func (e *NoCapacityError) Error() string {
	if e.Reason == ReasonIneligible {
		return "на эту дату нет доступных сеансов"
	}
	return "все доступные сеансы заполнены или закрыты"
}

// Engine — движок назначения. Операции по одной точке сериализуются
// пер-локационным мьютексом; разные точки работают параллельно.
type Engine struct {
	store storage.Store
	cal   *schedule.Calendar

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewEngine(store storage.Store, cal *schedule.Calendar) *Engine {
	return &Engine{
		store: store,
		cal:   cal,
		locks: make(map[uint]*sync.Mutex),
	}
}

func (e *Engine) lockFor(locationID uint) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[locationID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[locationID] = l
	}
	return l
}

// Locked выполняет fn под мьютексом точки. Регистрация держит замок
// на всё время «назначение + сохранение», чтобы два одновременных
// посетителя не заняли одно место.
func (e *Engine) Locked(locationID uint, fn func() error) error {
	l := e.lockFor(locationID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// AssignNext подбирает сеанс и позицию для новой записи.
// Вызывается внутри Locked — сам замок не берёт.
//
// Кандидаты — активные сеансы, доступные на дату и не закрытые вручную,
// в порядке порядковых номеров. Если указана подсказка, обход начинается
// с неё; сеансы до подсказки не используются как запасные — раз посетитель
// попросил более поздний сеанс, ранние для него уже «в прошлом».
// Протухшая подсказка не ошибка: логируем и начинаем с первого сеанса,
// стойка должна оставаться рабочей.
func (e *Engine) AssignNext(locationID uint, date string, hintSessionID uint) (*models.Session, int, error) {
	eligible, err := e.cal.EligibleSessions(locationID, date)
	if err != nil {
		return nil, 0, err
	}
	if len(eligible) == 0 {
		return nil, 0, &NoCapacityError{Reason: ReasonIneligible}
	}

	closedIDs, err := e.store.ClosedSessionIDs(locationID, date)
	if err != nil {
		return nil, 0, err
	}
	candidates := schedule.MinusClosed(eligible, closedIDs)

	start := 0
	if hintSessionID != 0 {
		found := false
		for i, s := range candidates {
			if s.ID == hintSessionID {
				start = i
				found = true
				break
			}
		}
		if !found {
			log.Printf("assign: подсказка сеанса %d не найдена для точки %d, начинаем с первого", hintSessionID, locationID)
		}
	}

	for i := start; i < len(candidates); i++ {
		s := candidates[i]
		occupancy, err := e.Occupancy(locationID, s.ID, date)
		if err != nil {
			return nil, 0, err
		}
		if occupancy >= s.Capacity {
			continue
		}
		position, err := e.QueuePosition(locationID, s.ID, date)
		if err != nil {
			return nil, 0, err
		}
		sess := s
		return &sess, position, nil
	}

	return nil, 0, &NoCapacityError{Reason: ReasonFull}
}

// Occupancy считает занятые места сеанса: ожидающие, вызванные и севшие.
// Вызванный или севший держит место, пока не уйдёт.
func (e *Engine) Occupancy(locationID, sessionID uint, date string) (int, error) {
	return e.store.CountByStatus(locationID, sessionID, date,
		models.StatusWaiting, models.StatusCalled, models.StatusAttended)
}

// QueuePosition считает позицию для нового посетителя: только те, кто ещё
// не прошёл внутрь (ожидающие и вызванные), плюс один. Намеренно другой
// счётчик, чем Occupancy: вызов вперёд не раздувает номера на табло.
func (e *Engine) QueuePosition(locationID, sessionID uint, date string) (int, error) {
	count, err := e.store.CountByStatus(locationID, sessionID, date,
		models.StatusWaiting, models.StatusCalled)
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}

// Reassign переносит запись в другой сеанс, добавляя её в конец очереди
// назначения, и восстанавливает плотную нумерацию в обоих сеансах.
func (e *Engine) Reassign(entryID, targetSessionID uint) (*models.QueueEntry, error) {
	entry, err := e.store.EntryByID(entryID)
	if err != nil {
		return nil, err
	}
	target, err := e.store.SessionByID(targetSessionID)
	if err != nil {
		return nil, err
	}
	if target.LocationID != entry.LocationID {
		return nil, fmt.Errorf("сеанс %d принадлежит другой точке", targetSessionID)
	}

	var moved *models.QueueEntry
	err = e.Locked(entry.LocationID, func() error {
		// Статус перечитывается под замком: до его взятия запись могла
		// конкурентно перейти в другой статус.
		entry, err := e.store.EntryByID(entryID)
		if err != nil {
			return err
		}
		if entry.Status != models.StatusWaiting {
			return fmt.Errorf("перенести можно только ожидающую запись, статус: %s", entry.Status)
		}
		sourceID := entry.SessionID

		waiting, err := e.store.WaitingOrdered(entry.LocationID, targetSessionID, entry.BusinessDate)
		if err != nil {
			return err
		}
		entry.SessionID = targetSessionID
		entry.SessionOrder = len(waiting) + 1
		if err := e.store.UpdateEntry(entry); err != nil {
			return err
		}

		if err := e.renumber(entry.LocationID, sourceID, entry.BusinessDate); err != nil {
			return err
		}
		if err := e.renumber(entry.LocationID, targetSessionID, entry.BusinessDate); err != nil {
			return err
		}
		moved = entry
		return nil
	})
	return moved, err
}

// Transition переводит запись в новый статус и перенумеровывает её сеанс.
// Покинувший множество ожидающих (вызван, сел, отменён, не пришёл)
// не оставляет дыр в нумерации — плотная нумерация видна персоналу.
func (e *Engine) Transition(entryID uint, newStatus string) (*models.QueueEntry, error) {
	entry, err := e.store.EntryByID(entryID)
	if err != nil {
		return nil, err
	}

	var updated *models.QueueEntry
	err = e.Locked(entry.LocationID, func() error {
		// Перечитываем и проверяем статус под замком, чтобы два
		// одновременных перевода не прошли проверку оба.
		entry, err := e.store.EntryByID(entryID)
		if err != nil {
			return err
		}
		switch newStatus {
		case models.StatusCalled:
			if entry.Status != models.StatusWaiting && entry.Status != models.StatusCalled {
				return fmt.Errorf("вызвать можно только ожидающую запись, статус: %s", entry.Status)
			}
		case models.StatusAttended, models.StatusCancelled, models.StatusNoShow:
			if entry.Status == models.StatusAttended || entry.Status == models.StatusCancelled || entry.Status == models.StatusNoShow {
				return fmt.Errorf("запись уже в конечном статусе %s", entry.Status)
			}
		default:
			return fmt.Errorf("недопустимый статус %q", newStatus)
		}

		now := time.Now()
		entry.Status = newStatus
		switch newStatus {
		case models.StatusCalled:
			entry.CallCount++
			entry.LastCalledAt = &now
		case models.StatusAttended:
			entry.AttendedAt = &now
		case models.StatusCancelled, models.StatusNoShow:
			entry.CancelledAt = &now
		}
		if err := e.store.UpdateEntry(entry); err != nil {
			return err
		}
		if err := e.renumber(entry.LocationID, entry.SessionID, entry.BusinessDate); err != nil {
			return err
		}
		updated = entry
		return nil
	})
	return updated, err
}

// InsertPlaceholder вставляет служебную бронь места сразу после указанной
// записи, сдвигая всех последующих на одну позицию вниз. Бронь держит
// место для опоздавшего и не влияет на номер ни одного живого посетителя.
func (e *Engine) InsertPlaceholder(afterEntryID uint) (*models.QueueEntry, error) {
	after, err := e.store.EntryByID(afterEntryID)
	if err != nil {
		return nil, err
	}

	var placeholder *models.QueueEntry
	err = e.Locked(after.LocationID, func() error {
		after, err := e.store.EntryByID(afterEntryID)
		if err != nil {
			return err
		}
		if after.Status != models.StatusWaiting {
			return fmt.Errorf("бронь вставляется только после ожидающей записи, статус: %s", after.Status)
		}
		waiting, err := e.store.WaitingOrdered(after.LocationID, after.SessionID, after.BusinessDate)
		if err != nil {
			return err
		}

		number, err := e.store.NextWaitingNumber(after.LocationID, after.BusinessDate)
		if err != nil {
			return err
		}
		ph := &models.QueueEntry{
			LocationID:    after.LocationID,
			BusinessDate:  after.BusinessDate,
			WaitingNumber: number,
			SessionID:     after.SessionID,
			DisplayName:   "Бронь места",
			Status:        models.StatusWaiting,
			IsPlaceholder: true,
			RegisteredAt:  time.Now(),
		}
		if err := e.store.SaveEntry(ph); err != nil {
			return err
		}

		// Пересобираем порядок: бронь встаёт сразу за указанной записью.
		reordered := make([]models.QueueEntry, 0, len(waiting)+1)
		for _, w := range waiting {
			reordered = append(reordered, w)
			if w.ID == after.ID {
				reordered = append(reordered, *ph)
			}
		}
		for i := range reordered {
			reordered[i].SessionOrder = i + 1
		}
		if err := e.store.UpdateEntries(reordered); err != nil {
			return err
		}
		ph.SessionOrder = 0
		for _, r := range reordered {
			if r.ID == ph.ID {
				ph.SessionOrder = r.SessionOrder
			}
		}
		placeholder = ph
		return nil
	})
	return placeholder, err
}

// renumber восстанавливает плотную нумерацию 1..N ожидающих сеанса.
func (e *Engine) renumber(locationID, sessionID uint, date string) error {
	waiting, err := e.store.WaitingOrdered(locationID, sessionID, date)
	if err != nil {
		return err
	}
	changed := make([]models.QueueEntry, 0, len(waiting))
	for i := range waiting {
		if waiting[i].SessionOrder != i+1 {
			waiting[i].SessionOrder = i + 1
			changed = append(changed, waiting[i])
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return e.store.UpdateEntries(changed)
}
