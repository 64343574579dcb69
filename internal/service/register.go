// Package service — точка оркестровки стойки регистрации: проверки,
// назначение сеанса, сохранение записи и рассылка событий.
package service

import (
	"errors"
	"regexp"
	"time"

	"waitline/internal/assign"
	"waitline/internal/businessday"
	"waitline/internal/fanout"
	"waitline/internal/models"
	"waitline/internal/storage"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\-]{6,19}$`)

// RegistrationService выполняет операции стойки регистрации.
type RegistrationService struct {
	store  storage.Store
	engine *assign.Engine
	days   *businessday.Service
	bus    *Bus
	now    func() time.Time
}

func NewRegistrationService(store storage.Store, engine *assign.Engine, days *businessday.Service, bus *Bus) *RegistrationService {
	return &RegistrationService{store: store, engine: engine, days: days, bus: bus, now: time.Now}
}

// NewRegistrationServiceAt — конструктор с подменённым источником времени (тесты).
func NewRegistrationServiceAt(store storage.Store, engine *assign.Engine, days *businessday.Service, bus *Bus, now func() time.Time) *RegistrationService {
	return &RegistrationService{store: store, engine: engine, days: days, bus: bus, now: now}
}

// RegisterInput — данные новой регистрации.
type RegisterInput struct {
	LocationID  uint
	Phone       string
	DisplayName string
	PartySize   int
	SessionHint uint  // необязательная подсказка сеанса
	CustomerID  *uint // связанный профиль посетителя
	Privileged  bool  // регистрация от персонала обходит часы работы и перерыв
}

// Register регистрирует посетителя в очереди.
//
// Порядок проверок фиксирован: открытый день → валидация → часы работы
// и перерыв (персоналу можно всегда) → под замком точки: дубликат телефона,
// общий лимит ожидающих, назначение сеанса и сохранение. Рассылка идёт
// после отпускания замка и никогда не откатывает запись.
func (s *RegistrationService) Register(in RegisterInput) (*models.QueueEntry, error) {
	day, err := s.store.OpenBusinessDay(in.LocationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &NotOperatingError{Reason: NotOperatingClosed}
	}
	if err != nil {
		return nil, err
	}
	date := day.BusinessDate

	if !phonePattern.MatchString(in.Phone) {
		return nil, &ValidationError{Field: "phone", Message: "некорректный номер телефона"}
	}
	if in.PartySize <= 0 {
		in.PartySize = 1
	}

	settings, err := s.store.SettingsFor(in.LocationID)
	if err != nil {
		return nil, err
	}

	if !in.Privileged {
		if err := checkOperatingWindow(settings, s.now()); err != nil {
			return nil, err
		}
	}

	// Проверка дубликата и лимита идут под замком точки вместе с назначением:
	// две одновременные регистрации одного телефона иначе обе проходят проверку.
	var entry *models.QueueEntry
	err = s.engine.Locked(in.LocationID, func() error {
		if existing, err := s.store.WaitingByPhone(in.LocationID, date, in.Phone); err == nil {
			return &DuplicateError{WaitingNumber: existing.WaitingNumber}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if settings.MaxWaitingCount > 0 {
			count, err := s.store.WaitingCount(in.LocationID, date)
			if err != nil {
				return err
			}
			if count >= settings.MaxWaitingCount {
				return ErrWaitingLimit
			}
		}

		sess, order, err := s.engine.AssignNext(in.LocationID, date, in.SessionHint)
		if err != nil {
			return err
		}
		number, err := s.store.NextWaitingNumber(in.LocationID, date)
		if err != nil {
			return err
		}
		entry = &models.QueueEntry{
			LocationID:    in.LocationID,
			BusinessDate:  date,
			WaitingNumber: number,
			SessionID:     sess.ID,
			SessionOrder:  order,
			CustomerID:    in.CustomerID,
			Phone:         in.Phone,
			DisplayName:   in.DisplayName,
			PartySize:     in.PartySize,
			Status:        models.StatusWaiting,
			RegisteredAt:  s.now(),
		}
		return s.store.SaveEntry(entry)
	})
	if err != nil {
		return nil, err
	}

	s.announce(in.LocationID, fanout.EventNewEntry, map[string]any{
		"entry_id":       entry.ID,
		"waiting_number": entry.WaitingNumber,
		"session_id":     entry.SessionID,
		"session_order":  entry.SessionOrder,
		"party_size":     entry.PartySize,
	}, settings)

	return entry, nil
}

// Transition переводит запись в новый статус и рассылает событие.
func (s *RegistrationService) Transition(entryID uint, newStatus string) (*models.QueueEntry, error) {
	entry, err := s.engine.Transition(entryID, newStatus)
	if err != nil {
		return nil, err
	}
	s.announceForLocation(entry.LocationID, fanout.EventStatusChanged, map[string]any{
		"entry_id":       entry.ID,
		"waiting_number": entry.WaitingNumber,
		"session_id":     entry.SessionID,
		"status":         entry.Status,
	})
	return entry, nil
}

// Reassign переносит запись в другой сеанс и рассылает событие переноса.
func (s *RegistrationService) Reassign(entryID, targetSessionID uint) (*models.QueueEntry, error) {
	entry, err := s.engine.Reassign(entryID, targetSessionID)
	if err != nil {
		return nil, err
	}
	s.announceForLocation(entry.LocationID, fanout.EventClassMoved, map[string]any{
		"entry_id":       entry.ID,
		"waiting_number": entry.WaitingNumber,
		"session_id":     entry.SessionID,
		"session_order":  entry.SessionOrder,
	})
	return entry, nil
}

// InsertPlaceholder вставляет бронь места и рассылает изменение порядка.
func (s *RegistrationService) InsertPlaceholder(afterEntryID uint) (*models.QueueEntry, error) {
	ph, err := s.engine.InsertPlaceholder(afterEntryID)
	if err != nil {
		return nil, err
	}
	s.announceForLocation(ph.LocationID, fanout.EventOrderChanged, map[string]any{
		"session_id": ph.SessionID,
	})
	return ph, nil
}

// CloseSession закрывает сеанс до конца текущей рабочей даты.
// Без открытого рабочего дня закрывать нечего.
func (s *RegistrationService) CloseSession(locationID, sessionID uint) error {
	if _, err := s.store.SessionByID(sessionID); err != nil {
		return err
	}
	day, err := s.store.OpenBusinessDay(locationID)
	if errors.Is(err, storage.ErrNotFound) {
		return businessday.ErrNotOpen
	}
	if err != nil {
		return err
	}
	if err := s.store.AddClosure(locationID, day.BusinessDate, sessionID); err != nil {
		return err
	}
	s.announceForLocation(locationID, fanout.EventSessionClosed, map[string]any{
		"session_id": sessionID,
	})
	return nil
}

// ReopenSession снимает ручное закрытие сеанса.
func (s *RegistrationService) ReopenSession(locationID, sessionID uint) error {
	day, err := s.store.OpenBusinessDay(locationID)
	if errors.Is(err, storage.ErrNotFound) {
		return businessday.ErrNotOpen
	}
	if err != nil {
		return err
	}
	if err := s.store.RemoveClosure(locationID, day.BusinessDate, sessionID); err != nil {
		return err
	}
	s.announceForLocation(locationID, fanout.EventSessionReopened, map[string]any{
		"session_id": sessionID,
	})
	return nil
}

// announce рассылает событие трём аудиториям: администраторам всегда,
// табло и стойке — по настройкам точки.
func (s *RegistrationService) announce(locationID uint, event string, data map[string]any, settings models.LocationSettings) {
	scope := fanout.LocationScope(locationID)
	parent := s.parentScope(locationID)

	s.bus.Publish(BroadcastJob{Scope: scope, Event: event, Data: data, Role: fanout.RoleAdmin, Parent: parent})
	if settings.BoardBroadcast {
		s.bus.Publish(BroadcastJob{Scope: scope, Event: event, Data: data, Role: fanout.RoleBoard})
	}
	if settings.ReceptionBroadcast {
		s.bus.Publish(BroadcastJob{Scope: scope, Event: event, Data: data, Role: fanout.RoleReception})
	}
}

// announceForLocation — как announce, но настройки читаются на месте.
// Ошибка чтения настроек не роняет операцию: событие уходит по умолчаниям.
func (s *RegistrationService) announceForLocation(locationID uint, event string, data map[string]any) {
	settings, err := s.store.SettingsFor(locationID)
	if err != nil {
		settings = models.Defaults(locationID)
	}
	s.announce(locationID, event, data, settings)
}

func (s *RegistrationService) parentScope(locationID uint) string {
	loc, err := s.store.LocationByID(locationID)
	if err != nil {
		return ""
	}
	return loc.BrandID
}

// checkOperatingWindow проверяет часы работы и перерыв.
func checkOperatingWindow(settings models.LocationSettings, now time.Time) error {
	clock := now.Format("15:04")
	if settings.OpenTime != "" && settings.CloseTime != "" {
		if clock < settings.OpenTime || clock >= settings.CloseTime {
			return &NotOperatingError{
				Reason:    NotOperatingHours,
				OpenTime:  settings.OpenTime,
				CloseTime: settings.CloseTime,
			}
		}
	}
	if settings.BreakStart != "" && settings.BreakEnd != "" {
		if clock >= settings.BreakStart && clock < settings.BreakEnd {
			return &NotOperatingError{
				Reason:    NotOperatingBreak,
				OpenTime:  settings.BreakStart,
				CloseTime: settings.BreakEnd,
			}
		}
	}
	return nil
}
