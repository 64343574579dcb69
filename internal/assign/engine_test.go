package assign

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"waitline/internal/models"
	"waitline/internal/schedule"
	"waitline/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDate = "2026-08-26" // среда

func newEngine(t *testing.T) (*Engine, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	store.AddLocation(models.Location{Name: "Тестовая точка"})
	return NewEngine(store, schedule.NewCalendar(store)), store
}

func addSession(t *testing.T, store *storage.MemStore, ordinal, capacity int) uint {
	t.Helper()
	s := models.Session{
		LocationID: 1,
		Ordinal:    ordinal,
		Name:       fmt.Sprintf("Сеанс %d", ordinal),
		Capacity:   capacity,
		IsActive:   true,
		DayKind:    models.DayKindAll,
		Mon:        true, Tue: true, Wed: true, Thu: true, Fri: true, Sat: true, Sun: true,
	}
	require.NoError(t, store.CreateSession(&s))
	return s.ID
}

// place повторяет шаг регистрации: назначение и сохранение записи.
func place(t *testing.T, eng *Engine, store *storage.MemStore, hint uint, phone string) *models.QueueEntry {
	t.Helper()
	var entry *models.QueueEntry
	err := eng.Locked(1, func() error {
		sess, order, err := eng.AssignNext(1, testDate, hint)
		if err != nil {
			return err
		}
		number, err := store.NextWaitingNumber(1, testDate)
		if err != nil {
			return err
		}
		entry = &models.QueueEntry{
			LocationID:    1,
			BusinessDate:  testDate,
			WaitingNumber: number,
			SessionID:     sess.ID,
			SessionOrder:  order,
			Phone:         phone,
			Status:        models.StatusWaiting,
			RegisteredAt:  time.Now(),
		}
		return store.SaveEntry(entry)
	})
	require.NoError(t, err)
	return entry
}

// assertDense проверяет инвариант плотной нумерации 1..N ожидающих сеанса.
func assertDense(t *testing.T, store *storage.MemStore, sessionID uint) {
	t.Helper()
	waiting, err := store.WaitingOrdered(1, sessionID, testDate)
	require.NoError(t, err)
	for i, w := range waiting {
		assert.Equal(t, i+1, w.SessionOrder, "дыра в нумерации сеанса %d", sessionID)
	}
}

// Сценарий A: два сеанса по два места, три записи без подсказки.
func TestAssignOverflowToNextSession(t *testing.T) {
	eng, store := newEngine(t)
	s1 := addSession(t, store, 1, 2)
	s2 := addSession(t, store, 2, 2)

	e1 := place(t, eng, store, 0, "010-1111")
	e2 := place(t, eng, store, 0, "010-2222")
	e3 := place(t, eng, store, 0, "010-3333")

	assert.Equal(t, s1, e1.SessionID)
	assert.Equal(t, 1, e1.SessionOrder)
	assert.Equal(t, s1, e2.SessionID)
	assert.Equal(t, 2, e2.SessionOrder)
	assert.Equal(t, s2, e3.SessionID)
	assert.Equal(t, 1, e3.SessionOrder)

	assert.Equal(t, 1, e1.WaitingNumber)
	assert.Equal(t, 2, e2.WaitingNumber)
	assert.Equal(t, 3, e3.WaitingNumber)
}

// Сценарий B: первый сеанс закрыт вручную, переполнение второго даёт NoCapacity.
func TestAssignClosedSessionSkipped(t *testing.T) {
	eng, store := newEngine(t)
	s1 := addSession(t, store, 1, 2)
	s2 := addSession(t, store, 2, 2)
	require.NoError(t, store.AddClosure(1, testDate, s1))

	e1 := place(t, eng, store, 0, "010-1111")
	e2 := place(t, eng, store, 0, "010-2222")
	assert.Equal(t, s2, e1.SessionID)
	assert.Equal(t, 1, e1.SessionOrder)
	assert.Equal(t, s2, e2.SessionID)
	assert.Equal(t, 2, e2.SessionOrder)

	_, _, err := eng.AssignNext(1, testDate, 0)
	var noCap *NoCapacityError
	require.ErrorAs(t, err, &noCap)
	assert.Equal(t, ReasonFull, noCap.Reason)
}

func TestAssignNoEligibleSessions(t *testing.T) {
	eng, store := newEngine(t)
	// Единственный сеанс — праздничный, а дата не праздник.
	s := models.Session{LocationID: 1, Ordinal: 1, Name: "Праздничный", Capacity: 5, IsActive: true, DayKind: models.DayKindHoliday}
	require.NoError(t, store.CreateSession(&s))

	_, _, err := eng.AssignNext(1, testDate, 0)
	var noCap *NoCapacityError
	require.ErrorAs(t, err, &noCap)
	assert.Equal(t, ReasonIneligible, noCap.Reason)
}

// Подсказка задаёт стартовый индекс, обход назад не выполняется.
func TestAssignHintNoWrap(t *testing.T) {
	eng, store := newEngine(t)
	s1 := addSession(t, store, 1, 2)
	s2 := addSession(t, store, 2, 1)

	e := place(t, eng, store, s2, "010-1111")
	assert.Equal(t, s2, e.SessionID)

	// Второй сеанс полон; первый не используется как запасной — отказ.
	_, _, err := eng.AssignNext(1, testDate, s2)
	var noCap *NoCapacityError
	require.ErrorAs(t, err, &noCap)
	assert.Equal(t, ReasonFull, noCap.Reason)

	// Без подсказки первый сеанс по-прежнему доступен.
	e2 := place(t, eng, store, 0, "010-2222")
	assert.Equal(t, s1, e2.SessionID)
}

// Протухшая подсказка — тихий откат к первому сеансу, не ошибка.
func TestAssignStaleHintFallsBack(t *testing.T) {
	eng, store := newEngine(t)
	s1 := addSession(t, store, 1, 2)

	e := place(t, eng, store, 777, "010-1111")
	assert.Equal(t, s1, e.SessionID)
	assert.Equal(t, 1, e.SessionOrder)
}

// Вызванные и севшие держат места, но не раздувают позиции новых посетителей.
func TestOccupancyVersusQueuePosition(t *testing.T) {
	eng, store := newEngine(t)
	s1 := addSession(t, store, 1, 3)

	e1 := place(t, eng, store, 0, "010-1111")
	e2 := place(t, eng, store, 0, "010-2222")

	_, err := eng.Transition(e1.ID, models.StatusAttended)
	require.NoError(t, err)
	_, err = eng.Transition(e2.ID, models.StatusCalled)
	require.NoError(t, err)

	occ, err := eng.Occupancy(1, s1, testDate)
	require.NoError(t, err)
	assert.Equal(t, 2, occ, "севший и вызванный держат места")

	pos, err := eng.QueuePosition(1, s1, testDate)
	require.NoError(t, err)
	assert.Equal(t, 2, pos, "севший не считается в позиции, вызванный считается")

	// Осталось одно место из трёх.
	e3 := place(t, eng, store, 0, "010-3333")
	assert.Equal(t, s1, e3.SessionID)

	_, _, err = eng.AssignNext(1, testDate, 0)
	var noCap *NoCapacityError
	require.ErrorAs(t, err, &noCap)
}

// Сценарий C: отмена средней записи перенумеровывает оставшихся в 1,2.
func TestCancelRenumbersDensely(t *testing.T) {
	eng, store := newEngine(t)
	s1 := addSession(t, store, 1, 5)

	e1 := place(t, eng, store, 0, "010-1111")
	e2 := place(t, eng, store, 0, "010-2222")
	e3 := place(t, eng, store, 0, "010-3333")

	_, err := eng.Transition(e2.ID, models.StatusCancelled)
	require.NoError(t, err)

	waiting, err := store.WaitingOrdered(1, s1, testDate)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, e1.ID, waiting[0].ID)
	assert.Equal(t, 1, waiting[0].SessionOrder)
	assert.Equal(t, e3.ID, waiting[1].ID)
	assert.Equal(t, 2, waiting[1].SessionOrder)
	assertDense(t, store, s1)
}

func TestTransitionTerminalTwiceRejected(t *testing.T) {
	eng, store := newEngine(t)
	addSession(t, store, 1, 5)
	e := place(t, eng, store, 0, "010-1111")

	_, err := eng.Transition(e.ID, models.StatusCancelled)
	require.NoError(t, err)
	_, err = eng.Transition(e.ID, models.StatusAttended)
	assert.Error(t, err, "конечный статус менять нельзя")
}

// Статус проверяется под замком точки: из двух одновременных переводов
// в конечный статус проходит ровно один.
func TestTransitionConcurrentTerminalSingleWinner(t *testing.T) {
	eng, store := newEngine(t)
	addSession(t, store, 1, 5)
	e := place(t, eng, store, 0, "010-1111")

	const workers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	var won int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := eng.Transition(e.ID, models.StatusCancelled); err == nil {
				atomic.AddInt32(&won, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, won)
	got, err := store.EntryByID(e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

// Отменённую запись нельзя перенести: статус перечитывается под замком.
func TestReassignCancelledRejected(t *testing.T) {
	eng, store := newEngine(t)
	addSession(t, store, 1, 5)
	s2 := addSession(t, store, 2, 5)
	e := place(t, eng, store, 0, "010-1111")

	_, err := eng.Transition(e.ID, models.StatusCancelled)
	require.NoError(t, err)

	_, err = eng.Reassign(e.ID, s2)
	assert.Error(t, err)
}

func TestTransitionCalledCountsCalls(t *testing.T) {
	eng, store := newEngine(t)
	addSession(t, store, 1, 5)
	e := place(t, eng, store, 0, "010-1111")

	called, err := eng.Transition(e.ID, models.StatusCalled)
	require.NoError(t, err)
	assert.Equal(t, 1, called.CallCount)
	require.NotNil(t, called.LastCalledAt)

	recalled, err := eng.Transition(e.ID, models.StatusCalled)
	require.NoError(t, err)
	assert.Equal(t, 2, recalled.CallCount)
}

// Перенос туда и обратно не восстанавливает исходную позицию (запись
// каждый раз встаёт в конец), но плотная нумерация держится на каждом шаге.
func TestReassignRoundTrip(t *testing.T) {
	eng, store := newEngine(t)
	s1 := addSession(t, store, 1, 5)
	s2 := addSession(t, store, 2, 5)

	e1 := place(t, eng, store, 0, "010-1111")
	place(t, eng, store, 0, "010-2222")
	place(t, eng, store, 0, "010-3333")
	require.Equal(t, 1, e1.SessionOrder)

	moved, err := eng.Reassign(e1.ID, s2)
	require.NoError(t, err)
	assert.Equal(t, s2, moved.SessionID)
	assert.Equal(t, 1, moved.SessionOrder)
	assertDense(t, store, s1)
	assertDense(t, store, s2)

	back, err := eng.Reassign(e1.ID, s1)
	require.NoError(t, err)
	assert.Equal(t, s1, back.SessionID)
	assert.Equal(t, 3, back.SessionOrder, "возврат ставит запись в конец, не на прежнее место")
	assertDense(t, store, s1)
	assertDense(t, store, s2)
}

func TestReassignAppendsToEnd(t *testing.T) {
	eng, store := newEngine(t)
	addSession(t, store, 1, 5)
	s2 := addSession(t, store, 2, 5)

	e1 := place(t, eng, store, 0, "010-1111")
	p2 := place(t, eng, store, s2, "010-2222")
	require.Equal(t, 1, p2.SessionOrder)

	moved, err := eng.Reassign(e1.ID, s2)
	require.NoError(t, err)
	assert.Equal(t, 2, moved.SessionOrder)
}

func TestInsertPlaceholder(t *testing.T) {
	eng, store := newEngine(t)
	s1 := addSession(t, store, 1, 10)

	e1 := place(t, eng, store, 0, "010-1111")
	e2 := place(t, eng, store, 0, "010-2222")
	e3 := place(t, eng, store, 0, "010-3333")

	ph, err := eng.InsertPlaceholder(e1.ID)
	require.NoError(t, err)
	assert.True(t, ph.IsPlaceholder)
	assert.Equal(t, 2, ph.SessionOrder, "бронь встаёт сразу за указанной записью")

	waiting, err := store.WaitingOrdered(1, s1, testDate)
	require.NoError(t, err)
	require.Len(t, waiting, 4)
	assert.Equal(t, e1.ID, waiting[0].ID)
	assert.Equal(t, ph.ID, waiting[1].ID)
	assert.Equal(t, e2.ID, waiting[2].ID)
	assert.Equal(t, e3.ID, waiting[3].ID)
	assertDense(t, store, s1)
}

// Инвариант вместимости: назначение никогда не переполняет сеанс.
func TestCapacityInvariant(t *testing.T) {
	eng, store := newEngine(t)
	s1 := addSession(t, store, 1, 3)
	s2 := addSession(t, store, 2, 2)

	for i := 0; i < 5; i++ {
		place(t, eng, store, 0, fmt.Sprintf("010-%04d", i))
	}
	occ1, err := eng.Occupancy(1, s1, testDate)
	require.NoError(t, err)
	occ2, err := eng.Occupancy(1, s2, testDate)
	require.NoError(t, err)
	assert.LessOrEqual(t, occ1, 3)
	assert.LessOrEqual(t, occ2, 2)

	_, _, err = eng.AssignNext(1, testDate, 0)
	assert.Error(t, err)
}
