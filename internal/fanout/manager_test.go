package fanout

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "канал подписки закрыт раньше времени")
		return ev
	default:
		t.Fatal("ожидалось событие, очередь пуста")
		return Event{}
	}
}

func TestBroadcastRoleFiltering(t *testing.T) {
	m := NewManager()

	admin, err := m.Subscribe("1", RoleAdmin, "10.0.0.1", "tablet", 0, EjectOld)
	require.NoError(t, err)
	board, err := m.Subscribe("1", RoleBoard, "10.0.0.2", "board", 0, EjectOld)
	require.NoError(t, err)

	m.Broadcast("1", EventNewEntry, map[string]any{"waiting_number": 3}, RoleAdmin, "")

	ev := recvEvent(t, admin)
	assert.Equal(t, EventNewEntry, ev.Event)
	assert.Equal(t, "1", ev.LocationID)
	assert.Len(t, board.Events(), 0, "табло не должно получать событие чужой роли")

	// Без роли — всем подписчикам точки.
	m.Broadcast("1", EventStatusChanged, nil, "", "")
	assert.Equal(t, EventStatusChanged, recvEvent(t, admin).Event)
	assert.Equal(t, EventStatusChanged, recvEvent(t, board).Event)
}

func TestBroadcastParentScope(t *testing.T) {
	m := NewManager()

	monitor, err := m.Subscribe("brand-7", RoleAdmin, "10.0.0.9", "monitor", 0, EjectOld)
	require.NoError(t, err)

	m.Broadcast("1", EventNewEntry, map[string]any{"waiting_number": 1}, RoleAdmin, "brand-7")

	ev := recvEvent(t, monitor)
	assert.Equal(t, EventNewEntry, ev.Event)
	// Событие сводного дашборда сохраняет исходную точку.
	assert.Equal(t, "1", ev.LocationID)
}

func TestDuplicateCollapse(t *testing.T) {
	m := NewManager()

	first, err := m.Subscribe("1", RoleReception, "10.0.0.1", "tablet", 1, EjectOld)
	require.NoError(t, err)

	// Тот же отпечаток — старая подписка снимается до проверки квоты,
	// переподключение не упирается в лимит 1.
	second, err := m.Subscribe("1", RoleReception, "10.0.0.1", "tablet", 1, EjectOld)
	require.NoError(t, err)

	ev := recvEvent(t, first)
	assert.Equal(t, EventForceDisconnect, ev.Event)
	assert.Equal(t, "duplicate", ev.Data["reason"])
	_, open := <-first.Events()
	assert.False(t, open, "канал старой подписки должен быть закрыт")

	status := m.Status("1")
	require.Len(t, status, 1)
	assert.Equal(t, second.ID, status[0].ID)
}

// Сценарий: квота 1, политика EjectOld — старое подключение вытесняется.
func TestQuotaEjectOld(t *testing.T) {
	m := NewManager()

	a, err := m.Subscribe("1", RoleAdmin, "10.0.0.1", "chrome", 1, EjectOld)
	require.NoError(t, err)
	b, err := m.Subscribe("1", RoleAdmin, "10.0.0.2", "firefox", 1, EjectOld)
	require.NoError(t, err)

	ev := recvEvent(t, a)
	assert.Equal(t, EventForceDisconnect, ev.Event)
	assert.Equal(t, "limit_exceeded", ev.Data["reason"])

	status := m.Status("1")
	require.Len(t, status, 1)
	assert.Equal(t, b.ID, status[0].ID)
}

// Сценарий: квота 1, политика BlockNew — новое подключение отклоняется.
func TestQuotaBlockNew(t *testing.T) {
	m := NewManager()

	a, err := m.Subscribe("1", RoleAdmin, "10.0.0.1", "chrome", 1, BlockNew)
	require.NoError(t, err)

	_, err = m.Subscribe("1", RoleAdmin, "10.0.0.2", "firefox", 1, BlockNew)
	assert.ErrorIs(t, err, ErrLimitReached)

	status := m.Status("1")
	require.Len(t, status, 1)
	assert.Equal(t, a.ID, status[0].ID)
	assert.Len(t, a.Events(), 0, "уцелевшая подписка не должна получать управляющих кадров")
}

// Квота не превышается и под конкурентными подключениями.
func TestQuotaConcurrentSubscribe(t *testing.T) {
	m := NewManager()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = m.Subscribe("1", RoleAdmin, fmt.Sprintf("10.0.0.%d", i), "chrome", 3, EjectOld)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, m.Count("1"), 3)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	m := NewManager()

	sub, err := m.Subscribe("1", RoleAdmin, "10.0.0.1", "chrome", 0, EjectOld)
	require.NoError(t, err)

	m.Unsubscribe("1", sub.ID)
	assert.NotPanics(t, func() { m.Unsubscribe("1", sub.ID) })
	assert.Equal(t, 0, m.Count("1"))
}

func TestForceDisconnect(t *testing.T) {
	m := NewManager()

	sub, err := m.Subscribe("1", RoleBoard, "10.0.0.1", "board", 0, EjectOld)
	require.NoError(t, err)

	m.ForceDisconnect("1", sub.ID)

	ev := recvEvent(t, sub)
	assert.Equal(t, EventForceDisconnect, ev.Event)
	assert.Equal(t, "forced", ev.Data["reason"])
	assert.Equal(t, 0, m.Count("1"))
}

// Переполненная очередь: ping выбрасывается без последствий,
// доменное событие снимает мёртвого получателя.
func TestFullQueueBehaviour(t *testing.T) {
	m := NewManager()

	sub, err := m.Subscribe("1", RoleBoard, "10.0.0.1", "board", 0, EjectOld)
	require.NoError(t, err)
	require.NotNil(t, sub)

	for i := 0; i < sendBuffer; i++ {
		m.Broadcast("1", EventStatusChanged, map[string]any{"i": i}, "", "")
	}
	require.Equal(t, 1, m.Count("1"))

	m.Broadcast("1", EventPing, nil, "", "")
	assert.Equal(t, 1, m.Count("1"), "ping в полную очередь не должен снимать подписку")

	m.Broadcast("1", EventStatusChanged, nil, "", "")
	assert.Equal(t, 0, m.Count("1"), "доменное событие в полную очередь означает мёртвого получателя")
}

func TestBroadcastToEmptyScope(t *testing.T) {
	m := NewManager()
	assert.NotPanics(t, func() {
		m.Broadcast("99", EventNewEntry, nil, "", "")
	})
}
