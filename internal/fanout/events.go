// Package fanout маршрутизирует живые события по подпискам дашбордов.
// Менеджер создаётся явно в точке сборки приложения и передаётся по ссылке:
// никакого глобального состояния, в тестах поднимается свежий экземпляр.
package fanout

import (
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// LocationScope возвращает скоуп подписок точки. Сводные дашборды сети
// подписываются напрямую на идентификатор сети (Location.BrandID).
func LocationScope(locationID uint) string {
	return strconv.FormatUint(uint64(locationID), 10)
}

// Имена событий публичной схемы. Клиенты обязаны игнорировать незнакомые поля.
const (
	EventNewEntry        = "new_entry"
	EventStatusChanged   = "status_changed"
	EventOrderChanged    = "order_changed"
	EventSessionClosed   = "session_closed"
	EventSessionReopened = "session_reopened"
	EventClassMoved      = "class_moved"
	EventForceDisconnect = "force_disconnect"
	EventConnRejected    = "connection_rejected"
	EventPing            = "ping"
)

// Роли подписчиков. Роль — свободная строка, эти три встроены в рассылку регистрации.
const (
	RoleAdmin     = "admin"
	RoleBoard     = "board"
	RoleReception = "reception"
)

// Policy определяет поведение при превышении лимита подключений.
type Policy string

const (
	EjectOld Policy = "eject_old" // вытеснить самые старые подключения
	BlockNew Policy = "block_new" // отклонить новое подключение
)

// ErrLimitReached возвращается из Subscribe при политике BlockNew:
// подписка не зарегистрирована, транспорт обязан сам закрыть соединение.
var ErrLimitReached = errors.New("достигнут лимит подключений")

// Event — кадр публичной схемы, сериализуется транспортом как есть.
type Event struct {
	Event      string         `json:"event"`
	Data       map[string]any `json:"data"`
	LocationID string         `json:"location_id"`
}

// Subscription — одно живое подключение. Живёт ровно столько, сколько соединение.
type Subscription struct {
	ID          string
	Scope       string // идентификатор точки либо сводный скоуп сети
	Role        string
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	send   chan Event
	closed bool // под мьютексом менеджера
}

// Events возвращает исходящую очередь подписки; транспорт её вычитывает.
// Закрытие канала означает, что менеджер снял подписку.
func (s *Subscription) Events() <-chan Event {
	return s.send
}

// SubscriptionInfo — метаданные подписки для административных экранов.
type SubscriptionInfo struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent"`
	ConnectedAt time.Time `json:"connected_at"`
}

const sendBuffer = 256

func newSubscription(scope, role, remoteAddr, userAgent string) *Subscription {
	return &Subscription{
		ID:          uuid.New().String(),
		Scope:       scope,
		Role:        role,
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: time.Now(),
		send:        make(chan Event, sendBuffer),
	}
}

func fingerprintEqual(a *Subscription, scope, role, remoteAddr, userAgent string) bool {
	return a.Scope == scope && a.Role == role && a.RemoteAddr == remoteAddr && a.UserAgent == userAgent
}

// oldestFirst возвращает подписки скоупа по возрастанию времени подключения.
func oldestFirst(subs map[string]*Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
