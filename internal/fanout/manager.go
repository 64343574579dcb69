package fanout

import (
	"log"
	"sync"
)

// Manager хранит подписки, сгруппированные по скоупу (точка или сеть).
// Один мьютекс закрывает регистрацию, снятие, обход при рассылке и
// проверку квоты с вытеснением: проверка и допуск атомарны, два
// одновременных подключения не пролезут в последний свободный слот.
type Manager struct {
	mu     sync.Mutex
	scopes map[string]map[string]*Subscription
}

func NewManager() *Manager {
	return &Manager{
		scopes: make(map[string]map[string]*Subscription),
	}
}

// Subscribe регистрирует подключение дашборда.
//
// Сначала схлопываются дубликаты: живая подписка с тем же отпечатком
// (скоуп, роль, ip, user-agent) снимается с force_disconnect{duplicate} —
// переподключения планшетов после обрыва Wi-Fi не съедают квоту.
// Затем, при maxConns > 0, применяется политика квоты: BlockNew отклоняет
// новое подключение, EjectOld вытесняет самые старые до входа в лимит.
func (m *Manager) Subscribe(scope, role, remoteAddr, userAgent string, maxConns int, policy Policy) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.scopes[scope]
	if subs == nil {
		subs = make(map[string]*Subscription)
		m.scopes[scope] = subs
	}

	for _, existing := range subs {
		if fingerprintEqual(existing, scope, role, remoteAddr, userAgent) {
			m.dropLocked(existing, "duplicate")
		}
	}

	if maxConns > 0 && len(subs)+1 > maxConns {
		if policy == BlockNew {
			return nil, ErrLimitReached
		}
		// EjectOld: освобождаем места, начиная с самых старых подключений.
		excess := len(subs) + 1 - maxConns
		for _, victim := range oldestFirst(subs) {
			if excess == 0 {
				break
			}
			m.dropLocked(victim, "limit_exceeded")
			excess--
		}
	}

	sub := newSubscription(scope, role, remoteAddr, userAgent)
	subs[sub.ID] = sub
	// removeLocked мог удалить опустевший скоуп из карты, возвращаем его на место.
	m.scopes[scope] = subs
	return sub, nil
}

// Unsubscribe снимает подписку. Повторный вызов для того же id — no-op.
func (m *Manager) Unsubscribe(scope, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.scopes[scope][id]; ok {
		m.removeLocked(sub)
	}
}

// ForceDisconnect принудительно отключает подписку (административная операция).
func (m *Manager) ForceDisconnect(scope, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.scopes[scope][id]; ok {
		m.dropLocked(sub, "forced")
	}
}

// Broadcast раскладывает событие по живым подпискам скоупа.
// targetRole сужает аудиторию (пустая строка — все роли); parentScope
// дублирует событие на сводные дашборды сети. Рассылка никогда не
// блокируется на медленном потребителе и не возвращает ошибок доставки.
func (m *Manager) Broadcast(scope, event string, data map[string]any, targetRole, parentScope string) {
	ev := Event{Event: event, Data: data, LocationID: scope}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.scopes[scope] {
		if targetRole != "" && sub.Role != targetRole {
			continue
		}
		m.sendLocked(sub, ev)
	}
	if parentScope != "" && parentScope != scope {
		for _, sub := range m.scopes[parentScope] {
			m.sendLocked(sub, ev)
		}
	}
}

// Status возвращает метаданные живых подписок скоупа.
func (m *Manager) Status(scope string) []SubscriptionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SubscriptionInfo, 0, len(m.scopes[scope]))
	for _, sub := range oldestFirst(m.scopes[scope]) {
		out = append(out, SubscriptionInfo{
			ID:          sub.ID,
			Role:        sub.Role,
			RemoteAddr:  sub.RemoteAddr,
			UserAgent:   sub.UserAgent,
			ConnectedAt: sub.ConnectedAt,
		})
	}
	return out
}

// Count возвращает число живых подписок скоупа.
func (m *Manager) Count(scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scopes[scope])
}

// sendLocked кладёт событие в очередь подписки без блокировки.
// Переполненная очередь: ping просто выбрасывается, доменное событие
// означает мёртвого получателя — подписка снимается, событие не теряется
// молча на живом потребителе.
func (m *Manager) sendLocked(sub *Subscription, ev Event) {
	if sub.closed {
		return
	}
	select {
	case sub.send <- ev:
	default:
		if ev.Event == EventPing {
			return
		}
		log.Printf("fanout: очередь подписки %s переполнена, снимаем подключение", sub.ID)
		m.removeLocked(sub)
	}
}

// dropLocked шлёт управляющий кадр force_disconnect и снимает подписку.
func (m *Manager) dropLocked(sub *Subscription, reason string) {
	if sub.closed {
		return
	}
	select {
	case sub.send <- Event{
		Event:      EventForceDisconnect,
		Data:       map[string]any{"reason": reason},
		LocationID: sub.Scope,
	}:
	default:
		// Очередь забита — получатель всё равно узнает по закрытию канала.
	}
	m.removeLocked(sub)
}

func (m *Manager) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.send)
	if subs, ok := m.scopes[sub.Scope]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(m.scopes, sub.Scope)
		}
	}
}
