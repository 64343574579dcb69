package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"waitline/internal/fanout"
	"waitline/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Настраиваем апгрейдер для WebSocket с разрешением всех источников.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler обновляет соединения до WebSocket и подписывает их на события точки.
type Handler struct {
	manager *fanout.Manager
	store   storage.Store
}

func NewHandler(manager *fanout.Manager, store storage.Store) *Handler {
	return &Handler{manager: manager, store: store}
}

// Stream обновляет соединение до WebSocket и подписывает клиента на точку.
// Роль задаётся query-параметром role (admin|board|reception), по умолчанию board.
// Лимит подключений из настроек точки действует только на роль admin:
// табло и стойка — это единичные служебные экраны, их лимит не касается.
// URL-пример: /api/locations/{id}/stream?role=admin
func (h *Handler) Stream(c *gin.Context) {
	locationID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Некорректный ID точки"})
		return
	}

	role := c.DefaultQuery("role", fanout.RoleBoard)

	settings, err := h.store.SettingsFor(uint(locationID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Не удалось получить настройки точки"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		http.Error(c.Writer, "Ошибка обновления до WebSocket", http.StatusInternalServerError)
		return
	}

	maxConns := 0
	if role == fanout.RoleAdmin {
		maxConns = settings.MaxDashboardConns
	}

	scope := fanout.LocationScope(uint(locationID))
	sub, err := h.manager.Subscribe(scope, role, c.ClientIP(), c.Request.UserAgent(), maxConns, fanout.Policy(settings.EvictionPolicy))
	if err != nil {
		// Лимит достигнут при политике block_new: сообщаем причину и закрываем.
		rejected := fanout.Event{
			Event:      fanout.EventConnRejected,
			Data:       map[string]any{"reason": "connection_limit", "max_connections": maxConns},
			LocationID: scope,
		}
		writeEvent(conn, rejected)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit"))
		conn.Close()
		return
	}

	client := &client{manager: h.manager, conn: conn, sub: sub}
	go client.writePump()
	client.readPump()
}

// client — одно живое WebSocket-подключение поверх подписки менеджера.
type client struct {
	manager *fanout.Manager
	conn    *websocket.Conn
	sub     *fanout.Subscription
}

// readPump читает входящие кадры. Клиенты ничего не присылают,
// чтение нужно только для обработки pong и обнаружения разрыва.
func (c *client) readPump() {
	defer func() {
		c.manager.Unsubscribe(c.sub.Scope, c.sub.ID)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump вычитывает очередь подписки и пишет кадры клиенту.
// Закрытие канала подписки означает, что менеджер её снял
// (вытеснение, принудительное отключение или переполнение очереди).
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"))
				return
			}
			if err := writeEvent(c.conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev fanout.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Не удалось сериализовать событие %s: %v", ev.Event, err)
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
