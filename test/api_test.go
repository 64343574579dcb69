package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"waitline/internal/assign"
	"waitline/internal/auth"
	"waitline/internal/businessday"
	"waitline/internal/fanout"
	"waitline/internal/handlers"
	"waitline/internal/models"
	"waitline/internal/schedule"
	"waitline/internal/service"
	"waitline/internal/storage"
	"waitline/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AuthMiddlewareTest подменяет настоящую авторизацию: роль берётся
// из заголовка X-Test-Role, по умолчанию admin.
func AuthMiddlewareTest() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("staffID", uint(1))
		role := c.Request.Header.Get("X-Test-Role")
		if role == "" {
			role = "admin"
		}
		c.Set("staffRole", role)
		c.Next()
	}
}

type testEnv struct {
	server *httptest.Server
	store  *storage.MemStore
	bus    *service.Bus
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemStore()
	store.AddLocation(models.Location{Name: "Тестовая точка", BrandID: "brand-1"})
	store.PutSettings(models.Defaults(1))

	manager := fanout.NewManager()
	bus := service.NewBus(manager)
	t.Cleanup(bus.Close)

	engine := assign.NewEngine(store, schedule.NewCalendar(store))
	days := businessday.NewService(store)
	svc := service.NewRegistrationService(store, engine, days, bus)

	h := handlers.NewHandler(store, svc, days, engine, manager)
	stream := ws.NewHandler(manager, store)

	r := gin.New()

	public := r.Group("/api")
	{
		public.POST("/locations/:id/entries", h.RegisterEntry)
		public.GET("/locations/:id/entries", h.QueueSnapshot)
		public.GET("/locations/:id/stream", stream.Stream)
	}

	staff := r.Group("/api", AuthMiddlewareTest())
	{
		staff.POST("/entries/:id/status", h.TransitionEntry)
		staff.POST("/entries/:id/move", h.MoveEntry)
		staff.POST("/entries/:id/placeholder", h.InsertPlaceholder)
	}

	admin := r.Group("/api", AuthMiddlewareTest(), auth.AdminOnly())
	{
		admin.POST("/locations/:id/sessions", h.CreateSession)
		admin.POST("/sessions/:id/close", h.CloseSession)
		admin.POST("/sessions/:id/reopen", h.ReopenSession)
		admin.POST("/locations/:id/day/open", h.OpenDay)
		admin.POST("/locations/:id/day/close", h.CloseDay)
		admin.GET("/locations/:id/connections", h.Connections)
		admin.DELETE("/locations/:id/connections/:connID", h.DropConnection)
	}

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store, bus: bus}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(e.server.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// readFrame читает кадры подключения, пропуская heartbeat, до нужного события.
func readFrame(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err, "не дождались события %s", event)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(payload, &frame))
		if frame["event"] == event {
			return frame
		}
	}
}

func TestQueueFlow(t *testing.T) {
	env := setupTestServer(t)

	// Рабочий день и сеанс.
	resp := env.post(t, "/api/locations/1/day/open", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/locations/1/sessions", map[string]any{
		"ordinal": 1, "name": "Первый сеанс", "capacity": 3,
		"mon": true, "tue": true, "wed": true, "thu": true, "fri": true, "sat": true, "sun": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Подключаем административный дашборд.
	wsURL := strings.Replace(env.server.URL, "http://", "ws://", 1) + "/api/locations/1/stream?role=admin"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Регистрация посетителя.
	resp = env.post(t, "/api/locations/1/entries", map[string]any{
		"phone": "010-1234-5678", "display_name": "Ким", "party_size": 2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entry := decode[handlers.EntryResponse](t, resp)
	assert.Equal(t, 1, entry.WaitingNumber)
	assert.Equal(t, 1, entry.SessionOrder)
	assert.Equal(t, models.StatusWaiting, entry.Status)

	frame := readFrame(t, conn, fanout.EventNewEntry)
	data := frame["data"].(map[string]any)
	assert.EqualValues(t, 1, data["waiting_number"])

	// Повторная регистрация того же телефона отклоняется.
	resp = env.post(t, "/api/locations/1/entries", map[string]any{"phone": "010-1234-5678"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	errBody := decode[map[string]any](t, resp)
	assert.Equal(t, "ALREADY_WAITING", errBody["code"])

	// Вызов посетителя.
	entryPath := fmt.Sprintf("/api/entries/%d/status", entry.ID)
	resp = env.post(t, entryPath, map[string]any{"status": models.StatusCalled})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	called := decode[handlers.EntryResponse](t, resp)
	assert.Equal(t, models.StatusCalled, called.Status)

	frame = readFrame(t, conn, fanout.EventStatusChanged)
	data = frame["data"].(map[string]any)
	assert.Equal(t, models.StatusCalled, data["status"])

	// Снимок очереди.
	httpResp, err := http.Get(env.server.URL + "/api/locations/1/entries")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	snapshot := decode[handlers.QueueSnapshotResponse](t, httpResp)
	require.Len(t, snapshot.Sessions, 1)
	assert.Equal(t, 1, snapshot.Sessions[0].Occupancy)

	// Обслужен, затем закрытие дня с итогами.
	resp = env.post(t, entryPath, map[string]any{"status": models.StatusAttended})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/locations/1/day/close", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	day := decode[handlers.BusinessDayResponse](t, resp)
	assert.True(t, day.IsClosed)
	assert.Equal(t, 1, day.TotalAttended)
}

func TestSessionCloseExcludesFromAssignment(t *testing.T) {
	env := setupTestServer(t)

	resp := env.post(t, "/api/locations/1/day/open", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	sessionIDs := make([]uint, 0, 2)
	for ordinal := 1; ordinal <= 2; ordinal++ {
		resp = env.post(t, "/api/locations/1/sessions", map[string]any{
			"ordinal": ordinal, "name": "Сеанс", "capacity": 2,
			"mon": true, "tue": true, "wed": true, "thu": true, "fri": true, "sat": true, "sun": true,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		created := decode[handlers.SessionCreatedResponse](t, resp)
		require.NotZero(t, created.SessionID)
		sessionIDs = append(sessionIDs, created.SessionID)
	}

	resp = env.post(t, fmt.Sprintf("/api/sessions/%d/close", sessionIDs[0]), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/locations/1/entries", map[string]any{"phone": "010-1111-2222"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entry := decode[handlers.EntryResponse](t, resp)
	assert.Equal(t, sessionIDs[1], entry.SessionID, "закрытый сеанс пропускается")

	resp = env.post(t, fmt.Sprintf("/api/sessions/%d/reopen", sessionIDs[0]), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/locations/1/entries", map[string]any{"phone": "010-3333-4444"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entry = decode[handlers.EntryResponse](t, resp)
	assert.Equal(t, sessionIDs[0], entry.SessionID)
}

// Возврат в waiting не входит в допустимые переводы статуса:
// запрос отклоняется валидацией, а не ошибкой предметной области.
func TestTransitionWaitingRejectedByValidation(t *testing.T) {
	env := setupTestServer(t)

	resp := env.post(t, "/api/entries/1/status", map[string]any{"status": models.StatusWaiting})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := decode[map[string]any](t, resp)
	assert.Equal(t, "VALIDATION_ERROR", errBody["code"])
}

func TestAdminOnlyGuard(t *testing.T) {
	env := setupTestServer(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/locations/1/day/open", nil)
	require.NoError(t, err)
	req.Header.Set("X-Test-Role", "reception")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConnectionLimitBlockNew(t *testing.T) {
	env := setupTestServer(t)

	settings := models.Defaults(1)
	settings.MaxDashboardConns = 1
	settings.EvictionPolicy = models.PolicyBlockNew
	env.store.PutSettings(settings)

	wsURL := strings.Replace(env.server.URL, "http://", "ws://", 1) + "/api/locations/1/stream?role=admin"
	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()

	// Тот же адрес и клиент — это переподключение, оно вытесняет старое.
	// Лимит проверяем другим User-Agent.
	header := http.Header{"User-Agent": []string{"второй дашборд"}}
	second, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer second.Close()

	frame := readFrame(t, second, fanout.EventConnRejected)
	data := frame["data"].(map[string]any)
	assert.Equal(t, "connection_limit", data["reason"])

	// Дальше сервер закрывает соединение.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	assert.Error(t, err)
}
