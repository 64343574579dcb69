package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"
	"waitline/internal/assign"
	"waitline/internal/businessday"
	"waitline/internal/fanout"
	"waitline/internal/models"
	"waitline/internal/response"
	"waitline/internal/service"
	"waitline/internal/storage"

	"github.com/gin-gonic/gin"
)

// Handler связывает HTTP-слой с сервисами очереди.
type Handler struct {
	store   storage.Store
	svc     *service.RegistrationService
	days    *businessday.Service
	engine  *assign.Engine
	manager *fanout.Manager
}

func NewHandler(store storage.Store, svc *service.RegistrationService, days *businessday.Service, engine *assign.Engine, manager *fanout.Manager) *Handler {
	return &Handler{store: store, svc: svc, days: days, engine: engine, manager: manager}
}

type RegisterEntryRequest struct {
	Phone       string `json:"phone" binding:"required"`
	DisplayName string `json:"display_name"`
	PartySize   int    `json:"party_size"`
	SessionHint uint   `json:"session_hint"`
	CustomerID  *uint  `json:"customer_id"`
}

type EntryResponse struct {
	ID            uint   `json:"id"`
	WaitingNumber int    `json:"waiting_number"`
	SessionID     uint   `json:"session_id"`
	SessionOrder  int    `json:"session_order"`
	Status        string `json:"status"`
	DisplayName   string `json:"display_name,omitempty"`
	PartySize     int    `json:"party_size"`
	IsPlaceholder bool   `json:"is_placeholder,omitempty"`
}

func entryResponse(e *models.QueueEntry) EntryResponse {
	return EntryResponse{
		ID:            e.ID,
		WaitingNumber: e.WaitingNumber,
		SessionID:     e.SessionID,
		SessionOrder:  e.SessionOrder,
		Status:        e.Status,
		DisplayName:   e.DisplayName,
		PartySize:     e.PartySize,
		IsPlaceholder: e.IsPlaceholder,
	}
}

// writeServiceError переводит типизированные ошибки сервисов в коды ответа.
func writeServiceError(c *gin.Context, err error) {
	var notOp *service.NotOperatingError
	var dup *service.DuplicateError
	var invalid *service.ValidationError
	var noCap *assign.NoCapacityError

	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    response.CodeValidation,
			Message: "Ошибка валидации данных",
			Details: invalid.Error(),
		})
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, response.ErrorResponse{
			Code:    response.CodeDuplicateEntry,
			Message: "Этот номер телефона уже ожидает",
			Details: "талон №" + strconv.Itoa(dup.WaitingNumber),
		})
	case errors.As(err, &notOp):
		c.JSON(http.StatusConflict, response.ErrorResponse{
			Code:    response.CodeNotOperating,
			Message: "Точка сейчас не принимает регистрации",
			Details: notOp.Error(),
		})
	case errors.As(err, &noCap):
		code := response.CodeCapacityFull
		if noCap.Reason == assign.ReasonIneligible {
			code = response.CodeCapacityIneligible
		}
		c.JSON(http.StatusConflict, response.ErrorResponse{
			Code:    code,
			Message: noCap.Error(),
		})
	case errors.Is(err, service.ErrWaitingLimit):
		c.JSON(http.StatusConflict, response.ErrorResponse{
			Code:    response.CodeWaitingLimit,
			Message: err.Error(),
		})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, response.ErrorResponse{
			Code:    response.CodeNotFound,
			Message: "Запись не найдена",
		})
	case errors.Is(err, businessday.ErrAlreadyOpen):
		c.JSON(http.StatusConflict, response.ErrorResponse{
			Code:    "DAY_ALREADY_OPEN",
			Message: err.Error(),
		})
	case errors.Is(err, businessday.ErrNotOpen):
		c.JSON(http.StatusConflict, response.ErrorResponse{
			Code:    "DAY_NOT_OPEN",
			Message: err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{
			Code:    response.CodeInternal,
			Message: "Внутренняя ошибка сервера",
			Details: err.Error(),
		})
	}
}

func locationParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    response.CodeValidation,
			Message: "Неверный идентификатор точки",
		})
		return 0, false
	}
	return uint(id), true
}

// RegisterEntry обрабатывает регистрацию посетителя в очередь точки
// @Summary		Регистрация в очередь
// @Description	Выдаёт талон, назначает сеанс и уведомляет подписчиков точки
// @Tags			entries
// @Accept			json
// @Produce		json
// @Param			id		path		string					true	"ID точки"
// @Param			entry	body		RegisterEntryRequest	true	"Данные посетителя"
// @Success		201		{object}	EntryResponse			"Выданный талон"
// @Failure		400		{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		409		{object}	response.ErrorResponse	"Отказ предметной области (ALREADY_WAITING, NOT_OPERATING, ALL_SESSIONS_FULL, NO_ELIGIBLE_SESSION, WAITING_LIMIT_REACHED)"
// @Failure		500		{object}	response.ErrorResponse	"Ошибка сервера (INTERNAL_ERROR)"
// @Router			/api/locations/{id}/entries [post]
func (h *Handler) RegisterEntry(c *gin.Context) {
	locationID, ok := locationParam(c)
	if !ok {
		return
	}

	var req RegisterEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    response.CodeValidation,
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	// Персонал со стойки регистрирует посетителей в обход окна работы.
	_, privileged := c.Get("staffID")

	entry, err := h.svc.Register(service.RegisterInput{
		LocationID:  locationID,
		Phone:       req.Phone,
		DisplayName: req.DisplayName,
		PartySize:   req.PartySize,
		SessionHint: req.SessionHint,
		CustomerID:  req.CustomerID,
		Privileged:  privileged,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, entryResponse(entry))
}

type SessionSnapshot struct {
	SessionID uint            `json:"session_id"`
	Name      string          `json:"name"`
	Capacity  int             `json:"capacity"`
	Occupancy int             `json:"occupancy"`
	Closed    bool            `json:"closed"`
	Entries   []EntryResponse `json:"entries"`
}

type QueueSnapshotResponse struct {
	LocationID   uint              `json:"location_id"`
	BusinessDate string            `json:"business_date"`
	Sessions     []SessionSnapshot `json:"sessions"`
}

// QueueSnapshot обрабатывает запрос текущего состояния очереди точки
// @Summary		Состояние очереди
// @Description	Возвращает сеансы рабочей даты с занятостью и упорядоченными записями
// @Tags			entries
// @Produce		json
// @Param			id	path		string	true	"ID точки"
// @Success		200	{object}	QueueSnapshotResponse	"Текущее состояние"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		409	{object}	response.ErrorResponse	"Рабочий день не открыт (DAY_NOT_OPEN)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (INTERNAL_ERROR)"
// @Router			/api/locations/{id}/entries [get]
func (h *Handler) QueueSnapshot(c *gin.Context) {
	locationID, ok := locationParam(c)
	if !ok {
		return
	}

	day, err := h.store.OpenBusinessDay(locationID)
	if errors.Is(err, storage.ErrNotFound) {
		writeServiceError(c, businessday.ErrNotOpen)
		return
	}
	if err != nil {
		writeServiceError(c, err)
		return
	}

	sessions, err := h.store.ActiveSessions(locationID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	closedIDs, err := h.store.ClosedSessionIDs(locationID, day.BusinessDate)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	closed := make(map[uint]bool, len(closedIDs))
	for _, id := range closedIDs {
		closed[id] = true
	}

	out := QueueSnapshotResponse{
		LocationID:   locationID,
		BusinessDate: day.BusinessDate,
		Sessions:     make([]SessionSnapshot, 0, len(sessions)),
	}
	for _, sess := range sessions {
		occupancy, err := h.engine.Occupancy(locationID, sess.ID, day.BusinessDate)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		entries, err := h.store.WaitingOrdered(locationID, sess.ID, day.BusinessDate)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		snap := SessionSnapshot{
			SessionID: sess.ID,
			Name:      sess.Name,
			Capacity:  sess.Capacity,
			Occupancy: occupancy,
			Closed:    closed[sess.ID],
			Entries:   make([]EntryResponse, 0, len(entries)),
		}
		for i := range entries {
			snap.Entries = append(snap.Entries, entryResponse(&entries[i]))
		}
		out.Sessions = append(out.Sessions, snap)
	}

	c.JSON(http.StatusOK, out)
}

type TransitionRequest struct {
	Status string `json:"status" binding:"required,oneof=called attended cancelled no_show"`
}

// TransitionEntry обрабатывает смену статуса записи
// @Summary		Смена статуса записи
// @Description	Переводит запись в новый статус (вызов, обслужен, отмена, неявка) и уведомляет подписчиков
// @Tags			entries
// @Accept			json
// @Produce		json
// @Param			id		path		string				true	"ID записи"
// @Param			status	body		TransitionRequest	true	"Новый статус"
// @Security		BearerAuth
// @Success		200		{object}	EntryResponse			"Обновлённая запись"
// @Failure		400		{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		404		{object}	response.ErrorResponse	"Запись не найдена (NOT_FOUND)"
// @Failure		500		{object}	response.ErrorResponse	"Ошибка сервера (INTERNAL_ERROR)"
// @Router			/api/entries/{id}/status [post]
func (h *Handler) TransitionEntry(c *gin.Context) {
	entryID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    response.CodeValidation,
			Message: "Неверный идентификатор записи",
		})
		return
	}

	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    response.CodeValidation,
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	entry, err := h.svc.Transition(uint(entryID), req.Status)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, entryResponse(entry))
}

type MoveRequest struct {
	SessionID uint `json:"session_id" binding:"required"`
}

// MoveEntry обрабатывает перенос записи в другой сеанс
// @Summary		Перенос записи в другой сеанс
// @Description	Переносит ожидающую запись в конец целевого сеанса с перенумерацией обоих
// @Tags			entries
// @Accept			json
// @Produce		json
// @Param			id		path		string		true	"ID записи"
// @Param			target	body		MoveRequest	true	"Целевой сеанс"
// @Security		BearerAuth
// @Success		200		{object}	EntryResponse			"Обновлённая запись"
// @Failure		400		{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		404		{object}	response.ErrorResponse	"Запись или сеанс не найдены (NOT_FOUND)"
// @Failure		500		{object}	response.ErrorResponse	"Ошибка сервера (INTERNAL_ERROR)"
// @Router			/api/entries/{id}/move [post]
func (h *Handler) MoveEntry(c *gin.Context) {
	entryID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    response.CodeValidation,
			Message: "Неверный идентификатор записи",
		})
		return
	}

	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    response.CodeValidation,
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	entry, err := h.svc.Reassign(uint(entryID), req.SessionID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, entryResponse(entry))
}

// InsertPlaceholder обрабатывает вставку ручной брони после записи
// @Summary		Вставка брони
// @Description	Вставляет ручную бронь сразу после указанной записи с уплотнением позиций
// @Tags			entries
// @Produce		json
// @Param			id	path		string	true	"ID записи, после которой вставить"
// @Security		BearerAuth
// @Success		201	{object}	EntryResponse			"Созданная бронь"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Failure		404	{object}	response.ErrorResponse	"Запись не найдена (NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (INTERNAL_ERROR)"
// @Router			/api/entries/{id}/placeholder [post]
func (h *Handler) InsertPlaceholder(c *gin.Context) {
	entryID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    response.CodeValidation,
			Message: "Неверный идентификатор записи",
		})
		return
	}

	entry, err := h.svc.InsertPlaceholder(uint(entryID))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, entryResponse(entry))
}

type CreateSessionRequest struct {
	Ordinal  int    `json:"ordinal" binding:"required,min=1"`
	Name     string `json:"name" binding:"required"`
	Capacity int    `json:"capacity" binding:"required,min=1"`
	DayKind  string `json:"day_kind" binding:"omitempty,oneof=all weekday weekend holiday"`
	Mon      bool   `json:"mon"`
	Tue      bool   `json:"tue"`
	Wed      bool   `json:"wed"`
	Thu      bool   `json:"thu"`
	Fri      bool   `json:"fri"`
	Sat      bool   `json:"sat"`
	Sun      bool   `json:"sun"`
}

// SessionCreatedResponse — ответ на создание сеанса.
type SessionCreatedResponse struct {
	Message   string `json:"message"`
	SessionID uint   `json:"session_id"`
}

// CreateSession обрабатывает создание сеанса точки
// @Summary		Создание сеанса
// @Description	Добавляет сеанс с порядковым номером, вместимостью и типом дня
// @Tags			sessions
// @Accept			json
// @Produce		json
// @Param			id		path		string					true	"ID точки"
// @Param			session	body		CreateSessionRequest	true	"Параметры сеанса"
// @Security		BearerAuth
// @Success		201		{object}	SessionCreatedResponse	"Сеанс создан"
// @Failure		400		{object}	response.ErrorResponse		"Ошибка валидации или дубликат порядкового номера (VALIDATION_ERROR)"
// @Failure		500		{object}	response.ErrorResponse		"Ошибка сервера (INTERNAL_ERROR)"
// @Router			/api/locations/{id}/sessions [post]
func (h *Handler) CreateSession(c *gin.Context) {
	locationID, ok := locationParam(c)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    response.CodeValidation,
			Message: "Ошибка валидации данных",
			Details: err.Error(),
		})
		return
	}

	dayKind := req.DayKind
	if dayKind == "" {
		dayKind = models.DayKindAll
	}

	sess := models.Session{
		LocationID: locationID,
		Ordinal:    req.Ordinal,
		Name:       req.Name,
		Capacity:   req.Capacity,
		IsActive:   true,
		DayKind:    dayKind,
		Mon:        req.Mon, Tue: req.Tue, Wed: req.Wed, Thu: req.Thu,
		Fri: req.Fri, Sat: req.Sat, Sun: req.Sun,
	}
	if err := h.store.CreateSession(&sess); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    response.CodeValidation,
			Message: "Не удалось создать сеанс",
			Details: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, SessionCreatedResponse{Message: "Сеанс создан", SessionID: sess.ID})
}

// CloseSession обрабатывает закрытие сеанса на текущую дату
// @Summary		Закрытие сеанса на дату
// @Description	Исключает сеанс из назначения на текущую рабочую дату; уже записанные остаются
// @Tags			sessions
// @Produce		json
// @Param			id	path		string	true	"ID сеанса"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse	"Сеанс закрыт"
// @Failure		404	{object}	response.ErrorResponse		"Сеанс не найден (NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse		"Ошибка сервера (INTERNAL_ERROR)"
// @Router			/api/sessions/{id}/close [post]
func (h *Handler) CloseSession(c *gin.Context) {
	h.toggleSession(c, true)
}

// ReopenSession обрабатывает обратное открытие сеанса
// @Summary		Повторное открытие сеанса
// @Description	Возвращает сеанс в назначение на текущую рабочую дату
// @Tags			sessions
// @Produce		json
// @Param			id	path		string	true	"ID сеанса"
// @Security		BearerAuth
// @Success		200	{object}	response.SuccessResponse	"Сеанс открыт"
// @Failure		404	{object}	response.ErrorResponse		"Сеанс не найден (NOT_FOUND)"
// @Failure		500	{object}	response.ErrorResponse		"Ошибка сервера (INTERNAL_ERROR)"
// @Router			/api/sessions/{id}/reopen [post]
func (h *Handler) ReopenSession(c *gin.Context) {
	h.toggleSession(c, false)
}

func (h *Handler) toggleSession(c *gin.Context, closing bool) {
	sessionID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{
			Code:    response.CodeValidation,
			Message: "Неверный идентификатор сеанса",
		})
		return
	}

	sess, err := h.store.SessionByID(uint(sessionID))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	if closing {
		err = h.svc.CloseSession(sess.LocationID, sess.ID)
	} else {
		err = h.svc.ReopenSession(sess.LocationID, sess.ID)
	}
	if err != nil {
		writeServiceError(c, err)
		return
	}

	msg := "Сеанс открыт"
	if closing {
		msg = "Сеанс закрыт на текущую дату"
	}
	c.JSON(http.StatusOK, response.SuccessResponse{Message: msg})
}

type BusinessDayResponse struct {
	BusinessDate   string     `json:"business_date"`
	OpeningTime    time.Time  `json:"opening_time"`
	ClosingTime    *time.Time `json:"closing_time,omitempty"`
	IsClosed       bool       `json:"is_closed"`
	TotalWaiting   int        `json:"total_waiting"`
	TotalAttended  int        `json:"total_attended"`
	TotalCancelled int        `json:"total_cancelled"`
}

func dayResponse(d *models.BusinessDay) BusinessDayResponse {
	return BusinessDayResponse{
		BusinessDate:   d.BusinessDate,
		OpeningTime:    d.OpeningTime,
		ClosingTime:    d.ClosingTime,
		IsClosed:       d.IsClosed,
		TotalWaiting:   d.TotalWaiting,
		TotalAttended:  d.TotalAttended,
		TotalCancelled: d.TotalCancelled,
	}
}

// OpenDay обрабатывает открытие рабочего дня точки
// @Summary		Открытие рабочего дня
// @Description	Открывает рабочий день по правилу точки; зависшие записи переносятся или закрываются
// @Tags			business-day
// @Produce		json
// @Param			id	path		string	true	"ID точки"
// @Security		BearerAuth
// @Success		200	{object}	BusinessDayResponse		"Открытый день"
// @Failure		409	{object}	response.ErrorResponse	"День уже открыт (DAY_ALREADY_OPEN)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (INTERNAL_ERROR)"
// @Router			/api/locations/{id}/day/open [post]
func (h *Handler) OpenDay(c *gin.Context) {
	locationID, ok := locationParam(c)
	if !ok {
		return
	}

	day, err := h.days.Open(locationID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, dayResponse(day))
}

// CloseDay обрабатывает закрытие рабочего дня точки
// @Summary		Закрытие рабочего дня
// @Description	Закрывает день и фиксирует итоговые счётчики
// @Tags			business-day
// @Produce		json
// @Param			id	path		string	true	"ID точки"
// @Security		BearerAuth
// @Success		200	{object}	BusinessDayResponse		"Закрытый день с итогами"
// @Failure		409	{object}	response.ErrorResponse	"День не открыт (DAY_NOT_OPEN)"
// @Failure		500	{object}	response.ErrorResponse	"Ошибка сервера (INTERNAL_ERROR)"
// @Router			/api/locations/{id}/day/close [post]
func (h *Handler) CloseDay(c *gin.Context) {
	locationID, ok := locationParam(c)
	if !ok {
		return
	}

	day, err := h.days.Close(locationID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, dayResponse(day))
}

// Connections обрабатывает запрос списка подключений точки
// @Summary		Подключения точки
// @Description	Возвращает активные streaming-подключения точки для административного экрана
// @Tags			connections
// @Produce		json
// @Param			id	path		string	true	"ID точки"
// @Security		BearerAuth
// @Success		200	{array}		fanout.SubscriptionInfo	"Активные подключения"
// @Failure		400	{object}	response.ErrorResponse	"Ошибка валидации (VALIDATION_ERROR)"
// @Router			/api/locations/{id}/connections [get]
func (h *Handler) Connections(c *gin.Context) {
	locationID, ok := locationParam(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, h.manager.Status(fanout.LocationScope(locationID)))
}

// DropConnection обрабатывает принудительное отключение подписчика
// @Summary		Принудительное отключение
// @Description	Снимает подписку по её идентификатору; клиент получает прощальный кадр
// @Tags			connections
// @Produce		json
// @Param			id		path		string	true	"ID точки"
// @Param			connID	path		string	true	"ID подключения"
// @Security		BearerAuth
// @Success		200		{object}	response.SuccessResponse	"Подключение снято"
// @Failure		400		{object}	response.ErrorResponse		"Ошибка валидации (VALIDATION_ERROR)"
// @Router			/api/locations/{id}/connections/{connID} [delete]
func (h *Handler) DropConnection(c *gin.Context) {
	locationID, ok := locationParam(c)
	if !ok {
		return
	}

	h.manager.ForceDisconnect(fanout.LocationScope(locationID), c.Param("connID"))
	c.JSON(http.StatusOK, response.SuccessResponse{Message: "Подключение снято"})
}
