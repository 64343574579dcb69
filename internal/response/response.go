package response

// SuccessResponse представляет успешный ответ API
type SuccessResponse struct {
	Message string `json:"message" example:"Операция успешно выполнена"`
}

// ErrorResponse представляет ответ с ошибкой API
type ErrorResponse struct {
	// Код ошибки для программной обработки
	// example: VALIDATION_ERROR
	Code string `json:"code"`

	// Человекочитаемое сообщение об ошибке
	// example: Ошибка валидации данных
	Message string `json:"message"`

	// Дополнительные детали об ошибке (опционально)
	// example: поле phone должно быть валидным номером телефона
	Details string `json:"details,omitempty"`
}

// TokenResponse представляет ответ с токенами авторизации
type TokenResponse struct {
	// JWT токен для доступа к защищенным эндпоинтам
	// example: eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9...
	AccessToken string `json:"access_token"`

	// JWT токен для обновления access токена
	// example: eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9...
	RefreshToken string `json:"refresh_token"`
}

// Коды ошибок предметной области. Значения стабильны, на них завязаны клиенты.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeDuplicateEntry     = "ALREADY_WAITING"
	CodeNotOperating       = "NOT_OPERATING"
	CodeCapacityFull       = "ALL_SESSIONS_FULL"
	CodeCapacityIneligible = "NO_ELIGIBLE_SESSION"
	CodeWaitingLimit       = "WAITING_LIMIT_REACHED"
	CodeNotFound           = "NOT_FOUND"
	CodeConnRejected       = "CONNECTION_REJECTED"
	CodeInternal           = "INTERNAL_ERROR"
)
