package service

import (
	"errors"
	"fmt"
)

// Причины отказа NotOperatingError.
const (
	NotOperatingClosed = "not_open"      // рабочий день не открыт
	NotOperatingHours  = "outside_hours" // вне часов работы
	NotOperatingBreak  = "break"         // перерыв
)

// NotOperatingError — точка сейчас не принимает регистрации.
// Часы работы вкладываются в ошибку, чтобы клиент показал их посетителю.
type NotOperatingError struct {
	Reason    string
	OpenTime  string
	CloseTime string
}

func (e *NotOperatingError) Error() string {
	switch e.Reason {
	case NotOperatingHours:
		return fmt.Sprintf("приём ведётся с %s до %s", e.OpenTime, e.CloseTime)
	case NotOperatingBreak:
		return "сейчас перерыв, попробуйте позже"
	default:
		return "рабочий день не открыт"
	}
}

// DuplicateError — этот телефон уже ожидает на текущую рабочую дату.
type DuplicateError struct {
	WaitingNumber int
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("этот номер телефона уже в очереди, талон №%d", e.WaitingNumber)
}

// ValidationError — некорректные данные регистрации.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ErrWaitingLimit — достигнут общий лимит ожидающих точки.
var ErrWaitingLimit = errors.New("достигнут лимит ожидающих, регистрация остановлена")
