// Package businessday управляет жизненным циклом рабочего дня точки:
// NoActiveDay → Open → Closed (→ Open повторно, по правилу открытия).
package businessday

import (
	"errors"
	"fmt"
	"time"

	"waitline/internal/models"
	"waitline/internal/schedule"
	"waitline/internal/storage"
)

var (
	// ErrAlreadyOpen — у точки уже есть открытый рабочий день.
	ErrAlreadyOpen = errors.New("рабочий день уже открыт")
	// ErrNotOpen — операция требует открытого рабочего дня.
	ErrNotOpen = errors.New("рабочий день не открыт")
)

// Service реализует операции открытия и закрытия рабочего дня.
type Service struct {
	store storage.Store
	now   func() time.Time
}

func NewService(store storage.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// NewServiceAt создаёт сервис с подменённым источником времени (тесты).
func NewServiceAt(store storage.Store, now func() time.Time) *Service {
	return &Service{store: store, now: now}
}

// ActiveDate возвращает активную рабочую дату точки: дату открытого дня,
// если он есть, иначе логическую дату от текущего времени и часа начала дня.
func (s *Service) ActiveDate(locationID uint) (string, error) {
	day, err := s.store.OpenBusinessDay(locationID)
	if err == nil {
		return day.BusinessDate, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	settings, err := s.store.SettingsFor(locationID)
	if err != nil {
		return "", err
	}
	return schedule.BusinessDate(s.now(), settings.DayStartHour), nil
}

// Open открывает рабочий день точки.
//
// Strict: если последняя строка ровно сегодняшней даты закрыта, тот же день
// переоткрывается с сохранением идентичности (случайное закрытие); открытая
// строка даёт ErrAlreadyOpen. Flexible: закрытый день не переоткрывается
// никогда — дата сдвигается вперёд до первой, на которую нет ни одной
// строки (несколько рабочих дней внутри одних календарных суток для
// круглосуточных точек).
//
// Зависшие ожидающие прошлой даты либо принудительно завершаются
// (настроенным конечным статусом), либо переносятся в новый день с
// пересчётом номеров с нуля — до того, как день примет первую регистрацию.
func (s *Service) Open(locationID uint) (*models.BusinessDay, error) {
	if _, err := s.store.OpenBusinessDay(locationID); err == nil {
		return nil, ErrAlreadyOpen
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	settings, err := s.store.SettingsFor(locationID)
	if err != nil {
		return nil, err
	}
	today := schedule.BusinessDate(s.now(), settings.DayStartHour)

	var day *models.BusinessDay
	switch settings.OpeningRule {
	case models.OpeningRuleFlexible:
		date := today
		for {
			_, err := s.store.BusinessDayByDate(locationID, date)
			if errors.Is(err, storage.ErrNotFound) {
				break
			}
			if err != nil {
				return nil, err
			}
			next, err := schedule.NextDate(date)
			if err != nil {
				return nil, err
			}
			date = next
		}
		day = &models.BusinessDay{LocationID: locationID, BusinessDate: date, OpeningTime: s.now()}
	default: // strict
		existing, err := s.store.BusinessDayByDate(locationID, today)
		switch {
		case err == nil && existing.IsClosed:
			// Переоткрытие той же даты после случайного закрытия.
			existing.IsClosed = false
			existing.ClosingTime = nil
			day = existing
		case err == nil:
			return nil, ErrAlreadyOpen
		case errors.Is(err, storage.ErrNotFound):
			day = &models.BusinessDay{LocationID: locationID, BusinessDate: today, OpeningTime: s.now()}
		default:
			return nil, err
		}
	}

	if err := s.sweepLeftovers(locationID, day.BusinessDate, settings); err != nil {
		return nil, err
	}

	if err := s.store.SaveBusinessDay(day); err != nil {
		return nil, err
	}
	return day, nil
}

// Close закрывает активный рабочий день: завершает зависших ожидающих
// по политике автозакрытия, замораживает итоги и помечает день закрытым.
func (s *Service) Close(locationID uint) (*models.BusinessDay, error) {
	day, err := s.store.OpenBusinessDay(locationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotOpen
	}
	if err != nil {
		return nil, err
	}

	settings, err := s.store.SettingsFor(locationID)
	if err != nil {
		return nil, err
	}

	if settings.AutoCloseLeft {
		if err := s.forceFinish(locationID, day.BusinessDate, settings.AutoCloseStatus); err != nil {
			return nil, err
		}
	}

	all, err := s.store.EntriesForDate(locationID, day.BusinessDate)
	if err != nil {
		return nil, err
	}
	day.TotalWaiting = len(all)
	day.TotalAttended = 0
	day.TotalCancelled = 0
	for _, e := range all {
		switch e.Status {
		case models.StatusAttended:
			day.TotalAttended++
		case models.StatusCancelled, models.StatusNoShow:
			day.TotalCancelled++
		}
	}

	now := s.now()
	day.IsClosed = true
	day.ClosingTime = &now
	if err := s.store.SaveBusinessDay(day); err != nil {
		return nil, err
	}
	return day, nil
}

// sweepLeftovers разбирает ожидающих, оставшихся с прошлой рабочей даты.
func (s *Service) sweepLeftovers(locationID uint, newDate string, settings models.LocationSettings) error {
	last, err := s.store.LastBusinessDay(locationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if last.BusinessDate == newDate {
		// Переоткрытие той же даты: записи дня остаются как есть.
		return nil
	}

	if settings.AutoCloseLeft {
		return s.forceFinish(locationID, last.BusinessDate, settings.AutoCloseStatus)
	}
	return s.carryForward(locationID, last.BusinessDate, newDate)
}

// forceFinish принудительно завершает всех ожидающих даты.
func (s *Service) forceFinish(locationID uint, date, terminalStatus string) error {
	if terminalStatus != models.StatusAttended && terminalStatus != models.StatusCancelled {
		return fmt.Errorf("недопустимый статус автозакрытия %q", terminalStatus)
	}
	waiting, err := s.store.EntriesByStatus(locationID, date, models.StatusWaiting)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range waiting {
		waiting[i].Status = terminalStatus
		if terminalStatus == models.StatusAttended {
			waiting[i].AttendedAt = &now
		} else {
			waiting[i].CancelledAt = &now
		}
	}
	return s.store.UpdateEntries(waiting)
}

// carryForward переносит ожидающих прошлой даты в новый день: рабочая дата
// и номер талона переписываются, номера и позиции пересчитываются с нуля
// с сохранением исходного порядка. Перенесённые встают раньше любых
// регистраций нового дня, потому что открытие дня предшествует им.
func (s *Service) carryForward(locationID uint, fromDate, toDate string) error {
	waiting, err := s.store.EntriesByStatus(locationID, fromDate, models.StatusWaiting)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	perSession := make(map[uint]int)
	for i := range waiting {
		waiting[i].BusinessDate = toDate
		waiting[i].WaitingNumber = i + 1
		perSession[waiting[i].SessionID]++
		waiting[i].SessionOrder = perSession[waiting[i].SessionID]
	}
	return s.store.UpdateEntries(waiting)
}
