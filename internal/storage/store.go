package storage

import (
	"errors"

	"waitline/internal/models"
)

// ErrNotFound возвращается, когда запрошенная строка отсутствует.
var ErrNotFound = errors.New("запись не найдена")

// Store — граница с хранилищем, которую видит бизнес-логика.
// Реализации: GormStore (postgres) и MemStore (тесты).
type Store interface {
	// Каталог сеансов.
	ActiveSessions(locationID uint) ([]models.Session, error) // активные, по порядковому номеру
	SessionByID(id uint) (*models.Session, error)
	CreateSession(s *models.Session) error // отклоняет дубликат (точка, тип дня, порядковый номер)

	// Реестр закрытий.
	ClosedSessionIDs(locationID uint, date string) ([]uint, error)
	AddClosure(locationID uint, date string, sessionID uint) error
	RemoveClosure(locationID uint, date string, sessionID uint) error

	// Календарь.
	IsHoliday(locationID uint, date string) (bool, error)

	// Записи очереди.
	EntryByID(id uint) (*models.QueueEntry, error)
	SaveEntry(e *models.QueueEntry) error
	UpdateEntry(e *models.QueueEntry) error
	UpdateEntries(entries []models.QueueEntry) error
	CountByStatus(locationID, sessionID uint, date string, statuses ...string) (int, error)
	WaitingOrdered(locationID, sessionID uint, date string) ([]models.QueueEntry, error) // по позиции в сеансе
	EntriesForDate(locationID uint, date string) ([]models.QueueEntry, error)            // по номеру талона
	EntriesByStatus(locationID uint, date, status string) ([]models.QueueEntry, error)
	WaitingByPhone(locationID uint, date, phone string) (*models.QueueEntry, error)
	WaitingCount(locationID uint, date string) (int, error)
	NextWaitingNumber(locationID uint, date string) (int, error)

	// Рабочие дни.
	OpenBusinessDay(locationID uint) (*models.BusinessDay, error)
	BusinessDayByDate(locationID uint, date string) (*models.BusinessDay, error) // последняя строка даты
	LastBusinessDay(locationID uint) (*models.BusinessDay, error)               // самая свежая строка в любом состоянии
	SaveBusinessDay(d *models.BusinessDay) error

	// Точки и настройки.
	LocationByID(id uint) (*models.Location, error)
	Locations() ([]models.Location, error)
	SettingsFor(locationID uint) (models.LocationSettings, error) // всегда нормализованные
}
