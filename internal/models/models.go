package models

import (
	"time"

	"gorm.io/gorm"
)

// Статусы записи в очереди.
const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusAttended  = "attended"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no_show"
)

// Типы сеансов по дням недели.
const (
	DayKindWeekday = "weekday" // только будни
	DayKindWeekend = "weekend" // только выходные
	DayKindHoliday = "holiday" // только праздники
	DayKindAll     = "all"     // все дни по недельной карте
)

// Политики вытеснения подключений дашбордов.
const (
	PolicyEjectOld = "eject_old" // выгоняем самое старое подключение
	PolicyBlockNew = "block_new" // отклоняем новое подключение
)

// Правила открытия рабочего дня.
const (
	OpeningRuleStrict   = "strict"   // закрытый день той же даты можно переоткрыть
	OpeningRuleFlexible = "flexible" // дата сдвигается вперёд до первой свободной
)

type StaffUser struct {
	gorm.Model
	Name         string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null;default:reception"` // admin | reception
	LocationID   uint   `gorm:"index"`
}

type Location struct {
	gorm.Model
	Name    string `gorm:"not null"`
	BrandID string `gorm:"index"` // Идентификатор сети для сводных дашбордов (пусто — точка вне сети)
}

// Session — сеанс (период), в который записываются посетители.
type Session struct {
	gorm.Model
	LocationID uint   `gorm:"index;not null"`
	Ordinal    int    `gorm:"index;not null"` // Порядковый номер, задаёт порядок обхода при назначении
	Name       string `gorm:"not null"`
	Capacity   int    `gorm:"not null"` // Число мест, строго положительное
	IsActive   bool   `gorm:"default:true"`
	DayKind    string `gorm:"not null;default:all"`
	// Недельная карта, используется только при DayKind == all.
	Mon bool `gorm:"default:true"`
	Tue bool `gorm:"default:true"`
	Wed bool `gorm:"default:true"`
	Thu bool `gorm:"default:true"`
	Fri bool `gorm:"default:true"`
	Sat bool `gorm:"default:true"`
	Sun bool `gorm:"default:true"`
}

// EnabledOn сообщает, включён ли день недели в недельной карте сеанса.
func (s Session) EnabledOn(wd time.Weekday) bool {
	switch wd {
	case time.Monday:
		return s.Mon
	case time.Tuesday:
		return s.Tue
	case time.Wednesday:
		return s.Wed
	case time.Thursday:
		return s.Thu
	case time.Friday:
		return s.Fri
	case time.Saturday:
		return s.Sat
	default:
		return s.Sun
	}
}

// QueueEntry — запись посетителя в очереди на рабочую дату.
type QueueEntry struct {
	gorm.Model
	LocationID    uint   `gorm:"index;not null;uniqueIndex:idx_waiting_phone"`
	BusinessDate  string `gorm:"index;not null;uniqueIndex:idx_waiting_phone"` // Логическая рабочая дата в формате 2006-01-02
	WaitingNumber int    `gorm:"index;not null"`                               // Сквозной номер талона в рамках рабочей даты
	SessionID     uint   `gorm:"index;not null"`
	SessionOrder  int    `gorm:"index;not null"` // Плотная позиция 1..N среди ожидающих сеанса
	CustomerID    *uint  `gorm:"index"`          // Связанный профиль посетителя, если есть
	// Частичный уникальный индекс страхует дубль на уровне базы:
	// у брони мест телефон пустой, поэтому они из индекса исключены.
	Phone string `gorm:"index;uniqueIndex:idx_waiting_phone,where:status = 'waiting' AND phone <> ''"`
	DisplayName   string
	PartySize     int    `gorm:"default:1"`
	Status        string `gorm:"index;not null;default:waiting"`
	IsPlaceholder bool   `gorm:"default:false"` // Служебная бронь места, не настоящий посетитель
	RegisteredAt  time.Time
	AttendedAt    *time.Time
	CancelledAt   *time.Time
	LastCalledAt  *time.Time
	CallCount     int `gorm:"default:0"`
}

// Occupies сообщает, занимает ли запись физическое место в сеансе.
// Вызванные и севшие держат место до ухода; отменённые и не пришедшие — нет.
func (e QueueEntry) Occupies() bool {
	switch e.Status {
	case StatusWaiting, StatusCalled, StatusAttended:
		return true
	}
	return false
}

// SessionClosure — ручное закрытие сеанса до конца рабочей даты.
type SessionClosure struct {
	gorm.Model
	LocationID   uint   `gorm:"index;not null;uniqueIndex:idx_closure"`
	BusinessDate string `gorm:"not null;uniqueIndex:idx_closure"`
	SessionID    uint   `gorm:"not null;uniqueIndex:idx_closure"`
}

// BusinessDay — рабочий день точки. Не больше одной открытой строки на (точка, дата).
type BusinessDay struct {
	gorm.Model
	LocationID     uint   `gorm:"index;not null"`
	BusinessDate   string `gorm:"index;not null"`
	OpeningTime    time.Time
	ClosingTime    *time.Time
	IsClosed       bool `gorm:"index;default:false"`
	TotalWaiting   int  // Итоги замораживаются при закрытии дня
	TotalAttended  int
	TotalCancelled int
}

// Holiday — праздничная дата точки.
type Holiday struct {
	gorm.Model
	LocationID uint   `gorm:"index;not null"`
	Date       string `gorm:"index;not null"` // 2006-01-02
	Name       string
}
