package models

import "gorm.io/gorm"

// LocationSettings — типизированные настройки точки.
// Значения по умолчанию проставляются один раз на границе хранилища,
// бизнес-логика всегда видит заполненную структуру.
type LocationSettings struct {
	gorm.Model
	LocationID uint `gorm:"uniqueIndex;not null"`

	// Фан-аут.
	MaxDashboardConns  int    `gorm:"default:0"` // 0 — без лимита
	EvictionPolicy     string `gorm:"default:eject_old"`
	BoardBroadcast     bool   `gorm:"default:true"` // рассылка на табло
	ReceptionBroadcast bool   `gorm:"default:true"` // рассылка на стойку

	// Режим работы.
	OpenTime   string `gorm:"default:'09:00'"` // ЧЧ:ММ, пусто — без ограничения
	CloseTime  string `gorm:"default:'21:00'"`
	BreakStart string // Перерыв, пусто — перерыва нет
	BreakEnd   string

	// Очередь.
	MaxWaitingCount int `gorm:"default:0"` // 0 — без лимита

	// Рабочий день.
	DayStartHour    int    `gorm:"default:5"` // До этого часа логическая дата — вчера
	OpeningRule     string `gorm:"default:strict"`
	AutoCloseLeft   bool   `gorm:"default:true"`      // Судьба зависших ожидающих при open/close
	AutoCloseStatus string `gorm:"default:cancelled"` // attended | cancelled
}

// Defaults возвращает настройки по умолчанию для точки без своей строки настроек.
func Defaults(locationID uint) LocationSettings {
	return LocationSettings{
		LocationID:         locationID,
		MaxDashboardConns:  0,
		EvictionPolicy:     PolicyEjectOld,
		BoardBroadcast:     true,
		ReceptionBroadcast: true,
		OpenTime:           "",
		CloseTime:          "",
		MaxWaitingCount:    0,
		DayStartHour:       5,
		OpeningRule:        OpeningRuleStrict,
		AutoCloseLeft:      true,
		AutoCloseStatus:    StatusCancelled,
	}
}

// Normalize подставляет значения по умолчанию вместо пустых полей,
// чтобы старые строки настроек без новых колонок читались безопасно.
func (s *LocationSettings) Normalize() {
	if s.EvictionPolicy == "" {
		s.EvictionPolicy = PolicyEjectOld
	}
	if s.OpeningRule == "" {
		s.OpeningRule = OpeningRuleStrict
	}
	if s.AutoCloseStatus == "" {
		s.AutoCloseStatus = StatusCancelled
	}
	if s.DayStartHour < 0 || s.DayStartHour > 23 {
		s.DayStartHour = 5
	}
}
