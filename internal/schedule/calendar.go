// Package schedule отвечает на вопросы календаря: праздник ли дата
// и какие сеансы доступны в конкретный день.
package schedule

import (
	"waitline/internal/models"
	"waitline/internal/storage"
)

// Calendar совмещает праздничный календарь точки с недельными правилами сеансов.
type Calendar struct {
	store storage.Store
}

func NewCalendar(store storage.Store) *Calendar {
	return &Calendar{store: store}
}

// IsHoliday сообщает, зарегистрирована ли дата как праздник точки.
func (c *Calendar) IsHoliday(locationID uint, date string) (bool, error) {
	return c.store.IsHoliday(locationID, date)
}

// EligibleSessions возвращает активные сеансы точки, доступные на дату,
// в порядке порядковых номеров.
func (c *Calendar) EligibleSessions(locationID uint, date string) ([]models.Session, error) {
	sessions, err := c.store.ActiveSessions(locationID)
	if err != nil {
		return nil, err
	}
	holiday, err := c.store.IsHoliday(locationID, date)
	if err != nil {
		return nil, err
	}
	return FilterEligible(sessions, date, holiday)
}

// FilterEligible отбирает сеансы, доступные на дату.
// В праздник работают только праздничные сеансы. В обычный день праздничные
// выбывают, будничные требуют пн–пт, выходные — сб/вс, а сеансы типа all
// дополнительно сверяются с недельной картой.
func FilterEligible(sessions []models.Session, date string, holiday bool) ([]models.Session, error) {
	d, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	wd := d.Weekday()

	out := make([]models.Session, 0, len(sessions))
	for _, s := range sessions {
		if holiday {
			if s.DayKind == models.DayKindHoliday {
				out = append(out, s)
			}
			continue
		}
		switch s.DayKind {
		case models.DayKindHoliday:
			continue
		case models.DayKindWeekday:
			if !IsWeekday(wd) {
				continue
			}
		case models.DayKindWeekend:
			if IsWeekday(wd) {
				continue
			}
		case models.DayKindAll:
			if !s.EnabledOn(wd) {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// MinusClosed убирает из списка сеансы, закрытые на дату вручную.
func MinusClosed(sessions []models.Session, closedIDs []uint) []models.Session {
	if len(closedIDs) == 0 {
		return sessions
	}
	closed := make(map[uint]bool, len(closedIDs))
	for _, id := range closedIDs {
		closed[id] = true
	}
	out := make([]models.Session, 0, len(sessions))
	for _, s := range sessions {
		if !closed[s.ID] {
			out = append(out, s)
		}
	}
	return out
}
