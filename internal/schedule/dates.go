package schedule

import "time"

// DateLayout — формат рабочей даты во всех строках и API.
const DateLayout = "2006-01-02"

// ParseDate разбирает рабочую дату.
func ParseDate(date string) (time.Time, error) {
	return time.Parse(DateLayout, date)
}

// FormatDate приводит момент времени к рабочей дате.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// NextDate возвращает следующую календарную дату.
func NextDate(date string) (string, error) {
	d, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return FormatDate(d.AddDate(0, 0, 1)), nil
}

// BusinessDate вычисляет логическую рабочую дату: до часа начала дня
// ночная смена всё ещё относится к «вчера» (в 03:00 при старте дня в 05:00
// логическая дата — вчерашняя).
func BusinessDate(now time.Time, dayStartHour int) string {
	if now.Hour() < dayStartHour {
		now = now.AddDate(0, 0, -1)
	}
	return FormatDate(now)
}

// IsWeekday сообщает, будний ли это день (пн–пт).
func IsWeekday(wd time.Weekday) bool {
	return wd >= time.Monday && wd <= time.Friday
}
