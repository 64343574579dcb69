package storage

import (
	"errors"
	"fmt"

	"waitline/internal/models"

	"gorm.io/gorm"
)

// GormStore — реализация Store поверх postgres через gorm.
type GormStore struct {
	db    *gorm.DB
	cache *SettingsCache // может быть nil, тогда настройки читаются напрямую
}

func NewGormStore(db *gorm.DB, cache *SettingsCache) *GormStore {
	return &GormStore{db: db, cache: cache}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) ActiveSessions(locationID uint) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.
		Where("location_id = ? AND is_active = ?", locationID, true).
		Order("ordinal ASC").
		Find(&sessions).Error
	return sessions, err
}

func (s *GormStore) SessionByID(id uint) (*models.Session, error) {
	var sess models.Session
	if err := s.db.First(&sess, id).Error; err != nil {
		return nil, translate(err)
	}
	return &sess, nil
}

func (s *GormStore) CreateSession(sess *models.Session) error {
	// Порядковый номер уникален в рамках (точка, тип дня).
	var count int64
	if err := s.db.Model(&models.Session{}).
		Where("location_id = ? AND day_kind = ? AND ordinal = ?", sess.LocationID, sess.DayKind, sess.Ordinal).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("сеанс с порядковым номером %d уже существует", sess.Ordinal)
	}
	return s.db.Create(sess).Error
}

func (s *GormStore) ClosedSessionIDs(locationID uint, date string) ([]uint, error) {
	var ids []uint
	err := s.db.Model(&models.SessionClosure{}).
		Where("location_id = ? AND business_date = ?", locationID, date).
		Pluck("session_id", &ids).Error
	return ids, err
}

func (s *GormStore) AddClosure(locationID uint, date string, sessionID uint) error {
	var existing models.SessionClosure
	err := s.db.
		Where("location_id = ? AND business_date = ? AND session_id = ?", locationID, date, sessionID).
		First(&existing).Error
	if err == nil {
		return nil // уже закрыт
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.db.Create(&models.SessionClosure{
		LocationID:   locationID,
		BusinessDate: date,
		SessionID:    sessionID,
	}).Error
}

func (s *GormStore) RemoveClosure(locationID uint, date string, sessionID uint) error {
	return s.db.
		Where("location_id = ? AND business_date = ? AND session_id = ?", locationID, date, sessionID).
		Delete(&models.SessionClosure{}).Error
}

func (s *GormStore) IsHoliday(locationID uint, date string) (bool, error) {
	var count int64
	err := s.db.Model(&models.Holiday{}).
		Where("location_id = ? AND date = ?", locationID, date).
		Count(&count).Error
	return count > 0, err
}

func (s *GormStore) EntryByID(id uint) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := s.db.First(&entry, id).Error; err != nil {
		return nil, translate(err)
	}
	return &entry, nil
}

func (s *GormStore) SaveEntry(e *models.QueueEntry) error {
	return s.db.Create(e).Error
}

func (s *GormStore) UpdateEntry(e *models.QueueEntry) error {
	return s.db.Save(e).Error
}

func (s *GormStore) UpdateEntries(entries []models.QueueEntry) error {
	for i := range entries {
		if err := s.db.Save(&entries[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) CountByStatus(locationID, sessionID uint, date string, statuses ...string) (int, error) {
	var count int64
	err := s.db.Model(&models.QueueEntry{}).
		Where("location_id = ? AND session_id = ? AND business_date = ? AND status IN ?",
			locationID, sessionID, date, statuses).
		Count(&count).Error
	return int(count), err
}

func (s *GormStore) WaitingOrdered(locationID, sessionID uint, date string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.
		Where("location_id = ? AND session_id = ? AND business_date = ? AND status = ?",
			locationID, sessionID, date, models.StatusWaiting).
		Order("session_order ASC").
		Find(&entries).Error
	return entries, err
}

func (s *GormStore) EntriesForDate(locationID uint, date string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.
		Where("location_id = ? AND business_date = ?", locationID, date).
		Order("waiting_number ASC").
		Find(&entries).Error
	return entries, err
}

func (s *GormStore) EntriesByStatus(locationID uint, date, status string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.
		Where("location_id = ? AND business_date = ? AND status = ?", locationID, date, status).
		Order("waiting_number ASC").
		Find(&entries).Error
	return entries, err
}

func (s *GormStore) WaitingByPhone(locationID uint, date, phone string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := s.db.
		Where("location_id = ? AND business_date = ? AND phone = ? AND status = ?",
			locationID, date, phone, models.StatusWaiting).
		First(&entry).Error
	if err != nil {
		return nil, translate(err)
	}
	return &entry, nil
}

func (s *GormStore) WaitingCount(locationID uint, date string) (int, error) {
	var count int64
	err := s.db.Model(&models.QueueEntry{}).
		Where("location_id = ? AND business_date = ? AND status = ?", locationID, date, models.StatusWaiting).
		Count(&count).Error
	return int(count), err
}

func (s *GormStore) NextWaitingNumber(locationID uint, date string) (int, error) {
	var maxNumber int
	row := s.db.Model(&models.QueueEntry{}).
		Where("location_id = ? AND business_date = ?", locationID, date).
		Select("COALESCE(MAX(waiting_number),0)").Row()
	if err := row.Scan(&maxNumber); err != nil {
		return 0, err
	}
	return maxNumber + 1, nil
}

func (s *GormStore) OpenBusinessDay(locationID uint) (*models.BusinessDay, error) {
	var day models.BusinessDay
	err := s.db.
		Where("location_id = ? AND is_closed = ?", locationID, false).
		Order("business_date DESC").
		First(&day).Error
	if err != nil {
		return nil, translate(err)
	}
	return &day, nil
}

func (s *GormStore) BusinessDayByDate(locationID uint, date string) (*models.BusinessDay, error) {
	var day models.BusinessDay
	err := s.db.
		Where("location_id = ? AND business_date = ?", locationID, date).
		Order("id DESC").
		First(&day).Error
	if err != nil {
		return nil, translate(err)
	}
	return &day, nil
}

func (s *GormStore) LastBusinessDay(locationID uint) (*models.BusinessDay, error) {
	var day models.BusinessDay
	err := s.db.
		Where("location_id = ?", locationID).
		Order("business_date DESC, id DESC").
		First(&day).Error
	if err != nil {
		return nil, translate(err)
	}
	return &day, nil
}

func (s *GormStore) SaveBusinessDay(d *models.BusinessDay) error {
	return s.db.Save(d).Error
}

func (s *GormStore) LocationByID(id uint) (*models.Location, error) {
	var loc models.Location
	if err := s.db.First(&loc, id).Error; err != nil {
		return nil, translate(err)
	}
	return &loc, nil
}

func (s *GormStore) Locations() ([]models.Location, error) {
	var locs []models.Location
	err := s.db.Find(&locs).Error
	return locs, err
}

func (s *GormStore) SettingsFor(locationID uint) (models.LocationSettings, error) {
	if s.cache != nil {
		if settings, ok := s.cache.Get(locationID); ok {
			return settings, nil
		}
	}

	var settings models.LocationSettings
	err := s.db.Where("location_id = ?", locationID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		settings = models.Defaults(locationID)
		err = nil
	}
	if err != nil {
		return models.LocationSettings{}, err
	}
	settings.Normalize()

	if s.cache != nil {
		s.cache.Put(locationID, settings)
	}
	return settings, nil
}
