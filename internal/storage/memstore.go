package storage

import (
	"fmt"
	"sort"
	"sync"

	"waitline/internal/models"
)

// MemStore — потокобезопасная реализация Store в памяти.
// Используется в тестах вместо postgres (по аналогии с ConnectTestingDatabase).
type MemStore struct {
	mu        sync.Mutex
	nextID    uint
	sessions  map[uint]models.Session
	entries   map[uint]models.QueueEntry
	closures  map[string]bool // ключ "loc|date|session"
	holidays  map[string]bool // ключ "loc|date"
	days      []models.BusinessDay
	locations map[uint]models.Location
	settings  map[uint]models.LocationSettings
}

func NewMemStore() *MemStore {
	return &MemStore{
		nextID:    1,
		sessions:  make(map[uint]models.Session),
		entries:   make(map[uint]models.QueueEntry),
		closures:  make(map[string]bool),
		holidays:  make(map[string]bool),
		locations: make(map[uint]models.Location),
		settings:  make(map[uint]models.LocationSettings),
	}
}

func (s *MemStore) id() uint {
	id := s.nextID
	s.nextID++
	return id
}

func closureKey(locationID uint, date string, sessionID uint) string {
	return fmt.Sprintf("%d|%s|%d", locationID, date, sessionID)
}

// AddLocation регистрирует точку (вспомогательный метод для тестов и сидов).
func (s *MemStore) AddLocation(loc models.Location) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc.ID == 0 {
		loc.ID = s.id()
	}
	s.locations[loc.ID] = loc
	return loc.ID
}

// PutSettings сохраняет настройки точки.
func (s *MemStore) PutSettings(settings models.LocationSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings.Normalize()
	s.settings[settings.LocationID] = settings
}

// AddHoliday помечает дату праздником.
func (s *MemStore) AddHoliday(locationID uint, date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holidays[fmt.Sprintf("%d|%s", locationID, date)] = true
}

func (s *MemStore) ActiveSessions(locationID uint) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.LocationID == locationID && sess.IsActive {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *MemStore) SessionByID(id uint) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *MemStore) CreateSession(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.LocationID == sess.LocationID && existing.DayKind == sess.DayKind && existing.Ordinal == sess.Ordinal {
			return fmt.Errorf("сеанс с порядковым номером %d уже существует", sess.Ordinal)
		}
	}
	if sess.ID == 0 {
		sess.ID = s.id()
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *MemStore) ClosedSessionIDs(locationID uint, date string) ([]uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uint
	for id, sess := range s.sessions {
		if sess.LocationID == locationID && s.closures[closureKey(locationID, date, id)] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemStore) AddClosure(locationID uint, date string, sessionID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closures[closureKey(locationID, date, sessionID)] = true
	return nil
}

func (s *MemStore) RemoveClosure(locationID uint, date string, sessionID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.closures, closureKey(locationID, date, sessionID))
	return nil
}

func (s *MemStore) IsHoliday(locationID uint, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holidays[fmt.Sprintf("%d|%s", locationID, date)], nil
}

func (s *MemStore) EntryByID(id uint) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (s *MemStore) SaveEntry(e *models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == 0 {
		e.ID = s.id()
	}
	s.entries[e.ID] = *e
	return nil
}

func (s *MemStore) UpdateEntry(e *models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; !ok {
		return ErrNotFound
	}
	s.entries[e.ID] = *e
	return nil
}

func (s *MemStore) UpdateEntries(entries []models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.ID] = e
	}
	return nil
}

func (s *MemStore) CountByStatus(locationID, sessionID uint, date string, statuses ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.LocationID != locationID || e.SessionID != sessionID || e.BusinessDate != date {
			continue
		}
		for _, st := range statuses {
			if e.Status == st {
				count++
				break
			}
		}
	}
	return count, nil
}

func (s *MemStore) WaitingOrdered(locationID, sessionID uint, date string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueEntry
	for _, e := range s.entries {
		if e.LocationID == locationID && e.SessionID == sessionID && e.BusinessDate == date && e.Status == models.StatusWaiting {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionOrder < out[j].SessionOrder })
	return out, nil
}

func (s *MemStore) EntriesForDate(locationID uint, date string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueEntry
	for _, e := range s.entries {
		if e.LocationID == locationID && e.BusinessDate == date {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WaitingNumber < out[j].WaitingNumber })
	return out, nil
}

func (s *MemStore) EntriesByStatus(locationID uint, date, status string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueEntry
	for _, e := range s.entries {
		if e.LocationID == locationID && e.BusinessDate == date && e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WaitingNumber < out[j].WaitingNumber })
	return out, nil
}

func (s *MemStore) WaitingByPhone(locationID uint, date, phone string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.LocationID == locationID && e.BusinessDate == date && e.Phone == phone && e.Status == models.StatusWaiting {
			entry := e
			return &entry, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) WaitingCount(locationID uint, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if e.LocationID == locationID && e.BusinessDate == date && e.Status == models.StatusWaiting {
			count++
		}
	}
	return count, nil
}

func (s *MemStore) NextWaitingNumber(locationID uint, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxNumber := 0
	for _, e := range s.entries {
		if e.LocationID == locationID && e.BusinessDate == date && e.WaitingNumber > maxNumber {
			maxNumber = e.WaitingNumber
		}
	}
	return maxNumber + 1, nil
}

func (s *MemStore) OpenBusinessDay(locationID uint) (*models.BusinessDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.days) - 1; i >= 0; i-- {
		if s.days[i].LocationID == locationID && !s.days[i].IsClosed {
			day := s.days[i]
			return &day, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) BusinessDayByDate(locationID uint, date string) (*models.BusinessDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.days) - 1; i >= 0; i-- {
		if s.days[i].LocationID == locationID && s.days[i].BusinessDate == date {
			day := s.days[i]
			return &day, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) LastBusinessDay(locationID uint) (*models.BusinessDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := -1
	for i := range s.days {
		if s.days[i].LocationID != locationID {
			continue
		}
		if best == -1 || s.days[i].BusinessDate >= s.days[best].BusinessDate {
			best = i
		}
	}
	if best == -1 {
		return nil, ErrNotFound
	}
	day := s.days[best]
	return &day, nil
}

func (s *MemStore) SaveBusinessDay(d *models.BusinessDay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == 0 {
		d.ID = s.id()
		s.days = append(s.days, *d)
		return nil
	}
	for i := range s.days {
		if s.days[i].ID == d.ID {
			s.days[i] = *d
			return nil
		}
	}
	s.days = append(s.days, *d)
	return nil
}

func (s *MemStore) LocationByID(id uint) (*models.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.locations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &loc, nil
}

func (s *MemStore) Locations() ([]models.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Location, 0, len(s.locations))
	for _, loc := range s.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) SettingsFor(locationID uint) (models.LocationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings, ok := s.settings[locationID]; ok {
		return settings, nil
	}
	return models.Defaults(locationID), nil
}
