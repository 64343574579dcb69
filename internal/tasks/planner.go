package tasks

import (
	"log"
	"time"

	"waitline/internal/fanout"
	"waitline/internal/models"
	"waitline/internal/storage"

	"github.com/robfig/cron/v3"
)

// Planner запускает фоновые задачи: heartbeat подписчикам,
// напоминания об открытых днях и чистку старых записей.
type Planner struct {
	store   storage.Store
	manager *fanout.Manager
}

func NewPlanner(store storage.Store, manager *fanout.Manager) *Planner {
	return &Planner{store: store, manager: manager}
}

// Heartbeat рассылает ping всем подписчикам всех точек.
// Кадр ping разрешено терять при переполненной очереди, поэтому
// медленный клиент от heartbeat не отключается.
func (p *Planner) Heartbeat() {
	locations, err := p.store.Locations()
	if err != nil {
		log.Println("Heartbeat: не удалось получить список точек:", err)
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	for _, loc := range locations {
		scope := fanout.LocationScope(loc.ID)
		if p.manager.Count(scope) == 0 {
			continue
		}
		p.manager.Broadcast(scope, fanout.EventPing, map[string]any{"ts": ts}, "", "")
	}
}

// ReportStaleDays пишет в лог точки, у которых рабочий день
// открыт со вчерашней (или более ранней) даты и до сих пор не закрыт.
func (p *Planner) ReportStaleDays() {
	locations, err := p.store.Locations()
	if err != nil {
		log.Println("ReportStaleDays: не удалось получить список точек:", err)
		return
	}
	today := time.Now().Format("2006-01-02")
	for _, loc := range locations {
		day, err := p.store.OpenBusinessDay(loc.ID)
		if err != nil {
			continue
		}
		if day.BusinessDate < today {
			log.Printf("Точка %d: рабочий день %s всё ещё открыт", loc.ID, day.BusinessDate)
		}
	}
}

// CleanOldEntries удаляет завершённые записи старше 90 дней.
func (p *Planner) CleanOldEntries() {
	if storage.DB == nil {
		return
	}
	threshold := time.Now().AddDate(0, 0, -90).Format("2006-01-02")
	res := storage.DB.
		Where("business_date < ? AND status IN ?", threshold,
			[]string{models.StatusAttended, models.StatusCancelled, models.StatusNoShow}).
		Delete(&models.QueueEntry{})
	if res.Error != nil {
		log.Println("Ошибка при удалении старых записей:", res.Error)
	} else if res.RowsAffected > 0 {
		log.Printf("Удалено старых записей: %d", res.RowsAffected)
	}
}

// InitScheduler инициализирует планировщик cron-задач.
func InitScheduler(p *Planner) *cron.Cron {
	c := cron.New(cron.WithSeconds())

	// Heartbeat подписчикам каждые 30 секунд.
	if _, err := c.AddFunc("*/30 * * * * *", p.Heartbeat); err != nil {
		log.Println("Ошибка запуска cron-задачи Heartbeat:", err)
	}

	// Напоминание о незакрытых днях каждый час.
	if _, err := c.AddFunc("0 0 * * * *", p.ReportStaleDays); err != nil {
		log.Println("Ошибка запуска cron-задачи ReportStaleDays:", err)
	}

	// Чистка завершённых записей каждый день в 03:00.
	if _, err := c.AddFunc("0 0 3 * * *", p.CleanOldEntries); err != nil {
		log.Println("Ошибка запуска cron-задачи CleanOldEntries:", err)
	}

	c.Start()
	log.Println("Cron-планировщик запущен.")
	return c
}
