package service

import (
	"log"

	"waitline/internal/fanout"
)

// BroadcastJob — одно задание на рассылку события.
type BroadcastJob struct {
	Scope  string
	Event  string
	Data   map[string]any
	Role   string // пустая строка — все роли
	Parent string // сводный скоуп сети, пустая строка — нет
}

// Bus — исходящая шина событий регистрации. Постановка в очередь не
// блокирует обработчик запроса: доставкой занимается отдельная горутина,
// а менеджер фан-аута выступает единственным потребителем шины.
// Потерянное при переполнении событие — допустимая цена: клиенты сверяются
// полной выборкой состояния, шина лишь ускоряет обновление экранов.
type Bus struct {
	manager *fanout.Manager
	jobs    chan BroadcastJob
	done    chan struct{}
}

const busBuffer = 128

func NewBus(manager *fanout.Manager) *Bus {
	b := &Bus{
		manager: manager,
		jobs:    make(chan BroadcastJob, busBuffer),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for job := range b.jobs {
		b.manager.Broadcast(job.Scope, job.Event, job.Data, job.Role, job.Parent)
	}
	close(b.done)
}

// Publish ставит задание в очередь без блокировки. Ошибки доставки никогда
// не доходят до вызывающего: запись в базе — источник истины, рассылка
// лишь вторичный сигнал.
func (b *Bus) Publish(job BroadcastJob) {
	select {
	case b.jobs <- job:
	default:
		log.Printf("bus: очередь рассылки переполнена, событие %s потеряно", job.Event)
	}
}

// Close останавливает шину, дождавшись доставки оставшихся заданий.
func (b *Bus) Close() {
	close(b.jobs)
	<-b.done
}
