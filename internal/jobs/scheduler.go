// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает сверку: повторный подхват сессий с потерянным
// уведомлением и таймаут сессий, чей дедлайн истёк без живого таймера.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Reconciler: операции сверки сервиса рулетки.
type Reconciler interface {
	ReconcilePending(ctx context.Context) (int, error)
	ExpireOverdue(ctx context.Context) (int, error)
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	schedule   string
}

// NewScheduler создаёт планировщик. Дедлайны хранятся в UTC, так что и cron в UTC.
func NewScheduler(reconciler Reconciler, schedule string) *Scheduler {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
	}
}

// Start регистрирует задачи и запускает cron.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() { s.Reconcile(ctx) })
	if err != nil {
		return fmt.Errorf("некорректное расписание сверки %q: %w", s.schedule, err)
	}

	s.cron.Start()
	log.WithField("schedule", s.schedule).Info("Планировщик задач запущен")
	return nil
}

// Reconcile: один проход сверки.
func (s *Scheduler) Reconcile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	claimed, err := s.reconciler.ReconcilePending(ctx)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка сверки pending_pickup")
	}
	expired, err := s.reconciler.ExpireOverdue(ctx)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка сверки просроченных сессий")
	}

	if claimed > 0 || expired > 0 {
		log.WithFields(log.Fields{
			"claimed": claimed,
			"expired": expired,
		}).Info("[CRON] Сверка подобрала сессии")
	} else {
		log.Debug("[CRON] Сверка: всё чисто")
	}
}

// Stop останавливает планировщик и ждёт текущий проход.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}
