package sync

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"field-sync-service/internal/config"
	"field-sync-service/internal/logger"
)

// Runner is what the scheduler triggers.
type Runner interface {
	IsRunning() bool
	Run(ctx context.Context, mode Mode) (<-chan Event, error)
}

type Scheduler struct {
	cfg     config.SchedulerConfig
	runner  Runner
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, runner Runner) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		cron:   cron.New(),
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	mode, err := ParseMode(s.cfg.Mode)
	if err != nil {
		return err
	}

	logger.Log.Info("Starting scheduler",
		zap.String("interval", s.cfg.Interval),
		zap.String("mode", string(mode)),
	)

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.triggerSync(mode)
	})
	if err != nil {
		return err
	}

	s.entryID = id
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync(mode Mode) {
	logger.Log.Info("Triggering scheduled sync", zap.String("mode", string(mode)))

	if s.runner.IsRunning() {
		logger.Log.Info("Sync already running, skipping scheduled run")
		return
	}

	events, err := s.runner.Run(context.Background(), mode)
	if errors.Is(err, ErrSyncRunning) {
		logger.Log.Info("Sync already running, skipping scheduled run")
		return
	}
	if err != nil {
		logger.Log.Error("Failed to start scheduled sync", zap.Error(err))
		return
	}
	for ev := range events {
		logEvent(ev)
	}
}
