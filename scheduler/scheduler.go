package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"vessel_ingest/config"
	"vessel_ingest/models"
	"vessel_ingest/runlock"
	"vessel_ingest/scraper"
	"vessel_ingest/storage"
	"vessel_ingest/workers"
)

const dispatchLockKey = "outbox:dispatch"

type Scheduler struct {
	cfg          *config.Config
	orchestrator *scraper.Orchestrator
	store        storage.Store
	locker       runlock.Locker
	logger       *zap.Logger
	cron         *cron.Cron
	stopCh       chan struct{}
	stopOnce     sync.Once

	dispatcher *workers.Dispatcher
	reclaimer  *workers.Reclaimer
}

func New(cfg *config.Config, orchestrator *scraper.Orchestrator, store storage.Store, locker runlock.Locker, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        store,
		locker:       locker,
		logger:       logger,
		cron:         cron.New(),
		stopCh:       make(chan struct{}),
	}
}

// SetWorkers registers the background workers driven by the schedule.
func (s *Scheduler) SetWorkers(dispatcher *workers.Dispatcher, reclaimer *workers.Reclaimer) {
	s.dispatcher = dispatcher
	s.reclaimer = reclaimer
}

func (s *Scheduler) Start(ctx context.Context) error {
	sc := s.cfg.Scheduler
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"detect", sc.DetectCron, func() { s.RunType(ctx, models.RunTypeDetect) }},
		{"detail-worker", sc.DetailCron, func() { s.RunType(ctx, models.RunTypeDetailWorker) }},
		{"reconcile", sc.ReconcileCron, func() { s.RunType(ctx, models.RunTypeReconcile) }},
		{"dispatch", sc.DispatchCron, func() { s.Dispatch(ctx) }},
		{"alerts", sc.AlertsCron, func() { s.EvaluateAlerts(ctx) }},
		{"reclaim", sc.ReclaimCron, func() {
			if s.reclaimer != nil {
				s.reclaimer.Trigger()
			}
		}},
	}

	for _, j := range jobs {
		if j.spec == "" {
			s.logger.Info("no schedule configured", zap.String("job", j.name))
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("invalid cron expression for %s: %w", j.name, err)
		}
		s.logger.Info("scheduled", zap.String("job", j.name), zap.String("cron", j.spec))
	}

	go s.pollCommands(ctx)
	if s.reclaimer != nil {
		go s.reclaimer.Run(ctx, s.reclaimInterval())
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopCh)
	})
}

// reclaimInterval is the shortest lease timeout of any source, so a dead
// worker's jobs wait at most about two leases even with no reclaim cadence.
func (s *Scheduler) reclaimInterval() time.Duration {
	interval := config.DefaultQueue().LeaseTimeout
	for _, src := range s.cfg.Sources {
		if src.Queue.LeaseTimeout > 0 && src.Queue.LeaseTimeout < interval {
			interval = src.Queue.LeaseTimeout
		}
	}
	return interval
}

// RunType starts runType for every enabled source whose (source, run type)
// lock is free. Sources still running from an earlier tick are skipped.
func (s *Scheduler) RunType(ctx context.Context, runType models.RunType) {
	var (
		sources []string
		locks   []runlock.Lock
	)
	for _, source := range s.cfg.SourceKeys() {
		lock, err := s.locker.Acquire(ctx, runlock.Key(source, runType), s.cfg.Redis.LockTTL)
		if errors.Is(err, runlock.ErrNotAcquired) {
			s.logger.Info("previous run still in progress, skipping",
				zap.String("source", source),
				zap.String("run_type", string(runType)),
			)
			continue
		}
		if err != nil {
			s.logger.Error("acquire run lock", zap.String("source", source), zap.Error(err))
			continue
		}
		sources = append(sources, source)
		locks = append(locks, lock)
	}
	defer func() {
		for _, l := range locks {
			if err := l.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release run lock", zap.Error(err))
			}
		}
	}()
	if len(sources) == 0 {
		return
	}

	inv := scraper.Invocation{RunType: runType, Mode: models.RunMode(s.cfg.Scheduler.Mode), Sources: sources}
	if _, err := s.orchestrator.Run(ctx, inv); err != nil {
		s.logger.Error("scheduled run failed", zap.String("run_type", string(runType)), zap.Error(err))
	}
}

// Dispatch drains the outbox once, unless another dispatcher holds the lock.
func (s *Scheduler) Dispatch(ctx context.Context) {
	if s.dispatcher == nil {
		return
	}
	err := runlock.WithLock(ctx, s.locker, dispatchLockKey, s.cfg.Redis.LockTTL, func() error {
		res, err := s.dispatcher.Dispatch(ctx, s.cfg.Notify.DispatchLimit)
		if err != nil {
			return err
		}
		if res.Sent+res.Failed+res.Unresolved > 0 {
			s.logger.Info("outbox dispatched",
				zap.Int("sent", res.Sent),
				zap.Int("failed", res.Failed),
				zap.Int("unresolved", res.Unresolved),
			)
		}
		return nil
	})
	if err != nil && !errors.Is(err, runlock.ErrNotAcquired) {
		s.logger.Error("dispatch failed", zap.Error(err))
	}
}

// EvaluateAlerts re-checks alert conditions for every enabled source, so
// outbox and queue age alerts fire even while no runs finish.
func (s *Scheduler) EvaluateAlerts(ctx context.Context) {
	for _, source := range s.cfg.SourceKeys() {
		if _, err := s.orchestrator.Alerts().Evaluate(ctx, source, s.cfg.Sources[source].Alerts); err != nil {
			s.logger.Error("evaluate alerts", zap.String("source", source), zap.Error(err))
		}
	}
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	interval := s.cfg.Scheduler.CommandPoll
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessCommands executes every pending operator command once.
func (s *Scheduler) ProcessCommands(ctx context.Context) {
	cmds, err := s.store.PendingCommands(ctx)
	if err != nil {
		s.logger.Error("load pending commands", zap.Error(err))
		return
	}

	for _, cmd := range cmds {
		s.logger.Info("processing command", zap.Int64("id", cmd.ID), zap.String("command", string(cmd.Command)))
		if err := s.orchestrator.HandleCommand(ctx, &cmd); err != nil {
			s.logger.Error("command failed", zap.Int64("id", cmd.ID), zap.Error(err))
		}
		if err := s.store.MarkCommandProcessed(ctx, cmd.ID, time.Now()); err != nil {
			s.logger.Error("mark command processed", zap.Int64("id", cmd.ID), zap.Error(err))
		}
	}
}
