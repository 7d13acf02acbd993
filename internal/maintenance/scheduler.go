// Package maintenance runs the periodic passes that keep a store healthy:
// index verification and vector backfill, decay, and reflection. Each
// pass is a tier with its own interval. A failing tier backs off and
// retries; it never stops the scheduler.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sl4m3/ledgermind-sub000/internal/config"
	"github.com/sl4m3/ledgermind-sub000/internal/decay"
	"github.com/sl4m3/ledgermind-sub000/internal/index"
	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/reflection"
	"github.com/sl4m3/ledgermind-sub000/internal/telemetry"
)

// Tier names.
const (
	TierSync       = "sync"
	TierDecay      = "decay"
	TierReflection = "reflection"
)

// Tasks are the passes the scheduler drives. *memory.Memory satisfies it.
type Tasks interface {
	VerifyIndex(ctx context.Context) (*index.VerifyReport, error)
	BackfillVectors(ctx context.Context) (int, error)
	RunDecay(ctx context.Context, dryRun bool) (*decay.Report, error)
	RunReflection(ctx context.Context) (*reflection.Result, error)
}

// ErrUnknownTier is returned by RunNow for a tier name it does not know.
var ErrUnknownTier = errors.New("unknown maintenance tier")

type tier struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error

	trigger  chan struct{}
	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
}

// Scheduler owns the tier loops.
type Scheduler struct {
	cfg      config.MaintenanceConfig
	watchDir string
	debounce time.Duration
	logger   *slog.Logger
	tiers    map[string]*tier

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	watcher *dirWatcher
}

// New creates a scheduler for tasks. When cfg.WatchFiles is set, changes
// under watchDir trigger the sync tier.
func New(cfg config.MaintenanceConfig, watchDir string, tasks Tasks, logger *slog.Logger) *Scheduler {
	def := config.Default().Maintenance
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = def.DecayInterval
	}
	if cfg.ReflectionInterval <= 0 {
		cfg.ReflectionInterval = def.ReflectionInterval
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	s := &Scheduler{
		cfg:      cfg,
		watchDir: watchDir,
		debounce: debounceWindow,
		logger:   logging.OrDefault(logger),
		tiers:    make(map[string]*tier),
	}

	s.add(TierSync, cfg.SyncInterval, func(ctx context.Context) error {
		report, err := tasks.VerifyIndex(ctx)
		if err != nil {
			return fmt.Errorf("verifying index: %w", err)
		}
		if report.Rebuilt {
			s.logger.Info("index resynced", "missing", report.Missing, "stale", report.Stale, "orphaned", report.Orphaned)
		}
		n, err := tasks.BackfillVectors(ctx)
		if err != nil {
			return fmt.Errorf("backfilling vectors: %w", err)
		}
		if n > 0 {
			s.logger.Info("vectors backfilled", "records", n)
		}
		return nil
	})
	s.add(TierDecay, cfg.DecayInterval, func(ctx context.Context) error {
		_, err := tasks.RunDecay(ctx, false)
		return err
	})
	s.add(TierReflection, cfg.ReflectionInterval, func(ctx context.Context) error {
		_, err := tasks.RunReflection(ctx)
		return err
	})
	return s
}

func (s *Scheduler) add(name string, interval time.Duration, run func(context.Context) error) {
	s.tiers[name] = &tier{
		name:     name,
		interval: interval,
		run:      run,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the tier loops and, if enabled, the file watcher. The
// loops stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("maintenance scheduler already started")
	}

	if s.cfg.WatchFiles && s.watchDir != "" {
		w, err := newDirWatcher(s.watchDir, s.debounce, s.logger, func() { s.Trigger(TierSync) })
		if err != nil {
			return fmt.Errorf("watching %s: %w", s.watchDir, err)
		}
		s.watcher = w
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tiers {
		g.Go(func() error {
			s.loop(gctx, t)
			return nil
		})
	}
	if s.watcher != nil {
		g.Go(func() error {
			s.watcher.run(gctx)
			return nil
		})
	}
	s.cancel = cancel
	s.group = g
	s.logger.Debug("maintenance started",
		"sync", s.cfg.SyncInterval, "decay", s.cfg.DecayInterval, "reflection", s.cfg.ReflectionInterval,
		"watch", s.watcher != nil)
	return nil
}

// Stop cancels the loops and waits for running passes to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, g, w := s.cancel, s.group, s.watcher
	s.cancel, s.group, s.watcher = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	if w != nil {
		err = errors.Join(err, w.close())
	}
	return err
}

// Trigger asks a tier to run as soon as its loop is free. It reports
// whether the tier exists.
func (s *Scheduler) Trigger(name string) bool {
	t, ok := s.tiers[name]
	if !ok {
		return false
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
	return true
}

// RunNow runs a tier synchronously. It returns false without running when
// the tier is already in flight.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	t, ok := s.tiers[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTier, name)
	}
	return s.runOnce(ctx, t)
}

// Stats reports how often a tier ran and failed.
func (s *Scheduler) Stats(name string) (runs, failures int64) {
	t, ok := s.tiers[name]
	if !ok {
		return 0, 0
	}
	return t.runs.Load(), t.failures.Load()
}

func (s *Scheduler) loop(ctx context.Context, t *tier) {
	timer := time.NewTimer(t.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-t.trigger:
		}

		next := t.interval
		if _, err := s.runOnce(ctx, t); err != nil {
			if ctx.Err() != nil {
				return
			}
			next = s.cfg.FailureBackoff
		}
		timer.Reset(next)
	}
}

// runOnce runs t unless it is already in flight. Panics are converted to
// errors so one bad pass cannot take the process down.
func (s *Scheduler) runOnce(ctx context.Context, t *tier) (ran bool, err error) {
	if !t.running.CompareAndSwap(false, true) {
		s.logger.Debug("maintenance tier already running", "tier", t.name)
		return false, nil
	}
	defer t.running.Store(false)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("maintenance tier %s panicked: %v", t.name, r)
		}
		t.runs.Add(1)
		if err != nil {
			t.failures.Add(1)
			if ctx.Err() == nil {
				telemetry.RecordMaintenanceFailure(ctx, t.name)
				s.logger.Warn("maintenance tier failed", "tier", t.name, "error", err, "retry_in", s.cfg.FailureBackoff)
			}
			return
		}
		s.logger.Debug("maintenance tier finished", "tier", t.name, "duration", time.Since(start))
	}()
	return true, t.run(ctx)
}
