package imagestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically removes images older than the retention window,
// covering expiry timers lost on restart.
type Sweeper struct {
	store     Sweepable
	retention time.Duration
	cron      *cron.Cron
	logger    *zap.Logger
	now       func() time.Time
	started   bool
}

// NewSweeper registers the sweep job under schedule, a cron spec such as
// "@every 10m".
func NewSweeper(store Sweepable, schedule string, retention time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		store:     store,
		retention: retention,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		logger: logger.Named("image_sweeper"),
		now:    time.Now,
	}

	if _, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Warn("image sweep failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("register sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce sweeps immediately.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.store.Sweep(ctx, s.now().Add(-s.retention))
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.logger.Info("image sweep removed stale images", zap.Int("removed", n))
	}
	return n, nil
}

func (s *Sweeper) Start() error {
	if s.started {
		return errors.New("sweeper already started")
	}
	s.cron.Start()
	s.started = true
	return nil
}

// Stop stops cron and waits for an in-flight sweep or ctx cancellation.
func (s *Sweeper) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}

	doneCtx := s.cron.Stop()
	s.started = false
	select {
	case <-doneCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
