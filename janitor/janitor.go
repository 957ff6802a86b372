// Package janitor runs the periodic cleanup that keeps review state honest
// when reviewers vanish without logging out.
package janitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"eventportal/logging"
)

type LockSweeper interface {
	ReleaseExpired(ctx context.Context) (int, error)
}

type SessionReaper interface {
	ReapIdle(ctx context.Context, idle time.Duration) (int, error)
}

// Janitor releases lapsed review locks and, when an idle timeout is set, ends
// abandoned reviewer sessions.
type Janitor struct {
	locks    LockSweeper
	sessions SessionReaper
	interval time.Duration
	idle     time.Duration
	logger   *zap.Logger
}

func New(locks LockSweeper, sessions SessionReaper, interval, idle time.Duration, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		locks:    locks,
		sessions: sessions,
		interval: interval,
		idle:     idle,
		logger:   logging.OrNop(logger),
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs one cleanup pass. Failures are logged, never returned.
func (j *Janitor) RunOnce(ctx context.Context) {
	if n, err := j.locks.ReleaseExpired(ctx); err != nil {
		j.logger.Warn("janitor: release expired locks", zap.Error(err))
	} else if n > 0 {
		j.logger.Info("janitor: expired locks released", zap.Int("count", n))
	}

	if j.sessions == nil || j.idle <= 0 {
		return
	}
	if n, err := j.sessions.ReapIdle(ctx, j.idle); err != nil {
		j.logger.Warn("janitor: reap idle sessions", zap.Error(err))
	} else if n > 0 {
		j.logger.Info("janitor: idle sessions ended", zap.Int("count", n))
	}
}
