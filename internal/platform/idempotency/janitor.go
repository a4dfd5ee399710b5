package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically purges expired entries from stores without native expiry.
type Janitor struct {
	store    Store
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *zap.Logger
}

// NewJanitor constructs a janitor. A non-positive interval disables Run.
func NewJanitor(store Store, interval time.Duration, batch int, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = 100
	}
	return &Janitor{store: store, interval: interval, batch: batch, now: time.Now, logger: logger}
}

// Run purges on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil || j.store == nil || j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("idempotency purge failed", zap.Error(err))
			}
		}
	}
}

// RunOnce purges expired entries until a batch comes back short.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		removed, err := j.store.PurgeExpired(ctx, j.now(), j.batch)
		total += removed
		if err != nil {
			return total, err
		}
		if removed < j.batch {
			if total > 0 {
				j.logger.Debug("idempotency entries purged", zap.Int("count", total))
			}
			return total, nil
		}
	}
}
