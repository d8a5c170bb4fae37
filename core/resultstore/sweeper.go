package resultstore

import (
	"context"
	"time"

	"github.com/taskloom/taskloom/core/infra/logging"
)

const sweepLockKey = "resultstore-sweep"

// Sweeper deletes expired invocation records in the background. A record
// whose workflow has not resolved is never collected, whatever its expiry:
// a barrier or chain that still needs the result must find it.
type Sweeper struct {
	store     Store
	interval  time.Duration
	batchSize int64
}

// NewSweeper builds a sweeper ticking at interval. Multiple processes may run
// one each; a store-level lock keeps ticks from overlapping.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		batchSize: 200,
	}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				logging.Warn("sweeper", "sweep failed", "error", err)
			}
		}
	}
}

// Sweep collects one batch of expired records. Exported so operators can
// trigger a pass outside the ticker.
func (s *Sweeper) Sweep(ctx context.Context) error {
	ok, err := s.store.TryLock(ctx, sweepLockKey, s.interval)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := s.store.Unlock(ctx, sweepLockKey); err != nil {
			logging.Warn("sweeper", "unlock failed", "error", err)
		}
	}()

	ids, err := s.store.ScanExpired(ctx, time.Now(), s.batchSize)
	if err != nil {
		return err
	}
	swept := 0
	for _, id := range ids {
		keep, err := s.retained(ctx, id)
		if err != nil {
			logging.Warn("sweeper", "retention check failed", "invocation", id, "error", err)
			continue
		}
		if keep {
			continue
		}
		if err := s.store.Delete(ctx, id); err != nil {
			logging.Warn("sweeper", "delete failed", "invocation", id, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		logging.Info("sweeper", "swept expired records", "count", swept)
	}
	return nil
}

// retained reports whether an expired record must survive because its
// workflow is still in flight.
func (s *Sweeper) retained(ctx context.Context, id string) (bool, error) {
	rec, err := s.store.Get(ctx, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.RootID == "" {
		return false, nil
	}
	_, err = s.store.GetResolution(ctx, rec.RootID)
	if err == ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}
