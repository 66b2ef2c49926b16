package bridge

import (
	"context"
	"fmt"
	"time"
)

func (b *Bridge) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			b.sweep(ctx, now)
		}
	}
}

// sweep resolves every request whose deadline is at or before now with
// ErrTimeout and returns how many it resolved
func (b *Bridge) sweep(ctx context.Context, now time.Time) int {
	expired := b.table.removeExpired(now)
	for _, entry := range expired {
		b.finish(ctx, entry, Result{
			Err: fmt.Errorf("%w: %s", ErrTimeout, entry.id),
		}, outcomeTimeout)
	}
	if len(expired) > 0 {
		b.logger.Debug("swept expired requests", "count", len(expired))
	}
	return len(expired)
}
