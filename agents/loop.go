// Package agents runs the background replication and verification workers
// that keep content copies complete and intact.
package agents

import (
	"context"
	"log/slog"
	"time"
)

// runPeriodic calls fn immediately and then after every interval until ctx
// is done. A cycle that fails waits backoff instead of interval.
func runPeriodic(ctx context.Context, log *slog.Logger, interval, backoff time.Duration, fn func(context.Context) error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := interval
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Agent cycle failed", "err", err, slog.Duration("backoff", backoff))
			wait = backoff
		}
		timer.Reset(wait)
	}
}
