package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// runTask runs tick at the target rate until ctx is cancelled. Ticks for one
// task execute in time order on a single goroutine, so a tick that overruns
// its period causes later ticks to be skipped rather than queued: the ticker
// drops missed fires and a task never accumulates a backlog of work.
func runTask(ctx context.Context, wg *sync.WaitGroup, name string, hz float64, tick func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		if hz <= 0 {
			slog.Warn("task disabled, rate is zero", "task", name)
			return
		}
		period := time.Duration(float64(time.Second) / hz)
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		slog.Debug("task started", "task", name, "rate_hz", hz)

		for {
			select {
			case <-ctx.Done():
				slog.Debug("task stopped", "task", name)
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}
