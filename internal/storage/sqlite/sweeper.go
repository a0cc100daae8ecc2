package sqlite

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PruneFunc removes closed connection rows older than the cutoff and reports
// how many were dropped. The server wires this to the write gateway so the
// sweep never races agent mutations.
type PruneFunc func(ctx context.Context, closedBefore time.Time) (int, error)

// Sweeper runs a background goroutine that periodically prunes connection
// rows long since closed. Live rows and agent state are never touched.
type Sweeper struct {
	prune     PruneFunc
	log       zerolog.Logger
	interval  time.Duration
	retention time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping.
func NewSweeper(prune PruneFunc, log zerolog.Logger, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		prune:     prune,
		log:       log,
		interval:  interval,
		retention: retention,
		done:      make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		sw.runSweep(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-sw.retention)

	pruned, err := sw.prune(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			sw.log.Error().Err(err).Msg("connection sweep failed")
		}
		return
	}
	if pruned > 0 {
		sw.log.Info().Int("pruned", pruned).Msg("swept closed connections")
	}
}
