package channel

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"fleet/api/model"
)

// Sweeper demotes nodes whose heartbeat is older than timeout.
type Sweeper interface {
	SweepStale(ctx context.Context, timeout time.Duration) ([]model.Node, error)
}

// Watchdog is the single global liveness sweep. It runs independently of
// every session.
type Watchdog struct {
	sweeper  Sweeper
	interval time.Duration
	timeout  time.Duration
}

func NewWatchdog(sweeper Sweeper, interval, timeout time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Watchdog{sweeper: sweeper, interval: interval, timeout: timeout}
}

// Run sweeps every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	log.Info().Str("component", "watchdog").Dur("interval", w.interval).Dur("timeout", w.timeout).Msg("started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "watchdog").Msg("stopped")
			return nil
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the nodes it took offline.
func (w *Watchdog) Sweep(ctx context.Context) []model.Node {
	demoted, err := w.sweeper.SweepStale(ctx, w.timeout)
	if err != nil {
		log.Error().Err(err).Str("component", "watchdog").Msg("sweep")
		return nil
	}
	for _, n := range demoted {
		log.Warn().Str("component", "watchdog").Str("node", n.ID).Str("region", n.Region).Msg("node offline: heartbeat timeout")
	}
	return demoted
}
