package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Purger deletes terminal tasks older than the given number of days.
type Purger interface {
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
}

// Sweeper runs the retention purge on a cron schedule.
type Sweeper struct {
	cron     *cron.Cron
	purger   Purger
	days     int
	schedule string

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastN   int64
	lastErr error
}

func New(purger Purger, schedule string, days int) (*Sweeper, error) {
	if days < 1 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	if schedule == "" {
		schedule = "@daily"
	}
	s := &Sweeper{
		cron:     cron.New(),
		purger:   purger,
		days:     days,
		schedule: schedule,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	log.Info().Str("component", "retention").Str("schedule", s.schedule).Int("days", s.days).Msg("retention scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Info().Str("component", "retention").Msg("retention scheduler stopped")
	return nil
}

// Sweep runs one purge now. Overlapping runs are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()

	start := time.Now()
	n, err := s.purger.PurgeOlderThan(ctx, s.days)

	s.mu.Lock()
	s.running = false
	s.lastRun = start
	s.lastN = n
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("component", "retention").Int64("deleted", n).Msg("retention sweep failed")
		return n, err
	}
	log.Info().Str("component", "retention").Int64("deleted", n).Dur("took", time.Since(start)).Msg("retention sweep")
	return n, nil
}

// Last reports the outcome of the most recent sweep.
func (s *Sweeper) Last() (at time.Time, deleted int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastN, s.lastErr
}
