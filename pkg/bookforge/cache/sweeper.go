package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweeper every fifteen minutes.
const DefaultSweepSchedule = "*/15 * * * *"

// Sweeper periodically drops expired entries from a Purger. Reads already
// ignore expired entries; sweeping only bounds storage growth.
type Sweeper struct {
	purger   Purger
	schedule string
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	purged  int64
	lastRun time.Time
}

// NewSweeper validates schedule (standard five-field cron or a descriptor
// such as "@hourly") and returns a stopped Sweeper.
func NewSweeper(purger Purger, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cronParser().Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		purger:   purger,
		schedule: schedule,
		now:      time.Now,
		logger:   logger.With("component", "cache-sweeper"),
	}, nil
}

func cronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Start schedules the sweep. Calling Start on a running Sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithParser(cronParser()))
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Warn("cache sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("cache sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("cache sweeper stopped")
}

// RunOnce purges expired entries immediately.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.purger.PurgeExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.purged += int64(n)
	s.lastRun = now
	s.mu.Unlock()

	if n > 0 {
		s.logger.Debug("purged expired cache entries", "count", n)
	}
	return n, nil
}

// Purged returns the total number of entries removed so far.
func (s *Sweeper) Purged() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purged
}

// LastRun returns the time of the last successful sweep.
func (s *Sweeper) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
