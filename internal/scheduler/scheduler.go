// Package scheduler runs the periodic maintenance jobs off the request
// path. Due times come from a clock.Clock, so tests drive jobs with RunDue
// on virtual time while production polls on a ticker.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"auth-gateway/internal/clock"
)

const defaultResolution = time.Second

type job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	next     time.Time
	running  bool
	runs     int
	panics   int
}

// JobStats reports how a job has been doing
type JobStats struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Runs     int           `json:"runs"`
	Panics   int           `json:"panics"`
	NextRun  time.Time     `json:"next_run"`
}

type Scheduler struct {
	clock      clock.Clock
	logger     *zap.Logger
	resolution time.Duration

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{clock: clk, logger: logger, resolution: defaultResolution}
}

// Every registers fn to run each interval, first one interval from now
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:     name,
		interval: interval,
		fn:       fn,
		next:     s.clock.Now().Add(interval),
	})
	if interval < s.resolution {
		s.resolution = interval
	}
	return nil
}

// RunDue runs every job whose due time has passed and returns how many ran.
// A job still running from an earlier tick is skipped.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.running && !now.Before(j.next) {
			j.running = true
			j.next = now.Add(j.interval)
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.run(ctx, j)
	}
	return len(due)
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.logger.Error("Scheduled job panicked, retrying next tick",
				zap.String("job", j.name),
				zap.Any("panic", r),
			)
		}
		s.mu.Lock()
		j.running = false
		j.runs++
		if panicked {
			j.panics++
		}
		s.mu.Unlock()
	}()
	j.fn(ctx)
}

// Start polls for due jobs until Stop or ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	resolution := s.resolution
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(resolution)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunDue(ctx)
			}
		}
	}()

	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.Stats())), zap.Duration("resolution", resolution))
}

// Stop cancels the poll loop and waits for a running job to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
		s.logger.Info("Scheduler stopped")
	}
}

func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStats{
			Name:     j.name,
			Interval: j.interval,
			Runs:     j.runs,
			Panics:   j.panics,
			NextRun:  j.next,
		})
	}
	return out
}
