package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joblog/joblog/internal/tracker"
)

// Target is what the scheduler drives.
type Target interface {
	Tick(now time.Time)
	Refresh(ctx context.Context) error
	Replay(ctx context.Context) (int, error)
	Pending() int
}

// Stats reports scheduler activity.
type Stats struct {
	Ticks    int  `json:"ticks"`
	Polls    int  `json:"polls"`
	Failures int  `json:"failures"`
	Replayed int  `json:"replayed"`
	Halted   bool `json:"halted"`
}

// Scheduler runs the tick and poll loops.
type Scheduler struct {
	target Target
	config *Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	stats   Stats
	failing bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(target Target, cfg *Config, logger zerolog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		target: target,
		config: cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the tick and poll loops. The first poll runs immediately.
func (sch *Scheduler) Start() {
	sch.wg.Add(2)
	go sch.tickLoop()
	go sch.pollLoop()
	sch.logger.Debug().
		Dur("tick", sch.config.TickInterval).
		Dur("poll", sch.config.PollInterval).
		Msg("scheduler started")
}

// Stop cancels any in-flight refresh and waits for both loops to exit.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Debug().Msg("scheduler stopped")
}

func (sch *Scheduler) tickLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.target.Tick(sch.now())
			sch.mu.Lock()
			sch.stats.Ticks++
			sch.mu.Unlock()
		}
	}
}

// pollLoop arms the next poll only after the current one settles, so
// refreshes never overlap.
func (sch *Scheduler) pollLoop() {
	defer sch.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-timer.C:
			if halt := sch.poll(); halt {
				return
			}
			timer.Reset(sch.config.PollInterval)
		}
	}
}

// poll refreshes once and replays the outbox on the first poll, after a
// recovery, and whenever changes are still queued. It reports whether
// polling must stop.
func (sch *Scheduler) poll() bool {
	err := sch.target.Refresh(sch.ctx)

	sch.mu.Lock()
	sch.stats.Polls++
	recovered := err == nil && sch.failing
	first := sch.stats.Polls == 1
	if err != nil && sch.ctx.Err() == nil {
		sch.stats.Failures++
		sch.failing = true
	} else if err == nil {
		sch.failing = false
	}
	sch.mu.Unlock()

	if errors.Is(err, tracker.ErrSessionExpired) {
		sch.mu.Lock()
		sch.stats.Halted = true
		sch.mu.Unlock()
		sch.logger.Warn().Msg("session expired, polling halted")
		return true
	}
	if err != nil {
		return false
	}

	if recovered || first || sch.target.Pending() > 0 {
		n, err := sch.target.Replay(sch.ctx)
		sch.mu.Lock()
		sch.stats.Replayed += n
		sch.mu.Unlock()
		if errors.Is(err, tracker.ErrSessionExpired) {
			sch.mu.Lock()
			sch.stats.Halted = true
			sch.mu.Unlock()
			return true
		}
		if err != nil {
			sch.logger.Debug().Err(err).Msg("outbox replay incomplete")
		} else if n > 0 {
			sch.logger.Info().Int("replayed", n).Msg("outbox delivered")
		}
	}
	return false
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.stats
}
