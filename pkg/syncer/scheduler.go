package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nexum-mesh/nexum-server/pkg/models"
)

// startupDelay gives the HTTP server a moment to come up before the first
// cycle fires.
const startupDelay = 2 * time.Second

// CycleRunner is what the scheduler drives once per interval.
type CycleRunner interface {
	SyncAll(ctx context.Context) *models.SyncSummary
}

// Scheduler runs sync cycles on a fixed interval in a single background
// goroutine. Cycles never overlap: the next wait starts only after the
// previous cycle returns, since concurrent cycles would race on the same
// watermark rows.
type Scheduler struct {
	coordinator  CycleRunner
	interval     time.Duration
	cycleTimeout time.Duration
	enabled      bool
	clock        clockwork.Clock

	// onCycle, if set, receives every finished cycle summary.
	onCycle func(*models.SyncSummary)

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
	count    int64
	lastSync *time.Time
}

// SchedulerOpt configures a Scheduler.
type SchedulerOpt func(*Scheduler)

// WithSchedulerClock injects a clock, for tests.
func WithSchedulerClock(clock clockwork.Clock) SchedulerOpt {
	return func(s *Scheduler) { s.clock = clock }
}

// WithCycleTimeout bounds one cycle's wall time.
func WithCycleTimeout(d time.Duration) SchedulerOpt {
	return func(s *Scheduler) {
		if d > 0 {
			s.cycleTimeout = d
		}
	}
}

// WithCycleCallback registers a callback invoked after every cycle with its
// summary.
func WithCycleCallback(fn func(*models.SyncSummary)) SchedulerOpt {
	return func(s *Scheduler) { s.onCycle = fn }
}

// NewScheduler creates a scheduler around the coordinator. A non-positive
// interval disables it.
func NewScheduler(coordinator CycleRunner, interval time.Duration, opts ...SchedulerOpt) *Scheduler {
	s := &Scheduler{
		coordinator:  coordinator,
		interval:     interval,
		cycleTimeout: 30 * time.Second,
		enabled:      interval > 0,
		clock:        clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background sync loop. A disabled or already-running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	if !s.enabled {
		slog.Info("sync scheduler disabled, not starting")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		slog.Warn("sync scheduler already running")
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	slog.Info("sync scheduler started", "interval", s.interval)
}

// Stop signals the loop to exit and waits, bounded by ctx, for an in-flight
// cycle to finish. Unfinished peers simply keep their previous watermarks.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("sync scheduler: shutdown wait: %w", ctx.Err())
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	slog.Info("sync scheduler stopped")
	return nil
}

func (s *Scheduler) run(stop, done chan struct{}) {
	defer close(done)

	select {
	case <-stop:
		return
	case <-s.clock.After(startupDelay):
	}

	for {
		s.runCycle()
		select {
		case <-stop:
			return
		case <-s.clock.After(s.interval):
		}
	}
}

func (s *Scheduler) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cycleTimeout)
	defer cancel()

	summary := s.coordinator.SyncAll(ctx)

	now := s.clock.Now()
	s.mu.Lock()
	s.count++
	s.lastSync = &now
	s.mu.Unlock()

	if s.onCycle != nil {
		s.onCycle(summary)
	}
}

// Status returns a snapshot of the loop's state.
func (s *Scheduler) Status() models.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SchedulerStatus{
		Enabled:      s.enabled,
		Interval:     s.interval.String(),
		Running:      s.running,
		SyncCount:    s.count,
		LastSyncTime: s.lastSync,
	}
}
