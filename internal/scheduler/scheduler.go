// Package scheduler drives trading cycles: a timer for scheduled runs, a
// command surface for manual and reactive triggers, and pause/resume/stop
// control. At most one cycle is ever in flight.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/southquant/tradecore/internal/bus"
)

// CycleFunc runs one full trading cycle. The context is cancelled on stop
// and emergency stop; implementations yield between per-pair steps.
type CycleFunc func(ctx context.Context, cycleID int64) error

// Status is a point-in-time view of the scheduler.
type Status struct {
	CycleCount  int64     `json:"cycle_count"`
	NextCycleAt time.Time `json:"next_cycle_at"`
	IsPaused    bool      `json:"is_paused"`
	InFlight    bool      `json:"in_flight"`
	LastError   string    `json:"last_error,omitempty"`
}

// Scheduler owns the cycle cadence. Create with New, start with Run.
type Scheduler struct {
	interval            time.Duration
	run                 CycleFunc
	eventBus            *bus.Bus
	runWhenPausedOnCrit bool
	log                 zerolog.Logger

	triggers chan struct{}
	reactive chan string
	resumed  chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}

	mu          sync.Mutex
	cycleCount  int64
	nextCycleAt time.Time
	paused      bool
	inFlight    bool
	lastError   string
	stopped     bool
	cycleCancel context.CancelFunc
}

// New creates a scheduler. runWhenPausedOnCritical lets reactive triggers
// (stop-loss breach, breaker trip) run a cycle even while paused.
func New(interval time.Duration, run CycleFunc, runWhenPausedOnCritical bool, eventBus *bus.Bus, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		interval:            interval,
		run:                 run,
		eventBus:            eventBus,
		runWhenPausedOnCrit: runWhenPausedOnCritical,
		log:                 logger,
		triggers:            make(chan struct{}, 1),
		reactive:            make(chan string, 4),
		resumed:             make(chan struct{}, 1),
		stopCh:              make(chan struct{}),
	}
}

// Run blocks, executing cycles until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	s.setNextCycleAt(time.Now().Add(s.interval))

	s.log.Info().Dur("interval", s.interval).Msg("Scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopped by context")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Scheduler stopped")
			return

		case <-timer.C:
			if !s.isPaused() {
				started := time.Now()
				s.runCycle(ctx, "scheduled")
				// An overrunning cycle starts the next one immediately.
				next := s.interval - time.Since(started)
				if next < 0 {
					next = 0
				}
				timer.Reset(next)
				s.setNextCycleAt(time.Now().Add(next))
			} else {
				timer.Reset(s.interval)
				s.setNextCycleAt(time.Now().Add(s.interval))
			}

		case <-s.triggers:
			if !s.isPaused() {
				s.runCycle(ctx, "manual")
			}

		case reason := <-s.reactive:
			if !s.isPaused() || s.runWhenPausedOnCrit {
				s.log.Warn().Str("reason", reason).Msg("Reactive cycle triggered")
				s.runCycle(ctx, "reactive")
			}

		case <-s.resumed:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.interval)
			s.setNextCycleAt(time.Now().Add(s.interval))
		}
	}
}

// Trigger requests an immediate cycle. Requests arriving while a cycle
// runs coalesce into at most one pending trigger.
func (s *Scheduler) Trigger() {
	select {
	case s.triggers <- struct{}{}:
	default:
	}
}

// ReactiveTrigger nudges the scheduler after a critical event. Unlike
// Trigger it runs even while paused when configured to.
func (s *Scheduler) ReactiveTrigger(reason string) {
	select {
	case s.reactive <- reason:
	default:
	}
}

// Pause blocks scheduled cycles. An in-flight cycle runs to completion.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info().Msg("Scheduler paused")
}

// Resume unblocks scheduled cycles and re-arms the timer a full interval out.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	select {
	case s.resumed <- struct{}{}:
	default:
	}
	s.log.Info().Msg("Scheduler resumed")
}

// Stop shuts the scheduler down, cancelling any in-flight cycle at its
// next yield point.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cycleCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// EmergencyStop is Stop plus an error event for operators.
func (s *Scheduler) EmergencyStop(reason string) {
	s.log.Error().Str("reason", reason).Msg("Emergency stop")
	if s.eventBus != nil {
		s.eventBus.Publish(bus.EventError, "scheduler", map[string]any{
			"emergency": true,
			"reason":    reason,
		})
	}
	s.Stop()
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		CycleCount:  s.cycleCount,
		NextCycleAt: s.nextCycleAt,
		IsPaused:    s.paused,
		InFlight:    s.inFlight,
		LastError:   s.lastError,
	}
}

func (s *Scheduler) runCycle(parent context.Context, reason string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.cycleCount++
	id := s.cycleCount
	s.inFlight = true
	cctx, cancel := context.WithCancel(parent)
	s.cycleCancel = cancel
	s.mu.Unlock()
	defer cancel()

	if s.eventBus != nil {
		s.eventBus.Publish(bus.EventCycleStarted, "scheduler", map[string]any{
			"cycle_id": id,
			"reason":   reason,
		})
	}

	started := time.Now()
	err := s.run(cctx, id)

	s.mu.Lock()
	s.inFlight = false
	s.cycleCancel = nil
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Int64("cycle_id", id).Msg("Cycle finished with error")
	} else {
		s.log.Info().Int64("cycle_id", id).Dur("took", time.Since(started)).Msg("Cycle finished")
	}
	if s.eventBus != nil {
		data := map[string]any{
			"cycle_id": id,
			"took_ms":  time.Since(started).Milliseconds(),
		}
		if err != nil {
			data["error"] = err.Error()
		}
		s.eventBus.Publish(bus.EventCycleFinished, "scheduler", data)
	}
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) setNextCycleAt(t time.Time) {
	s.mu.Lock()
	s.nextCycleAt = t
	s.mu.Unlock()
}
