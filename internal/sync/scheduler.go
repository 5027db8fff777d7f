package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"
)

// ErrSessionExpired marks a fatal session failure: the scheduler that sees
// it stops instead of backing off, and fires its fatal callback. Round
// functions must wrap authentication failures in it.
var ErrSessionExpired = errors.New("session expired")

// Cadence selects the repeating interval of a polling loop.
type Cadence int

// Cadences.
const (
	CadenceFast Cadence = iota
	CadenceSlow
)

// State is the scheduler's lifecycle phase, observable for diagnostics.
type State int

// Scheduler states.
const (
	StateStopped State = iota
	StateImmediatePending
	StateRepeating
	StateBackoff
)

// RoundFunc issues one round of work: a directory fetch or a delta fetch.
// It must honor ctx cancellation.
type RoundFunc func(ctx context.Context) error

// Scheduler drives one polling loop: a near-immediate first tick after
// Start, then steady repetition at the active cadence, with a single
// slow-interval backoff tick after a failed round. At most one round is
// outstanding at any time; a round fully completes before the next tick is
// scheduled.
//
// Two switching policies exist. The room-content loop (ImmediateSwitch
// true) reschedules its pending tick the moment the cadence changes; the
// room-list loop adopts a new cadence only after the next successful round.
type Scheduler struct {
	// Round is the work issued on every tick.
	Round RoundFunc
	// OnFatal is called once when a round returns ErrSessionExpired,
	// after the loop has stopped.
	OnFatal func()
	// Fast, Slow, Immediate are the tick intervals.
	Fast, Slow, Immediate time.Duration
	// ImmediateSwitch makes SetCadence reschedule the pending tick now.
	ImmediateSwitch bool

	mu      gosync.Mutex
	state   State
	desired Cadence
	active  Cadence
	cancel  context.CancelFunc
	done    chan struct{}
	kick    chan struct{}
}

// NewScheduler returns a stopped scheduler with the given round function
// and intervals.
func NewScheduler(round RoundFunc, fast, slow, immediate time.Duration) *Scheduler {
	return &Scheduler{
		Round:     round,
		Fast:      fast,
		Slow:      slow,
		Immediate: immediate,
	}
}

// Start resets the loop and schedules the near-immediate first tick.
// Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateImmediatePending
	s.done = make(chan struct{})
	s.kick = make(chan struct{}, 1)
	go s.run(ctx, s.done, s.kick)
}

// Stop cancels any pending tick and marks the loop stopped. Idempotent. An
// in-flight round is not aborted; its result is ignored by the liveness
// check inside the loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = StateStopped
}

// Wait blocks until the loop goroutine has exited. Only meaningful after
// Stop or a fatal round.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// SetCadence requests a repeating-interval switch. With ImmediateSwitch the
// pending tick is rescheduled at the new interval right away; otherwise the
// switch takes effect after the next successful round.
func (s *Scheduler) SetCadence(c Cadence) {
	s.mu.Lock()
	s.desired = c
	kick := s.kick
	immediate := s.ImmediateSwitch && s.state != StateStopped
	s.mu.Unlock()

	if immediate && kick != nil {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// State returns the loop's current phase.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}, kick chan struct{}) {
	defer close(done)

	delay := s.Immediate
	for {
		timer := time.NewTimer(delay)
		fired := false
		for !fired {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-kick:
				// Cadence switched mid-wait: restart the pending tick at
				// the new interval, unless a backoff tick is owed.
				if s.State() == StateBackoff {
					continue
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				delay = s.interval(s.adoptDesired())
				timer = time.NewTimer(delay)
			case <-timer.C:
				fired = true
			}
		}

		err := s.Round(ctx)
		if ctx.Err() != nil {
			// The loop was stopped while the round was in flight; the
			// result must not influence further scheduling.
			return
		}

		switch {
		case err == nil:
			delay = s.interval(s.adoptDesired())
			s.setState(StateRepeating)
		case errors.Is(err, ErrSessionExpired):
			s.Stop()
			if s.OnFatal != nil {
				s.OnFatal()
			}
			return
		default:
			// One backoff tick at the slow interval, then fall back to
			// whatever cadence was active before the failure.
			delay = s.Slow
			s.setState(StateBackoff)
		}
	}
}

// adoptDesired makes the requested cadence active and returns it.
func (s *Scheduler) adoptDesired() Cadence {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = s.desired
	return s.active
}

func (s *Scheduler) interval(c Cadence) time.Duration {
	if c == CadenceSlow {
		return s.Slow
	}
	return s.Fast
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	if s.state != StateStopped {
		s.state = st
	}
	s.mu.Unlock()
}
