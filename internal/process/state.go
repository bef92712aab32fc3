package process

import (
	"fmt"
	"sync"
	"time"
)

// State represents a recorder lifecycle state.
type State int

const (
	Stopped  State = iota // STOPPED: not running
	Starting              // STARTING: process launched, waiting for startsecs
	Running               // RUNNING: successfully started
	Stopping              // STOPPING: stop signal sent, waiting for exit
	Exited                // EXITED: process exited on its own
	Fatal                 // FATAL: restart budget exhausted or unrecoverable
)

var stateNames = [...]string{
	"STOPPED", "STARTING", "RUNNING", "STOPPING", "EXITED", "FATAL",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// validTransitions defines allowed state transitions. Recorders have no
// backoff state: a failed start consumes restart budget and either
// restarts immediately or lands in FATAL.
var validTransitions = map[State][]State{
	Stopped:  {Starting},
	Starting: {Running, Stopping, Exited, Fatal},
	Running:  {Stopping, Exited},
	Stopping: {Stopped, Exited},
	Exited:   {Starting, Fatal},
	Fatal:    {Starting},
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock uses the system clock.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns a Clock backed by the system clock.
func RealClock() Clock { return realClock{} }

// StateMachine manages recorder state transitions.
type StateMachine struct {
	mu         sync.Mutex
	state      State
	startsecs  time.Duration
	startedAt  time.Time
	clock      Clock
	manualStop bool // true if current stop was operator-initiated
}

// StateMachineConfig configures a state machine.
type StateMachineConfig struct {
	Startsecs int // seconds before STARTING->RUNNING
	Clock     Clock
}

// NewStateMachine creates a state machine in STOPPED state.
func NewStateMachine(cfg StateMachineConfig) *StateMachine {
	clk := cfg.Clock
	if clk == nil {
		clk = RealClock()
	}
	return &StateMachine{
		state:     Stopped,
		startsecs: time.Duration(cfg.Startsecs) * time.Second,
		clock:     clk,
	}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// ManualStop returns whether the last stop was operator-initiated.
func (sm *StateMachine) ManualStop() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.manualStop
}

// Transition attempts a state transition. Returns an error if the
// transition is invalid.
func (sm *StateMachine) Transition(target State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.transitionLocked(target)
}

func (sm *StateMachine) transitionLocked(target State) error {
	allowed := validTransitions[sm.state]
	for _, a := range allowed {
		if a == target {
			sm.state = target
			if target == Starting {
				sm.startedAt = sm.clock.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("cannot transition from %s to %s", sm.state, target)
}

// RequestStart transitions from STOPPED/EXITED/FATAL to STARTING.
func (sm *StateMachine) RequestStart() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.manualStop = false
	return sm.transitionLocked(Starting)
}

// RequestStop transitions from RUNNING/STARTING to STOPPING
// (operator-initiated).
func (sm *StateMachine) RequestStop() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.manualStop = true
	return sm.transitionLocked(Stopping)
}

// ProcessStarted checks whether startsecs has elapsed since STARTING.
// If so, transitions to RUNNING. Returns the new state.
func (sm *StateMachine) ProcessStarted() (State, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != Starting {
		return sm.state, nil
	}

	elapsed := sm.clock.Now().Sub(sm.startedAt)
	if elapsed >= sm.startsecs {
		if err := sm.transitionLocked(Running); err != nil {
			return sm.state, err
		}
	}
	return sm.state, nil
}

// ProcessExited records a child exit. STARTING and RUNNING go to
// EXITED; STOPPING goes to STOPPED.
func (sm *StateMachine) ProcessExited() (State, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch sm.state {
	case Starting, Running:
		return sm.state, sm.transitionLocked(Exited)
	case Stopping:
		return sm.state, sm.transitionLocked(Stopped)
	default:
		return sm.state, fmt.Errorf("ProcessExited called in %s state", sm.state)
	}
}

// MarkFatal transitions EXITED/STARTING to FATAL when the restart
// budget is exhausted.
func (sm *StateMachine) MarkFatal() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.transitionLocked(Fatal)
}

// RestartLimiter bounds restart attempts to a burst per sliding window.
// When the budget is exhausted the recorder goes FATAL instead of
// flapping.
type RestartLimiter struct {
	mu      sync.Mutex
	burst   int
	window  time.Duration
	history []time.Time
	clock   Clock
}

// NewRestartLimiter creates a limiter allowing burst restarts per window.
// A zero or negative burst means no restarts are ever allowed.
func NewRestartLimiter(burst int, window time.Duration, clock Clock) *RestartLimiter {
	if clock == nil {
		clock = RealClock()
	}
	return &RestartLimiter{
		burst:  burst,
		window: window,
		clock:  clock,
	}
}

// Allow reports whether another restart fits the budget and records it
// when it does.
func (rl *RestartLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.burst <= 0 {
		return false
	}

	now := rl.clock.Now()
	cutoff := now.Add(-rl.window)

	// Drop restarts that fell out of the window.
	kept := rl.history[:0]
	for _, t := range rl.history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rl.history = kept

	if len(rl.history) >= rl.burst {
		return false
	}
	rl.history = append(rl.history, now)
	return true
}

// Recent returns the number of restarts inside the current window.
func (rl *RestartLimiter) Recent() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-rl.window)
	n := 0
	for _, t := range rl.history {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Reset clears the restart history. Called on an explicit operator
// start so a FATAL recorder gets a fresh budget.
func (rl *RestartLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.history = nil
}
