package communicator

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrInvalidTransition is returned when a lifecycle call does not match the current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrNotRunning is returned by calls that need an initialized, not yet stopped communicator.
	ErrNotRunning = errors.New("communicator not running")
	// ErrStartFailed is returned by Start after an earlier Start failed past
	// transport activation. Such a communicator cannot be started again.
	ErrStartFailed = errors.New("communicator start failed")
)

// State is the communicator lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateInitialized
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type lifecycle struct {
	state atomic.Int32
}

func (l *lifecycle) current() State {
	return State(l.state.Load())
}

// advance moves from one state to its direct successor only.
func (l *lifecycle) advance(from, to State) error {
	if to != from+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !l.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s (state is %s)", ErrInvalidTransition, from, to, l.current())
	}
	return nil
}

// cancelGate defers cancellation to iteration boundaries. The loop calls
// checkpoint before waiting for the next cycle; everything between two
// checkpoints runs to completion.
type cancelGate struct {
	requested    atomic.Bool
	acknowledged atomic.Bool
}

func (g *cancelGate) request() {
	g.requested.Store(true)
}

// checkpoint reports whether the loop must exit, and acknowledges it.
func (g *cancelGate) checkpoint() bool {
	if !g.requested.Load() {
		return false
	}
	g.acknowledged.Store(true)
	return true
}

func (g *cancelGate) wasAcknowledged() bool {
	return g.acknowledged.Load()
}
