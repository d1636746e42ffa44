package extension

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of an extension.
type State int

// Extension states.
const (
	// StateStopped - not running; the initial state.
	StateStopped State = iota

	// StateInitializing - spawned, waiting for the initialize reply.
	StateInitializing

	// StateRunning - handshake complete, serving requests.
	StateRunning

	// StateShuttingDown - shutdown sent, waiting for the reply.
	StateShuttingDown

	// StateFailed - the handshake failed or the process died.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsActive reports whether the extension has a live process.
func (s State) IsActive() bool {
	return s == StateInitializing || s == StateRunning || s == StateShuttingDown
}

// input drives a state transition.
type input int

const (
	inputStart input = iota
	inputHandshakeOK
	inputHandshakeFailed
	inputStop
	inputShutdownDone
	inputStreamClosed
)

func (i input) String() string {
	switch i {
	case inputStart:
		return "start"
	case inputHandshakeOK:
		return "handshakeOK"
	case inputHandshakeFailed:
		return "handshakeFailed"
	case inputStop:
		return "stop"
	case inputShutdownDone:
		return "shutdownDone"
	case inputStreamClosed:
		return "streamClosed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when an input is not legal in the
// current state.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State]map[input]State{
	StateStopped: {
		inputStart: StateInitializing,
	},
	StateFailed: {
		inputStart: StateInitializing,
	},
	StateInitializing: {
		inputHandshakeOK:     StateRunning,
		inputHandshakeFailed: StateFailed,
		inputStop:            StateStopped,
		inputStreamClosed:    StateFailed,
	},
	StateRunning: {
		inputStop:         StateShuttingDown,
		inputStreamClosed: StateFailed,
	},
	StateShuttingDown: {
		inputShutdownDone: StateStopped,
		inputStreamClosed: StateStopped,
	},
}

// next returns the state reached from s on in.
func next(s State, in input) (State, error) {
	to, ok := transitions[s][in]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, in)
	}
	return to, nil
}
