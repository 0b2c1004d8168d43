package remoteshell

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of the backend's SSH connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const transitionBufferSize = 50

// StateTransition records one state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// stateTracker keeps the current state and a ring of recent transitions.
type stateTracker struct {
	mu          sync.RWMutex
	current     ConnectionState
	transitions [transitionBufferSize]StateTransition
	head        int
	count       int
	onChange    func(from, to ConnectionState, reason string)
}

func (st *stateTracker) set(to ConnectionState, reason string) {
	st.mu.Lock()
	from := st.current
	if from == to {
		st.mu.Unlock()
		return
	}
	st.current = to
	st.transitions[st.head] = StateTransition{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	st.head = (st.head + 1) % transitionBufferSize
	if st.count < transitionBufferSize {
		st.count++
	}
	cb := st.onChange
	st.mu.Unlock()

	if cb != nil {
		cb(from, to, reason)
	}
}

func (st *stateTracker) get() ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// history returns transitions oldest first.
func (st *stateTracker) history() []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.count == 0 {
		return nil
	}
	out := make([]StateTransition, st.count)
	if st.count < transitionBufferSize {
		copy(out, st.transitions[:st.count])
	} else {
		n := copy(out, st.transitions[st.head:])
		copy(out[n:], st.transitions[:st.head])
	}
	return out
}
