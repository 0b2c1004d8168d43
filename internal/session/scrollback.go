package session

import "sync"

const defaultScrollbackEvents = 500

// Scrollback keeps the most recent events of a session for replay to late
// subscribers. Older events are trimmed from the front.
type Scrollback struct {
	mu     sync.Mutex
	events []Event
	maxLen int
}

// NewScrollback creates a ring holding at most maxLen events. If maxLen <= 0,
// defaultScrollbackEvents is used.
func NewScrollback(maxLen int) *Scrollback {
	if maxLen <= 0 {
		maxLen = defaultScrollbackEvents
	}
	return &Scrollback{maxLen: maxLen}
}

func (s *Scrollback) Add(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if len(s.events) > s.maxLen {
		n := copy(s.events, s.events[len(s.events)-s.maxLen:])
		clear(s.events[n:])
		s.events = s.events[:n]
	}
}

// Snapshot returns a copy of the buffered events, oldest first.
func (s *Scrollback) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Since returns buffered events with a sequence number greater than seq.
func (s *Scrollback) Since(seq uint64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ev := range s.events {
		if ev.Seq > seq {
			out := make([]Event, len(s.events)-i)
			copy(out, s.events[i:])
			return out
		}
	}
	return nil
}

func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
