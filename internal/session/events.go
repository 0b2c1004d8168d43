package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

type EventType string

const (
	EventCommandStarted   EventType = "command_started"
	EventOutput           EventType = "output"
	EventCwdChanged       EventType = "cwd_changed"
	EventCommandDone      EventType = "command_done"
	EventError            EventType = "error"
	EventCommandCancelled EventType = "command_cancelled"
	EventCommandCrashed   EventType = "command_crashed"
)

// Event is one entry of a session's event stream. Seq increases by one per
// event within a session. Chunk holds raw output bytes and is base64 in JSON.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Time      time.Time       `json:"time"`
	Type      EventType       `json:"type"`
	CommandID string          `json:"command_id,omitempty"`
	Line      string          `json:"line,omitempty"`
	Chunk     []byte          `json:"chunk,omitempty"`
	Cwd       string          `json:"cwd,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Error     *shellerr.Error `json:"error,omitempty"`
}

// Transport is a subscriber endpoint. Deliver must not block; Done closes
// when the subscriber goes away.
type Transport interface {
	ID() string
	Deliver(Event)
	Done() <-chan struct{}
}

var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is a Transport backed by an unbounded queue. Deliver never blocks
// the session; readers pull with Next.
type Mailbox struct {
	id string

	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
	done   chan struct{}
}

var _ Transport = (*Mailbox)(nil)

// NewMailbox creates a mailbox. An empty id gets a generated one.
func NewMailbox(id string) *Mailbox {
	if id == "" {
		id = uuid.NewString()
	}
	return &Mailbox{
		id:     id,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *Mailbox) ID() string { return m.id }

func (m *Mailbox) Done() <-chan struct{} { return m.done }

func (m *Mailbox) Deliver(ev Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is queued, the mailbox closes or ctx ends.
// Events queued before Close are still returned.
func (m *Mailbox) Next(ctx context.Context) (Event, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue[0] = Event{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return ev, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Event{}, ErrMailboxClosed
		}

		select {
		case <-m.notify:
		case <-m.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Drain returns everything queued without blocking.
func (m *Mailbox) Drain() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}
