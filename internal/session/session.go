// Package session runs one actor goroutine per shell session. The actor owns
// the session state, the backend handle and the subscriber set; command work
// happens on a worker goroutine per command and reports back through the
// actor's inbox.
package session

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/commands"
	"github.com/agentjido/jido-shell-sub001/internal/runner"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

const (
	inboxSize = 256
	// maxHistory bounds the in-memory history. Older lines are dropped, so
	// history is append-only only up to this many entries; the full record
	// lives in the command store.
	maxHistory = 1000
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// Options configure a new session. Zero values fall back to "/" for Cwd and
// the registry's default backend.
type Options struct {
	ID         string            `json:"id,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	History    []string          `json:"history,omitempty"`
	Meta       map[string]any    `json:"meta,omitempty"`
	Backend    backend.Spec      `json:"backend"`
	Scrollback int               `json:"scrollback,omitempty"`
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	ID           string            `json:"id"`
	WorkspaceID  string            `json:"workspace_id"`
	Status       Status            `json:"status"`
	Cwd          string            `json:"cwd"`
	Env          map[string]string `json:"env"`
	History      []string          `json:"history"`
	Meta         map[string]any    `json:"meta,omitempty"`
	Backend      backend.Spec      `json:"backend"`
	BackendInfo  map[string]any    `json:"backend_info,omitempty"`
	CommandID    string            `json:"command_id,omitempty"`
	CurrentLine  string            `json:"current_line,omitempty"`
	Subscribers  int               `json:"subscribers"`
	LastSeq      uint64            `json:"last_seq"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}

// Outcome is the final result of an accepted command. Err is a
// *shellerr.Error, or context.Canceled when the command was cancelled or
// the session stopped under it.
type Outcome struct {
	CommandID string
	Line      string
	Value     any
	Err       error
	Cancelled bool
	Duration  time.Duration
}

// Pending resolves once the command it was returned for finishes.
type Pending struct {
	CommandID string
	Line      string

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newPending(id, line string) *Pending {
	return &Pending{CommandID: id, Line: line, done: make(chan struct{})}
}

func (p *Pending) resolve(o Outcome) {
	p.once.Do(func() {
		o.CommandID = p.CommandID
		o.Line = p.Line
		p.outcome = o
		close(p.done)
	})
}

func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the command finishes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type command struct {
	id      string
	line    string
	started time.Time
	pending *Pending
	cancel  context.CancelFunc

	cancelled atomic.Bool
	ref       atomic.Pointer[backend.CommandRef]
}

func (c *command) setRef(ref backend.CommandRef) { c.ref.Store(&ref) }

func (c *command) backendRef() backend.CommandRef {
	if p := c.ref.Load(); p != nil {
		return *p
	}
	return ""
}

type Session struct {
	id          string
	workspaceID string
	spec        backend.Spec
	createdAt   time.Time
	runner      *runner.Runner
	backend     backend.Backend

	inbox chan func()
	done  chan struct{}
	log   *log.Logger

	lastActive atomic.Int64
	busy       atomic.Bool

	// Owned by the actor goroutine.
	state      commands.State
	meta       map[string]any
	current    *command
	transports map[string]Transport
	scrollback *Scrollback
	seq        uint64
	stopping   bool
	crash      any

	// Set before the loop starts.
	onChange func(Snapshot)
	onExit   func(*Session, any)
}

func newSession(id, workspaceID string, opts Options, b backend.Backend, r *runner.Runner) *Session {
	cwd := opts.Cwd
	if cwd == "" {
		cwd = "/"
	}
	st := commands.State{
		WorkspaceID: workspaceID,
		Cwd:         cwd,
		Env:         maps.Clone(opts.Env),
		History:     opts.History,
	}.Clone()

	s := &Session{
		id:          id,
		workspaceID: workspaceID,
		spec:        opts.Backend,
		createdAt:   time.Now(),
		runner:      r,
		backend:     b,
		inbox:       make(chan func(), inboxSize),
		done:        make(chan struct{}),
		log:         log.Default().WithPrefix("session"),
		state:       st,
		meta:        maps.Clone(opts.Meta),
		transports:  make(map[string]Transport),
		scrollback:  NewScrollback(opts.Scrollback),
	}
	if s.meta == nil {
		s.meta = map[string]any{}
	}
	s.touch()
	return s
}

func (s *Session) start() { go s.loop() }

func (s *Session) ID() string          { return s.id }
func (s *Session) WorkspaceID() string { return s.workspaceID }

// Done closes when the actor has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastActivity is the time of the last accepted or finished command.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActive.Load()) }

// Busy reports whether a command is in flight.
func (s *Session) Busy() bool { return s.busy.Load() }

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) loop() {
	defer func() {
		if r := recover(); r != nil {
			s.crash = r
			s.log.Error("actor crashed", "session", s.id, "reason", fmt.Sprint(r))
		}
		s.shutdown()
		close(s.done)
		if s.onExit != nil {
			s.onExit(s, s.crash)
		}
	}()
	for fn := range s.inbox {
		fn()
		if s.stopping {
			return
		}
	}
}

// shutdown aborts the in-flight command and closes the backend.
func (s *Session) shutdown() {
	if cmd := s.current; cmd != nil {
		cmd.cancelled.Store(true)
		if ref := cmd.backendRef(); ref != "" {
			s.backend.Cancel(ref)
		}
		cmd.cancel()
		cmd.pending.resolve(Outcome{Err: context.Canceled, Cancelled: true, Duration: time.Since(cmd.started)})
		s.current = nil
		s.busy.Store(false)
	}
	if s.backend != nil {
		s.backend.Close()
	}
}

func (s *Session) stoppedErr() error {
	return shellerr.New(shellerr.SessionNotFound, map[string]any{"session_id": s.id})
}

// send queues fn for the actor. It reports false once the actor is gone.
func (s *Session) send(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the actor and waits for it.
func (s *Session) call(fn func()) error {
	reply := make(chan struct{})
	if !s.send(func() {
		fn()
		close(reply)
	}) {
		return s.stoppedErr()
	}
	select {
	case <-reply:
		return nil
	case <-s.done:
		return s.stoppedErr()
	}
}

// Run accepts line for execution. It fails with shell.busy while another
// command is in flight. overrides are merged over the session meta for this
// command only.
func (s *Session) Run(line string, overrides map[string]any) (*Pending, error) {
	var (
		p   *Pending
		err error
	)
	if cerr := s.call(func() { p, err = s.handleRun(line, overrides) }); cerr != nil {
		return nil, cerr
	}
	return p, err
}

// Cancel stops the in-flight command. On an idle session it returns
// session.invalid_state_transition and changes nothing.
func (s *Session) Cancel() error {
	var err error
	if cerr := s.call(func() { err = s.handleCancel() }); cerr != nil {
		return cerr
	}
	return err
}

// Subscribe adds t to the subscriber set, replacing any transport with the
// same id. With replay the scrollback is delivered first.
func (s *Session) Subscribe(t Transport, replay bool) error {
	return s.call(func() {
		if replay {
			for _, ev := range s.scrollback.Snapshot() {
				t.Deliver(ev)
			}
		}
		s.transports[t.ID()] = t
		go s.watch(t)
	})
}

func (s *Session) watch(t Transport) {
	select {
	case <-t.Done():
		s.send(func() {
			if s.transports[t.ID()] == t {
				delete(s.transports, t.ID())
			}
		})
	case <-s.done:
	}
}

func (s *Session) Unsubscribe(id string) error {
	return s.call(func() { delete(s.transports, id) })
}

// State returns a snapshot of the session.
func (s *Session) State() (Snapshot, error) {
	var snap Snapshot
	if err := s.call(func() { snap = s.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Scrollback returns the buffered events, oldest first.
func (s *Session) Scrollback() []Event { return s.scrollback.Snapshot() }

// Stop aborts any in-flight command, closes the backend and ends the actor.
// Stopping a stopped session is a no-op.
func (s *Session) Stop() error {
	if s.send(func() { s.stopping = true }) {
		<-s.done
	}
	return nil
}

func (s *Session) handleRun(line string, overrides map[string]any) (*Pending, error) {
	if cur := s.current; cur != nil {
		err := shellerr.New(shellerr.Busy, map[string]any{"line": line, "running": cur.line})
		s.broadcast(Event{Type: EventError, Line: line, Error: err})
		return nil, err
	}

	s.state.History = append([]string{line}, s.state.History...)
	if len(s.state.History) > maxHistory {
		s.state.History = s.state.History[:maxHistory]
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := &command{
		id:      uuid.NewString(),
		line:    line,
		started: time.Now(),
		cancel:  cancel,
	}
	cmd.pending = newPending(cmd.id, line)
	s.current = cmd
	s.busy.Store(true)
	s.touch()
	s.broadcast(Event{Type: EventCommandStarted, CommandID: cmd.id, Line: line})

	execCtx := maps.Clone(s.meta)
	maps.Copy(execCtx, overrides)
	go s.work(ctx, cmd, s.state.Clone(), execCtx)
	return cmd.pending, nil
}

// work runs on its own goroutine and never touches actor-owned fields.
func (s *Session) work(ctx context.Context, cmd *command, st commands.State, execCtx map[string]any) {
	var (
		res   runner.Result
		crash any
	)
	func() {
		defer func() { crash = recover() }()
		res = s.runner.Run(ctx, runner.Request{
			Line:        cmd.line,
			State:       st,
			ExecContext: execCtx,
			Backend:     s.backend,
			Emit: func(chunk []byte) error {
				if cmd.cancelled.Load() {
					return context.Canceled
				}
				out := bytes.Clone(chunk)
				if !s.send(func() { s.handleOutput(cmd, out) }) {
					return context.Canceled
				}
				return nil
			},
			OnBackendRef: cmd.setRef,
		})
	}()
	s.send(func() { s.handleExit(cmd, res, crash) })
}

func (s *Session) handleOutput(cmd *command, chunk []byte) {
	if s.current != cmd {
		return
	}
	s.broadcast(Event{Type: EventOutput, CommandID: cmd.id, Chunk: chunk})
}

func (s *Session) handleExit(cmd *command, res runner.Result, crash any) {
	if s.current != cmd {
		return
	}
	s.current = nil
	s.busy.Store(false)
	s.touch()
	cmd.cancel()
	elapsed := time.Since(cmd.started)

	switch {
	case cmd.cancelled.Load():
		cmd.pending.resolve(Outcome{Err: context.Canceled, Cancelled: true, Duration: elapsed})
		return
	case crash != nil:
		reason := fmt.Sprint(crash)
		err := shellerr.New(shellerr.Crashed, map[string]any{"line": cmd.line, "reason": reason})
		s.log.Error("command crashed", "session", s.id, "line", cmd.line, "reason", reason)
		s.broadcast(Event{Type: EventCommandCrashed, CommandID: cmd.id, Line: cmd.line, Reason: reason, Error: err})
		cmd.pending.resolve(Outcome{Err: err, Duration: elapsed})
	case res.Err != nil:
		err := shellerr.From(res.Err, shellerr.Failed)
		s.broadcast(Event{Type: EventError, CommandID: cmd.id, Line: cmd.line, Error: err})
		cmd.pending.resolve(Outcome{Err: err, Duration: elapsed})
	default:
		if !res.Update.Empty() {
			s.apply(cmd, res.Update)
		}
		s.broadcast(Event{Type: EventCommandDone, CommandID: cmd.id, Line: cmd.line})
		cmd.pending.resolve(Outcome{Value: res.Value, Duration: elapsed})
	}

	if s.onChange != nil {
		s.onChange(s.snapshot())
	}
}

// apply folds a state update into the session. The session cwd is
// authoritative, so a backend that refuses the cd is only logged.
func (s *Session) apply(cmd *command, u *commands.Update) {
	prev := s.state.Cwd
	s.state = s.state.Apply(u)
	if s.state.Cwd == prev {
		return
	}
	if err := s.backend.Cd(s.state.Cwd); err != nil {
		s.log.Debug("backend cd failed", "session", s.id, "cwd", s.state.Cwd, "err", err)
	}
	s.broadcast(Event{Type: EventCwdChanged, CommandID: cmd.id, Cwd: s.state.Cwd})
}

func (s *Session) handleCancel() error {
	cmd := s.current
	if cmd == nil {
		return shellerr.New(shellerr.InvalidStateTransition, map[string]any{
			"from":  string(StatusIdle),
			"event": "cancel",
		})
	}

	// Output delivered while the backend cancel is pending keeps flowing; the
	// command only counts as cancelled once the backend agrees.
	if ref := cmd.backendRef(); ref != "" {
		if err := s.backend.Cancel(ref); err != nil {
			cerr := shellerr.Wrap(shellerr.CancelFailed, err, map[string]any{
				"line":   cmd.line,
				"reason": err.Error(),
			})
			s.broadcast(Event{Type: EventError, CommandID: cmd.id, Line: cmd.line, Error: cerr})
			return cerr
		}
	}
	cmd.cancelled.Store(true)
	cmd.cancel()

	s.current = nil
	s.busy.Store(false)
	s.touch()
	s.broadcast(Event{Type: EventCommandCancelled, CommandID: cmd.id, Line: cmd.line})
	cmd.pending.resolve(Outcome{Err: context.Canceled, Cancelled: true, Duration: time.Since(cmd.started)})
	if s.onChange != nil {
		s.onChange(s.snapshot())
	}
	return nil
}

func (s *Session) broadcast(ev Event) {
	s.seq++
	ev.Seq = s.seq
	ev.SessionID = s.id
	ev.Time = time.Now()
	s.scrollback.Add(ev)
	for _, t := range s.transports {
		t.Deliver(ev)
	}
}

func (s *Session) snapshot() Snapshot {
	st := s.state.Clone()
	snap := Snapshot{
		ID:           s.id,
		WorkspaceID:  s.workspaceID,
		Status:       StatusIdle,
		Cwd:          st.Cwd,
		Env:          st.Env,
		History:      st.History,
		Meta:         maps.Clone(s.meta),
		Backend:      s.spec,
		BackendInfo:  backend.Describe(s.backend),
		Subscribers:  len(s.transports),
		LastSeq:      s.seq,
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity(),
	}
	if cmd := s.current; cmd != nil {
		snap.Status = StatusRunning
		snap.CommandID = cmd.id
		snap.CurrentLine = cmd.line
	}
	return snap
}

// options rebuilds the options this session would restart with. Only valid
// on the actor goroutine or after Done.
func (s *Session) options() Options {
	st := s.state.Clone()
	return Options{
		ID:         s.id,
		Cwd:        st.Cwd,
		Env:        st.Env,
		History:    st.History,
		Meta:       maps.Clone(s.meta),
		Backend:    s.spec,
		Scrollback: s.scrollback.maxLen,
	}
}
