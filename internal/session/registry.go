package session

import (
	"context"
	"maps"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/runner"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

// RestartPolicy decides what happens when a session actor crashes.
type RestartPolicy string

const (
	// RestartNone drops a crashed session.
	RestartNone RestartPolicy = "none"
	// RestartTransient restarts a crashed session with its last state.
	// Sessions stopped on purpose stay stopped.
	RestartTransient RestartPolicy = "transient"
)

// ParseRestartPolicy maps a config string to a policy, defaulting to
// transient.
func ParseRestartPolicy(s string) RestartPolicy {
	if RestartPolicy(s) == RestartNone {
		return RestartNone
	}
	return RestartTransient
}

// Persisted session statuses.
const (
	RecordActive  = "active"
	RecordStopped = "stopped"
	RecordCrashed = "crashed"
)

// Record is the persisted form of a session.
type Record struct {
	ID          string
	WorkspaceID string
	Status      string
	Cwd         string
	Env         map[string]string
	History     []string
	Meta        map[string]any
	Backend     backend.Spec
	UpdatedAt   time.Time
}

// Store persists session records for Reopen and listing.
type Store interface {
	SaveSession(ctx context.Context, rec Record) error
	LoadSession(ctx context.Context, id string) (Record, error)
}

type Config struct {
	Backends       *backend.Registry
	Runner         *runner.Runner
	Store          Store
	DefaultBackend backend.Spec
	Restart        RestartPolicy
	Scrollback     int
}

// Registry tracks live sessions by id.
type Registry struct {
	cfg Config

	mu        sync.RWMutex
	sessions  map[string]*Session
	observers []Transport
	closed    bool

	persist chan Record
	quit    chan struct{}
	flushed chan struct{}

	log *log.Logger
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID checks that id is usable as a session or workspace id.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return shellerr.New(shellerr.InvalidSessionID, map[string]any{"session_id": id})
	}
	return nil
}

func NewRegistry(cfg Config) *Registry {
	if cfg.DefaultBackend.Kind == "" {
		cfg.DefaultBackend = backend.Spec{Kind: backend.KindLocal}
	}
	if cfg.Restart == "" {
		cfg.Restart = RestartTransient
	}
	r := &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		persist:  make(chan Record, 1024),
		quit:     make(chan struct{}),
		flushed:  make(chan struct{}),
		log:      log.Default().WithPrefix("session-mgr"),
	}
	go r.persistLoop()
	return r
}

// AddObserver subscribes t to every current and future session.
func (r *Registry) AddObserver(t Transport) {
	r.mu.Lock()
	r.observers = append(r.observers, t)
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Subscribe(t, false)
	}
}

// Start creates a session for workspaceID and starts its actor.
func (r *Registry) Start(ctx context.Context, workspaceID string, opts Options) (*Session, error) {
	return r.start(ctx, workspaceID, opts, nil)
}

func (r *Registry) start(ctx context.Context, workspaceID string, opts Options, carry map[string]Transport) (*Session, error) {
	if err := ValidateID(workspaceID); err != nil {
		return nil, shellerr.New(shellerr.InvalidSessionID, map[string]any{"workspace_id": workspaceID})
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if err := ValidateID(opts.ID); err != nil {
		return nil, err
	}
	if opts.Backend.Kind == "" {
		opts.Backend = r.cfg.DefaultBackend
	}
	if opts.Scrollback == 0 {
		opts.Scrollback = r.cfg.Scrollback
	}
	if opts.Cwd == "" {
		opts.Cwd = "/"
	}

	r.mu.RLock()
	_, exists := r.sessions[opts.ID]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, shellerr.New(shellerr.StartFailed, map[string]any{"session_id": opts.ID, "reason": "registry closed"})
	}
	if exists {
		return nil, shellerr.New(shellerr.InvalidSessionID, map[string]any{"session_id": opts.ID, "reason": "already running"})
	}

	b, err := r.cfg.Backends.New(ctx, opts.Backend, backend.Base{
		WorkspaceID: workspaceID,
		Cwd:         opts.Cwd,
		Env:         maps.Clone(opts.Env),
	})
	if err != nil {
		r.log.Warn("backend start failed", "session", opts.ID, "kind", opts.Backend.Kind, "err", err)
		return nil, err
	}
	if policy, ok := backend.PolicyFromContext(opts.Meta); ok {
		if err := backend.ConfigureNetwork(ctx, b, policy); err != nil {
			r.log.Warn("network policy not applied", "session", opts.ID, "err", err)
		}
	}

	s := newSession(opts.ID, workspaceID, opts, b, r.cfg.Runner)
	s.onChange = func(snap Snapshot) { r.save(recordFromSnapshot(snap, RecordActive)) }
	s.onExit = r.handleExit

	r.mu.Lock()
	if r.closed || r.sessions[opts.ID] != nil {
		r.mu.Unlock()
		b.Close()
		return nil, shellerr.New(shellerr.InvalidSessionID, map[string]any{"session_id": opts.ID, "reason": "already running"})
	}
	for _, t := range r.observers {
		s.transports[t.ID()] = t
	}
	for id, t := range carry {
		s.transports[id] = t
	}
	r.sessions[opts.ID] = s
	watched := make([]Transport, 0, len(s.transports))
	for _, t := range s.transports {
		watched = append(watched, t)
	}
	r.mu.Unlock()

	s.start()
	for _, t := range watched {
		go s.watch(t)
	}
	r.save(recordFromOptions(workspaceID, opts, RecordActive))
	r.log.Info("started session", "session", opts.ID, "workspace", workspaceID, "backend", opts.Backend.Kind)
	return s, nil
}

// handleExit runs on the actor goroutine after Done has closed.
func (r *Registry) handleExit(s *Session, crash any) {
	r.mu.Lock()
	if r.sessions[s.id] != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.id)
	closed := r.closed
	r.mu.Unlock()

	opts := s.options()
	if crash == nil {
		r.save(recordFromOptions(s.workspaceID, opts, RecordStopped))
		return
	}
	if r.cfg.Restart != RestartTransient || closed {
		r.save(recordFromOptions(s.workspaceID, opts, RecordCrashed))
		r.log.Warn("session crashed, not restarting", "session", s.id)
		return
	}

	carry := maps.Clone(s.transports)
	for _, t := range r.observersSnapshot() {
		delete(carry, t.ID())
	}
	go func() {
		if _, err := r.start(context.Background(), s.workspaceID, opts, carry); err != nil {
			r.save(recordFromOptions(s.workspaceID, opts, RecordCrashed))
			r.log.Error("restart failed", "session", s.id, "err", err)
			return
		}
		r.log.Info("restarted session", "session", s.id)
	}()
}

func (r *Registry) observersSnapshot() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Transport, len(r.observers))
	copy(out, r.observers)
	return out
}

// Lookup returns the live session with the given id.
func (r *Registry) Lookup(id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, shellerr.New(shellerr.SessionNotFound, map[string]any{"session_id": id})
	}
	return s, nil
}

// Stop stops a session and marks it stopped in the store.
func (r *Registry) Stop(id string) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	s.Stop()
	r.save(recordFromOptions(s.workspaceID, s.options(), RecordStopped))
	r.log.Info("stopped session", "session", id)
	return nil
}

func (r *Registry) Subscribe(id string, t Transport, replay bool) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return s.Subscribe(t, replay)
}

func (r *Registry) Unsubscribe(id, transportID string) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return s.Unsubscribe(transportID)
}

// RunCommand submits line to the session. The returned Pending resolves
// when the command finishes.
func (r *Registry) RunCommand(id, line string, overrides map[string]any) (*Pending, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	return s.Run(line, overrides)
}

func (r *Registry) Cancel(id string) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return s.Cancel()
}

func (r *Registry) GetState(id string) (Snapshot, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.State()
}

// List returns snapshots of all live sessions, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		snap, err := s.State()
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reopen restarts a stored session with its persisted cwd, env, history
// and backend spec. A session that is still live is returned as is.
func (r *Registry) Reopen(ctx context.Context, id string) (*Session, error) {
	if s, err := r.Lookup(id); err == nil {
		return s, nil
	} else if shellerr.Is(err, shellerr.InvalidSessionID) {
		return nil, err
	}
	if r.cfg.Store == nil {
		return nil, shellerr.New(shellerr.SessionNotFound, map[string]any{"session_id": id})
	}
	rec, err := r.cfg.Store.LoadSession(ctx, id)
	if err != nil {
		return nil, shellerr.From(err, shellerr.SessionNotFound)
	}
	return r.Start(ctx, rec.WorkspaceID, Options{
		ID:      rec.ID,
		Cwd:     rec.Cwd,
		Env:     rec.Env,
		History: rec.History,
		Meta:    rec.Meta,
		Backend: rec.Backend,
	})
}

// ReapIdle stops idle sessions whose last activity is older than maxIdle and
// returns their ids. Sessions with a command in flight are kept.
func (r *Registry) ReapIdle(maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-maxIdle)
	r.mu.RLock()
	var idle []string
	for id, s := range r.sessions {
		if !s.Busy() && s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		if err := r.Stop(id); err != nil {
			r.log.Debug("reap failed", "session", id, "err", err)
			continue
		}
		r.log.Info("reaped idle session", "session", id)
	}
	return idle
}

// StopAll stops every session and flushes pending store writes. The
// registry accepts no new sessions afterwards.
func (r *Registry) StopAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Stop()
	}
	close(r.quit)
	<-r.flushed
	r.log.Info("stopped all sessions", "count", len(live))
}

func (r *Registry) save(rec Record) {
	if r.cfg.Store == nil {
		return
	}
	select {
	case r.persist <- rec:
	case <-r.quit:
	default:
		r.log.Warn("session store queue full, dropping record", "session", rec.ID)
	}
}

func (r *Registry) persistLoop() {
	defer close(r.flushed)
	write := func(rec Record) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.cfg.Store.SaveSession(ctx, rec); err != nil {
			r.log.Warn("save session failed", "session", rec.ID, "err", err)
		}
	}
	for {
		select {
		case rec := <-r.persist:
			write(rec)
		case <-r.quit:
			for {
				select {
				case rec := <-r.persist:
					write(rec)
				default:
					return
				}
			}
		}
	}
}

func recordFromOptions(workspaceID string, opts Options, status string) Record {
	return Record{
		ID:          opts.ID,
		WorkspaceID: workspaceID,
		Status:      status,
		Cwd:         opts.Cwd,
		Env:         opts.Env,
		History:     opts.History,
		Meta:        opts.Meta,
		Backend:     opts.Backend,
		UpdatedAt:   time.Now(),
	}
}

func recordFromSnapshot(snap Snapshot, status string) Record {
	return Record{
		ID:          snap.ID,
		WorkspaceID: snap.WorkspaceID,
		Status:      status,
		Cwd:         snap.Cwd,
		Env:         snap.Env,
		History:     snap.History,
		Meta:        snap.Meta,
		Backend:     snap.Backend,
		UpdatedAt:   time.Now(),
	}
}
