// Package remoteshell runs backend commands over SSH. Each command gets its
// own session channel on a shared client; the session cwd and env are
// rendered into the exec string so the remote side holds no state.
package remoteshell

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

type Backend struct {
	cfg  Config
	base backend.Base
	conn *conn

	mu       sync.Mutex
	cwd      string
	inflight map[backend.CommandRef]*command
	closed   bool

	log *log.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New validates cfg and dials the host. Missing host or user fails before
// any network activity.
func New(ctx context.Context, base backend.Base, cfg Config) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	cwd := base.Cwd
	if cwd == "" {
		cwd = "/"
	}
	b := &Backend{
		cfg:      cfg,
		base:     base,
		cwd:      cwd,
		inflight: make(map[backend.CommandRef]*command),
		log:      log.Default().WithPrefix("backend.ssh"),
	}
	b.conn = &conn{cfg: cfg, state: &stateTracker{onChange: b.logTransition}}

	b.conn.state.set(StateConnecting, "init")
	if _, err := b.conn.dial(ctx); err != nil {
		b.conn.state.set(StateFailed, err.Error())
		if _, ok := shellerr.As(err); ok {
			return nil, err
		}
		return nil, shellerr.Wrap(shellerr.StartFailed, err, map[string]any{"host": cfg.Host, "reason": err.Error()})
	}
	b.conn.state.set(StateConnected, "dialed")
	return b, nil
}

// Factory builds SSH backends from params host, port, user, key, key_path,
// password, shell and the *_timeout durations, layered over defaults.
func Factory(defaults Config) backend.Factory {
	return func(ctx context.Context, base backend.Base, params map[string]string) (backend.Backend, error) {
		cfg, err := ConfigFromParams(defaults, params)
		if err != nil {
			return nil, err
		}
		return New(ctx, base, cfg)
	}
}

func (b *Backend) Kind() backend.Kind { return backend.KindShell }

func (b *Backend) logTransition(from, to ConnectionState, reason string) {
	b.log.Debug("connection state", "host", b.cfg.Host, "from", from, "to", to, "reason", reason)
}

func (b *Backend) Execute(ctx context.Context, cmd backend.Command, opts backend.ExecOptions, sink backend.Sink) (backend.CommandRef, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", shellerr.New(shellerr.StartFailed, map[string]any{"reason": "backend closed"})
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = b.cwd
	}
	b.mu.Unlock()

	client, err := b.conn.ensure(ctx)
	if err != nil {
		if _, ok := shellerr.As(err); ok {
			return "", err
		}
		return "", shellerr.Wrap(shellerr.StartFailed, err, map[string]any{"host": b.cfg.Host, "reason": err.Error()})
	}

	env := make(map[string]string, len(b.base.Env)+len(opts.Env))
	for k, v := range b.base.Env {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.IdleTimeout
	}

	ref := backend.NewRef()
	cctx, cancel := context.WithCancel(ctx)
	c := &command{
		ref:      ref,
		exec:     WrapCommand(cwd, env, b.cfg.Shell, cmd.Line()),
		env:      env,
		timeout:  timeout,
		drain:    b.cfg.DrainTimeout,
		maxBytes: opts.MaxOutputBytes,
		sink:     sink,
		cancel:   cancel,
		opened:   make(chan struct{}),
	}

	b.mu.Lock()
	b.inflight[ref] = c
	b.mu.Unlock()

	go func() {
		defer b.forget(ref)
		c.run(cctx, client)
	}()
	return ref, nil
}

func (b *Backend) forget(ref backend.CommandRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, ref)
}

// Cancel waits briefly for the command's channel to open, closes it, then
// stops the worker. Unknown refs have already finished.
func (b *Backend) Cancel(ref backend.CommandRef) error {
	b.mu.Lock()
	c, ok := b.inflight[ref]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	c.abort(b.cfg.CancelTimeout)
	return nil
}

// Cd only records the path; the next command's exec string carries it.
func (b *Backend) Cd(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cwd = path
	return nil
}

func (b *Backend) Cwd() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cwd
}

// State reports the connection state.
func (b *Backend) State() ConnectionState {
	return b.conn.state.get()
}

// Transitions returns recent connection state changes, oldest first.
func (b *Backend) Transitions() []StateTransition {
	return b.conn.state.history()
}

func (b *Backend) Metrics() ConnectionMetrics {
	return b.conn.snapshot()
}

func (b *Backend) Describe() map[string]any {
	m := b.conn.snapshot()
	return map[string]any{
		"host":         b.cfg.Host,
		"port":         b.cfg.Port,
		"user":         b.cfg.User,
		"state":        b.State().String(),
		"connected_at": m.ConnectedAt,
		"reconnects":   m.Reconnects,
	}
}

// Close aborts in-flight commands and closes the connection. Close errors
// are logged, never returned.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := make([]*command, 0, len(b.inflight))
	for _, c := range b.inflight {
		pending = append(pending, c)
	}
	b.mu.Unlock()

	for _, c := range pending {
		c.abort(0)
	}
	if err := b.conn.close(); err != nil {
		b.log.Debug("close connection", "host", b.cfg.Host, "err", err)
	}
	return nil
}
