package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/quota"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

const (
	defaultIdleTimeout    = 60 * time.Second
	defaultDestroyTimeout = 30 * time.Second
)

type Config struct {
	Provider Provider
	// Name attaches to an existing sandbox unless Create is set. An empty
	// name always creates a fresh sandbox.
	Name        string
	Create      bool
	IdleTimeout time.Duration
}

type Backend struct {
	cfg      Config
	base     backend.Base
	provider Provider
	handle   Handle
	owns     bool

	mu         sync.Mutex
	cwd        string
	lastPolicy *backend.NetworkPolicy
	inflight   map[backend.CommandRef]context.CancelFunc
	closed     bool

	log *log.Logger
}

var (
	_ backend.Backend           = (*Backend)(nil)
	_ backend.NetworkConfigurer = (*Backend)(nil)
)

func New(ctx context.Context, base backend.Base, cfg Config) (*Backend, error) {
	if cfg.Provider == nil {
		return nil, shellerr.New(shellerr.BackendInvalidConfig, map[string]any{"kind": string(backend.KindSandbox), "missing": []string{"provider"}})
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	cwd := base.Cwd
	if cwd == "" {
		cwd = "/"
	}
	b := &Backend{
		cfg:      cfg,
		base:     base,
		provider: cfg.Provider,
		cwd:      cwd,
		inflight: make(map[backend.CommandRef]context.CancelFunc),
		log:      log.Default().WithPrefix("backend.sandbox"),
	}

	var err error
	if cfg.Name != "" && !cfg.Create {
		b.handle, err = b.provider.Attach(ctx, cfg.Name)
		if err != nil {
			return nil, b.startFailed("attach", cfg.Name, err)
		}
	} else {
		name := cfg.Name
		if name == "" {
			name = generatedName(base.WorkspaceID)
		}
		b.handle, err = b.provider.Create(ctx, name)
		if err != nil {
			return nil, b.startFailed("create", name, err)
		}
		b.owns = true
	}
	b.log.Info("sandbox ready", "provider", b.provider.Name(), "sandbox", b.handle.Name, "owns", b.owns)
	return b, nil
}

func generatedName(workspace string) string {
	id := uuid.NewString()[:8]
	if workspace == "" {
		return "vshell-" + id
	}
	return "vshell-" + workspace + "-" + id
}

func (b *Backend) startFailed(op, name string, err error) error {
	if _, ok := shellerr.As(err); ok {
		return err
	}
	return shellerr.Wrap(shellerr.StartFailed, err, map[string]any{
		"provider": b.provider.Name(),
		"op":       op,
		"sandbox":  name,
		"reason":   err.Error(),
	})
}

// Factory builds sandbox backends. The "provider" param selects an opener,
// falling back to defaultProvider. Params name, create and idle_timeout
// shape the backend; the opener reads the rest.
func Factory(openers map[string]Opener, defaultProvider string) backend.Factory {
	return func(ctx context.Context, base backend.Base, params map[string]string) (backend.Backend, error) {
		name := params["provider"]
		if name == "" {
			name = defaultProvider
		}
		open, ok := openers[name]
		if !ok {
			return nil, shellerr.New(shellerr.BackendInvalidConfig, map[string]any{"kind": string(backend.KindSandbox), "provider": name})
		}
		provider, err := open(ctx, params)
		if err != nil {
			return nil, err
		}
		cfg := Config{Provider: provider, Name: params["name"]}
		if v := params["create"]; v != "" {
			create, err := strconv.ParseBool(v)
			if err != nil {
				return nil, shellerr.New(shellerr.BackendInvalidConfig, map[string]any{"kind": string(backend.KindSandbox), "create": v})
			}
			cfg.Create = create
		}
		if v := params["idle_timeout"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, shellerr.New(shellerr.BackendInvalidConfig, map[string]any{"kind": string(backend.KindSandbox), "idle_timeout": v})
			}
			cfg.IdleTimeout = d
		}
		return New(ctx, base, cfg)
	}
}

func (b *Backend) Kind() backend.Kind { return backend.KindSandbox }

// Owns reports whether Close destroys the sandbox.
func (b *Backend) Owns() bool { return b.owns }

func (b *Backend) Handle() Handle { return b.handle }

// ConfigureNetwork pushes policy unless it equals the last applied one.
func (b *Backend) ConfigureNetwork(ctx context.Context, policy backend.NetworkPolicy) error {
	b.mu.Lock()
	if b.lastPolicy != nil && b.lastPolicy.Equal(policy) {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.provider.SetNetworkPolicy(ctx, b.handle, policy); err != nil {
		return shellerr.Wrap(shellerr.StartFailed, err, map[string]any{"op": "set_network_policy", "reason": err.Error()})
	}
	b.mu.Lock()
	p := policy
	b.lastPolicy = &p
	b.mu.Unlock()
	return nil
}

func (b *Backend) Execute(ctx context.Context, cmd backend.Command, opts backend.ExecOptions, sink backend.Sink) (backend.CommandRef, error) {
	b.mu.Lock()
	closed := b.closed
	cwd := opts.Cwd
	if cwd == "" {
		cwd = b.cwd
	}
	b.mu.Unlock()
	if closed {
		return "", shellerr.New(shellerr.StartFailed, map[string]any{"reason": "backend closed"})
	}

	if policy, ok := backend.PolicyFromContext(opts.ExecContext); ok {
		if err := b.ConfigureNetwork(ctx, policy); err != nil {
			return "", err
		}
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
	b.mu.Lock()
	b.inflight[ref] = cancel
	b.mu.Unlock()

	w := &worker{
		ref:      ref,
		provider: b.provider,
		handle:   b.handle,
		req:      SpawnRequest{Line: cmd.Line(), Cwd: cwd, Env: env},
		timeout:  timeout,
		guard:    quota.NewGuard(opts.MaxOutputBytes),
		maxBytes: opts.MaxOutputBytes,
		sink:     sink,
	}
	go func() {
		defer b.forget(ref)
		defer cancel()
		w.run(cctx)
	}()
	return ref, nil
}

func (b *Backend) forget(ref backend.CommandRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, ref)
}

func (b *Backend) Cancel(ref backend.CommandRef) error {
	b.mu.Lock()
	cancel, ok := b.inflight[ref]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

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

func (b *Backend) Describe() map[string]any {
	return map[string]any{
		"provider": b.provider.Name(),
		"sandbox":  b.handle.Name,
		"owns":     b.owns,
	}
}

// Close cancels in-flight commands and destroys the sandbox when this
// backend created it. Failures are logged.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for ref, cancel := range b.inflight {
		cancel()
		delete(b.inflight, ref)
	}
	b.mu.Unlock()

	if !b.owns {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultDestroyTimeout)
	defer cancel()
	if err := b.provider.Destroy(ctx, b.handle); err != nil {
		b.log.Warn("destroy sandbox", "sandbox", b.handle.Name, "err", err)
	}
	return nil
}

// worker drives one spawned command to its single Finished event.
type worker struct {
	ref      backend.CommandRef
	provider Provider
	handle   Handle
	req      SpawnRequest
	timeout  time.Duration
	guard    *quota.Guard
	maxBytes int64
	sink     backend.Sink
}

func (w *worker) run(ctx context.Context) {
	var result error
	defer func() {
		if r := recover(); r != nil {
			result = shellerr.New(shellerr.BackendException, map[string]any{"op": "execute", "detail": fmt.Sprint(r)})
		}
		w.sink(backend.Event{Ref: w.ref, Type: backend.EventFinished, Err: result})
	}()

	stream, err := w.provider.Spawn(ctx, w.handle, w.req)
	switch {
	case errors.Is(err, ErrStreamingUnsupported):
		result = w.runSync(ctx)
	case err != nil:
		result = shellerr.Wrap(shellerr.StartFailed, err, map[string]any{"reason": err.Error()})
	default:
		defer stream.Close()
		result = w.loop(ctx, stream)
	}
}

// runSync runs to completion and replays the result as one output chunk.
func (w *worker) runSync(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	res, err := w.provider.Run(rctx, w.handle, w.req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return shellerr.New(shellerr.Timeout, map[string]any{"timeout_ms": w.timeout.Milliseconds()})
		}
		return shellerr.Wrap(shellerr.StartFailed, err, map[string]any{"reason": err.Error()})
	}
	combined := append(append([]byte(nil), res.Stdout...), res.Stderr...)
	if len(combined) > 0 {
		if err := w.emit(combined); err != nil {
			return err
		}
	}
	return exitResult(res.ExitCode)
}

func (w *worker) loop(ctx context.Context, stream Stream) error {
	idle := time.NewTimer(w.timeout)
	defer idle.Stop()

	msgs := stream.Messages()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return shellerr.New(shellerr.Failed, map[string]any{"reason": "stream closed before exit"})
			}
			switch m.Type {
			case MsgStdout, MsgStderr:
				if err := w.emit(m.Data); err != nil {
					return err
				}
			case MsgExit:
				return exitResult(m.Code)
			case MsgError:
				return shellerr.New(shellerr.Failed, map[string]any{"reason": m.Message})
			}
			idle.Reset(w.timeout)
		case <-idle.C:
			return shellerr.New(shellerr.Timeout, map[string]any{"timeout_ms": w.timeout.Milliseconds()})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *worker) emit(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !w.guard.Allow(len(data)) {
		return shellerr.New(shellerr.OutputLimitExceeded, map[string]any{
			"emitted_bytes":    w.guard.Emitted(),
			"max_output_bytes": w.maxBytes,
		})
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	w.sink(backend.Event{Ref: w.ref, Type: backend.EventOutput, Chunk: chunk})
	return nil
}

func exitResult(code int) error {
	if code == 0 {
		return nil
	}
	return shellerr.New(shellerr.ExitCode, map[string]any{"code": code})
}
