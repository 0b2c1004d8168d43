// Package local runs backend commands in-process with the mvdan.cc/sh
// interpreter. External programs are only started when host exec is
// allowed; otherwise they report "command not found".
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/quota"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

type Config struct {
	// Root is the host directory backing the workspace's "/".
	Root          string
	AllowHostExec bool
}

type Backend struct {
	cfg  Config
	base backend.Base

	mu      sync.Mutex
	cwd     string
	running map[backend.CommandRef]context.CancelFunc
	closed  bool

	log *log.Logger
}

var _ backend.Backend = (*Backend)(nil)

func New(base backend.Base, cfg Config) (*Backend, error) {
	if cfg.Root == "" {
		dir, err := os.MkdirTemp("", "vshell-"+base.WorkspaceID+"-")
		if err != nil {
			return nil, shellerr.Wrap(shellerr.StartFailed, err, map[string]any{"reason": "create scratch root"})
		}
		cfg.Root = dir
	}
	if abs, err := filepath.Abs(cfg.Root); err == nil {
		cfg.Root = abs
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, shellerr.Wrap(shellerr.BackendInvalidConfig, err, map[string]any{"root": cfg.Root})
	}
	cwd := base.Cwd
	if cwd == "" {
		cwd = "/"
	}
	return &Backend{
		cfg:     cfg,
		base:    base,
		cwd:     cwd,
		running: make(map[backend.CommandRef]context.CancelFunc),
		log:     log.Default().WithPrefix("backend.local"),
	}, nil
}

// Factory builds local backends. Params: root (defaults to
// defaultRoot/<workspace>), allow_host_exec.
func Factory(defaultRoot string) backend.Factory {
	return func(_ context.Context, base backend.Base, params map[string]string) (backend.Backend, error) {
		cfg := Config{Root: params["root"]}
		if cfg.Root == "" && defaultRoot != "" {
			cfg.Root = filepath.Join(defaultRoot, base.WorkspaceID)
		}
		if v := params["allow_host_exec"]; v != "" {
			allow, err := strconv.ParseBool(v)
			if err != nil {
				return nil, shellerr.New(shellerr.BackendInvalidConfig, map[string]any{"kind": "local", "allow_host_exec": v})
			}
			cfg.AllowHostExec = allow
		}
		return New(base, cfg)
	}
}

func (b *Backend) Kind() backend.Kind { return backend.KindLocal }

func (b *Backend) hostPath(virtual string) string {
	return filepath.Join(b.cfg.Root, filepath.FromSlash(virtual))
}

// inlineScript returns the script of "sh -c script [name args...]" and the
// positional parameters that follow it. Such scripts run in the interpreter
// itself rather than through a host shell.
func inlineScript(cmd backend.Command) (string, []string, bool) {
	if cmd.Name != "sh" && cmd.Name != "bash" {
		return "", nil, false
	}
	if len(cmd.Args) < 2 || cmd.Args[0] != "-c" {
		return "", nil, false
	}
	var params []string
	if len(cmd.Args) > 3 {
		params = cmd.Args[3:]
	}
	return cmd.Args[1], params, true
}

func (b *Backend) Execute(ctx context.Context, cmd backend.Command, opts backend.ExecOptions, sink backend.Sink) (backend.CommandRef, error) {
	line := cmd.Line()
	script, params, inline := inlineScript(cmd)
	if inline {
		line = script
	}
	file, err := syntax.NewParser().Parse(strings.NewReader(line), "")
	if err != nil {
		return "", shellerr.Wrap(shellerr.SyntaxError, err, map[string]any{"line": line, "reason": err.Error()})
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", shellerr.New(shellerr.StartFailed, map[string]any{"reason": "backend closed"})
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = b.cwd
	}
	ref := backend.NewRef()
	var (
		cctx   context.Context
		cancel context.CancelFunc
	)
	if opts.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	b.running[ref] = cancel
	b.mu.Unlock()

	dir := b.hostPath(cwd)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		dir = b.cfg.Root
	}

	out := &sinkWriter{ref: ref, sink: sink, guard: quota.NewGuard(opts.MaxOutputBytes), cancel: cancel}
	runOpts := []interp.RunnerOption{
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(b.environ(opts.Env)...)),
		interp.StdIO(nil, out, out),
		interp.ExecHandlers(b.execHandler),
	}
	if len(params) > 0 {
		runOpts = append(runOpts, interp.Params(append([]string{"--"}, params...)...))
	}
	runner, err := interp.New(runOpts...)
	if err != nil {
		b.forget(ref)
		cancel()
		return "", shellerr.Wrap(shellerr.StartFailed, err, map[string]any{"reason": err.Error()})
	}

	go func() {
		var result error
		defer func() {
			if r := recover(); r != nil {
				result = shellerr.New(shellerr.BackendException, map[string]any{"detail": fmt.Sprint(r)})
			}
			b.forget(ref)
			cancel()
			sink(backend.Event{Ref: ref, Type: backend.EventFinished, Err: result})
		}()
		runErr := runner.Run(cctx, file)
		result = b.finish(cctx, runErr, out, opts)
	}()
	return ref, nil
}

func (b *Backend) finish(ctx context.Context, runErr error, out *sinkWriter, opts backend.ExecOptions) error {
	if out.guard.Breached() {
		return shellerr.New(shellerr.OutputLimitExceeded, map[string]any{
			"emitted_bytes":    out.guard.Emitted(),
			"max_output_bytes": opts.MaxOutputBytes,
		})
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return shellerr.New(shellerr.Timeout, map[string]any{"timeout_ms": opts.Timeout.Milliseconds()})
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runErr == nil {
		return nil
	}
	var status interp.ExitStatus
	if errors.As(runErr, &status) {
		if status == 0 {
			return nil
		}
		return shellerr.New(shellerr.ExitCode, map[string]any{"code": int(status)})
	}
	return shellerr.Wrap(shellerr.Failed, runErr, map[string]any{"reason": runErr.Error()})
}

func (b *Backend) environ(env map[string]string) []string {
	merged := map[string]string{}
	for k, v := range b.base.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	if _, ok := merged["PATH"]; !ok && b.cfg.AllowHostExec {
		merged["PATH"] = os.Getenv("PATH")
	}
	pairs := make([]string, 0, len(merged))
	for k, v := range merged {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

func (b *Backend) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if b.cfg.AllowHostExec {
			return next(ctx, args)
		}
		hc := interp.HandlerCtx(ctx)
		fmt.Fprintf(hc.Stderr, "%s: command not found\n", args[0])
		return interp.ExitStatus(127)
	}
}

func (b *Backend) forget(ref backend.CommandRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.running, ref)
}

// Cancel stops a running command. Unknown refs have already finished.
func (b *Backend) Cancel(ref backend.CommandRef) error {
	b.mu.Lock()
	cancel, ok := b.running[ref]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (b *Backend) Cd(path string) error {
	st, err := os.Stat(b.hostPath(path))
	if err != nil {
		return fmt.Errorf("cd %s: %w", path, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("cd %s: not a directory", path)
	}
	b.mu.Lock()
	b.cwd = path
	b.mu.Unlock()
	return nil
}

func (b *Backend) Cwd() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cwd
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ref, cancel := range b.running {
		cancel()
		delete(b.running, ref)
	}
	return nil
}

// sinkWriter turns interpreter output into sink events under the quota.
type sinkWriter struct {
	mu     sync.Mutex
	ref    backend.CommandRef
	sink   backend.Sink
	guard  *quota.Guard
	cancel context.CancelFunc
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.guard.Allow(len(p)) {
		w.cancel()
		return 0, quota.ErrLimitExceeded
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	w.sink(backend.Event{Ref: w.ref, Type: backend.EventOutput, Chunk: chunk})
	return len(p), nil
}
