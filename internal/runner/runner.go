// Package runner executes a parsed program against a session state
// snapshot. It owns the wall-clock and output limits for one invocation and
// folds the state-update intents of every entry into a single update.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/commands"
	"github.com/agentjido/jido-shell-sub001/internal/logutil"
	"github.com/agentjido/jido-shell-sub001/internal/parser"
	"github.com/agentjido/jido-shell-sub001/internal/quota"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
	"github.com/agentjido/jido-shell-sub001/internal/vfs"
)

// PolicyFunc vets a line against an execution context before anything runs.
type PolicyFunc func(line string, execCtx map[string]any) error

type Runner struct {
	Commands *commands.Registry
	FS       *vfs.Store
	// BackendTimeout is the idle timeout handed to backends.
	BackendTimeout time.Duration
	Policy         PolicyFunc

	log *log.Logger
}

func New(cmds *commands.Registry, fs *vfs.Store) *Runner {
	return &Runner{
		Commands: cmds,
		FS:       fs,
		log:      log.Default().WithPrefix("runner"),
	}
}

// Request is one run of a command line.
type Request struct {
	Line        string
	State       commands.State
	ExecContext map[string]any
	Backend     backend.Backend
	Emit        commands.Emit
	// OnBackendRef reports backend commands as they start, for cancellation.
	OnBackendRef func(backend.CommandRef)
}

// Result of a run. Err is a *shellerr.Error or a context error; Update is
// set only on success and only when some entry changed state.
type Result struct {
	Value  any
	Update *commands.Update
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

// Run parses and executes req.Line. A panic in a handler propagates to the
// caller's goroutine, even when the program ran on a limit worker.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	prog, err := parser.Parse(req.Line)
	if err != nil {
		return Result{Err: err}
	}
	return r.RunProgram(ctx, prog, req)
}

// RunProgram executes an already parsed program.
func (r *Runner) RunProgram(ctx context.Context, prog parser.Program, req Request) Result {
	if r.Policy != nil {
		if err := r.Policy(req.Line, req.ExecContext); err != nil {
			return Result{Err: shellerr.From(err, shellerr.NetworkBlocked)}
		}
	}

	limits := ResolveLimits(req.ExecContext)
	em := newEmitter(req.Emit, limits.MaxOutputBytes)

	var res Result
	if limits.MaxRuntime > 0 {
		res = r.runLimited(ctx, prog, req, limits, em)
	} else {
		res = r.execute(ctx, prog, req, limits, em)
	}

	if breached, emitted := em.breached(); breached {
		return Result{Err: shellerr.New(shellerr.OutputLimitExceeded, map[string]any{
			"line":             req.Line,
			"emitted_bytes":    emitted,
			"max_output_bytes": limits.MaxOutputBytes,
		})}
	}
	if errors.Is(res.Err, quota.ErrLimitExceeded) {
		// A backend enforced the cap on its own side.
		_, emitted := em.breached()
		return Result{Err: shellerr.New(shellerr.OutputLimitExceeded, map[string]any{
			"line":             req.Line,
			"emitted_bytes":    emitted,
			"max_output_bytes": limits.MaxOutputBytes,
		})}
	}
	return res
}

type limitedOutcome struct {
	res      Result
	panicked any
}

func (r *Runner) runLimited(ctx context.Context, prog parser.Program, req Request, limits Limits, em *emitter) Result {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan limitedOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- limitedOutcome{panicked: p}
			}
		}()
		done <- limitedOutcome{res: r.execute(wctx, prog, req, limits, em)}
	}()

	timer := time.NewTimer(limits.MaxRuntime)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.panicked != nil {
			panic(out.panicked)
		}
		return out.res
	case <-timer.C:
		// The worker is abandoned; its context is cancelled and its output
		// is no longer forwarded.
		em.close()
		cancel()
		r.log.Warn("runtime limit exceeded", "line", logutil.Line(req.Line), "limit", limits.MaxRuntime)
		return Result{Err: shellerr.New(shellerr.RuntimeLimitExceeded, map[string]any{
			"line":           req.Line,
			"max_runtime_ms": limits.MaxRuntime.Milliseconds(),
		})}
	case <-ctx.Done():
		em.close()
		cancel()
		return Result{Err: ctx.Err()}
	}
}

func (r *Runner) execute(ctx context.Context, prog parser.Program, req Request, limits Limits, em *emitter) Result {
	state := req.State.Clone()
	var (
		update *commands.Update
		last   Result
	)
	lastOK := true

	for _, entry := range prog.Entries {
		if entry.Op == parser.AndIf && !lastOK {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{Err: err}
		}

		last = r.invoke(ctx, entry, state, req, limits, em)
		lastOK = last.OK()
		if breached, _ := em.breached(); breached {
			return Result{Err: quota.ErrLimitExceeded}
		}
		if lastOK && !last.Update.Empty() {
			state = state.Apply(last.Update)
			update = update.Merge(last.Update)
		}
	}

	if !lastOK {
		return Result{Err: last.Err}
	}
	return Result{Value: last.Value, Update: update}
}

func (r *Runner) invoke(ctx context.Context, entry parser.Entry, state commands.State, req Request, limits Limits, em *emitter) Result {
	name, args, err := entry.Expand(state.Env)
	if err != nil {
		return Result{Err: err}
	}
	cmd, err := r.Commands.Lookup(name)
	if err != nil {
		return Result{Err: err}
	}
	if err := cmd.Validate(args); err != nil {
		return Result{Err: err}
	}

	inv := &commands.Invocation{
		Name:    name,
		Args:    args,
		State:   state.Clone(),
		FS:      r.FS,
		Backend: req.Backend,
		Options: backend.ExecOptions{
			Timeout:        r.BackendTimeout,
			MaxOutputBytes: limits.MaxOutputBytes,
			ExecContext:    req.ExecContext,
		},
		Emit:         em.emit,
		OnBackendRef: req.OnBackendRef,
	}

	out, err := cmd.Handler(ctx, inv)
	if err != nil {
		return Result{Err: classify(name, err)}
	}
	return Result{Value: out.Value, Update: out.Update}
}

func classify(name string, err error) error {
	if _, ok := shellerr.As(err); ok {
		return err
	}
	if errors.Is(err, quota.ErrLimitExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return shellerr.Wrap(shellerr.Failed, err, map[string]any{
		"command": name,
		"reason":  fmt.Sprint(err),
	})
}
