package commands

import (
	"context"
	"strings"
	"sync"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

// shell runs "<name> -c script" or "<name> script words..." on the backend.
func shell(name string) Handler {
	return func(ctx context.Context, inv *Invocation) (Outcome, error) {
		args := inv.Args
		if args[0] != "-c" {
			args = append([]string{"-c"}, joinScript(args))
		}
		return Outcome{}, RunOnBackend(ctx, inv, backend.Command{Name: name, Args: args})
	}
}

func execCmd(ctx context.Context, inv *Invocation) (Outcome, error) {
	return Outcome{}, RunOnBackend(ctx, inv, backend.Command{Name: inv.Args[0], Args: inv.Args[1:]})
}

func joinScript(words []string) string {
	return strings.Join(words, " ")
}

// RunOnBackend executes cmd on the invocation's backend and blocks until it
// finishes, forwarding output through inv.Emit. When Emit refuses a chunk the
// backend command is cancelled and Emit's error is returned. When ctx ends
// first the backend command is cancelled and ctx's error is returned.
func RunOnBackend(ctx context.Context, inv *Invocation, cmd backend.Command) error {
	if inv.Backend == nil {
		return shellerr.New(shellerr.StartFailed, map[string]any{"command": cmd.Name, "reason": "session has no backend"})
	}

	var (
		mu      sync.Mutex
		emitErr error
	)
	stop := make(chan struct{})
	var stopOnce sync.Once
	done := make(chan error, 1)

	sink := func(ev backend.Event) {
		switch ev.Type {
		case backend.EventOutput:
			mu.Lock()
			defer mu.Unlock()
			if emitErr != nil {
				return
			}
			if err := inv.Emit(ev.Chunk); err != nil {
				emitErr = err
				stopOnce.Do(func() { close(stop) })
			}
		case backend.EventFinished:
			select {
			case done <- ev.Err:
			default:
			}
		}
	}

	opts := inv.Options
	opts.Cwd = inv.State.Cwd
	opts.Env = inv.State.Env

	ref, err := inv.Backend.Execute(ctx, cmd, opts, sink)
	if err != nil {
		return err
	}
	if inv.OnBackendRef != nil {
		inv.OnBackendRef(ref)
	}

	select {
	case err := <-done:
		mu.Lock()
		defer mu.Unlock()
		if emitErr != nil {
			return emitErr
		}
		return err
	case <-stop:
		inv.Backend.Cancel(ref)
		mu.Lock()
		defer mu.Unlock()
		return emitErr
	case <-ctx.Done():
		inv.Backend.Cancel(ref)
		return ctx.Err()
	}
}
