package backend

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

// Guarded wraps b so a panic in any method surfaces as a backend.exception
// error instead of unwinding into the caller.
type Guarded struct {
	b Backend
}

var _ Backend = (*Guarded)(nil)
var _ NetworkConfigurer = (*Guarded)(nil)

// Guard wraps b. Wrapping an already guarded backend returns it unchanged.
func Guard(b Backend) *Guarded {
	if g, ok := b.(*Guarded); ok {
		return g
	}
	return &Guarded{b: b}
}

// Unwrap returns the underlying backend.
func (g *Guarded) Unwrap() Backend { return g.b }

func exception(op string, r any) error {
	return shellerr.New(shellerr.BackendException, map[string]any{
		"op":     op,
		"detail": fmt.Sprint(r),
	})
}

func (g *Guarded) Kind() (k Kind) {
	defer func() {
		if r := recover(); r != nil {
			k = ""
		}
	}()
	return g.b.Kind()
}

func (g *Guarded) Execute(ctx context.Context, cmd Command, opts ExecOptions, sink Sink) (ref CommandRef, err error) {
	defer func() {
		if r := recover(); r != nil {
			ref, err = "", exception("execute", r)
		}
	}()
	ref, err = g.b.Execute(ctx, cmd, opts, sink)
	if err != nil {
		if _, ok := shellerr.As(err); !ok {
			err = shellerr.Wrap(shellerr.StartFailed, err, map[string]any{"reason": err.Error()})
		}
	}
	return ref, err
}

func (g *Guarded) Cancel(ref CommandRef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = exception("cancel", r)
		}
	}()
	return g.b.Cancel(ref)
}

func (g *Guarded) Cd(path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = exception("cd", r)
		}
	}()
	return g.b.Cd(path)
}

func (g *Guarded) Cwd() (cwd string) {
	defer func() {
		if r := recover(); r != nil {
			cwd = ""
		}
	}()
	return g.b.Cwd()
}

// Close never fails loudly: errors and panics are logged and swallowed.
func (g *Guarded) Close() error {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("backend close panicked", "kind", g.Kind(), "detail", fmt.Sprint(r))
		}
	}()
	if err := g.b.Close(); err != nil {
		log.Debug("backend close failed", "kind", g.Kind(), "err", err)
	}
	return nil
}

func (g *Guarded) ConfigureNetwork(ctx context.Context, policy NetworkPolicy) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = exception("configure_network", r)
		}
	}()
	return ConfigureNetwork(ctx, g.b, policy)
}
