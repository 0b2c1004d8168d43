package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

// Spec selects a backend kind and its parameters, as found in profiles and
// API requests.
type Spec struct {
	Kind   Kind              `json:"kind" yaml:"kind"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Factory builds a backend from the session base and spec params.
type Factory func(ctx context.Context, base Base, params map[string]string) (Backend, error)

// Registry maps backend kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New builds and guards a backend. Unknown kinds and factory panics are
// reported as typed errors.
func (r *Registry) New(ctx context.Context, spec Spec, base Base) (b Backend, err error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, shellerr.New(shellerr.BackendInvalidConfig, map[string]any{
			"kind":   string(spec.Kind),
			"reason": "unknown backend kind",
		})
	}

	defer func() {
		if rec := recover(); rec != nil {
			b, err = nil, shellerr.New(shellerr.StartFailed, map[string]any{
				"kind":   string(spec.Kind),
				"reason": fmt.Sprint(rec),
			})
		}
	}()

	params := spec.Params
	if params == nil {
		params = map[string]string{}
	}
	raw, err := f(ctx, base, params)
	if err != nil {
		return nil, shellerr.From(err, shellerr.StartFailed)
	}
	return Guard(raw), nil
}

// RequireParams fails with backend.invalid_config naming every missing key.
func RequireParams(kind Kind, params map[string]string, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if params[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return shellerr.New(shellerr.BackendInvalidConfig, map[string]any{
		"kind":    string(kind),
		"missing": missing,
	})
}
