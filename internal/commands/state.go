package commands

import (
	"maps"
	"slices"
)

// State is the session snapshot a command runs against.
type State struct {
	WorkspaceID string
	Cwd         string
	Env         map[string]string
	History     []string
}

// Clone returns a copy whose maps and slices can be mutated freely.
func (s State) Clone() State {
	s.Env = maps.Clone(s.Env)
	if s.Env == nil {
		s.Env = map[string]string{}
	}
	s.History = slices.Clone(s.History)
	return s
}

// Apply returns s with u applied.
func (s State) Apply(u *Update) State {
	if u == nil {
		return s
	}
	out := s.Clone()
	if u.Cwd != "" {
		out.Cwd = u.Cwd
	}
	for _, k := range u.Unset {
		delete(out.Env, k)
	}
	for k, v := range u.Env {
		out.Env[k] = v
	}
	return out
}

// Update is a state-update intent: changes a command asks the session to
// apply. An empty Cwd leaves the directory alone.
type Update struct {
	Cwd   string            `json:"cwd,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Unset []string          `json:"unset,omitempty"`
}

func (u *Update) Empty() bool {
	return u == nil || (u.Cwd == "" && len(u.Env) == 0 && len(u.Unset) == 0)
}

// Merge folds next into u, with next winning. Either side may be nil.
func (u *Update) Merge(next *Update) *Update {
	if next.Empty() {
		return u
	}
	out := &Update{Env: map[string]string{}}
	if u != nil {
		out.Cwd = u.Cwd
		maps.Copy(out.Env, u.Env)
		out.Unset = slices.Clone(u.Unset)
	}
	if next.Cwd != "" {
		out.Cwd = next.Cwd
	}
	for _, k := range next.Unset {
		delete(out.Env, k)
		if !slices.Contains(out.Unset, k) {
			out.Unset = append(out.Unset, k)
		}
	}
	for k, v := range next.Env {
		out.Env[k] = v
		out.Unset = slices.DeleteFunc(out.Unset, func(s string) bool { return s == k })
	}
	if len(out.Env) == 0 {
		out.Env = nil
	}
	if len(out.Unset) == 0 {
		out.Unset = nil
	}
	return out
}
