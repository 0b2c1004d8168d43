// Package backend defines the contract every execution provider satisfies
// and the guard that keeps a misbehaving provider from taking a session down.
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindLocal   Kind = "local"
	KindShell   Kind = "ssh"
	KindSandbox Kind = "sandbox"
)

// CommandRef identifies one in-flight operation on a backend.
type CommandRef string

// NewRef returns a fresh command reference.
func NewRef() CommandRef {
	return CommandRef(uuid.NewString())
}

// Command is a program invocation handed to a backend. Line renders it as a
// single shell command string.
type Command struct {
	Name string
	Args []string
}

func (c Command) Line() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quoteIfNeeded(c.Name))
	for _, a := range c.Args {
		parts = append(parts, quoteIfNeeded(a))
	}
	return strings.Join(parts, " ")
}

// ExecOptions travel with every Execute call.
type ExecOptions struct {
	Cwd            string
	Env            map[string]string
	Timeout        time.Duration
	MaxOutputBytes int64
	ExecContext    map[string]any
}

type EventType int

const (
	EventOutput EventType = iota
	EventFinished
)

// Event is delivered by a backend for an accepted command. A command yields
// any number of output events and exactly one finished event; Err is nil
// on success.
type Event struct {
	Ref   CommandRef
	Type  EventType
	Chunk []byte
	Err   error
}

// Sink receives backend events. Implementations must not block for long.
type Sink func(Event)

// Backend is an execution provider owned by exactly one session.
type Backend interface {
	Kind() Kind
	// Execute accepts a command and returns without waiting for it to finish.
	Execute(ctx context.Context, cmd Command, opts ExecOptions, sink Sink) (CommandRef, error)
	// Cancel is best effort: it closes the remote channel or process first.
	Cancel(ref CommandRef) error
	// Cd updates the backend's directory without running anything.
	Cd(path string) error
	Cwd() string
	Close() error
}

// NetworkConfigurer is implemented by backends that can enforce a network
// policy remotely.
type NetworkConfigurer interface {
	ConfigureNetwork(ctx context.Context, policy NetworkPolicy) error
}

// ConfigureNetwork pushes policy when b supports it and is a no-op otherwise.
func ConfigureNetwork(ctx context.Context, b Backend, policy NetworkPolicy) error {
	if nc, ok := b.(NetworkConfigurer); ok {
		return nc.ConfigureNetwork(ctx, policy)
	}
	return nil
}

// Base is the session-side configuration every backend receives on init.
type Base struct {
	WorkspaceID string
	Cwd         string
	Env         map[string]string
}

// ShellQuote single-quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return "''"
	}
	if strings.ContainsAny(s, " \t\n'\"\\$`|&;<>(){}[]*?!#~=%") {
		return ShellQuote(s)
	}
	return s
}

// Describer is implemented by backends that can report connection details
// for session snapshots.
type Describer interface {
	Describe() map[string]any
}

// Describe returns b's description, or just its kind.
func Describe(b Backend) map[string]any {
	if g, ok := b.(*Guarded); ok {
		b = g.Unwrap()
	}
	if d, ok := b.(Describer); ok {
		out := d.Describe()
		if out == nil {
			out = map[string]any{}
		}
		out["kind"] = string(b.Kind())
		return out
	}
	return map[string]any{"kind": string(b.Kind())}
}
