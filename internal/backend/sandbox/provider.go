// Package sandbox runs backend commands inside a remote sandbox through a
// Provider. The backend either creates a sandbox it owns or attaches to an
// existing one, and streams process output when the provider supports it.
package sandbox

import (
	"context"
	"errors"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
)

// ErrStreamingUnsupported is returned by Provider.Spawn when only the
// synchronous Run API is available.
var ErrStreamingUnsupported = errors.New("sandbox: streaming spawn unsupported")

// ErrNotFound is returned by Provider.Attach for an unknown sandbox.
var ErrNotFound = errors.New("sandbox: not found")

// Handle identifies a sandbox instance at the provider.
type Handle struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SpawnRequest is one shell line to run inside the sandbox.
type SpawnRequest struct {
	Line string            `json:"line"`
	Cwd  string            `json:"cwd"`
	Env  map[string]string `json:"env,omitempty"`
}

// Argv renders req as an argv for providers that exec without a shell of
// their own.
func (r SpawnRequest) Argv() []string {
	script := r.Line
	if r.Cwd != "" {
		script = "cd " + backend.ShellQuote(r.Cwd) + " && " + script
	}
	return []string{"/bin/sh", "-c", script}
}

// RunResult is the outcome of a synchronous run.
type RunResult struct {
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

type MessageType string

const (
	MsgStdout MessageType = "stdout"
	MsgStderr MessageType = "stderr"
	MsgExit   MessageType = "exit"
	MsgError  MessageType = "error"
)

// Message is one provider event for a streaming spawn.
type Message struct {
	Type    MessageType `json:"type"`
	Data    []byte      `json:"data,omitempty"`
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Stream delivers the messages of one spawned process. The channel is
// closed when the process is gone.
type Stream interface {
	Messages() <-chan Message
	Close() error
}

// Provider is a sandbox control API.
type Provider interface {
	Name() string
	Create(ctx context.Context, name string) (Handle, error)
	Attach(ctx context.Context, name string) (Handle, error)
	Destroy(ctx context.Context, h Handle) error
	Spawn(ctx context.Context, h Handle, req SpawnRequest) (Stream, error)
	Run(ctx context.Context, h Handle, req SpawnRequest) (RunResult, error)
	SetNetworkPolicy(ctx context.Context, h Handle, policy backend.NetworkPolicy) error
}

// Opener builds a provider from backend params.
type Opener func(ctx context.Context, params map[string]string) (Provider, error)

// chanStream adapts a channel and a close func to Stream.
type chanStream struct {
	ch    chan Message
	close func() error
}

// NewStream returns a Stream over ch. closeFn runs on Close.
func NewStream(ch chan Message, closeFn func() error) Stream {
	return &chanStream{ch: ch, close: closeFn}
}

func (s *chanStream) Messages() <-chan Message { return s.ch }

func (s *chanStream) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
