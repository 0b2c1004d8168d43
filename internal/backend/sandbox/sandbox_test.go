package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

type fakeProvider struct {
	mu        sync.Mutex
	created   []string
	attached  []string
	destroyed []string
	policies  []backend.NetworkPolicy
	spawned   []SpawnRequest

	streaming bool
	script    []Message
	hold      bool
	run       RunResult
	attachErr error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Create(_ context.Context, name string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, name)
	return Handle{ID: "id-" + name, Name: name}, nil
}

func (p *fakeProvider) Attach(_ context.Context, name string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attachErr != nil {
		return Handle{}, p.attachErr
	}
	p.attached = append(p.attached, name)
	return Handle{ID: "id-" + name, Name: name}, nil
}

func (p *fakeProvider) Destroy(_ context.Context, h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, h.Name)
	return nil
}

func (p *fakeProvider) Spawn(ctx context.Context, _ Handle, req SpawnRequest) (Stream, error) {
	p.mu.Lock()
	p.spawned = append(p.spawned, req)
	p.mu.Unlock()
	if !p.streaming {
		return nil, ErrStreamingUnsupported
	}
	ch := make(chan Message, len(p.script))
	for _, m := range p.script {
		ch <- m
	}
	if !p.hold {
		close(ch)
	}
	return NewStream(ch, nil), nil
}

func (p *fakeProvider) Run(_ context.Context, _ Handle, req SpawnRequest) (RunResult, error) {
	p.mu.Lock()
	p.spawned = append(p.spawned, req)
	p.mu.Unlock()
	return p.run, nil
}

func (p *fakeProvider) SetNetworkPolicy(_ context.Context, _ Handle, policy backend.NetworkPolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies = append(p.policies, policy)
	return nil
}

type result struct {
	chunks []string
	err    error
}

func execute(t *testing.T, b *Backend, opts backend.ExecOptions) result {
	t.Helper()
	var (
		mu  sync.Mutex
		out []string
	)
	done := make(chan error, 1)
	_, err := b.Execute(context.Background(), backend.Command{Name: "echo", Args: []string{"hi"}}, opts, func(ev backend.Event) {
		switch ev.Type {
		case backend.EventOutput:
			mu.Lock()
			out = append(out, string(ev.Chunk))
			mu.Unlock()
		case backend.EventFinished:
			done <- ev.Err
		}
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	select {
	case err := <-done:
		mu.Lock()
		defer mu.Unlock()
		return result{chunks: out, err: err}
	case <-time.After(3 * time.Second):
		t.Fatalf("command did not finish")
		return result{}
	}
}

func TestCreateOwnsAndDestroysOnClose(t *testing.T) {
	p := &fakeProvider{}
	b, err := New(context.Background(), backend.Base{WorkspaceID: "ws"}, Config{Provider: p})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !b.Owns() {
		t.Fatalf("created sandbox should be owned")
	}
	b.Close()
	if len(p.destroyed) != 1 || p.destroyed[0] != p.created[0] {
		t.Fatalf("destroyed = %v, created = %v", p.destroyed, p.created)
	}
}

func TestAttachNeverDestroys(t *testing.T) {
	p := &fakeProvider{}
	b, err := New(context.Background(), backend.Base{}, Config{Provider: p, Name: "shared"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Owns() {
		t.Fatalf("attached sandbox must not be owned")
	}
	b.Close()
	if len(p.destroyed) != 0 {
		t.Fatalf("destroyed = %v", p.destroyed)
	}
	if len(p.attached) != 1 || p.attached[0] != "shared" {
		t.Fatalf("attached = %v", p.attached)
	}
}

func TestAttachFailureIsStartFailed(t *testing.T) {
	p := &fakeProvider{attachErr: ErrNotFound}
	_, err := New(context.Background(), backend.Base{}, Config{Provider: p, Name: "gone"})
	if !shellerr.Is(err, shellerr.StartFailed) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected start_failed wrapping not found, got %v", err)
	}
}

func TestMissingProvider(t *testing.T) {
	_, err := New(context.Background(), backend.Base{}, Config{})
	if !shellerr.Is(err, shellerr.BackendInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestStreamingSpawn(t *testing.T) {
	p := &fakeProvider{streaming: true, script: []Message{
		{Type: MsgStdout, Data: []byte("a")},
		{Type: MsgStderr, Data: []byte("b")},
		{Type: MsgExit, Code: 0},
	}}
	b, _ := New(context.Background(), backend.Base{Cwd: "/app"}, Config{Provider: p})
	defer b.Close()

	res := execute(t, b, backend.ExecOptions{})
	if res.err != nil {
		t.Fatalf("err = %v", res.err)
	}
	if len(res.chunks) != 2 || res.chunks[0] != "a" || res.chunks[1] != "b" {
		t.Fatalf("chunks = %v", res.chunks)
	}
	if p.spawned[0].Cwd != "/app" || p.spawned[0].Line != "echo hi" {
		t.Fatalf("spawn request = %+v", p.spawned[0])
	}
}

func TestSyncFallbackLooksLikeStreaming(t *testing.T) {
	p := &fakeProvider{run: RunResult{Stdout: []byte("out\n"), Stderr: []byte("err\n"), ExitCode: 4}}
	b, _ := New(context.Background(), backend.Base{}, Config{Provider: p})
	defer b.Close()

	res := execute(t, b, backend.ExecOptions{})
	if len(res.chunks) != 1 || res.chunks[0] != "out\nerr\n" {
		t.Fatalf("chunks = %v", res.chunks)
	}
	se, ok := shellerr.As(res.err)
	if !ok || se.Kind != shellerr.ExitCode || se.Detail("code") != 4 {
		t.Fatalf("err = %v", res.err)
	}
}

func TestStreamOutputLimit(t *testing.T) {
	p := &fakeProvider{streaming: true, script: []Message{
		{Type: MsgStdout, Data: []byte("12345")},
		{Type: MsgStdout, Data: []byte("67890")},
		{Type: MsgStdout, Data: []byte("abcde")},
		{Type: MsgExit},
	}}
	b, _ := New(context.Background(), backend.Base{}, Config{Provider: p})
	defer b.Close()

	res := execute(t, b, backend.ExecOptions{MaxOutputBytes: 12})
	if len(res.chunks) != 2 {
		t.Fatalf("chunks = %v", res.chunks)
	}
	se, ok := shellerr.As(res.err)
	if !ok || se.Kind != shellerr.OutputLimitExceeded || se.Detail("emitted_bytes") != int64(10) {
		t.Fatalf("err = %v", res.err)
	}
}

func TestStreamIdleTimeout(t *testing.T) {
	p := &fakeProvider{streaming: true, hold: true}
	b, _ := New(context.Background(), backend.Base{}, Config{Provider: p})
	defer b.Close()

	res := execute(t, b, backend.ExecOptions{Timeout: 50 * time.Millisecond})
	if !shellerr.Is(res.err, shellerr.Timeout) {
		t.Fatalf("err = %v", res.err)
	}
}

func TestStreamErrorMessage(t *testing.T) {
	p := &fakeProvider{streaming: true, script: []Message{{Type: MsgError, Message: "oom"}}}
	b, _ := New(context.Background(), backend.Base{}, Config{Provider: p})
	defer b.Close()

	res := execute(t, b, backend.ExecOptions{})
	se, ok := shellerr.As(res.err)
	if !ok || se.Kind != shellerr.Failed || se.Detail("reason") != "oom" {
		t.Fatalf("err = %v", res.err)
	}
}

func TestCancelStopsStream(t *testing.T) {
	p := &fakeProvider{streaming: true, hold: true}
	b, _ := New(context.Background(), backend.Base{}, Config{Provider: p})
	defer b.Close()

	done := make(chan error, 1)
	ref, err := b.Execute(context.Background(), backend.Command{Name: "sleep"}, backend.ExecOptions{}, func(ev backend.Event) {
		if ev.Type == backend.EventFinished {
			done <- ev.Err
		}
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	b.Cancel(ref)
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("cancel did not finish the command")
	}
}

func TestNetworkPolicyPushedOnceWhenUnchanged(t *testing.T) {
	p := &fakeProvider{run: RunResult{}}
	b, _ := New(context.Background(), backend.Base{}, Config{Provider: p})
	defer b.Close()

	policy := map[string]any{"default_deny": true, "allow": []any{map[string]any{"domain": "example.com", "ports": []any{443}}}}
	opts := backend.ExecOptions{ExecContext: map[string]any{"network_policy": policy}}
	execute(t, b, opts)
	execute(t, b, opts)
	if len(p.policies) != 1 {
		t.Fatalf("policy pushed %d times", len(p.policies))
	}

	changed := backend.ExecOptions{ExecContext: map[string]any{"network_policy": backend.NetworkPolicy{DefaultDeny: false}}}
	execute(t, b, changed)
	if len(p.policies) != 2 {
		t.Fatalf("changed policy not pushed, pushes = %d", len(p.policies))
	}
}

func TestFactorySelectsProvider(t *testing.T) {
	p := &fakeProvider{}
	factory := Factory(map[string]Opener{
		"fake": func(context.Context, map[string]string) (Provider, error) { return p, nil },
	}, "fake")

	b, err := factory(context.Background(), backend.Base{}, map[string]string{"name": "box", "create": "true"})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer b.Close()
	if len(p.created) != 1 || p.created[0] != "box" {
		t.Fatalf("created = %v", p.created)
	}

	if _, err := factory(context.Background(), backend.Base{}, map[string]string{"provider": "nope"}); !shellerr.Is(err, shellerr.BackendInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestSpawnRequestArgv(t *testing.T) {
	argv := SpawnRequest{Line: "ls -l", Cwd: "/my dir"}.Argv()
	if len(argv) != 3 || argv[2] != "cd '/my dir' && ls -l" {
		t.Fatalf("argv = %v", argv)
	}
}
