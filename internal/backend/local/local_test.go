package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

type collector struct {
	mu     sync.Mutex
	chunks []string
	done   chan error
}

func newCollector() *collector {
	return &collector{done: make(chan error, 1)}
}

func (c *collector) sink(ev backend.Event) {
	switch ev.Type {
	case backend.EventOutput:
		c.mu.Lock()
		c.chunks = append(c.chunks, string(ev.Chunk))
		c.mu.Unlock()
	case backend.EventFinished:
		c.done <- ev.Err
	}
}

func (c *collector) wait(t *testing.T) (string, error) {
	t.Helper()
	select {
	case err := <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return strings.Join(c.chunks, ""), err
	case <-time.After(5 * time.Second):
		t.Fatal("command did not finish")
		return "", nil
	}
}

func newBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	b, err := New(backend.Base{WorkspaceID: "ws", Cwd: "/", Env: map[string]string{"GREETING": "hi"}}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestExecuteScript(t *testing.T) {
	b := newBackend(t, Config{})
	c := newCollector()
	_, err := b.Execute(context.Background(),
		backend.Command{Name: "sh", Args: []string{"-c", `echo "$GREETING $NAME"`}},
		backend.ExecOptions{Env: map[string]string{"NAME": "there"}},
		c.sink)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out, err := c.wait(t)
	if err != nil || out != "hi there\n" {
		t.Fatalf("sh -c = %q, %v", out, err)
	}

	c = newCollector()
	_, err = b.Execute(context.Background(),
		backend.Command{Name: "bash", Args: []string{"-c", `echo "$1-$2"; exit 4`, "script", "a", "b"}},
		backend.ExecOptions{},
		c.sink)
	if err != nil {
		t.Fatal(err)
	}
	out, err = c.wait(t)
	if !shellerr.Is(err, shellerr.ExitCode) || out != "a-b\n" {
		t.Fatalf("bash -c with params = %q, %v", out, err)
	}

	c = newCollector()
	if _, err := b.Execute(context.Background(), backend.Command{Name: "sh", Args: []string{"-c", "if then"}}, backend.ExecOptions{}, c.sink); !shellerr.Is(err, shellerr.SyntaxError) {
		t.Fatalf("bad script err = %v", err)
	}

	c = newCollector()
	if _, err := b.Execute(context.Background(), backend.Command{Name: "echo", Args: []string{"$GREETING"}}, backend.ExecOptions{}, c.sink); err != nil {
		t.Fatal(err)
	}
	out, err = c.wait(t)
	if err != nil || out != "$GREETING\n" {
		t.Fatalf("quoted echo = %q, %v", out, err)
	}
}

func TestExitStatus(t *testing.T) {
	b := newBackend(t, Config{})
	c := newCollector()
	if _, err := b.Execute(context.Background(), backend.Command{Name: "exit", Args: []string{"3"}}, backend.ExecOptions{}, c.sink); err != nil {
		t.Fatal(err)
	}
	_, err := c.wait(t)
	se, ok := shellerr.As(err)
	if !ok || se.Kind != shellerr.ExitCode || se.Detail("code") != 3 {
		t.Fatalf("err = %v", err)
	}
}

func TestRunsInWorkspaceDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "proj"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "proj", "f.txt"), []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	b := newBackend(t, Config{Root: root})
	if err := b.Cd("/proj"); err != nil {
		t.Fatalf("Cd: %v", err)
	}
	if b.Cwd() != "/proj" {
		t.Fatalf("Cwd = %q", b.Cwd())
	}
	if err := b.Cd("/missing"); err == nil {
		t.Fatal("Cd to a missing dir should fail")
	}

	c := newCollector()
	if _, err := b.Execute(context.Background(), backend.Command{Name: "test", Args: []string{"-f", "f.txt"}}, backend.ExecOptions{}, c.sink); err != nil {
		t.Fatal(err)
	}
	if _, err := c.wait(t); err != nil {
		t.Fatalf("test -f f.txt in /proj: %v", err)
	}
}

func TestOutputQuota(t *testing.T) {
	b := newBackend(t, Config{})
	c := newCollector()
	_, err := b.Execute(context.Background(),
		backend.Command{Name: "for", Args: nil},
		backend.ExecOptions{}, c.sink)
	if !shellerr.Is(err, shellerr.SyntaxError) {
		t.Fatalf("incomplete loop should be a syntax error, got %v", err)
	}

	// Line() quotes the semicolons, so the loop goes through eval.
	script := backend.Command{Name: "eval", Args: []string{"while true; do echo 0123456789; done"}}
	if _, err := b.Execute(context.Background(), script, backend.ExecOptions{MaxOutputBytes: 25}, c.sink); err != nil {
		t.Fatal(err)
	}
	out, err := c.wait(t)
	if !shellerr.Is(err, shellerr.OutputLimitExceeded) {
		t.Fatalf("err = %v", err)
	}
	if out != "0123456789\n0123456789\n" {
		t.Fatalf("forwarded %q", out)
	}
}

func TestCancel(t *testing.T) {
	b := newBackend(t, Config{})
	c := newCollector()
	ref, err := b.Execute(context.Background(), backend.Command{Name: "eval", Args: []string{"while true; do :; done"}}, backend.ExecOptions{}, c.sink)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Cancel(ref); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := c.wait(t); err == nil {
		t.Fatal("cancelled command reported success")
	}
	if err := b.Cancel("unknown"); err != nil {
		t.Fatalf("Cancel unknown ref: %v", err)
	}
}

func TestTimeout(t *testing.T) {
	b := newBackend(t, Config{})
	c := newCollector()
	if _, err := b.Execute(context.Background(), backend.Command{Name: "eval", Args: []string{"while true; do :; done"}}, backend.ExecOptions{Timeout: 30 * time.Millisecond}, c.sink); err != nil {
		t.Fatal(err)
	}
	if _, err := c.wait(t); !shellerr.Is(err, shellerr.Timeout) {
		t.Fatalf("err = %v", err)
	}
}

func TestClosedBackendRejects(t *testing.T) {
	b := newBackend(t, Config{})
	b.Close()
	_, err := b.Execute(context.Background(), backend.Command{Name: "true"}, backend.ExecOptions{}, func(backend.Event) {})
	if !shellerr.Is(err, shellerr.StartFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestFactory(t *testing.T) {
	root := t.TempDir()
	b, err := Factory(root)(context.Background(), backend.Base{WorkspaceID: "w1"}, map[string]string{"allow_host_exec": "false"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.(*Backend).cfg.Root != filepath.Join(root, "w1") {
		t.Errorf("root = %q", b.(*Backend).cfg.Root)
	}
	if _, err := Factory(root)(context.Background(), backend.Base{WorkspaceID: "w1"}, map[string]string{"allow_host_exec": "maybe"}); !shellerr.Is(err, shellerr.BackendInvalidConfig) {
		t.Errorf("bad bool err = %v", err)
	}
}
