package remoteshell

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

// execHandler plays the remote side of one exec request.
type execHandler func(cmd string, ch ssh.Channel)

type testServer struct {
	addr    string
	cleanup func()

	mu       sync.Mutex
	netConns []net.Conn
	commands []string
	env      map[string]string
}

func (ts *testServer) closeAllConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.netConns {
		c.Close()
	}
	ts.netConns = nil
}

func (ts *testServer) lastCommand() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.commands) == 0 {
		return ""
	}
	return ts.commands[len(ts.commands)-1]
}

func sendExit(ch ssh.Channel, code uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}

// testSSHServer starts an in-process SSH server accepting authorizedKey or
// the password "secret".
func testSSHServer(t *testing.T, authorizedKey ssh.PublicKey, handle execHandler) *testServer {
	t.Helper()

	_, hostKeyPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorizedKey != nil && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == "secret" {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("bad password")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ts := &testServer{addr: listener.Addr().String(), env: map[string]string{}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.netConns = append(ts.netConns, netConn)
			ts.mu.Unlock()
			go ts.handleConnection(netConn, config, handle)
		}
	}()

	ts.cleanup = func() {
		listener.Close()
		ts.closeAllConns()
		<-done
	}
	t.Cleanup(ts.cleanup)
	return ts
}

func (ts *testServer) handleConnection(netConn net.Conn, config *ssh.ServerConfig, handle execHandler) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				switch req.Type {
				case "env":
					var p struct{ Name, Value string }
					if ssh.Unmarshal(req.Payload, &p) == nil {
						ts.mu.Lock()
						ts.env[p.Name] = p.Value
						ts.mu.Unlock()
					}
				case "exec":
					var p struct{ Command string }
					ssh.Unmarshal(req.Payload, &p)
					ts.mu.Lock()
					ts.commands = append(ts.commands, p.Command)
					ts.mu.Unlock()
					if req.WantReply {
						req.Reply(true, nil)
					}
					go handle(p.Command, ch)
					continue
				}
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}()
	}
}

func echoHandler(out string, code uint32) execHandler {
	return func(cmd string, ch ssh.Channel) {
		defer ch.Close()
		ch.Write([]byte(out))
		sendExit(ch, code)
		ch.CloseWrite()
	}
}

type collector struct {
	mu     sync.Mutex
	output []byte
	chunks int
	done   chan error
}

func newCollector() *collector {
	return &collector{done: make(chan error, 1)}
}

func (c *collector) sink(ev backend.Event) {
	switch ev.Type {
	case backend.EventOutput:
		c.mu.Lock()
		c.output = append(c.output, ev.Chunk...)
		c.chunks++
		c.mu.Unlock()
	case backend.EventFinished:
		c.done <- ev.Err
	}
}

func (c *collector) wait(t *testing.T, within time.Duration) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(within):
		t.Fatalf("command did not finish within %v", within)
		return nil
	}
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.output)
}

func serverConfig(t *testing.T, ts *testServer) Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return Config{Host: host, Port: port, User: "dev", Password: "secret", ConnectTimeout: 5 * time.Second}
}

func newTestBackend(t *testing.T, handle execHandler) (*Backend, *testServer) {
	t.Helper()
	ts := testSSHServer(t, nil, handle)
	b, err := New(context.Background(), backend.Base{WorkspaceID: "ws", Cwd: "/work"}, serverConfig(t, ts))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, ts
}

func TestWrapCommand(t *testing.T) {
	got := WrapCommand("/tmp/it's", map[string]string{"B": "2", "A": "x y", "bad-name": "z"}, "/bin/sh", "echo 'hi'")
	want := `cd '/tmp/it'\''s' && env 'A=x y' 'B=2' '/bin/sh' -lc 'echo '\''hi'\'''`
	if got != want {
		t.Fatalf("WrapCommand:\n got %s\nwant %s", got, want)
	}

	got = WrapCommand("", nil, "bash", "pwd")
	if got != `cd '/' && 'bash' -lc 'pwd'` {
		t.Fatalf("WrapCommand without env: %s", got)
	}
}

func TestNewMissingFields(t *testing.T) {
	_, err := New(context.Background(), backend.Base{}, Config{Port: 1})
	se, ok := shellerr.As(err)
	if !ok || se.Kind != shellerr.BackendInvalidConfig {
		t.Fatalf("expected invalid config, got %v", err)
	}
	missing, _ := se.Detail("missing").([]string)
	if strings.Join(missing, ",") != "host,user" {
		t.Fatalf("missing = %v", se.Detail("missing"))
	}
}

func TestNewUnreachableHost(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close()

	_, err = New(context.Background(), backend.Base{}, Config{Host: "127.0.0.1", Port: addr.Port, User: "dev", Password: "x", ConnectTimeout: time.Second})
	if !shellerr.Is(err, shellerr.StartFailed) {
		t.Fatalf("expected start_failed, got %v", err)
	}
}

func TestExecuteSuccess(t *testing.T) {
	b, ts := newTestBackend(t, echoHandler("hello\n", 0))

	c := newCollector()
	if _, err := b.Execute(context.Background(), backend.Command{Name: "echo", Args: []string{"hello"}}, backend.ExecOptions{Env: map[string]string{"FOO": "bar"}}, c.sink); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := c.wait(t, 5*time.Second); err != nil {
		t.Fatalf("finished with %v", err)
	}
	if c.text() != "hello\n" {
		t.Fatalf("output = %q", c.text())
	}
	want := WrapCommand("/work", map[string]string{"FOO": "bar"}, defaultShell, "echo hello")
	if got := ts.lastCommand(); got != want {
		t.Fatalf("exec string = %q, want %q", got, want)
	}
}

func TestExecuteCwdFollowsCd(t *testing.T) {
	b, ts := newTestBackend(t, echoHandler("", 0))

	if err := b.Cd("/srv/app"); err != nil {
		t.Fatalf("Cd: %v", err)
	}
	if b.Cwd() != "/srv/app" {
		t.Fatalf("Cwd = %q", b.Cwd())
	}
	c := newCollector()
	b.Execute(context.Background(), backend.Command{Name: "ls"}, backend.ExecOptions{}, c.sink)
	c.wait(t, 5*time.Second)
	if !strings.HasPrefix(ts.lastCommand(), "cd '/srv/app' && ") {
		t.Fatalf("exec string = %q", ts.lastCommand())
	}
}

func TestExecuteNonzeroExit(t *testing.T) {
	b, _ := newTestBackend(t, echoHandler("boom\n", 3))

	c := newCollector()
	b.Execute(context.Background(), backend.Command{Name: "false"}, backend.ExecOptions{}, c.sink)
	err := c.wait(t, 5*time.Second)
	se, ok := shellerr.As(err)
	if !ok || se.Kind != shellerr.ExitCode {
		t.Fatalf("expected exit_code, got %v", err)
	}
	if se.Detail("code") != 3 {
		t.Fatalf("code = %v", se.Detail("code"))
	}
	if c.text() != "boom\n" {
		t.Fatalf("output = %q", c.text())
	}
}

func TestNonzeroExitFinalizesAfterDrainGrace(t *testing.T) {
	release := make(chan struct{})
	b, _ := newTestBackend(t, func(cmd string, ch ssh.Channel) {
		defer ch.Close()
		sendExit(ch, 2)
		<-release
	})
	defer close(release)

	c := newCollector()
	start := time.Now()
	b.Execute(context.Background(), backend.Command{Name: "x"}, backend.ExecOptions{}, c.sink)
	err := c.wait(t, 3*time.Second)
	if !shellerr.Is(err, shellerr.ExitCode) {
		t.Fatalf("expected exit_code, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("drain took %v", time.Since(start))
	}
}

func TestIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	b, _ := newTestBackend(t, func(cmd string, ch ssh.Channel) {
		defer ch.Close()
		<-release
	})
	defer close(release)

	c := newCollector()
	b.Execute(context.Background(), backend.Command{Name: "sleep", Args: []string{"60"}}, backend.ExecOptions{Timeout: 100 * time.Millisecond}, c.sink)
	err := c.wait(t, 3*time.Second)
	se, ok := shellerr.As(err)
	if !ok || se.Kind != shellerr.Timeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if se.Detail("timeout_ms") != int64(100) {
		t.Fatalf("timeout_ms = %v", se.Detail("timeout_ms"))
	}
}

func TestOutputLimit(t *testing.T) {
	b, _ := newTestBackend(t, func(cmd string, ch ssh.Channel) {
		defer ch.Close()
		for i := 0; i < 5; i++ {
			ch.Write([]byte("0123456789"))
			time.Sleep(20 * time.Millisecond)
		}
		sendExit(ch, 0)
	})

	c := newCollector()
	b.Execute(context.Background(), backend.Command{Name: "yes"}, backend.ExecOptions{MaxOutputBytes: 25}, c.sink)
	err := c.wait(t, 5*time.Second)
	se, ok := shellerr.As(err)
	if !ok || se.Kind != shellerr.OutputLimitExceeded {
		t.Fatalf("expected output limit, got %v", err)
	}
	if len(c.text()) > 25 {
		t.Fatalf("forwarded %d bytes past the cap", len(c.text()))
	}
	if se.Detail("max_output_bytes") != int64(25) {
		t.Fatalf("max_output_bytes = %v", se.Detail("max_output_bytes"))
	}
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	b, _ := newTestBackend(t, func(cmd string, ch ssh.Channel) {
		close(started)
		ch.Write([]byte("tick\n"))
		// Blocks until the client closes the channel.
		buf := make([]byte, 1)
		ch.Read(buf)
		ch.Close()
	})

	c := newCollector()
	ref, err := b.Execute(context.Background(), backend.Command{Name: "sleep"}, backend.ExecOptions{}, c.sink)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-started
	if err := b.Cancel(ref); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	err = c.wait(t, 3*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if err := b.Cancel(ref); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}

func TestReconnectsOnce(t *testing.T) {
	b, ts := newTestBackend(t, echoHandler("ok\n", 0))

	ts.closeAllConns()

	c := newCollector()
	if _, err := b.Execute(context.Background(), backend.Command{Name: "true"}, backend.ExecOptions{}, c.sink); err != nil {
		t.Fatalf("Execute after drop: %v", err)
	}
	if err := c.wait(t, 5*time.Second); err != nil {
		t.Fatalf("finished with %v", err)
	}
	if b.Metrics().Reconnects != 1 {
		t.Fatalf("reconnects = %d", b.Metrics().Reconnects)
	}
	if b.State() != StateConnected {
		t.Fatalf("state = %v", b.State())
	}
	var sawReconnecting bool
	for _, tr := range b.Transitions() {
		if tr.To == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Fatalf("transitions = %+v", b.Transitions())
	}
}

func TestKeyFileAuth(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	ts := testSSHServer(t, parsed, echoHandler("key\n", 0))

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, priv, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	cfg := serverConfig(t, ts)
	cfg.Password = ""
	cfg.KeyPath = keyPath
	b, err := New(context.Background(), backend.Base{}, cfg)
	if err != nil {
		t.Fatalf("New with key file: %v", err)
	}
	defer b.Close()

	cfg.KeyPath = ""
	cfg.PrivateKey = priv
	b2, err := New(context.Background(), backend.Base{}, cfg)
	if err != nil {
		t.Fatalf("New with inline key: %v", err)
	}
	b2.Close()
}

func TestBadKeyPathIsInvalidConfig(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", User: "dev", KeyPath: filepath.Join(t.TempDir(), "missing")}
	_, err := New(context.Background(), backend.Base{}, cfg)
	if !shellerr.Is(err, shellerr.BackendInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestConfigFromParams(t *testing.T) {
	cfg, err := ConfigFromParams(Config{Shell: "/bin/bash"}, map[string]string{
		"host":         "box",
		"user":         "ops",
		"port":         "2222",
		"idle_timeout": "5s",
	})
	if err != nil {
		t.Fatalf("ConfigFromParams: %v", err)
	}
	if cfg.Host != "box" || cfg.User != "ops" || cfg.Port != 2222 || cfg.IdleTimeout != 5*time.Second || cfg.Shell != "/bin/bash" {
		t.Fatalf("cfg = %+v", cfg)
	}

	if _, err := ConfigFromParams(Config{}, map[string]string{"port": "abc"}); !shellerr.Is(err, shellerr.BackendInvalidConfig) {
		t.Fatalf("expected invalid config for bad port, got %v", err)
	}
}

func TestCloseRejectsExecute(t *testing.T) {
	b, _ := newTestBackend(t, echoHandler("", 0))
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	_, err := b.Execute(context.Background(), backend.Command{Name: "true"}, backend.ExecOptions{}, func(backend.Event) {})
	if !shellerr.Is(err, shellerr.StartFailed) {
		t.Fatalf("expected start_failed, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	b, _ := newTestBackend(t, echoHandler("", 0))
	d := backend.Describe(b)
	if d["kind"] != "ssh" || d["user"] != "dev" || d["state"] != "connected" {
		t.Fatalf("Describe = %v", d)
	}
}

func TestFingerprint(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	fp, err := Fingerprint(pub)
	if err != nil || !strings.HasPrefix(fp, "SHA256:") {
		t.Fatalf("Fingerprint = %q, %v", fp, err)
	}
	if _, err := Fingerprint(nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
