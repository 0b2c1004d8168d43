package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/commands"
	"github.com/agentjido/jido-shell-sub001/internal/runner"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
	"github.com/agentjido/jido-shell-sub001/internal/vfs"
)

type fakeBackend struct {
	mu        sync.Mutex
	cwd       string
	cds       []string
	cancelErr error
	onCancel  func(ref backend.CommandRef, sink backend.Sink)
	closed    bool
	sinks     map[backend.CommandRef]backend.Sink
	executed  chan backend.CommandRef
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		cwd:      "/",
		sinks:    make(map[backend.CommandRef]backend.Sink),
		executed: make(chan backend.CommandRef, 8),
	}
}

// Kind reports local so built-ins check the virtual filesystem.
func (f *fakeBackend) Kind() backend.Kind { return backend.KindLocal }

func (f *fakeBackend) Execute(_ context.Context, _ backend.Command, _ backend.ExecOptions, sink backend.Sink) (backend.CommandRef, error) {
	ref := backend.NewRef()
	f.mu.Lock()
	f.sinks[ref] = sink
	f.mu.Unlock()
	f.executed <- ref
	return ref, nil
}

func (f *fakeBackend) Cancel(ref backend.CommandRef) error {
	f.mu.Lock()
	if hook := f.onCancel; hook != nil {
		sink := f.sinks[ref]
		f.mu.Unlock()
		hook(ref, sink)
		f.mu.Lock()
	}
	if f.cancelErr != nil {
		err := f.cancelErr
		f.mu.Unlock()
		return err
	}
	sink, ok := f.sinks[ref]
	delete(f.sinks, ref)
	f.mu.Unlock()
	if ok {
		go sink(backend.Event{Ref: ref, Type: backend.EventFinished, Err: context.Canceled})
	}
	return nil
}

func (f *fakeBackend) Cd(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cds = append(f.cds, path)
	f.cwd = path
	return nil
}

func (f *fakeBackend) Cwd() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cwd
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) setCancelErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelErr = err
}

// finish completes a running command as if it exited on its own.
func (f *fakeBackend) finish(ref backend.CommandRef, err error) {
	f.mu.Lock()
	sink, ok := f.sinks[ref]
	delete(f.sinks, ref)
	f.mu.Unlock()
	if ok {
		sink(backend.Event{Ref: ref, Type: backend.EventFinished, Err: err})
	}
}

func (f *fakeBackend) cdCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cds...)
}

func (f *fakeBackend) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRunner(t *testing.T) *runner.Runner {
	t.Helper()
	reg := commands.Default()
	reg.MustRegister(
		commands.Command{Name: "explode", Handler: func(context.Context, *commands.Invocation) (commands.Outcome, error) {
			panic("handler exploded")
		}},
		commands.Command{Name: "chunks", Handler: func(_ context.Context, inv *commands.Invocation) (commands.Outcome, error) {
			for _, a := range inv.Args {
				if err := inv.Emit([]byte(a)); err != nil {
					return commands.Outcome{}, err
				}
			}
			return commands.Outcome{}, nil
		}},
	)
	fs := vfs.NewMemory()
	for _, d := range []string{"/home/user", "/tmp"} {
		if err := fs.Mkdir("ws", d, true); err != nil {
			t.Fatal(err)
		}
	}
	return runner.New(reg, fs)
}

func startSession(t *testing.T, opts Options) (*Session, *fakeBackend, *Mailbox) {
	t.Helper()
	if opts.Cwd == "" {
		opts.Cwd = "/home/user"
	}
	fb := newFakeBackend()
	s := newSession("s1", "ws", opts, backend.Guard(fb), newTestRunner(t))
	s.start()
	t.Cleanup(func() { s.Stop() })

	mb := NewMailbox("test")
	if err := s.Subscribe(mb, false); err != nil {
		t.Fatal(err)
	}
	return s, fb, mb
}

// collect reads events until one of the given types arrives.
func collect(t *testing.T, mb *Mailbox, until ...EventType) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []Event
	for {
		ev, err := mb.Next(ctx)
		if err != nil {
			t.Fatalf("waiting for %v: %v (got %v)", until, err, types(out))
		}
		out = append(out, ev)
		for _, u := range until {
			if ev.Type == u {
				return out
			}
		}
	}
}

func types(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func output(evs []Event) string {
	var b strings.Builder
	for _, ev := range evs {
		if ev.Type == EventOutput {
			b.Write(ev.Chunk)
		}
	}
	return b.String()
}

func run(t *testing.T, s *Session, line string) *Pending {
	t.Helper()
	p, err := s.Run(line, nil)
	if err != nil {
		t.Fatalf("Run(%q): %v", line, err)
	}
	return p
}

func wait(t *testing.T, p *Pending) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("waiting for %q: %v", p.Line, err)
	}
	return out
}

func TestPwdInHomeUser(t *testing.T) {
	s, _, mb := startSession(t, Options{})
	out := wait(t, run(t, s, "pwd"))
	if out.Err != nil {
		t.Fatalf("pwd: %v", out.Err)
	}
	evs := collect(t, mb, EventCommandDone)
	if got := output(evs); got != "/home/user\n" {
		t.Fatalf("output = %q", got)
	}
	if evs[0].Type != EventCommandStarted || evs[0].Line != "pwd" {
		t.Fatalf("first event = %+v", evs[0])
	}
}

func TestCdThenPwd(t *testing.T) {
	s, fb, mb := startSession(t, Options{})

	wait(t, run(t, s, "cd /tmp"))
	evs := collect(t, mb, EventCommandDone)
	got := types(evs)
	want := []EventType{EventCommandStarted, EventCwdChanged, EventCommandDone}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if evs[1].Cwd != "/tmp" {
		t.Fatalf("cwd_changed = %q", evs[1].Cwd)
	}
	if cds := fb.cdCalls(); len(cds) != 1 || cds[0] != "/tmp" {
		t.Fatalf("backend cd calls = %v", cds)
	}

	wait(t, run(t, s, "pwd"))
	if got := output(collect(t, mb, EventCommandDone)); got != "/tmp\n" {
		t.Fatalf("pwd after cd = %q", got)
	}
}

func TestCdNonexistentKeepsCwd(t *testing.T) {
	s, _, mb := startSession(t, Options{})

	out := wait(t, run(t, s, "cd /nonexistent"))
	if !shellerr.Is(out.Err, shellerr.VFSNotFound) {
		t.Fatalf("err = %v, want vfs.not_found", out.Err)
	}
	evs := collect(t, mb, EventError)
	last := evs[len(evs)-1]
	if last.Error == nil || last.Error.Kind != shellerr.VFSNotFound {
		t.Fatalf("error event = %+v", last)
	}
	snap, err := s.State()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Cwd != "/home/user" {
		t.Fatalf("cwd = %q, want unchanged", snap.Cwd)
	}
}

func TestAtMostOneInFlight(t *testing.T) {
	s, _, mb := startSession(t, Options{})

	p := run(t, s, "sleep 5")
	_, err := s.Run("echo hi", nil)
	if !shellerr.Is(err, shellerr.Busy) {
		t.Fatalf("second Run err = %v, want shell.busy", err)
	}
	evs := collect(t, mb, EventError)
	if last := evs[len(evs)-1]; last.Error.Kind != shellerr.Busy || last.Line != "echo hi" {
		t.Fatalf("busy event = %+v", last)
	}

	snap, _ := s.State()
	if snap.Status != StatusRunning || snap.CurrentLine != "sleep 5" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if err := s.Cancel(); err != nil {
		t.Fatal(err)
	}
	if out := wait(t, p); !out.Cancelled || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestCancelIdleIsRejectedAndIdempotent(t *testing.T) {
	s, _, _ := startSession(t, Options{})
	before, _ := s.State()

	for i := 0; i < 2; i++ {
		err := s.Cancel()
		if !shellerr.Is(err, shellerr.InvalidStateTransition) {
			t.Fatalf("Cancel #%d = %v", i, err)
		}
	}
	after, _ := s.State()
	if after.LastSeq != before.LastSeq || after.Status != StatusIdle {
		t.Fatalf("cancel of idle changed state: %+v -> %+v", before, after)
	}
}

func TestCancelRunningCommand(t *testing.T) {
	s, _, mb := startSession(t, Options{})

	p := run(t, s, "sleep 5")
	if err := s.Cancel(); err != nil {
		t.Fatal(err)
	}
	evs := collect(t, mb, EventCommandCancelled)
	if evs[len(evs)-1].Line != "sleep 5" {
		t.Fatalf("cancel event = %+v", evs[len(evs)-1])
	}
	wait(t, p)

	out := wait(t, run(t, s, "echo again"))
	if out.Err != nil {
		t.Fatalf("after cancel: %v", out.Err)
	}
	evs = collect(t, mb, EventCommandDone)
	for _, ev := range evs {
		if ev.Type == EventError || ev.Type == EventCommandCrashed {
			t.Fatalf("stale worker leaked event %+v", ev)
		}
	}
}

func currentRef(t *testing.T, s *Session) backend.CommandRef {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var ref backend.CommandRef
		s.call(func() {
			if s.current != nil {
				ref = s.current.backendRef()
			}
		})
		if ref != "" {
			return ref
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("backend ref never registered")
	return ""
}

func TestCancelFailureKeepsRunning(t *testing.T) {
	s, fb, mb := startSession(t, Options{})

	p := run(t, s, "sh -c 'sleep 100'")
	<-fb.executed
	currentRef(t, s)

	fb.setCancelErr(errors.New("channel stuck"))
	err := s.Cancel()
	if !shellerr.Is(err, shellerr.CancelFailed) {
		t.Fatalf("Cancel = %v, want command.cancel_failed", err)
	}
	evs := collect(t, mb, EventError)
	if evs[len(evs)-1].Error.Kind != shellerr.CancelFailed {
		t.Fatalf("event = %+v", evs[len(evs)-1])
	}
	snap, _ := s.State()
	if snap.Status != StatusRunning {
		t.Fatalf("status = %s, want running", snap.Status)
	}

	fb.setCancelErr(nil)
	if err := s.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if out := wait(t, p); !out.Cancelled {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestFailedCancelLeavesCommandAlive(t *testing.T) {
	s, fb, mb := startSession(t, Options{})

	p := run(t, s, "sh -c 'tail -f log'")
	<-fb.executed
	ref := currentRef(t, s)

	fb.mu.Lock()
	fb.cancelErr = errors.New("signal refused")
	fb.onCancel = func(ref backend.CommandRef, sink backend.Sink) {
		sink(backend.Event{Ref: ref, Type: backend.EventOutput, Chunk: []byte("late ")})
		time.Sleep(50 * time.Millisecond)
	}
	fb.mu.Unlock()

	if err := s.Cancel(); !shellerr.Is(err, shellerr.CancelFailed) {
		t.Fatalf("Cancel = %v, want command.cancel_failed", err)
	}
	snap, _ := s.State()
	if snap.Status != StatusRunning {
		t.Fatalf("status after failed cancel = %s, want running", snap.Status)
	}
	select {
	case <-p.Done():
		t.Fatalf("command resolved after a failed cancel")
	case <-time.After(50 * time.Millisecond):
	}

	fb.mu.Lock()
	sink := fb.sinks[ref]
	fb.mu.Unlock()
	sink(backend.Event{Ref: ref, Type: backend.EventOutput, Chunk: []byte("still here")})
	fb.finish(ref, nil)

	out := wait(t, p)
	if out.Err != nil || out.Cancelled {
		t.Fatalf("outcome = %+v, want a clean finish", out)
	}
	evs := collect(t, mb, EventCommandDone)
	if got := output(evs); got != "late still here" {
		t.Fatalf("forwarded = %q", got)
	}
}

func TestOutputQuotaIsExact(t *testing.T) {
	s, _, mb := startSession(t, Options{Meta: map[string]any{
		"limits": map[string]any{"max_output_bytes": 10},
	}})

	out := wait(t, run(t, s, "chunks aaaa bbbb cccc dddd"))
	if !shellerr.Is(out.Err, shellerr.OutputLimitExceeded) {
		t.Fatalf("err = %v", out.Err)
	}
	evs := collect(t, mb, EventError)
	if got := output(evs); got != "aaaabbbb" {
		t.Fatalf("forwarded = %q, want the two chunks under the cap", got)
	}
	se, _ := shellerr.As(out.Err)
	if se.Detail("emitted_bytes") != int64(8) {
		t.Fatalf("details = %v", se.Details)
	}
}

func TestProgramShortCircuit(t *testing.T) {
	s, _, mb := startSession(t, Options{})

	out := wait(t, run(t, s, "false && echo b ; echo c"))
	if out.Err != nil {
		t.Fatalf("err = %v", out.Err)
	}
	if got := output(collect(t, mb, EventCommandDone)); got != "c\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestCrashIsolation(t *testing.T) {
	s, _, mb := startSession(t, Options{})

	out := wait(t, run(t, s, "explode"))
	if !shellerr.Is(out.Err, shellerr.Crashed) {
		t.Fatalf("err = %v", out.Err)
	}
	evs := collect(t, mb, EventCommandCrashed)
	if !strings.Contains(evs[len(evs)-1].Reason, "handler exploded") {
		t.Fatalf("crash event = %+v", evs[len(evs)-1])
	}

	out = wait(t, run(t, s, "echo still here"))
	if out.Err != nil {
		t.Fatalf("session unusable after crash: %v", out.Err)
	}
	if got := output(collect(t, mb, EventCommandDone)); got != "still here\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestRuntimeLimit(t *testing.T) {
	s, _, mb := startSession(t, Options{Meta: map[string]any{"max_runtime_ms": 50}})

	start := time.Now()
	out := wait(t, run(t, s, "sleep 5"))
	if !shellerr.Is(out.Err, shellerr.RuntimeLimitExceeded) {
		t.Fatalf("err = %v", out.Err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("runtime limit not enforced promptly")
	}
	collect(t, mb, EventError)
}

func TestRunOverridesApplyToOneCommand(t *testing.T) {
	s, _, _ := startSession(t, Options{})

	p, err := s.Run("sleep 5", map[string]any{"max_runtime_ms": 20})
	if err != nil {
		t.Fatal(err)
	}
	if out := wait(t, p); !shellerr.Is(out.Err, shellerr.RuntimeLimitExceeded) {
		t.Fatalf("err = %v", out.Err)
	}
	snap, _ := s.State()
	if _, ok := snap.Meta["max_runtime_ms"]; ok {
		t.Fatal("override leaked into session meta")
	}
}

func TestHistoryMostRecentFirst(t *testing.T) {
	s, _, _ := startSession(t, Options{})
	wait(t, run(t, s, "echo one"))
	wait(t, run(t, s, "echo two"))

	snap, _ := s.State()
	if len(snap.History) != 2 || snap.History[0] != "echo two" || snap.History[1] != "echo one" {
		t.Fatalf("history = %v", snap.History)
	}
}

func TestHistoryDropsOldestPastCap(t *testing.T) {
	s, _, _ := startSession(t, Options{})
	s.call(func() {
		s.state.History = make([]string, maxHistory)
		for i := range s.state.History {
			s.state.History[i] = "old"
		}
	})
	wait(t, run(t, s, "echo newest"))

	snap, _ := s.State()
	if len(snap.History) != maxHistory || snap.History[0] != "echo newest" {
		t.Fatalf("history len = %d, first = %q", len(snap.History), snap.History[0])
	}
}

func TestEventsCarrySessionAndSequence(t *testing.T) {
	s, _, mb := startSession(t, Options{})
	wait(t, run(t, s, "echo a"))

	evs := collect(t, mb, EventCommandDone)
	for i, ev := range evs {
		if ev.SessionID != "s1" || ev.Time.IsZero() {
			t.Fatalf("event %d = %+v", i, ev)
		}
		if i > 0 && ev.Seq != evs[i-1].Seq+1 {
			t.Fatalf("seq gap at %d: %d after %d", i, ev.Seq, evs[i-1].Seq)
		}
	}
}

func TestSubscribeReplaysScrollback(t *testing.T) {
	s, _, mb := startSession(t, Options{})
	wait(t, run(t, s, "echo a"))
	collect(t, mb, EventCommandDone)

	late := NewMailbox("late")
	if err := s.Subscribe(late, true); err != nil {
		t.Fatal(err)
	}
	evs := late.Drain()
	if len(evs) != 3 || evs[0].Type != EventCommandStarted || evs[2].Type != EventCommandDone {
		t.Fatalf("replay = %v", types(evs))
	}
}

func TestDeadTransportRemovedSilently(t *testing.T) {
	s, _, _ := startSession(t, Options{})

	gone := NewMailbox("gone")
	if err := s.Subscribe(gone, false); err != nil {
		t.Fatal(err)
	}
	gone.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, _ := s.State()
		if snap.Subscribers == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d", snap.Subscribers)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnsubscribe(t *testing.T) {
	s, _, mb := startSession(t, Options{})
	if err := s.Unsubscribe(mb.ID()); err != nil {
		t.Fatal(err)
	}
	wait(t, run(t, s, "echo a"))
	if evs := mb.Drain(); len(evs) != 0 {
		t.Fatalf("unsubscribed mailbox got %v", types(evs))
	}
}

func TestStopAbortsCommandAndClosesBackend(t *testing.T) {
	s, fb, _ := startSession(t, Options{})

	p := run(t, s, "sleep 5")
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if out := wait(t, p); !out.Cancelled {
		t.Fatalf("outcome = %+v", out)
	}
	if !fb.isClosed() {
		t.Fatal("backend not closed")
	}
	if _, err := s.Run("echo x", nil); !shellerr.Is(err, shellerr.SessionNotFound) {
		t.Fatalf("Run after stop = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop = %v", err)
	}
}

func TestSnapshotDescribesBackend(t *testing.T) {
	s, _, _ := startSession(t, Options{Env: map[string]string{"A": "1"}})
	snap, err := s.State()
	if err != nil {
		t.Fatal(err)
	}
	if snap.BackendInfo["kind"] != "local" || snap.Env["A"] != "1" || snap.WorkspaceID != "ws" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
