package remoteshell

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/quota"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

type phase int

const (
	awaitingExit phase = iota
	drainingAfterExit
)

type msgKind int

const (
	msgData msgKind = iota
	msgEOF
	msgExit
	msgClosed
)

type chanMsg struct {
	kind   msgKind
	data   []byte
	code   int
	signal string
}

// command is one exec on its own session channel.
type command struct {
	ref      backend.CommandRef
	exec     string
	env      map[string]string
	timeout  time.Duration
	drain    time.Duration
	maxBytes int64
	sink     backend.Sink
	cancel   context.CancelFunc

	// opened is closed once the channel open has succeeded or failed.
	opened     chan struct{}
	openOnce   sync.Once
	chMu       sync.Mutex
	ch         ssh.Channel
	finishOnce sync.Once
	aborted    atomic.Bool
}

func (c *command) markOpened(ch ssh.Channel) {
	c.chMu.Lock()
	c.ch = ch
	c.chMu.Unlock()
	c.openOnce.Do(func() { close(c.opened) })
}

func (c *command) closeChannel() {
	c.chMu.Lock()
	ch := c.ch
	c.chMu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// abort waits up to wait for the channel to open, closes it and stops the
// worker.
func (c *command) abort(wait time.Duration) {
	c.aborted.Store(true)
	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-c.opened:
		case <-t.C:
		}
		t.Stop()
	}
	c.closeChannel()
	c.cancel()
}

func (c *command) finish(err error) {
	c.finishOnce.Do(func() {
		c.sink(backend.Event{Ref: c.ref, Type: backend.EventFinished, Err: err})
	})
}

func (c *command) run(ctx context.Context, client *ssh.Client) {
	defer c.cancel()
	defer func() {
		if r := recover(); r != nil {
			c.closeChannel()
			c.finish(shellerr.New(shellerr.BackendException, map[string]any{"op": "execute", "detail": fmt.Sprint(r)}))
		}
	}()

	ch, reqs, err := client.OpenChannel("session", nil)
	if err != nil {
		c.markOpened(nil)
		c.finish(shellerr.Wrap(shellerr.StartFailed, err, map[string]any{"reason": err.Error()}))
		return
	}
	c.markOpened(ch)
	defer ch.Close()

	msgs := make(chan chanMsg, 16)
	send := func(m chanMsg) bool {
		select {
		case msgs <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go pump(ch, true, send, &readers)
	go pump(ch.Stderr(), false, send, &readers)
	go func() {
		for req := range reqs {
			switch req.Type {
			case "exit-status":
				var p struct{ Status uint32 }
				if ssh.Unmarshal(req.Payload, &p) == nil {
					send(chanMsg{kind: msgExit, code: int(p.Status)})
				}
			case "exit-signal":
				var p struct {
					Signal     string
					CoreDumped bool
					Error      string
					Lang       string
				}
				if ssh.Unmarshal(req.Payload, &p) == nil {
					send(chanMsg{kind: msgExit, code: -1, signal: p.Signal})
				}
			}
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
		readers.Wait()
		send(chanMsg{kind: msgClosed})
	}()

	// env requests are best effort; most servers refuse them and the exec
	// string carries the same values.
	for _, pair := range envPairs(c.env) {
		name, value, _ := strings.Cut(pair, "=")
		ch.SendRequest("env", false, ssh.Marshal(struct{ Name, Value string }{name, value}))
	}

	ok, err := ch.SendRequest("exec", true, ssh.Marshal(struct{ Command string }{c.exec}))
	if err != nil || !ok {
		reason := "exec request refused"
		if err != nil {
			reason = err.Error()
		}
		c.finish(shellerr.New(shellerr.StartFailed, map[string]any{"reason": reason}))
		return
	}

	err = c.loop(ctx, ch, msgs)
	if c.aborted.Load() {
		err = context.Canceled
	}
	c.finish(err)
}

// loop consumes channel messages until the command is finalized. A nonzero
// exit moves it to draining, where eof, close or the drain grace finalizes
// with the exit code.
func (c *command) loop(ctx context.Context, ch ssh.Channel, msgs <-chan chanMsg) error {
	guard := quota.NewGuard(c.maxBytes)

	var timer *time.Timer
	var fire <-chan time.Time
	arm := func(d time.Duration) {
		if d <= 0 {
			return
		}
		if timer == nil {
			timer = time.NewTimer(d)
			fire = timer.C
			return
		}
		timer.Reset(d)
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	arm(c.timeout)

	state := awaitingExit
	var exit chanMsg
	for {
		select {
		case m := <-msgs:
			switch m.kind {
			case msgData:
				if !guard.Allow(len(m.data)) {
					ch.Close()
					return shellerr.New(shellerr.OutputLimitExceeded, map[string]any{
						"emitted_bytes":    guard.Emitted(),
						"max_output_bytes": c.maxBytes,
					})
				}
				c.sink(backend.Event{Ref: c.ref, Type: backend.EventOutput, Chunk: m.data})
			case msgExit:
				if m.code == 0 && m.signal == "" {
					break
				}
				if state == awaitingExit {
					state = drainingAfterExit
					exit = m
					arm(c.drain)
				}
			case msgEOF:
				if state == drainingAfterExit {
					return exitError(exit)
				}
			case msgClosed:
				if state == drainingAfterExit {
					return exitError(exit)
				}
				return nil
			}
			if state == awaitingExit && timer != nil {
				timer.Reset(c.timeout)
			}
		case <-fire:
			if state == drainingAfterExit {
				return exitError(exit)
			}
			ch.Close()
			return shellerr.New(shellerr.Timeout, map[string]any{"timeout_ms": c.timeout.Milliseconds()})
		case <-ctx.Done():
			ch.Close()
			return ctx.Err()
		}
	}
}

func exitError(m chanMsg) error {
	details := map[string]any{"code": m.code}
	if m.signal != "" {
		details["signal"] = m.signal
	}
	return shellerr.New(shellerr.ExitCode, details)
}

func pump(r io.Reader, stdout bool, send func(chanMsg) bool, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !send(chanMsg{kind: msgData, data: chunk}) {
				return
			}
		}
		if err != nil {
			if stdout {
				send(chanMsg{kind: msgEOF})
			}
			return
		}
	}
}
