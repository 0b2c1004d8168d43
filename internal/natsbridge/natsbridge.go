// Package natsbridge publishes session events to NATS as JSON, one subject
// per session: <prefix>.<session>.events.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"

	"github.com/agentjido/jido-shell-sub001/internal/session"
)

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge is a session transport that forwards every event it receives.
type Bridge struct {
	mb     *session.Mailbox
	pub    Publisher
	conn   *nats.Conn
	prefix string
	log    *log.Logger
}

var _ session.Transport = (*Bridge)(nil)

func New(pub Publisher, prefix string) *Bridge {
	if prefix == "" {
		prefix = "vshell.sessions"
	}
	return &Bridge{
		mb:     session.NewMailbox("nats"),
		pub:    pub,
		prefix: prefix,
		log:    log.Default().WithPrefix("natsbridge"),
	}
}

// Connect dials the NATS server at url and returns a bridge publishing on
// it. The connection reconnects on its own.
func Connect(url, prefix string) (*Bridge, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	logger := log.Default().WithPrefix("natsbridge")
	conn, err := nats.Connect(url,
		nats.Name("vshell"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	b := New(conn, prefix)
	b.conn = conn
	return b, nil
}

func (b *Bridge) ID() string               { return b.mb.ID() }
func (b *Bridge) Deliver(ev session.Event) { b.mb.Deliver(ev) }
func (b *Bridge) Done() <-chan struct{}    { return b.mb.Done() }

// Subject returns the subject events of sessionID are published on. Dots in
// the id are replaced so the id stays a single token.
func (b *Bridge) Subject(sessionID string) string {
	return b.prefix + "." + strings.ReplaceAll(sessionID, ".", "_") + ".events"
}

// Run publishes queued events until ctx ends or the bridge is closed.
func (b *Bridge) Run(ctx context.Context) {
	for {
		ev, err := b.mb.Next(ctx)
		if err != nil {
			return
		}
		b.publish(ev)
	}
}

func (b *Bridge) publish(ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("encode event failed", "session", ev.SessionID, "err", err)
		return
	}
	if err := b.pub.Publish(b.Subject(ev.SessionID), data); err != nil {
		b.log.Warn("publish failed", "session", ev.SessionID, "seq", ev.Seq, "err", err)
	}
}

// Close stops the bridge and drains the connection it owns.
func (b *Bridge) Close() {
	b.mb.Close()
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
}
