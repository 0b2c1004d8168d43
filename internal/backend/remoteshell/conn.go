// conn.go manages the backend's single SSH client connection.
//
// The client is dialed on init. A keepalive goroutine probes it with
// "keepalive@openssh.com" and marks the connection disconnected when the
// probe fails; the next Execute then redials once before giving up.

package remoteshell

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ConnectionMetrics tracks keepalive health for the connection.
type ConnectionMetrics struct {
	ConnectedAt      time.Time `json:"connected_at"`
	LastKeepalive    time.Time `json:"last_keepalive"`
	SuccessfulProbes int64     `json:"successful_probes"`
	FailedProbes     int64     `json:"failed_probes"`
	Reconnects       int64     `json:"reconnects"`
}

type conn struct {
	cfg   Config
	state *stateTracker

	mu            sync.Mutex
	client        *ssh.Client
	closeAgent    func()
	stopKeepalive context.CancelFunc
	metrics       ConnectionMetrics
}

// dial opens a fresh client and replaces any previous one.
func (c *conn) dial(ctx context.Context) (*ssh.Client, error) {
	methods, closeAgent, err := c.cfg.authMethods()
	if err != nil {
		closeAgent()
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            methods,
		HostKeyCallback: c.cfg.HostKeyCallback,
		Timeout:         c.cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.cfg.addr())
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("dial %s: %w", c.cfg.addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	} else {
		netConn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.cfg.addr(), clientCfg)
	if err != nil {
		netConn.Close()
		closeAgent()
		return nil, fmt.Errorf("ssh handshake with %s: %w", c.cfg.addr(), err)
	}
	netConn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	kctx, stop := context.WithCancel(context.Background())

	c.mu.Lock()
	old, oldAgent, oldStop := c.client, c.closeAgent, c.stopKeepalive
	c.client = client
	c.closeAgent = closeAgent
	c.stopKeepalive = stop
	if !c.metrics.ConnectedAt.IsZero() {
		c.metrics.Reconnects++
	}
	c.metrics.ConnectedAt = time.Now()
	c.mu.Unlock()

	if oldStop != nil {
		oldStop()
	}
	if old != nil {
		old.Close()
	}
	if oldAgent != nil {
		oldAgent()
	}

	go c.keepalive(kctx, client)
	return client, nil
}

// keepalive probes the client until ctx is cancelled or a probe fails.
func (c *conn) keepalive(ctx context.Context, client *ssh.Client) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok := probe(client)
			c.mu.Lock()
			c.metrics.LastKeepalive = time.Now()
			if ok {
				c.metrics.SuccessfulProbes++
			} else {
				c.metrics.FailedProbes++
			}
			c.mu.Unlock()
			if !ok {
				c.state.set(StateDisconnected, "keepalive failed")
				return
			}
		}
	}
}

func probe(client *ssh.Client) bool {
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// ensure returns a live client, redialing once when the current one is
// missing or dead.
func (c *conn) ensure(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client != nil && c.state.get() == StateConnected && probe(client) {
		return client, nil
	}

	c.state.set(StateReconnecting, "connection lost")
	client, err := c.dial(ctx)
	if err != nil {
		c.state.set(StateFailed, err.Error())
		return nil, err
	}
	c.state.set(StateConnected, "reconnected")
	return client, nil
}

func (c *conn) snapshot() ConnectionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *conn) close() error {
	c.mu.Lock()
	client, closeAgent, stop := c.client, c.closeAgent, c.stopKeepalive
	c.client, c.closeAgent, c.stopKeepalive = nil, nil, nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if closeAgent != nil {
		closeAgent()
	}
	c.state.set(StateDisconnected, "closed")
	if client != nil {
		return client.Close()
	}
	return nil
}
