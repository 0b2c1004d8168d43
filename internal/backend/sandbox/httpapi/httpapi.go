// Package httpapi is a sandbox provider for a REST control API with a
// websocket process-spawn endpoint.
//
//	POST   {base}/v1/sandboxes                 create {"name"}
//	GET    {base}/v1/sandboxes/{name}          attach
//	DELETE {base}/v1/sandboxes/{name}          destroy
//	PUT    {base}/v1/sandboxes/{name}/policy   network policy
//	POST   {base}/v1/sandboxes/{name}/run      run to completion
//	GET    {base}/v1/sandboxes/{name}/spawn    websocket spawn
//
// The spawn socket takes one JSON SpawnRequest and answers with JSON
// Messages until exit. A 404 or 501 on upgrade means streaming is not
// offered and the backend falls back to run.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/backend/sandbox"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

const readLimit = 4 * 1024 * 1024

type Provider struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ sandbox.Provider = (*Provider)(nil)

// New fails fast when token or base url is missing.
func New(baseURL, token string, client *http.Client) (*Provider, error) {
	var missing []string
	if baseURL == "" {
		missing = append(missing, "base_url")
	}
	if token == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return nil, shellerr.New(shellerr.BackendInvalidConfig, map[string]any{"kind": string(backend.KindSandbox), "missing": missing})
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, shellerr.Wrap(shellerr.BackendInvalidConfig, err, map[string]any{"kind": string(backend.KindSandbox), "base_url": baseURL})
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Provider{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}, nil
}

// Opener reads params base_url and token over the given defaults.
func Opener(defaultBaseURL, defaultToken string) sandbox.Opener {
	return func(_ context.Context, params map[string]string) (sandbox.Provider, error) {
		base, token := params["base_url"], params["token"]
		if base == "" {
			base = defaultBaseURL
		}
		if token == "" {
			token = defaultToken
		}
		return New(base, token, nil)
	}
}

func (p *Provider) Name() string { return "http" }

func (p *Provider) sandboxURL(name string, parts ...string) string {
	u := p.baseURL + "/v1/sandboxes/" + url.PathEscape(name)
	for _, part := range parts {
		u += "/" + part
	}
	return u
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("sandbox api: status %d: %s", e.Status, e.Body)
}

func (p *Provider) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *Provider) Create(ctx context.Context, name string) (sandbox.Handle, error) {
	var h sandbox.Handle
	if err := p.do(ctx, http.MethodPost, p.baseURL+"/v1/sandboxes", map[string]string{"name": name}, &h); err != nil {
		return sandbox.Handle{}, fmt.Errorf("create sandbox %s: %w", name, err)
	}
	if h.Name == "" {
		h.Name = name
	}
	return h, nil
}

func (p *Provider) Attach(ctx context.Context, name string) (sandbox.Handle, error) {
	var h sandbox.Handle
	if err := p.do(ctx, http.MethodGet, p.sandboxURL(name), nil, &h); err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
			return sandbox.Handle{}, fmt.Errorf("attach %s: %w", name, sandbox.ErrNotFound)
		}
		return sandbox.Handle{}, fmt.Errorf("attach %s: %w", name, err)
	}
	if h.Name == "" {
		h.Name = name
	}
	return h, nil
}

func (p *Provider) Destroy(ctx context.Context, h sandbox.Handle) error {
	err := p.do(ctx, http.MethodDelete, p.sandboxURL(h.Name), nil, nil)
	var ae *apiError
	if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (p *Provider) SetNetworkPolicy(ctx context.Context, h sandbox.Handle, policy backend.NetworkPolicy) error {
	return p.do(ctx, http.MethodPut, p.sandboxURL(h.Name, "policy"), policy, nil)
}

func (p *Provider) Run(ctx context.Context, h sandbox.Handle, req sandbox.SpawnRequest) (sandbox.RunResult, error) {
	var res sandbox.RunResult
	err := p.do(ctx, http.MethodPost, p.sandboxURL(h.Name, "run"), req, &res)
	return res, err
}

func (p *Provider) Spawn(ctx context.Context, h sandbox.Handle, req sandbox.SpawnRequest) (sandbox.Stream, error) {
	wsURL := p.sandboxURL(h.Name, "spawn")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: p.client.Transport},
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + p.token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented) {
			return nil, sandbox.ErrStreamingUnsupported
		}
		return nil, fmt.Errorf("spawn: %w", err)
	}
	conn.SetReadLimit(readLimit)

	data, _ := json.Marshal(req)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("spawn: send request: %w", err)
	}

	ch := make(chan sandbox.Message, 16)
	go func() {
		defer close(ch)
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
					select {
					case ch <- sandbox.Message{Type: sandbox.MsgError, Message: err.Error()}:
					case <-ctx.Done():
					}
				}
				return
			}
			var m sandbox.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				continue
			}
			select {
			case ch <- m:
			case <-ctx.Done():
				return
			}
			if m.Type == sandbox.MsgExit || m.Type == sandbox.MsgError {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}()

	return sandbox.NewStream(ch, func() error {
		return conn.CloseNow()
	}), nil
}
