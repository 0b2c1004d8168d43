// Package dockerbox is a sandbox provider backed by long-lived Docker
// containers. Commands run through exec; network policy is enforced at the
// container level by attaching or detaching the sandbox network.
package dockerbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/backend/sandbox"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

const (
	labelManagedBy = "vshell"
	defaultImage   = "alpine:3.20"
	defaultNetwork = "bridge"
)

type Config struct {
	Host    string
	Image   string
	Memory  string
	CPUs    string
	Network string
}

func (c *Config) applyDefaults() {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.Network == "" {
		c.Network = defaultNetwork
	}
}

type Provider struct {
	cfg    Config
	client *dockerclient.Client
	log    *log.Logger
}

var _ sandbox.Provider = (*Provider)(nil)

func New(ctx context.Context, cfg Config) (*Provider, error) {
	cfg.applyDefaults()
	if _, err := memoryBytes(cfg.Memory); err != nil {
		return nil, shellerr.Wrap(shellerr.BackendInvalidConfig, err, map[string]any{"kind": string(backend.KindSandbox), "memory": cfg.Memory})
	}
	if _, err := nanoCPUs(cfg.CPUs); err != nil {
		return nil, shellerr.Wrap(shellerr.BackendInvalidConfig, err, map[string]any{"kind": string(backend.KindSandbox), "cpus": cfg.CPUs})
	}

	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}
	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &Provider{cfg: cfg, client: client, log: log.Default().WithPrefix("sandbox.docker")}, nil
}

// Opener reads params image, memory, cpus, network and docker_host over
// defaults.
func Opener(defaults Config) sandbox.Opener {
	return func(ctx context.Context, params map[string]string) (sandbox.Provider, error) {
		cfg := defaults
		for key, dst := range map[string]*string{
			"image":       &cfg.Image,
			"memory":      &cfg.Memory,
			"cpus":        &cfg.CPUs,
			"network":     &cfg.Network,
			"docker_host": &cfg.Host,
		} {
			if v := params[key]; v != "" {
				*dst = v
			}
		}
		return New(ctx, cfg)
	}
}

func (p *Provider) Name() string { return "docker" }

func memoryBytes(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return units.RAMInBytes(s)
}

// nanoCPUs accepts "1.5" cores or "500m" millicores.
func nanoCPUs(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "m") {
		var n int64
		if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &n); err != nil {
			return 0, fmt.Errorf("parse cpus %q: %w", s, err)
		}
		return n * 1_000_000, nil
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0, fmt.Errorf("parse cpus %q: %w", s, err)
	}
	return int64(f * 1_000_000_000), nil
}

// containerSpec builds the create request for an idle sandbox container.
func containerSpec(cfg Config, name string) (*container.Config, *container.HostConfig) {
	mem, _ := memoryBytes(cfg.Memory)
	cpus, _ := nanoCPUs(cfg.CPUs)
	cfgOut := &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/",
		Labels:     map[string]string{"managed-by": labelManagedBy, "sandbox": name},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(cfg.Network),
		Resources: container.Resources{
			Memory:   mem,
			NanoCPUs: cpus,
		},
	}
	return cfgOut, hostCfg
}

func execOptions(req sandbox.SpawnRequest) container.ExecOptions {
	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", req.Line},
		Env:          env,
		WorkingDir:   req.Cwd,
		AttachStdout: true,
		AttachStderr: true,
	}
}

func (p *Provider) ensureImage(ctx context.Context, img string) error {
	if _, _, err := p.client.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}
	p.log.Info("pulling image", "image", img)
	reader, err := p.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

func (p *Provider) Create(ctx context.Context, name string) (sandbox.Handle, error) {
	if err := p.ensureImage(ctx, p.cfg.Image); err != nil {
		return sandbox.Handle{}, err
	}
	cfg, hostCfg := containerSpec(p.cfg, name)
	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return sandbox.Handle{}, fmt.Errorf("create container: %w", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return sandbox.Handle{}, fmt.Errorf("start container: %w", err)
	}
	p.log.Info("sandbox container started", "name", name, "memory", units.BytesSize(float64(hostCfg.Memory)))
	return sandbox.Handle{ID: resp.ID, Name: name}, nil
}

func (p *Provider) Attach(ctx context.Context, name string) (sandbox.Handle, error) {
	inspect, err := p.client.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return sandbox.Handle{}, fmt.Errorf("attach %s: %w", name, sandbox.ErrNotFound)
		}
		return sandbox.Handle{}, fmt.Errorf("inspect %s: %w", name, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		if err := p.client.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return sandbox.Handle{}, fmt.Errorf("start %s: %w", name, err)
		}
	}
	return sandbox.Handle{ID: inspect.ID, Name: name}, nil
}

func (p *Provider) Destroy(ctx context.Context, h sandbox.Handle) error {
	err := p.client.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", h.Name, err)
	}
	return nil
}

// SetNetworkPolicy detaches the container from its network under a
// default-deny policy with no allow rules and reattaches it otherwise.
// Per-domain rules are not expressible at this level.
func (p *Provider) SetNetworkPolicy(ctx context.Context, h sandbox.Handle, policy backend.NetworkPolicy) error {
	inspect, err := p.client.ContainerInspect(ctx, h.ID)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", h.Name, err)
	}
	attached := false
	if inspect.NetworkSettings != nil {
		_, attached = inspect.NetworkSettings.Networks[p.cfg.Network]
	}

	isolate := policy.DefaultDeny && len(policy.Allow) == 0
	switch {
	case isolate && attached:
		return p.client.NetworkDisconnect(ctx, p.cfg.Network, h.ID, true)
	case !isolate && !attached:
		return p.client.NetworkConnect(ctx, p.cfg.Network, h.ID, &network.EndpointSettings{})
	}
	if len(policy.Allow) > 0 || len(policy.Deny) > 0 {
		p.log.Debug("domain rules not enforced by docker provider", "sandbox", h.Name)
	}
	return nil
}

func (p *Provider) startExec(ctx context.Context, h sandbox.Handle, req sandbox.SpawnRequest) (string, io.Reader, func(), error) {
	created, err := p.client.ContainerExecCreate(ctx, h.ID, execOptions(req))
	if err != nil {
		return "", nil, nil, fmt.Errorf("exec create: %w", err)
	}
	resp, err := p.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", nil, nil, fmt.Errorf("exec attach: %w", err)
	}
	return created.ID, resp.Reader, resp.Close, nil
}

// exitCode waits briefly for the exec to be reported as finished.
func (p *Provider) exitCode(ctx context.Context, execID string) (int, error) {
	for i := 0; i < 20; i++ {
		inspect, err := p.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("exec inspect: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return -1, fmt.Errorf("exec %s still running after output closed", execID)
}

func (p *Provider) Run(ctx context.Context, h sandbox.Handle, req sandbox.SpawnRequest) (sandbox.RunResult, error) {
	execID, reader, closeFn, err := p.startExec(ctx, h, req)
	if err != nil {
		return sandbox.RunResult{}, err
	}
	defer closeFn()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return sandbox.RunResult{}, fmt.Errorf("read exec output: %w", err)
	}
	code, err := p.exitCode(ctx, execID)
	if err != nil {
		return sandbox.RunResult{}, err
	}
	return sandbox.RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: code}, nil
}

func (p *Provider) Spawn(ctx context.Context, h sandbox.Handle, req sandbox.SpawnRequest) (sandbox.Stream, error) {
	execID, reader, closeFn, err := p.startExec(ctx, h, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan sandbox.Message, 16)
	go func() {
		defer close(ch)
		send := func(m sandbox.Message) bool {
			select {
			case ch <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}
		stdout := &messageWriter{typ: sandbox.MsgStdout, send: send}
		stderr := &messageWriter{typ: sandbox.MsgStderr, send: send}
		if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil {
			if ctx.Err() == nil {
				send(sandbox.Message{Type: sandbox.MsgError, Message: err.Error()})
			}
			return
		}
		code, err := p.exitCode(ctx, execID)
		if err != nil {
			if ctx.Err() == nil {
				send(sandbox.Message{Type: sandbox.MsgError, Message: err.Error()})
			}
			return
		}
		send(sandbox.Message{Type: sandbox.MsgExit, Code: code})
	}()

	return sandbox.NewStream(ch, func() error {
		closeFn()
		return nil
	}), nil
}

// messageWriter turns demultiplexed exec output into stream messages.
type messageWriter struct {
	typ  sandbox.MessageType
	send func(sandbox.Message) bool
}

func (w *messageWriter) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	if !w.send(sandbox.Message{Type: w.typ, Data: chunk}) {
		return 0, context.Canceled
	}
	return len(p), nil
}
