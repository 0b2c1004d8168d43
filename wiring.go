package main

import (
	"path/filepath"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/backend/local"
	"github.com/agentjido/jido-shell-sub001/internal/backend/remoteshell"
	"github.com/agentjido/jido-shell-sub001/internal/backend/sandbox"
	"github.com/agentjido/jido-shell-sub001/internal/backend/sandbox/dockerbox"
	"github.com/agentjido/jido-shell-sub001/internal/backend/sandbox/httpapi"
	"github.com/agentjido/jido-shell-sub001/internal/backend/sandbox/kube"
	"github.com/agentjido/jido-shell-sub001/internal/commands"
	"github.com/agentjido/jido-shell-sub001/internal/config"
	"github.com/agentjido/jido-shell-sub001/internal/netpolicy"
	"github.com/agentjido/jido-shell-sub001/internal/runner"
	"github.com/agentjido/jido-shell-sub001/internal/vfs"
)

func workspaceRoot(cfg config.Settings) string {
	if cfg.WorkspaceRoot != "" {
		return cfg.WorkspaceRoot
	}
	return filepath.Join(cfg.DataPath, "workspaces")
}

// newBackends registers every backend kind. Sandbox providers connect
// lazily, when a session asks for them.
func newBackends(cfg config.Settings) *backend.Registry {
	reg := backend.NewRegistry()
	reg.Register(backend.KindLocal, local.Factory(workspaceRoot(cfg)))
	reg.Register(backend.KindShell, remoteshell.Factory(remoteshell.Config{
		Shell:          cfg.DefaultShell,
		ConnectTimeout: cfg.SSHConnectTimeout,
		IdleTimeout:    cfg.SSHIdleTimeout,
		DrainTimeout:   cfg.SSHDrainTimeout,
		CancelTimeout:  cfg.SSHCancelTimeout,
	}))

	openers := map[string]sandbox.Opener{
		"http":   httpapi.Opener(cfg.SandboxBaseURL, cfg.SandboxToken),
		"docker": dockerbox.Opener(dockerbox.Config{Host: cfg.DockerHost, Image: cfg.SandboxImage}),
		"kubernetes": kube.Opener(kube.Config{
			Namespace:  cfg.K8sNamespace,
			Kubeconfig: cfg.Kubeconfig,
			Image:      cfg.SandboxImage,
		}),
	}
	defaultProvider := "docker"
	if cfg.SandboxBaseURL != "" {
		defaultProvider = "http"
	}
	reg.Register(backend.KindSandbox, sandbox.Factory(openers, defaultProvider))
	return reg
}

// newRunner builds the command runner over the on-disk workspaces, so the
// builtins and the local backend see the same files.
func newRunner(cfg config.Settings) *runner.Runner {
	r := runner.New(commands.Default(), vfs.NewOS(workspaceRoot(cfg)))
	r.BackendTimeout = cfg.SSHIdleTimeout
	r.Policy = netpolicy.Evaluate
	return r
}
