package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/backend/local"
	"github.com/agentjido/jido-shell-sub001/internal/commands"
	"github.com/agentjido/jido-shell-sub001/internal/config"
	"github.com/agentjido/jido-shell-sub001/internal/netpolicy"
	"github.com/agentjido/jido-shell-sub001/internal/runner"
	"github.com/agentjido/jido-shell-sub001/internal/session"
	"github.com/agentjido/jido-shell-sub001/internal/vfs"
)

var errCommandFailed = errors.New("command failed")

type execOptions struct {
	workspace string
	root      string
	cwd       string
	profile   string
	kind      string
	params    map[string]string
	env       map[string]string
	timeout   time.Duration
	jsonOut   bool
}

func newExecCmd() *cobra.Command {
	opts := execOptions{}
	cmd := &cobra.Command{
		Use:   "exec <line>",
		Short: "Run one line in a throwaway session and print its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.workspace, "workspace", "scratch", "workspace id")
	f.StringVar(&opts.root, "root", "", "host directory backing the workspace (default: a temp dir)")
	f.StringVar(&opts.cwd, "cwd", "/", "starting directory")
	f.StringVar(&opts.profile, "profile", "", "backend profile from VSHELL_PROFILES_PATH")
	f.StringVar(&opts.kind, "backend", string(backend.KindLocal), "backend kind")
	f.StringToStringVar(&opts.params, "param", nil, "backend param key=value")
	f.StringToStringVar(&opts.env, "env", nil, "environment variable key=value")
	f.DurationVar(&opts.timeout, "timeout", 0, "wall-clock limit for the line")
	f.BoolVar(&opts.jsonOut, "json", false, "print raw events as JSON lines")
	return cmd
}

func runExec(ctx context.Context, stdout, stderr io.Writer, line string, opts execOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	root := opts.root
	if root == "" {
		dir, err := os.MkdirTemp("", "vshell-exec-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		root = dir
	}

	backends := newBackends(config.Cfg)
	backends.Register(backend.KindLocal, local.Factory(root))
	r := runner.New(commands.Default(), vfs.NewOS(root))
	r.Policy = netpolicy.Evaluate

	reg := session.NewRegistry(session.Config{
		Backends: backends,
		Runner:   r,
		Restart:  session.RestartNone,
	})
	defer reg.StopAll()

	sopts := session.Options{
		Cwd:     opts.cwd,
		Env:     opts.env,
		Backend: backend.Spec{Kind: backend.Kind(opts.kind), Params: opts.params},
	}
	if opts.profile != "" {
		profiles, err := config.LoadProfiles(config.Cfg.ProfilesPath)
		if err != nil {
			return err
		}
		p, ok := profiles[opts.profile]
		if !ok {
			return fmt.Errorf("unknown profile %q", opts.profile)
		}
		sopts.Backend = backend.Spec{Kind: backend.Kind(p.Kind), Params: p.Params}
		if len(sopts.Env) == 0 {
			sopts.Env = p.Env
		}
		if p.Cwd != "" && opts.cwd == "/" {
			sopts.Cwd = p.Cwd
		}
	}

	s, err := reg.Start(ctx, opts.workspace, sopts)
	if err != nil {
		return err
	}
	mb := session.NewMailbox("cli")
	if err := s.Subscribe(mb, false); err != nil {
		return err
	}

	var overrides map[string]any
	if opts.timeout > 0 {
		overrides = map[string]any{"max_runtime_ms": opts.timeout.Milliseconds()}
	}
	p, err := s.Run(line, overrides)
	if err != nil {
		return err
	}

	// The command's last event is queued before it resolves, so closing the
	// mailbox on resolution loses nothing.
	go func() {
		select {
		case <-p.Done():
		case <-ctx.Done():
			s.Cancel()
		}
		mb.Close()
	}()
	for {
		ev, err := mb.Next(context.Background())
		if err != nil {
			break
		}
		printEvent(stdout, stderr, ev, opts.jsonOut)
	}

	select {
	case <-p.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	outcome, _ := p.Wait(ctx)
	if outcome.Err != nil {
		return errCommandFailed
	}
	return nil
}

func printEvent(stdout, stderr io.Writer, ev session.Event, jsonOut bool) {
	if jsonOut {
		data, err := json.Marshal(ev)
		if err == nil {
			fmt.Fprintln(stdout, string(data))
		}
		return
	}
	switch ev.Type {
	case session.EventOutput:
		stdout.Write(ev.Chunk)
	case session.EventCwdChanged:
		fmt.Fprintf(stderr, "cwd: %s\n", ev.Cwd)
	case session.EventError, session.EventCommandCrashed:
		if ev.Error != nil {
			fmt.Fprintf(stderr, "error: %s\n", ev.Error.Error())
		}
	case session.EventCommandCancelled:
		fmt.Fprintln(stderr, "cancelled")
	}
}
