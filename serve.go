package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/config"
	"github.com/agentjido/jido-shell-sub001/internal/database"
	"github.com/agentjido/jido-shell-sub001/internal/handlers"
	"github.com/agentjido/jido-shell-sub001/internal/history"
	"github.com/agentjido/jido-shell-sub001/internal/jobs"
	"github.com/agentjido/jido-shell-sub001/internal/natsbridge"
	"github.com/agentjido/jido-shell-sub001/internal/session"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				config.Cfg.ListenAddr = addr
			}
			return serve(config.Cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides VSHELL_LISTEN_ADDR)")
	return cmd
}

func serve(cfg config.Settings) error {
	logger := log.Default().WithPrefix("main")

	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()

	if n, err := history.MarkInterrupted(); err != nil {
		logger.Warn("could not mark interrupted commands", "err", err)
	} else if n > 0 {
		logger.Info("marked commands left running as interrupted", "count", n)
	}

	profiles, err := config.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		return err
	}
	backends := newBackends(cfg)
	logger.Info("backends registered", "kinds", backends.Kinds(), "profiles", profiles.Names())

	reg := session.NewRegistry(session.Config{
		Backends:       backends,
		Runner:         newRunner(cfg),
		Store:          history.SessionStore{},
		DefaultBackend: backend.Spec{Kind: backend.Kind(cfg.DefaultBackend)},
		Restart:        session.ParseRestartPolicy(cfg.RestartPolicy),
		Scrollback:     cfg.ScrollbackEvents,
	})

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	recorder := history.NewRecorder(cfg.TranscriptMaxBytes)
	recorded := make(chan struct{})
	go func() {
		recorder.Run(bgCtx)
		close(recorded)
	}()
	reg.AddObserver(recorder)

	var bridge *natsbridge.Bridge
	if cfg.NATSURL != "" {
		bridge, err = natsbridge.Connect(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			logger.Warn("NATS bridge disabled", "err", err)
		} else {
			go bridge.Run(bgCtx)
			reg.AddObserver(bridge)
			logger.Info("publishing session events to NATS", "url", cfg.NATSURL, "prefix", cfg.NATSSubject)
		}
	}

	sched := jobs.New()
	if cfg.HistoryRetentionDays > 0 {
		if err := sched.AddRetention(jobs.DefaultRetentionSpec, time.Duration(cfg.HistoryRetentionDays)*24*time.Hour); err != nil {
			return err
		}
	}
	if err := sched.AddIdleReaper(jobs.DefaultReaperSpec, reg, cfg.SessionIdle()); err != nil {
		return err
	}
	sched.Start()

	handlers.Sessions = reg
	handlers.Backends = backends
	handlers.Profiles = profiles

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handlers.NewRouter(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-sigCtx.Done():
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	sched.Stop(shutdownCtx)
	reg.StopAll()
	recorder.Close()
	<-recorded
	if bridge != nil {
		bridge.Close()
	}
	logger.Info("server stopped")
	return nil
}
