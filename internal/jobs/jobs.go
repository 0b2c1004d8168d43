// Package jobs runs the periodic maintenance tasks: history retention and
// idle session reaping.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/agentjido/jido-shell-sub001/internal/history"
	"github.com/agentjido/jido-shell-sub001/internal/session"
)

const (
	DefaultRetentionSpec = "@every 1h"
	DefaultReaperSpec    = "@every 1m"
)

type Scheduler struct {
	c   *cron.Cron
	log *log.Logger
}

func New() *Scheduler {
	logger := log.Default().WithPrefix("jobs")
	return &Scheduler{
		c:   cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(logger)), cron.SkipIfStillRunning(cron.DiscardLogger))),
		log: logger,
	}
}

// AddRetention schedules deletion of history older than retention.
func (s *Scheduler) AddRetention(spec string, retention time.Duration) error {
	if retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", retention)
	}
	if _, err := s.c.AddFunc(spec, RetentionJob(retention)); err != nil {
		return fmt.Errorf("schedule retention %q: %w", spec, err)
	}
	s.log.Info("scheduled history retention", "spec", spec, "retention", retention)
	return nil
}

// AddIdleReaper schedules stopping sessions idle for longer than maxIdle.
func (s *Scheduler) AddIdleReaper(spec string, reg *session.Registry, maxIdle time.Duration) error {
	if _, err := s.c.AddFunc(spec, IdleReaperJob(reg, maxIdle)); err != nil {
		return fmt.Errorf("schedule idle reaper %q: %w", spec, err)
	}
	s.log.Info("scheduled idle reaper", "spec", spec, "max_idle", maxIdle)
	return nil
}

func (s *Scheduler) Len() int { return len(s.c.Entries()) }

func (s *Scheduler) Start() { s.c.Start() }

// Stop stops scheduling and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("jobs still running at shutdown")
	}
}

func RetentionJob(retention time.Duration) func() {
	logger := log.Default().WithPrefix("jobs")
	return func() {
		cmds, sessions, err := history.Purge(retention)
		if err != nil {
			logger.Error("history purge failed", "err", err)
			return
		}
		if cmds > 0 || sessions > 0 {
			logger.Info("purged history", "commands", cmds, "sessions", sessions)
		}
	}
}

func IdleReaperJob(reg *session.Registry, maxIdle time.Duration) func() {
	logger := log.Default().WithPrefix("jobs")
	return func() {
		if ids := reg.ReapIdle(maxIdle); len(ids) > 0 {
			logger.Info("reaped idle sessions", "count", len(ids))
		}
	}
}
