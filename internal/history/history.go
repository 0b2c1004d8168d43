// Package history records command lifecycles and output transcripts from
// session event streams, and persists session records for reopen.
package history

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentjido/jido-shell-sub001/internal/database"
	"github.com/agentjido/jido-shell-sub001/internal/session"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

const (
	StatusRunning     = "running"
	StatusDone        = "done"
	StatusError       = "error"
	StatusCancelled   = "cancelled"
	StatusCrashed     = "crashed"
	StatusInterrupted = "interrupted"

	defaultTranscriptBytes = 256 * 1024
)

// Recorder is a session transport that writes one command row per accepted
// command. Attach it to a registry with AddObserver and drive it with Run.
type Recorder struct {
	mb            *session.Mailbox
	maxTranscript int
	open          map[string]*entry
	log           *log.Logger
}

var _ session.Transport = (*Recorder)(nil)

type entry struct {
	sessionID string
	started   time.Time
	cwd       string
	out       transcript
}

// NewRecorder creates a recorder keeping at most maxTranscript bytes of
// output per command.
func NewRecorder(maxTranscript int) *Recorder {
	if maxTranscript <= 0 {
		maxTranscript = defaultTranscriptBytes
	}
	return &Recorder{
		mb:            session.NewMailbox("history"),
		maxTranscript: maxTranscript,
		open:          make(map[string]*entry),
		log:           log.Default().WithPrefix("history"),
	}
}

func (r *Recorder) ID() string               { return r.mb.ID() }
func (r *Recorder) Deliver(ev session.Event) { r.mb.Deliver(ev) }
func (r *Recorder) Done() <-chan struct{}    { return r.mb.Done() }
func (r *Recorder) Close()                   { r.mb.Close() }

// Run consumes queued events until ctx ends or the recorder is closed.
// Commands still open at that point are marked interrupted.
func (r *Recorder) Run(ctx context.Context) {
	defer r.interruptOpen()
	for {
		ev, err := r.mb.Next(ctx)
		if err != nil {
			return
		}
		r.handle(ev)
	}
}

func (r *Recorder) handle(ev session.Event) {
	switch ev.Type {
	case session.EventCommandStarted:
		e := &entry{sessionID: ev.SessionID, started: ev.Time, out: transcript{max: r.maxTranscript}}
		if err := database.CreateCommand(&database.Command{
			ID:        ev.CommandID,
			SessionID: ev.SessionID,
			Line:      ev.Line,
			Status:    StatusRunning,
			StartedAt: ev.Time,
		}); err != nil {
			r.log.Warn("record command failed", "session", ev.SessionID, "command", ev.CommandID, "err", err)
			return
		}
		r.open[ev.CommandID] = e
	case session.EventOutput:
		if e := r.open[ev.CommandID]; e != nil {
			e.out.write(ev.Chunk)
		}
	case session.EventCwdChanged:
		if e := r.open[ev.CommandID]; e != nil {
			e.cwd = ev.Cwd
		}
	case session.EventCommandDone:
		r.finish(ev, StatusDone)
	case session.EventCommandCancelled:
		r.finish(ev, StatusCancelled)
	case session.EventCommandCrashed:
		r.finish(ev, StatusCrashed)
	case session.EventError:
		// A failed cancel leaves the command running.
		if ev.Error != nil && ev.Error.Kind == shellerr.CancelFailed {
			return
		}
		r.finish(ev, StatusError)
	}
}

func (r *Recorder) finish(ev session.Event, status string) {
	e := r.open[ev.CommandID]
	if e == nil {
		return
	}
	delete(r.open, ev.CommandID)

	updates := map[string]interface{}{
		"status":       status,
		"finished_at":  ev.Time,
		"duration_ms":  ev.Time.Sub(e.started).Milliseconds(),
		"output_bytes": e.out.total,
		"truncated":    e.out.truncated,
	}
	if e.cwd != "" {
		updates["cwd"] = e.cwd
	}
	if ev.Error != nil {
		updates["error_kind"] = string(ev.Error.Kind)
		updates["error"] = ev.Error.Error()
	} else if ev.Reason != "" {
		updates["error"] = ev.Reason
	}
	if data, err := Compress(e.out.buf.Bytes()); err != nil {
		r.log.Warn("compress transcript failed", "command", ev.CommandID, "err", err)
	} else if data != nil {
		updates["transcript"] = data
	}

	if err := database.FinishCommand(ev.CommandID, updates); err != nil {
		r.log.Warn("finish command failed", "session", e.sessionID, "command", ev.CommandID, "err", err)
	}
}

func (r *Recorder) interruptOpen() {
	now := time.Now()
	for id, e := range r.open {
		if err := database.FinishCommand(id, map[string]interface{}{
			"status":       StatusInterrupted,
			"finished_at":  now,
			"duration_ms":  now.Sub(e.started).Milliseconds(),
			"output_bytes": e.out.total,
		}); err != nil {
			r.log.Warn("interrupt command failed", "command", id, "err", err)
		}
		delete(r.open, id)
	}
}

// Commands lists a session's recorded commands, newest first.
func Commands(sessionID string, limit int) ([]database.Command, error) {
	return database.ListCommands(sessionID, limit)
}

// Transcript returns the stored output of a command.
func Transcript(commandID string) (string, error) {
	c, err := database.GetCommand(commandID)
	if err != nil {
		return "", err
	}
	out, err := Decompress(c.Transcript)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Purge deletes commands, and sessions no longer active, older than
// retention.
func Purge(retention time.Duration) (commands, sessions int64, err error) {
	cutoff := time.Now().Add(-retention)
	commands, err = database.PurgeCommands(cutoff)
	if err != nil {
		return 0, 0, err
	}
	sessions, err = database.PurgeSessions(cutoff)
	return commands, sessions, err
}

// MarkInterrupted flags commands a previous process left running.
func MarkInterrupted() (int64, error) {
	return database.MarkRunningCommands(StatusInterrupted)
}
