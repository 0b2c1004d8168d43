package handlers

import (
	"bytes"
	"context"
	"maps"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/config"
	"github.com/agentjido/jido-shell-sub001/internal/crypto"
	"github.com/agentjido/jido-shell-sub001/internal/logging"
	"github.com/agentjido/jido-shell-sub001/internal/logutil"
	"github.com/agentjido/jido-shell-sub001/internal/session"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

// Sessions is the live session registry. Set by main before serving.
var Sessions *session.Registry

// Profiles are the named backend selections a create request may refer to.
var Profiles config.Profiles

const (
	defaultRunWait = 60 * time.Second
	maxRunWait     = 10 * time.Minute
)

type createSessionRequest struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Profile     string            `json:"profile"`
	Cwd         string            `json:"cwd"`
	Env         map[string]string `json:"env"`
	Meta        map[string]any    `json:"meta"`
	Backend     *backend.Spec     `json:"backend"`
	Scrollback  int               `json:"scrollback"`
}

// options resolves the request against the profile it names. Explicit
// fields win over the profile.
func (req createSessionRequest) options() (session.Options, error) {
	opts := session.Options{
		ID:         req.ID,
		Cwd:        req.Cwd,
		Meta:       req.Meta,
		Scrollback: req.Scrollback,
	}
	env := map[string]string{}
	if req.Profile != "" {
		p, ok := Profiles[req.Profile]
		if !ok {
			return opts, shellerr.New(shellerr.BackendInvalidConfig, map[string]any{"profile": req.Profile})
		}
		opts.Backend = backend.Spec{Kind: backend.Kind(p.Kind), Params: maps.Clone(p.Params)}
		maps.Copy(env, p.Env)
		if opts.Cwd == "" {
			opts.Cwd = p.Cwd
		}
	}
	if req.Backend != nil {
		opts.Backend = *req.Backend
	}
	maps.Copy(env, req.Env)
	if len(env) > 0 {
		opts.Env = env
	}
	return opts, nil
}

// sessionView is a snapshot with backend secrets masked.
func sessionView(snap session.Snapshot) session.Snapshot {
	snap.Backend.Params = crypto.MaskParams(snap.Backend.Params)
	return snap
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	opts, err := req.options()
	if err != nil {
		writeShellError(w, err)
		return
	}

	s, err := Sessions.Start(r.Context(), req.WorkspaceID, opts)
	if err != nil {
		writeShellError(w, err)
		return
	}
	snap, err := s.State()
	if err != nil {
		writeShellError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionView(snap))
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	snaps := Sessions.List()
	out := make([]session.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, sessionView(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := Sessions.GetState(chi.URLParam(r, "id"))
	if err != nil {
		writeShellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(snap))
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := Sessions.Stop(chi.URLParam(r, "id")); err != nil {
		writeShellError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReopenSession restarts a stored session with its persisted state.
func ReopenSession(w http.ResponseWriter, r *http.Request) {
	s, err := Sessions.Reopen(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeShellError(w, err)
		return
	}
	snap, err := s.State()
	if err != nil {
		writeShellError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(snap))
}

type runRequest struct {
	Line      string         `json:"line"`
	Overrides map[string]any `json:"overrides"`
	// Wait blocks the request until the command finishes or TimeoutMs passes.
	Wait      bool `json:"wait"`
	TimeoutMs int  `json:"timeout_ms"`
}

type runResponse struct {
	CommandID  string          `json:"command_id"`
	Line       string          `json:"line"`
	Status     string          `json:"status"`
	Output     []byte          `json:"output,omitempty"`
	Cwd        string          `json:"cwd,omitempty"`
	Value      any             `json:"value,omitempty"`
	Error      *shellerr.Error `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// RunCommand submits a line to the session. Without wait it answers 202 as
// soon as the command is accepted; with wait it collects the command's
// output and answers with the outcome.
//
// Body: {"line": "...", "overrides": {...}, "wait": true, "timeout_ms": 5000}
func RunCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s, err := Sessions.Lookup(id)
	if err != nil {
		writeShellError(w, err)
		return
	}

	if !req.Wait {
		p, err := s.Run(req.Line, req.Overrides)
		if err != nil {
			writeShellError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, runResponse{CommandID: p.CommandID, Line: p.Line, Status: "running"})
		return
	}

	// Subscribe before running so no output of the command is missed.
	mb := session.NewMailbox("")
	if err := s.Subscribe(mb, false); err != nil {
		writeShellError(w, err)
		return
	}
	defer func() {
		mb.Close()
		s.Unsubscribe(mb.ID())
	}()

	p, err := s.Run(req.Line, req.Overrides)
	if err != nil {
		writeShellError(w, err)
		return
	}

	wait := defaultRunWait
	if req.TimeoutMs > 0 {
		wait = min(time.Duration(req.TimeoutMs)*time.Millisecond, maxRunWait)
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	outcome, err := p.Wait(ctx)
	resp := runResponse{CommandID: p.CommandID, Line: p.Line}
	var out bytes.Buffer
	for _, ev := range mb.Drain() {
		if ev.CommandID != p.CommandID {
			continue
		}
		switch ev.Type {
		case session.EventOutput:
			out.Write(ev.Chunk)
		case session.EventCwdChanged:
			resp.Cwd = ev.Cwd
		}
	}
	resp.Output = out.Bytes()

	if err != nil {
		resp.Status = "running"
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	resp.DurationMs = outcome.Duration.Milliseconds()
	switch {
	case outcome.Cancelled:
		resp.Status = "cancelled"
	case outcome.Err != nil:
		resp.Status = "error"
		resp.Error = shellerr.From(outcome.Err, shellerr.Failed)
	default:
		resp.Status = "done"
		resp.Value = outcome.Value
	}
	writeJSON(w, http.StatusOK, resp)
}

func CancelCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := Sessions.Cancel(id); err != nil {
		if !shellerr.Is(err, shellerr.InvalidStateTransition) {
			logging.For("api").Warn("cancel failed", "session", logutil.SanitizeForLog(id), "err", err)
		}
		writeShellError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
