package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentjido/jido-shell-sub001/internal/crypto"
	"github.com/agentjido/jido-shell-sub001/internal/database"
	"github.com/agentjido/jido-shell-sub001/internal/history"
	"github.com/agentjido/jido-shell-sub001/internal/session"
)

type commandResponse struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Line        string     `json:"line"`
	Status      string     `json:"status"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	Cwd         string     `json:"cwd,omitempty"`
	OutputBytes int64      `json:"output_bytes"`
	Truncated   bool       `json:"truncated"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
}

func toCommandResponse(c database.Command) commandResponse {
	return commandResponse{
		ID:          c.ID,
		SessionID:   c.SessionID,
		Line:        c.Line,
		Status:      c.Status,
		ErrorKind:   c.ErrorKind,
		Error:       c.Error,
		Cwd:         c.Cwd,
		OutputBytes: c.OutputBytes,
		Truncated:   c.Truncated,
		StartedAt:   c.StartedAt,
		FinishedAt:  c.FinishedAt,
		DurationMs:  c.DurationMs,
	}
}

// ListCommands returns the recorded commands of a session, newest first.
// Works for stopped sessions too.
func ListCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := session.ValidateID(id); err != nil {
		writeShellError(w, err)
		return
	}
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	cmds, err := history.Commands(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list commands")
		return
	}
	out := make([]commandResponse, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, toCommandResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": out})
}

func GetTranscript(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandId")
	text, err := history.Transcript(commandID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Command not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read transcript")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"command_id": commandID,
		"transcript": text,
	})
}

type storedSessionResponse struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Status      string            `json:"status"`
	Cwd         string            `json:"cwd"`
	Env         map[string]string `json:"env"`
	History     []string          `json:"history"`
	BackendKind string            `json:"backend_kind"`
	Params      map[string]string `json:"backend_params"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ListStoredSessions lists persisted sessions. ?status= filters by
// active, stopped or crashed.
func ListStoredSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := history.ListSessions(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list stored sessions")
		return
	}
	out := make([]storedSessionResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, storedSessionResponse{
			ID:          rec.ID,
			WorkspaceID: rec.WorkspaceID,
			Status:      rec.Status,
			Cwd:         rec.Cwd,
			Env:         rec.Env,
			History:     rec.History,
			BackendKind: string(rec.Backend.Kind),
			Params:      crypto.MaskParams(rec.Backend.Params),
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}
