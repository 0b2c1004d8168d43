package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/crypto"
	"github.com/agentjido/jido-shell-sub001/internal/database"
	"github.com/agentjido/jido-shell-sub001/internal/session"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

// SessionStore persists session records in the database. Secret backend
// params are encrypted at rest.
type SessionStore struct{}

var _ session.Store = SessionStore{}

func (SessionStore) SaveSession(_ context.Context, rec session.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	return database.UpsertSession(row)
}

func (SessionStore) LoadSession(_ context.Context, id string) (session.Record, error) {
	row, err := database.GetSession(id)
	if errors.Is(err, database.ErrNotFound) {
		return session.Record{}, shellerr.New(shellerr.SessionNotFound, map[string]any{"session_id": id})
	}
	if err != nil {
		return session.Record{}, err
	}
	return fromRow(row)
}

// ListSessions returns stored sessions, optionally filtered by status.
func ListSessions(status string) ([]session.Record, error) {
	rows, err := database.ListSessions(status)
	if err != nil {
		return nil, err
	}
	out := make([]session.Record, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func toRow(rec session.Record) (*database.Session, error) {
	params, err := crypto.EncryptParams(rec.Backend.Params)
	if err != nil {
		return nil, err
	}
	row := &database.Session{
		ID:          rec.ID,
		WorkspaceID: rec.WorkspaceID,
		Status:      rec.Status,
		Cwd:         rec.Cwd,
		BackendKind: string(rec.Backend.Kind),
	}
	for _, f := range []struct {
		dst *string
		v   any
	}{
		{&row.Env, nonNilMap(rec.Env)},
		{&row.History, nonNilSlice(rec.History)},
		{&row.Meta, nonNilAny(rec.Meta)},
		{&row.BackendParams, params},
	} {
		data, err := json.Marshal(f.v)
		if err != nil {
			return nil, fmt.Errorf("encode session %s: %w", rec.ID, err)
		}
		*f.dst = string(data)
	}
	return row, nil
}

func fromRow(row *database.Session) (session.Record, error) {
	rec := session.Record{
		ID:          row.ID,
		WorkspaceID: row.WorkspaceID,
		Status:      row.Status,
		Cwd:         row.Cwd,
		UpdatedAt:   row.UpdatedAt,
		Backend:     backend.Spec{Kind: backend.Kind(row.BackendKind)},
	}
	var params map[string]string
	for _, f := range []struct {
		src string
		dst any
	}{
		{row.Env, &rec.Env},
		{row.History, &rec.History},
		{row.Meta, &rec.Meta},
		{row.BackendParams, &params},
	} {
		if f.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return session.Record{}, fmt.Errorf("decode session %s: %w", row.ID, err)
		}
	}
	dec, err := crypto.DecryptParams(params)
	if err != nil {
		return session.Record{}, err
	}
	if len(dec) > 0 {
		rec.Backend.Params = dec
	}
	return rec, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
