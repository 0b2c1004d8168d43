// Package shellerr defines the structured error values that cross the
// session boundary. Every failure a caller or subscriber sees is an *Error
// carrying a kind and a details map.
package shellerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Kind string

const (
	SessionNotFound        Kind = "session.not_found"
	InvalidSessionID       Kind = "session.invalid_session_id"
	InvalidStateTransition Kind = "session.invalid_state_transition"

	UnknownCommand Kind = "shell.unknown_command"
	Busy           Kind = "shell.busy"
	EmptyCommand   Kind = "shell.empty_command"
	SyntaxError    Kind = "shell.syntax_error"

	InvalidArgs Kind = "validation.invalid_args"

	StartFailed          Kind = "command.start_failed"
	Timeout              Kind = "command.timeout"
	RuntimeLimitExceeded Kind = "command.runtime_limit_exceeded"
	OutputLimitExceeded  Kind = "command.output_limit_exceeded"
	ExitCode             Kind = "command.exit_code"
	CancelFailed         Kind = "command.cancel_failed"
	Crashed              Kind = "command.crashed"
	Failed               Kind = "command.failed"

	BackendException     Kind = "backend.exception"
	BackendInvalidConfig Kind = "backend.invalid_config"

	NetworkBlocked Kind = "network.blocked"

	VFSNotFound          Kind = "vfs.not_found"
	VFSNotADirectory     Kind = "vfs.not_a_directory"
	VFSIsADirectory      Kind = "vfs.is_a_directory"
	VFSPathTraversal     Kind = "vfs.path_traversal"
	VFSDirectoryNotEmpty Kind = "vfs.directory_not_empty"
	VFSAlreadyExists     Kind = "vfs.already_exists"
	VFSUnsupported       Kind = "vfs.unsupported"
)

// Category is the part of the kind before the dot, e.g. "vfs".
func (k Kind) Category() string {
	if i := strings.IndexByte(string(k), '.'); i >= 0 {
		return string(k)[:i]
	}
	return string(k)
}

// Error is a typed failure: a kind plus a context map such as {line, reason}.
type Error struct {
	Kind    Kind
	Details map[string]any
	Err     error
}

func New(kind Kind, details map[string]any) *Error {
	return &Error{Kind: kind, Details: details}
}

// Wrap attaches kind and details to an underlying error.
func Wrap(kind Kind, err error, details map[string]any) *Error {
	return &Error{Kind: kind, Details: details, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i == 0 {
				b.WriteString(": ")
			} else {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Details[k])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, shellerr.New(k, nil))
// works regardless of details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Detail returns a single details value.
func (e *Error) Detail(key string) any {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// With returns a copy of e with an extra detail set.
func (e *Error) With(key string, value any) *Error {
	d := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		d[k] = v
	}
	d[key] = value
	return &Error{Kind: e.Kind, Details: d, Err: e.Err}
}

type wireError struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	w := wireError{Kind: e.Kind, Message: e.Error(), Details: e.Details}
	if e.Err != nil {
		w.Details = e.With("cause", e.Err.Error()).Details
	}
	return json.Marshal(w)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Kind = w.Kind
	e.Details = w.Details
	return nil
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	if se, ok := As(err); ok {
		return se.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// From converts any error into an *Error, wrapping untyped errors as
// fallback with a reason detail.
func From(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	if se, ok := As(err); ok {
		return se
	}
	return Wrap(fallback, err, map[string]any{"reason": err.Error()})
}
