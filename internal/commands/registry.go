// Package commands holds the built-in command table. Each command declares a
// JSON schema for its argument vector; the runner validates against it before
// calling the handler.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
	"github.com/agentjido/jido-shell-sub001/internal/vfs"
)

// Emit forwards one chunk of output. A non-nil error means the caller must
// stop producing output.
type Emit func(chunk []byte) error

// Invocation is everything a handler gets for one call.
type Invocation struct {
	Name  string
	Args  []string
	State State
	FS    *vfs.Store
	// Backend is nil when the session has none.
	Backend backend.Backend
	// Options seeds backend Execute calls; Cwd and Env are taken from State.
	Options backend.ExecOptions
	Emit    Emit
	// OnBackendRef is told about every backend command the handler starts.
	OnBackendRef func(backend.CommandRef)
}

// Printf emits formatted output.
func (inv *Invocation) Printf(format string, args ...any) error {
	return inv.Emit([]byte(fmt.Sprintf(format, args...)))
}

// Outcome is a successful handler result.
type Outcome struct {
	Value  any
	Update *Update
}

type Handler func(ctx context.Context, inv *Invocation) (Outcome, error)

// Command is a registry entry.
type Command struct {
	Name    string
	Summary string
	// Schema is a JSON schema for the argument array. Empty accepts anything.
	Schema  string
	Handler Handler

	schema *jsonschema.Schema
}

type Registry struct {
	mu   sync.RWMutex
	cmds map[string]*Command
}

func NewRegistry() *Registry {
	return &Registry{cmds: make(map[string]*Command)}
}

// Register compiles the command's schema and adds it, replacing any command
// with the same name.
func (r *Registry) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Handler == nil {
		return errors.New("command needs a name and a handler")
	}
	if cmd.Schema != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(cmd.Schema))
		if err != nil {
			return fmt.Errorf("command %s: parse schema: %w", cmd.Name, err)
		}
		c := jsonschema.NewCompiler()
		url := "mem://commands/" + cmd.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return fmt.Errorf("command %s: add schema: %w", cmd.Name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("command %s: compile schema: %w", cmd.Name, err)
		}
		cmd.schema = sch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds[cmd.Name] = &cmd
	return nil
}

// MustRegister is Register for static tables.
func (r *Registry) MustRegister(cmds ...Command) {
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the command or shell.unknown_command.
func (r *Registry) Lookup(name string) (*Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.cmds[name]
	if !ok {
		return nil, shellerr.New(shellerr.UnknownCommand, map[string]any{"command": name})
	}
	return cmd, nil
}

// Names lists registered commands in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cmds))
	for n := range r.cmds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate checks args against the command's schema. Failures are
// validation.invalid_args tagged with the command name.
func (c *Command) Validate(args []string) error {
	if c.schema == nil {
		return nil
	}
	inst := make([]any, len(args))
	for i, a := range args {
		inst[i] = a
	}
	err := c.schema.Validate(inst)
	if err == nil {
		return nil
	}
	return shellerr.New(shellerr.InvalidArgs, map[string]any{
		"command": c.Name,
		"errors":  validationMessages(err),
	})
}

func validationMessages(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/" + strings.Join(e.InstanceLocation, "/")
			out = append(out, fmt.Sprintf("%s: %s", loc, strings.Join(e.ErrorKind.KeywordPath(), "/")))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(out) == 0 {
		out = []string{ve.Error()}
	}
	return out
}
