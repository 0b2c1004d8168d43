// Package parser turns a command line into a Program: an ordered list of
// built-in invocations joined by ";" (always) or "&&" (and_if).
package parser

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"

	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

type Op string

const (
	Always Op = "always"
	AndIf  Op = "and_if"
)

// Entry is one invocation in a Program. Entries built by Parse keep their
// source words and are expanded against the environment at run time, so a
// later entry sees variables exported by an earlier one.
type Entry struct {
	Op   Op
	Name string
	Args []string

	words   []*syntax.Word
	assigns []*syntax.Assign
}

type Program struct {
	Line    string
	Entries []Entry
}

// Single reports whether the program is one unchained invocation.
func (p Program) Single() bool { return len(p.Entries) == 1 }

// Parse parses line. Empty or comment-only input is shell.empty_command;
// malformed input and unsupported constructs (pipes, ||, redirects,
// background jobs, subshells) are shell.syntax_error.
func Parse(line string) (Program, error) {
	prog := Program{Line: line}
	if strings.TrimSpace(line) == "" {
		return prog, shellerr.New(shellerr.EmptyCommand, nil)
	}

	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(line), "")
	if err != nil {
		return prog, shellerr.Wrap(shellerr.SyntaxError, err, map[string]any{"line": line, "reason": err.Error()})
	}
	if len(file.Stmts) == 0 {
		return prog, shellerr.New(shellerr.EmptyCommand, nil)
	}

	for _, st := range file.Stmts {
		if err := prog.flatten(st, Always); err != nil {
			return prog, err
		}
	}
	return prog, nil
}

func (p *Program) flatten(st *syntax.Stmt, op Op) error {
	switch {
	case st.Background:
		return p.unsupported("background job")
	case st.Coprocess:
		return p.unsupported("coprocess")
	case st.Negated:
		return p.unsupported("negation")
	case len(st.Redirs) > 0:
		return p.unsupported("redirection")
	}

	switch cmd := st.Cmd.(type) {
	case *syntax.CallExpr:
		entry, err := p.entryFor(cmd, op)
		if err != nil {
			return err
		}
		p.Entries = append(p.Entries, entry)
		return nil
	case *syntax.BinaryCmd:
		if cmd.Op != syntax.AndStmt {
			return p.unsupported(cmd.Op.String())
		}
		if err := p.flatten(cmd.X, op); err != nil {
			return err
		}
		return p.flatten(cmd.Y, AndIf)
	case nil:
		return shellerr.New(shellerr.EmptyCommand, nil)
	default:
		return p.unsupported(fmt.Sprintf("%T", cmd))
	}
}

func (p *Program) entryFor(call *syntax.CallExpr, op Op) (Entry, error) {
	entry := Entry{Op: op}
	switch {
	case len(call.Args) == 0 && len(call.Assigns) > 0:
		// Bare "K=V" assigns behave like export.
		entry.Name = "export"
		entry.assigns = call.Assigns
	case len(call.Assigns) > 0:
		return entry, p.unsupported("per-command environment")
	default:
		entry.words = call.Args
	}
	for _, as := range entry.assigns {
		if as.Array != nil || as.Index != nil || as.Append {
			return entry, p.unsupported("array assignment")
		}
	}

	// Display form only; Expand produces the values that run.
	name, args, err := entry.Expand(nil)
	if err != nil {
		var se *shellerr.Error
		if errors.As(err, &se) && se.Kind == shellerr.SyntaxError {
			return entry, se.With("line", p.Line)
		}
		return entry, err
	}
	entry.Name, entry.Args = name, args
	return entry, nil
}

func (p *Program) unsupported(construct string) error {
	return shellerr.New(shellerr.SyntaxError, map[string]any{
		"line":   p.Line,
		"reason": "unsupported construct: " + construct,
	})
}

// Expand resolves the entry's words against env. Entries constructed
// directly (without Parse) return their Name and Args unchanged.
func (e Entry) Expand(env map[string]string) (string, []string, error) {
	if e.words == nil && e.assigns == nil {
		return e.Name, e.Args, nil
	}
	cfg := &expand.Config{Env: environ(env)}

	if e.assigns != nil {
		args := make([]string, 0, len(e.assigns))
		for _, as := range e.assigns {
			val := ""
			if as.Value != nil {
				v, err := expand.Literal(cfg, as.Value)
				if err != nil {
					return "", nil, expandErr(err)
				}
				val = v
			}
			args = append(args, as.Name.Value+"="+val)
		}
		return "export", args, nil
	}

	fields := make([]string, 0, len(e.words))
	for _, w := range e.words {
		v, err := expand.Literal(cfg, w)
		if err != nil {
			return "", nil, expandErr(err)
		}
		fields = append(fields, v)
	}
	return fields[0], fields[1:], nil
}

func expandErr(err error) error {
	return shellerr.Wrap(shellerr.SyntaxError, err, map[string]any{"reason": err.Error()})
}

func environ(env map[string]string) expand.Environ {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return expand.ListEnviron(pairs...)
}
