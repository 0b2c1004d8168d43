package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
	"github.com/agentjido/jido-shell-sub001/internal/vfs"
)

const (
	anyArgs   = `{"type":"array","items":{"type":"string"}}`
	noArgs    = `{"type":"array","maxItems":0}`
	namePat   = `^[A-Za-z_][A-Za-z0-9_]*$`
	assignPat = `^[A-Za-z_][A-Za-z0-9_]*=.*$`
)

// Default returns a registry holding every built-in.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister(Builtins()...)
	return r
}

func Builtins() []Command {
	return []Command{
		{Name: "echo", Summary: "print arguments", Schema: anyArgs, Handler: echo},
		{Name: "pwd", Summary: "print working directory", Schema: noArgs, Handler: pwd},
		{Name: "cd", Summary: "change directory", Schema: `{"type":"array","maxItems":1,"items":{"type":"string","minLength":1}}`, Handler: cd},
		{Name: "ls", Summary: "list directory", Schema: anyArgs, Handler: ls},
		{Name: "cat", Summary: "print files", Schema: `{"type":"array","minItems":1,"items":{"type":"string"}}`, Handler: cat},
		{Name: "mkdir", Summary: "create directories", Schema: `{"type":"array","minItems":1,"items":{"type":"string","minLength":1}}`, Handler: mkdir},
		{Name: "write", Summary: "write text to a file", Schema: `{"type":"array","minItems":1,"items":{"type":"string"}}`, Handler: write},
		{Name: "cp", Summary: "copy a file", Schema: `{"type":"array","minItems":2,"maxItems":2,"items":{"type":"string","minLength":1}}`, Handler: cp},
		{Name: "rm", Summary: "remove files", Schema: `{"type":"array","minItems":1,"items":{"type":"string","minLength":1}}`, Handler: rm},
		{Name: "env", Summary: "print environment", Schema: noArgs, Handler: env},
		{Name: "export", Summary: "set environment variables", Schema: `{"type":"array","items":{"type":"string","pattern":"` + assignPat + `"}}`, Handler: export},
		{Name: "unset", Summary: "remove environment variables", Schema: `{"type":"array","minItems":1,"items":{"type":"string","pattern":"` + namePat + `"}}`, Handler: unset},
		{Name: "sleep", Summary: "wait for a number of seconds", Schema: `{"type":"array","minItems":1,"maxItems":1,"items":{"type":"string","pattern":"^[0-9]+(\\.[0-9]+)?$"}}`, Handler: sleep},
		{Name: "true", Summary: "succeed", Schema: anyArgs, Handler: trueCmd},
		{Name: "false", Summary: "fail", Schema: anyArgs, Handler: falseCmd},
		{Name: "history", Summary: "print command history", Schema: `{"type":"array","maxItems":1,"items":{"type":"string","pattern":"^[0-9]+$"}}`, Handler: history},
		{Name: "sh", Summary: "run a script on the session backend", Schema: `{"type":"array","minItems":1,"items":{"type":"string"}}`, Handler: shell("sh")},
		{Name: "bash", Summary: "run a script on the session backend", Schema: `{"type":"array","minItems":1,"items":{"type":"string"}}`, Handler: shell("bash")},
		{Name: "exec", Summary: "run a program on the session backend", Schema: `{"type":"array","minItems":1,"items":{"type":"string"}}`, Handler: execCmd},
	}
}

// flags splits leading single-dash flags such as -p or -rf from operands.
func flags(args []string) (map[rune]bool, []string) {
	set := map[rune]bool{}
	i := 0
	for ; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			i++
			break
		}
		if len(a) < 2 || a[0] != '-' {
			break
		}
		for _, r := range a[1:] {
			set[r] = true
		}
	}
	return set, args[i:]
}

func echo(_ context.Context, inv *Invocation) (Outcome, error) {
	args := inv.Args
	newline := true
	if len(args) > 0 && args[0] == "-n" {
		newline = false
		args = args[1:]
	}
	out := strings.Join(args, " ")
	if newline {
		out += "\n"
	}
	return Outcome{}, inv.Emit([]byte(out))
}

func pwd(_ context.Context, inv *Invocation) (Outcome, error) {
	return Outcome{Value: inv.State.Cwd}, inv.Printf("%s\n", inv.State.Cwd)
}

// remote reports whether the session's filesystem lives on the backend rather
// than in the virtual workspace.
func remote(inv *Invocation) bool {
	return inv.Backend != nil && inv.Backend.Kind() != backend.KindLocal
}

func cd(_ context.Context, inv *Invocation) (Outcome, error) {
	target := inv.State.Env["HOME"]
	if len(inv.Args) == 1 {
		target = inv.Args[0]
	}
	if target == "" {
		target = "/"
	}
	dir, err := vfs.Resolve(inv.State.Cwd, target)
	if err != nil {
		return Outcome{}, err
	}
	if !remote(inv) {
		st, err := inv.FS.Stat(inv.State.WorkspaceID, dir)
		if err != nil {
			return Outcome{}, err
		}
		if !st.Dir {
			return Outcome{}, shellerr.New(shellerr.VFSNotADirectory, map[string]any{"path": dir})
		}
	}
	return Outcome{Value: dir, Update: &Update{Cwd: dir}}, nil
}

func ls(_ context.Context, inv *Invocation) (Outcome, error) {
	opts, paths := flags(inv.Args)
	if len(paths) == 0 {
		paths = []string{"."}
	}
	var listed []vfs.Entry
	for i, p := range paths {
		abs, err := vfs.Resolve(inv.State.Cwd, p)
		if err != nil {
			return Outcome{}, err
		}
		st, err := inv.FS.Stat(inv.State.WorkspaceID, abs)
		if err != nil {
			return Outcome{}, err
		}
		entries := []vfs.Entry{st}
		if st.Dir {
			if entries, err = inv.FS.List(inv.State.WorkspaceID, abs); err != nil {
				return Outcome{}, err
			}
			if len(paths) > 1 {
				if i > 0 {
					if err := inv.Emit([]byte("\n")); err != nil {
						return Outcome{}, err
					}
				}
				if err := inv.Printf("%s:\n", p); err != nil {
					return Outcome{}, err
				}
			}
		}
		var b strings.Builder
		for _, e := range entries {
			if !opts['a'] && strings.HasPrefix(e.Name, ".") {
				continue
			}
			name := e.Name
			if e.Dir {
				name += "/"
			}
			if opts['l'] {
				fmt.Fprintf(&b, "%s %8d %s %s\n", e.Mode, e.Size, e.ModTime.UTC().Format("Jan _2 15:04"), name)
			} else {
				b.WriteString(name + "\n")
			}
		}
		if err := inv.Emit([]byte(b.String())); err != nil {
			return Outcome{}, err
		}
		listed = append(listed, entries...)
	}
	return Outcome{Value: listed}, nil
}

func cat(_ context.Context, inv *Invocation) (Outcome, error) {
	for _, p := range inv.Args {
		abs, err := vfs.Resolve(inv.State.Cwd, p)
		if err != nil {
			return Outcome{}, err
		}
		data, err := inv.FS.Read(inv.State.WorkspaceID, abs)
		if err != nil {
			return Outcome{}, err
		}
		if err := inv.Emit(data); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{}, nil
}

func mkdir(_ context.Context, inv *Invocation) (Outcome, error) {
	opts, paths := flags(inv.Args)
	if len(paths) == 0 {
		return Outcome{}, shellerr.New(shellerr.InvalidArgs, map[string]any{"command": "mkdir", "errors": []string{"missing operand"}})
	}
	for _, p := range paths {
		abs, err := vfs.Resolve(inv.State.Cwd, p)
		if err != nil {
			return Outcome{}, err
		}
		if err := inv.FS.Mkdir(inv.State.WorkspaceID, abs, opts['p']); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{}, nil
}

// write <path> [text...] replaces the file with the joined text plus a
// newline; -a appends instead.
func write(_ context.Context, inv *Invocation) (Outcome, error) {
	opts, rest := flags(inv.Args)
	if len(rest) == 0 {
		return Outcome{}, shellerr.New(shellerr.InvalidArgs, map[string]any{"command": "write", "errors": []string{"missing path"}})
	}
	abs, err := vfs.Resolve(inv.State.Cwd, rest[0])
	if err != nil {
		return Outcome{}, err
	}
	content := ""
	if len(rest) > 1 {
		content = strings.Join(rest[1:], " ") + "\n"
	}
	if err := inv.FS.Write(inv.State.WorkspaceID, abs, []byte(content), opts['a']); err != nil {
		return Outcome{}, err
	}
	return Outcome{Value: len(content)}, nil
}

func cp(_ context.Context, inv *Invocation) (Outcome, error) {
	src, err := vfs.Resolve(inv.State.Cwd, inv.Args[0])
	if err != nil {
		return Outcome{}, err
	}
	dst, err := vfs.Resolve(inv.State.Cwd, inv.Args[1])
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{}, inv.FS.Copy(inv.State.WorkspaceID, src, dst)
}

func rm(_ context.Context, inv *Invocation) (Outcome, error) {
	opts, paths := flags(inv.Args)
	for _, p := range paths {
		abs, err := vfs.Resolve(inv.State.Cwd, p)
		if err != nil {
			return Outcome{}, err
		}
		err = inv.FS.Delete(inv.State.WorkspaceID, abs, opts['r'] || opts['R'])
		if err != nil && !(opts['f'] && shellerr.Is(err, shellerr.VFSNotFound)) {
			return Outcome{}, err
		}
	}
	return Outcome{}, nil
}

func printEnv(inv *Invocation) error {
	keys := make([]string, 0, len(inv.State.Env))
	for k := range inv.State.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, inv.State.Env[k])
	}
	return inv.Emit([]byte(b.String()))
}

func env(_ context.Context, inv *Invocation) (Outcome, error) {
	return Outcome{}, printEnv(inv)
}

func export(_ context.Context, inv *Invocation) (Outcome, error) {
	if len(inv.Args) == 0 {
		return Outcome{}, printEnv(inv)
	}
	set := make(map[string]string, len(inv.Args))
	for _, a := range inv.Args {
		k, v, _ := strings.Cut(a, "=")
		set[k] = v
	}
	return Outcome{Update: &Update{Env: set}}, nil
}

func unset(_ context.Context, inv *Invocation) (Outcome, error) {
	return Outcome{Update: &Update{Unset: append([]string(nil), inv.Args...)}}, nil
}

func sleep(ctx context.Context, inv *Invocation) (Outcome, error) {
	secs, err := strconv.ParseFloat(inv.Args[0], 64)
	if err != nil {
		return Outcome{}, shellerr.New(shellerr.InvalidArgs, map[string]any{"command": "sleep", "errors": []string{err.Error()}})
	}
	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return Outcome{}, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func trueCmd(context.Context, *Invocation) (Outcome, error) { return Outcome{}, nil }

func falseCmd(context.Context, *Invocation) (Outcome, error) {
	return Outcome{}, shellerr.New(shellerr.ExitCode, map[string]any{"command": "false", "code": 1})
}

func history(_ context.Context, inv *Invocation) (Outcome, error) {
	lines := inv.State.History
	if len(inv.Args) == 1 {
		n, _ := strconv.Atoi(inv.Args[0])
		if n < len(lines) {
			lines = lines[:n]
		}
	}
	var b strings.Builder
	total := len(inv.State.History)
	for i := len(lines) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%5d  %s\n", total-i, lines[i])
	}
	return Outcome{}, inv.Emit([]byte(b.String()))
}
