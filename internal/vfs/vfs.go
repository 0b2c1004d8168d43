// Package vfs is the workspace filesystem the built-in commands operate on.
// Each workspace is an isolated afero filesystem rooted at "/". Failures are
// reported only through the vfs.* error kinds.
package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

// Entry describes one file or directory.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Dir     bool      `json:"dir"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
}

// Store hands out one filesystem per workspace id.
type Store struct {
	mu         sync.Mutex
	workspaces map[string]afero.Fs
	open       func(id string) (afero.Fs, error)
}

// NewMemory returns a store whose workspaces live in memory.
func NewMemory() *Store {
	return &Store{
		workspaces: make(map[string]afero.Fs),
		open: func(string) (afero.Fs, error) {
			return afero.NewMemMapFs(), nil
		},
	}
}

// NewOS returns a store that maps workspace id to root/<id> on disk.
func NewOS(root string) *Store {
	osfs := afero.NewOsFs()
	return &Store{
		workspaces: make(map[string]afero.Fs),
		open: func(id string) (afero.Fs, error) {
			dir := filepath.Join(root, id)
			if err := osfs.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create workspace dir: %w", err)
			}
			return afero.NewBasePathFs(osfs, dir), nil
		},
	}
}

func (s *Store) fs(workspaceID string) (afero.Fs, error) {
	if workspaceID == "" || strings.ContainsAny(workspaceID, `/\`) || workspaceID == "." || workspaceID == ".." {
		return nil, shellerr.New(shellerr.VFSPathTraversal, map[string]any{"workspace_id": workspaceID})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.workspaces[workspaceID]; ok {
		return f, nil
	}
	f, err := s.open(workspaceID)
	if err != nil {
		return nil, shellerr.Wrap(shellerr.VFSUnsupported, err, map[string]any{"workspace_id": workspaceID})
	}
	s.workspaces[workspaceID] = f
	return f, nil
}

// Clean validates an absolute virtual path and returns its canonical form.
// A ".." that would climb above "/" is a path traversal.
func Clean(p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") || strings.ContainsRune(p, 0) {
		return "", shellerr.New(shellerr.VFSPathTraversal, map[string]any{"path": p})
	}
	depth := 0
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return "", shellerr.New(shellerr.VFSPathTraversal, map[string]any{"path": p})
			}
		default:
			depth++
		}
	}
	return path.Clean(p), nil
}

// Resolve joins p onto cwd when relative and cleans the result.
func Resolve(cwd, p string) (string, error) {
	if p == "" {
		p = "."
	}
	if !strings.HasPrefix(p, "/") {
		if cwd == "" {
			cwd = "/"
		}
		p = strings.TrimSuffix(cwd, "/") + "/" + p
	}
	return Clean(p)
}

func (s *Store) Stat(workspaceID, p string) (Entry, error) {
	f, clean, err := s.prepare(workspaceID, p)
	if err != nil {
		return Entry{}, err
	}
	info, err := f.Stat(clean)
	if err != nil {
		return Entry{}, mapErr(err, clean)
	}
	return entryFor(clean, info), nil
}

func (s *Store) Read(workspaceID, p string) ([]byte, error) {
	f, clean, err := s.prepare(workspaceID, p)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat(clean)
	if err != nil {
		return nil, mapErr(err, clean)
	}
	if info.IsDir() {
		return nil, shellerr.New(shellerr.VFSIsADirectory, map[string]any{"path": clean})
	}
	data, err := afero.ReadFile(f, clean)
	if err != nil {
		return nil, mapErr(err, clean)
	}
	return data, nil
}

// Write creates or replaces a file, or appends when appendMode is set. The
// parent directory must already exist.
func (s *Store) Write(workspaceID, p string, data []byte, appendMode bool) error {
	f, clean, err := s.prepare(workspaceID, p)
	if err != nil {
		return err
	}
	if clean == "/" {
		return shellerr.New(shellerr.VFSIsADirectory, map[string]any{"path": clean})
	}
	if err := requireDir(f, path.Dir(clean)); err != nil {
		return err
	}
	if info, err := f.Stat(clean); err == nil && info.IsDir() {
		return shellerr.New(shellerr.VFSIsADirectory, map[string]any{"path": clean})
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := f.OpenFile(clean, flags, 0644)
	if err != nil {
		return mapErr(err, clean)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return mapErr(err, clean)
	}
	return mapErr(file.Close(), clean)
}

// Mkdir creates a directory. With parents set, missing ancestors are created
// and an existing directory is not an error.
func (s *Store) Mkdir(workspaceID, p string, parents bool) error {
	f, clean, err := s.prepare(workspaceID, p)
	if err != nil {
		return err
	}
	if info, err := f.Stat(clean); err == nil {
		if info.IsDir() && parents {
			return nil
		}
		return shellerr.New(shellerr.VFSAlreadyExists, map[string]any{"path": clean})
	}
	if parents {
		if err := ancestorsAreDirs(f, clean); err != nil {
			return err
		}
		return mapErr(f.MkdirAll(clean, 0755), clean)
	}
	if err := requireDir(f, path.Dir(clean)); err != nil {
		return err
	}
	return mapErr(f.Mkdir(clean, 0755), clean)
}

// List returns the entries of a directory sorted by name.
func (s *Store) List(workspaceID, p string) ([]Entry, error) {
	f, clean, err := s.prepare(workspaceID, p)
	if err != nil {
		return nil, err
	}
	if err := requireDir(f, clean); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(f, clean)
	if err != nil {
		return nil, mapErr(err, clean)
	}
	out := make([]Entry, 0, len(infos))
	for _, info := range infos {
		out = append(out, entryFor(path.Join(clean, info.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes a file or directory. Non-empty directories need recursive.
func (s *Store) Delete(workspaceID, p string, recursive bool) error {
	f, clean, err := s.prepare(workspaceID, p)
	if err != nil {
		return err
	}
	if clean == "/" {
		return shellerr.New(shellerr.VFSUnsupported, map[string]any{"path": clean, "op": "delete"})
	}
	info, err := f.Stat(clean)
	if err != nil {
		return mapErr(err, clean)
	}
	if info.IsDir() {
		if recursive {
			return mapErr(f.RemoveAll(clean), clean)
		}
		entries, err := afero.ReadDir(f, clean)
		if err != nil {
			return mapErr(err, clean)
		}
		if len(entries) > 0 {
			return shellerr.New(shellerr.VFSDirectoryNotEmpty, map[string]any{"path": clean})
		}
	}
	return mapErr(f.Remove(clean), clean)
}

// Copy copies a single file within one workspace. Directory copies are not
// supported.
func (s *Store) Copy(workspaceID, src, dst string) error {
	info, err := s.Stat(workspaceID, src)
	if err != nil {
		return err
	}
	if info.Dir {
		return shellerr.New(shellerr.VFSUnsupported, map[string]any{"path": info.Path, "op": "copy_directory"})
	}
	data, err := s.Read(workspaceID, src)
	if err != nil {
		return err
	}
	if target, err := s.Stat(workspaceID, dst); err == nil && target.Dir {
		dst = path.Join(target.Path, info.Name)
	}
	return s.Write(workspaceID, dst, data, false)
}

// Exists reports whether p exists in the workspace.
func (s *Store) Exists(workspaceID, p string) bool {
	_, err := s.Stat(workspaceID, p)
	return err == nil
}

func (s *Store) prepare(workspaceID, p string) (afero.Fs, string, error) {
	clean, err := Clean(p)
	if err != nil {
		return nil, "", err
	}
	f, err := s.fs(workspaceID)
	if err != nil {
		return nil, "", err
	}
	return f, clean, nil
}

func requireDir(f afero.Fs, p string) error {
	info, err := f.Stat(p)
	if err != nil {
		return mapErr(err, p)
	}
	if !info.IsDir() {
		return shellerr.New(shellerr.VFSNotADirectory, map[string]any{"path": p})
	}
	return nil
}

func ancestorsAreDirs(f afero.Fs, p string) error {
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		info, err := f.Stat(dir)
		if err == nil && !info.IsDir() {
			return shellerr.New(shellerr.VFSNotADirectory, map[string]any{"path": dir})
		}
		if dir == "/" {
			return nil
		}
	}
}

func entryFor(p string, info fs.FileInfo) Entry {
	name := info.Name()
	if p == "/" {
		name = "/"
	}
	return Entry{
		Name:    name,
		Path:    p,
		Dir:     info.IsDir(),
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime(),
	}
}

func mapErr(err error, p string) error {
	if err == nil {
		return nil
	}
	if _, ok := shellerr.As(err); ok {
		return err
	}
	details := map[string]any{"path": p}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return shellerr.Wrap(shellerr.VFSNotFound, err, details)
	case errors.Is(err, syscall.ENOTDIR):
		return shellerr.Wrap(shellerr.VFSNotADirectory, err, details)
	case errors.Is(err, syscall.EISDIR):
		return shellerr.Wrap(shellerr.VFSIsADirectory, err, details)
	case errors.Is(err, syscall.ENOTEMPTY):
		return shellerr.Wrap(shellerr.VFSDirectoryNotEmpty, err, details)
	case errors.Is(err, fs.ErrExist):
		return shellerr.Wrap(shellerr.VFSAlreadyExists, err, details)
	default:
		return shellerr.Wrap(shellerr.VFSUnsupported, err, details)
	}
}
