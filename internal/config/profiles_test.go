package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseProfiles(t *testing.T) {
	data := []byte(`
profiles:
  dev:
    kind: local
    cwd: /home/user
  build-box:
    kind: ssh
    params:
      host: build.internal
      user: ci
    env:
      CI: "1"
`)
	p, err := ParseProfiles(data)
	if err != nil {
		t.Fatalf("ParseProfiles: %v", err)
	}
	if len(p) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(p))
	}
	if p["build-box"].Params["host"] != "build.internal" {
		t.Errorf("host = %q", p["build-box"].Params["host"])
	}
	if p["build-box"].Env["CI"] != "1" {
		t.Errorf("env CI = %q", p["build-box"].Env["CI"])
	}
	names := p.Names()
	if names[0] != "build-box" || names[1] != "dev" {
		t.Errorf("names not sorted: %v", names)
	}
}

func TestParseProfiles_MissingKind(t *testing.T) {
	_, err := ParseProfiles([]byte("profiles:\n  x:\n    cwd: /\n"))
	if err == nil {
		t.Fatal("expected error for profile without kind")
	}
}

func TestLoadProfiles_MissingFile(t *testing.T) {
	p, err := LoadProfiles(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if len(p) != 0 {
		t.Fatalf("expected empty profiles, got %v", p)
	}
}

func TestLoadProfiles_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte("profiles:\n  a:\n    kind: local\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if p["a"].Kind != "local" {
		t.Fatalf("kind = %q", p["a"].Kind)
	}
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{DataPath: "/data", SessionIdleTimeout: "bogus"}
	if s.DBPath() != "/data/vshell.db" {
		t.Errorf("DBPath = %q", s.DBPath())
	}
	if s.SessionIdle().Hours() != 2 {
		t.Errorf("SessionIdle = %v", s.SessionIdle())
	}
}
