package remoteshell

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/agentjido/jido-shell-sub001/internal/backend"
	"github.com/agentjido/jido-shell-sub001/internal/shellerr"
)

const (
	defaultPort           = 22
	defaultShell          = "/bin/sh"
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultDrainTimeout   = 250 * time.Millisecond
	defaultCancelTimeout  = 500 * time.Millisecond
	keepaliveInterval     = 30 * time.Second
)

// Config holds everything needed to dial, and later redial, the remote host.
// Exactly one credential source is used, in order: PrivateKey, KeyPath,
// Password, then the SSH agent and default key files.
type Config struct {
	Host  string
	Port  int
	User  string
	Shell string

	PrivateKey []byte
	KeyPath    string
	Password   string

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	DrainTimeout   time.Duration
	CancelTimeout  time.Duration

	// HostKeyCallback defaults to accepting any host key. The known_hosts
	// param replaces it with a knownhosts check.
	HostKeyCallback ssh.HostKeyCallback
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Shell == "" {
		c.Shell = defaultShell
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = defaultCancelTimeout
	}
	if c.HostKeyCallback == nil {
		c.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
}

func (c Config) validate() error {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "host")
	}
	if c.User == "" {
		missing = append(missing, "user")
	}
	if len(missing) > 0 {
		return shellerr.New(shellerr.BackendInvalidConfig, map[string]any{"kind": string(backend.KindShell), "missing": missing})
	}
	if c.Port < 0 || c.Port > 65535 {
		return shellerr.New(shellerr.BackendInvalidConfig, map[string]any{"kind": string(backend.KindShell), "port": c.Port})
	}
	return nil
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// authMethods resolves the credential source. The returned closer releases
// an agent connection when one was opened.
func (c Config) authMethods() ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch {
	case len(c.PrivateKey) > 0:
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, noop, shellerr.Wrap(shellerr.BackendInvalidConfig, err, map[string]any{"kind": string(backend.KindShell), "reason": "parse private key"})
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil
	case c.KeyPath != "":
		data, err := os.ReadFile(c.KeyPath)
		if err != nil {
			return nil, noop, shellerr.Wrap(shellerr.BackendInvalidConfig, err, map[string]any{"kind": string(backend.KindShell), "key_path": c.KeyPath})
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, noop, shellerr.Wrap(shellerr.BackendInvalidConfig, err, map[string]any{"kind": string(backend.KindShell), "key_path": c.KeyPath})
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil
	case c.Password != "":
		return []ssh.AuthMethod{ssh.Password(c.Password)}, noop, nil
	}

	var methods []ssh.AuthMethod
	closer := noop
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closer = func() { conn.Close() }
		}
	}
	var signers []ssh.Signer
	if home, err := os.UserHomeDir(); err == nil {
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
			if err != nil {
				continue
			}
			if signer, err := ssh.ParsePrivateKey(data); err == nil {
				signers = append(signers, signer)
			}
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if len(methods) == 0 {
		return nil, closer, shellerr.New(shellerr.BackendInvalidConfig, map[string]any{
			"kind":   string(backend.KindShell),
			"reason": "no credentials: set key, key_path or password, or run an ssh agent",
		})
	}
	return methods, closer, nil
}

// ConfigFromParams reads backend params over a set of defaults.
func ConfigFromParams(defaults Config, params map[string]string) (Config, error) {
	cfg := defaults
	if v := params["host"]; v != "" {
		cfg.Host = v
	}
	if v := params["user"]; v != "" {
		cfg.User = v
	}
	if v := params["shell"]; v != "" {
		cfg.Shell = v
	}
	if v := params["key"]; v != "" {
		cfg.PrivateKey = []byte(v)
	}
	if v := params["key_path"]; v != "" {
		cfg.KeyPath = v
	}
	if v := params["password"]; v != "" {
		cfg.Password = v
	}
	if v := params["known_hosts"]; v != "" {
		cb, err := knownhosts.New(v)
		if err != nil {
			return cfg, shellerr.Wrap(shellerr.BackendInvalidConfig, err, map[string]any{"kind": string(backend.KindShell), "known_hosts": v})
		}
		cfg.HostKeyCallback = cb
	}
	if v := params["port"]; v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, shellerr.New(shellerr.BackendInvalidConfig, map[string]any{"kind": string(backend.KindShell), "port": v})
		}
		cfg.Port = port
	}
	for key, dst := range map[string]*time.Duration{
		"connect_timeout": &cfg.ConnectTimeout,
		"idle_timeout":    &cfg.IdleTimeout,
		"drain_timeout":   &cfg.DrainTimeout,
		"cancel_timeout":  &cfg.CancelTimeout,
	} {
		v := params[key]
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, shellerr.New(shellerr.BackendInvalidConfig, map[string]any{"kind": string(backend.KindShell), key: v})
		}
		*dst = d
	}
	return cfg, nil
}

// WrapCommand builds the exec string: cd into cwd, set env, then run line
// under a login shell. Every value is single-quoted.
func WrapCommand(cwd string, env map[string]string, shell, line string) string {
	if cwd == "" {
		cwd = "/"
	}
	cmd := "cd " + backend.ShellQuote(cwd) + " && "
	if pairs := envPairs(env); len(pairs) > 0 {
		cmd += "env"
		for _, p := range pairs {
			cmd += " " + backend.ShellQuote(p)
		}
		cmd += " "
	}
	return cmd + backend.ShellQuote(shell) + " -lc " + backend.ShellQuote(line)
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		if validEnvName(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fmt.Sprintf("%s=%s", k, env[k])
	}
	return out
}

func validEnvName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
