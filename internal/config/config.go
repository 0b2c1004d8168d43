package config

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath      string `envconfig:"DATA_PATH" default:"/var/lib/vshell"`
	DatabasePath  string `envconfig:"DATABASE_PATH" default:""`
	LogPath       string `envconfig:"LOG_PATH" default:""`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr    string `envconfig:"LISTEN_ADDR" default:":8700"`
	WorkspaceRoot string `envconfig:"WORKSPACE_ROOT" default:""`
	ProfilesPath  string `envconfig:"PROFILES_PATH" default:""`

	// Backend defaults
	DefaultBackend string `envconfig:"DEFAULT_BACKEND" default:"local"`
	DefaultShell   string `envconfig:"DEFAULT_SHELL" default:"/bin/sh"`

	// Remote shell timeouts
	SSHConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"30s"`
	SSHIdleTimeout    time.Duration `envconfig:"SSH_IDLE_TIMEOUT" default:"60s"`
	SSHDrainTimeout   time.Duration `envconfig:"SSH_DRAIN_TIMEOUT" default:"250ms"`
	SSHCancelTimeout  time.Duration `envconfig:"SSH_CANCEL_TIMEOUT" default:"500ms"`

	// Sandbox providers
	SandboxBaseURL string `envconfig:"SANDBOX_BASE_URL" default:""`
	SandboxToken   string `envconfig:"SANDBOX_TOKEN" default:""`
	SandboxImage   string `envconfig:"SANDBOX_IMAGE" default:"alpine:3.20"`
	DockerHost     string `envconfig:"DOCKER_HOST" default:""`
	K8sNamespace   string `envconfig:"K8S_NAMESPACE" default:"vshell"`
	Kubeconfig     string `envconfig:"KUBECONFIG" default:""`

	// Event fan-out
	NATSURL     string `envconfig:"NATS_URL" default:""`
	NATSSubject string `envconfig:"NATS_SUBJECT" default:"vshell.sessions"`

	// Session lifecycle
	RestartPolicy        string `envconfig:"RESTART_POLICY" default:"transient"`
	SessionIdleTimeout   string `envconfig:"SESSION_IDLE_TIMEOUT" default:"2h"`
	HistoryRetentionDays int    `envconfig:"HISTORY_RETENTION_DAYS" default:"30"`
	ScrollbackEvents     int    `envconfig:"SCROLLBACK_EVENTS" default:"500"`
	TranscriptMaxBytes   int    `envconfig:"TRANSCRIPT_MAX_BYTES" default:"262144"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("VSHELL", &Cfg); err != nil {
		log.Fatal("failed to load config", "err", err)
	}
}

// SessionIdle parses SessionIdleTimeout, falling back to two hours.
func (s Settings) SessionIdle() time.Duration {
	d, err := time.ParseDuration(s.SessionIdleTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Hour
	}
	return d
}

// DBPath returns the sqlite path, defaulting to a file under DataPath.
func (s Settings) DBPath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return s.DataPath + "/vshell.db"
}
