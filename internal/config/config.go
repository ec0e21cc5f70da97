package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// Container backend settings
	OrchestratorBackend string `envconfig:"ORCHESTRATOR_BACKEND" default:"auto"`
	DockerHost          string `envconfig:"DOCKER_HOST" default:""`
	DockerNetwork       string `envconfig:"DOCKER_NETWORK" default:"docorc"`
	K8sNamespace        string `envconfig:"K8S_NAMESPACE" default:"docorc"`

	// Terminal session settings
	MaxConcurrentSessions int           `envconfig:"MAX_CONCURRENT_SESSIONS" default:"50"`
	SessionIdleTimeout    time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"1h"`
	SessionMaxLifetime    time.Duration `envconfig:"SESSION_MAX_LIFETIME" default:"12h"`
	ReapInterval          time.Duration `envconfig:"REAP_INTERVAL" default:"5s"`
	DefaultShell          string        `envconfig:"DEFAULT_SHELL" default:"/bin/sh"`
	DefaultRows           uint16        `envconfig:"DEFAULT_ROWS" default:"24"`
	DefaultCols           uint16        `envconfig:"DEFAULT_COLS" default:"80"`
	ScrollbackBytes       int           `envconfig:"SCROLLBACK_BYTES" default:"1048576"`

	// Automation and templates
	TemplatesDir         string        `envconfig:"TEMPLATES_DIR" default:"/app/config"`
	AutomationMaxTimeout time.Duration `envconfig:"AUTOMATION_MAX_TIMEOUT" default:"30m"`

	// Transport
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000"`
	WSRateLimit    float64  `envconfig:"WS_RATE_LIMIT" default:"200"`
	WSRateBurst    int      `envconfig:"WS_RATE_BURST" default:"200"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("DOCORC", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg.applyDerived()
}

// applyDerived fills paths that default to locations under DataPath.
func (s *Settings) applyDerived() {
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "docorc.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "docorc.log")
	}
}
