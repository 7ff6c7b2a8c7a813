package app

import (
	"fmt"
	"strings"
	"time"

	coreconfig "github.com/m3rciful/userbots/core/config"
	coredatabase "github.com/m3rciful/userbots/core/database"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	Driver     string `yaml:"driver" envconfig:"STORE_DRIVER"`
	SQLitePath string `yaml:"sqlite_path" envconfig:"STORE_SQLITE_PATH"`
}

// GatewayConfig points at the platform gateway sidecar.
type GatewayConfig struct {
	URL                     string `yaml:"url" envconfig:"GATEWAY_URL"`
	Token                   string `yaml:"token" envconfig:"GATEWAY_TOKEN"`
	HandshakeTimeoutSeconds int    `yaml:"handshake_timeout_seconds" envconfig:"GATEWAY_HANDSHAKE_TIMEOUT_SECONDS"`
	CallTimeoutSeconds      int    `yaml:"call_timeout_seconds" envconfig:"GATEWAY_CALL_TIMEOUT_SECONDS"`
}

// UserbotConfig tunes supervision, login and task loading.
type UserbotConfig struct {
	TasksDir   string `yaml:"tasks_dir" envconfig:"USERBOT_TASKS_DIR"`
	WatchTasks *bool  `yaml:"watch_tasks" envconfig:"USERBOT_WATCH_TASKS"`

	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds" envconfig:"USERBOT_RECONCILE_INTERVAL_SECONDS"`
	OpenTimeoutSeconds       int `yaml:"open_timeout_seconds" envconfig:"USERBOT_OPEN_TIMEOUT_SECONDS"`
	OpenConcurrency          int `yaml:"open_concurrency" envconfig:"USERBOT_OPEN_CONCURRENCY"`
	RetryBaseMS              int `yaml:"retry_base_ms" envconfig:"USERBOT_RETRY_BASE_MS"`
	RetryMaxSeconds          int `yaml:"retry_max_seconds" envconfig:"USERBOT_RETRY_MAX_SECONDS"`

	LoginStepTimeoutSeconds int `yaml:"login_step_timeout_seconds" envconfig:"USERBOT_LOGIN_STEP_TIMEOUT_SECONDS"`
	LoginIdleTimeoutSeconds int `yaml:"login_idle_timeout_seconds" envconfig:"USERBOT_LOGIN_IDLE_TIMEOUT_SECONDS"`

	NotifyPerMinute int `yaml:"notify_per_minute" envconfig:"USERBOT_NOTIFY_PER_MINUTE"`
	NotifyBurst     int `yaml:"notify_burst" envconfig:"USERBOT_NOTIFY_BURST"`
}

// Watch reports whether the task directory is watched for changes.
func (u UserbotConfig) Watch() bool { return u.WatchTasks == nil || *u.WatchTasks }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Config is the full service configuration: the shared bot core plus the
// userbot sections.
type Config struct {
	Core     coreconfig.Config   `yaml:",inline"`
	Database coredatabase.Config `yaml:"database"`
	Store    StoreConfig         `yaml:"store"`
	Gateway  GatewayConfig       `yaml:"gateway"`
	Userbot  UserbotConfig       `yaml:"userbot"`
}

// CoreConfig exposes the embedded bot configuration to the runner.
func (c *Config) CoreConfig() *coreconfig.Config { return &c.Core }

// LoadConfig reads path, overlays the environment and validates the result.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := coreconfig.Decode(path, &cfg); err != nil {
		return nil, err
	}
	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates cfg and fills defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if err := coreconfig.Normalize(&cfg.Core); err != nil {
		return err
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverPostgres:
		if cfg.Database.Host == "" || cfg.Database.Name == "" {
			return fmt.Errorf("database.host and database.name are required when store.driver is 'postgres'")
		}
		if cfg.Database.Port == "" {
			cfg.Database.Port = "5432"
		}
		if cfg.Database.SSLMode == "" {
			cfg.Database.SSLMode = "disable"
		}
	case DriverSQLite:
		if strings.TrimSpace(cfg.Store.SQLitePath) == "" {
			cfg.Store.SQLitePath = "data/userbots.db"
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid store.driver %q; allowed: postgres, sqlite, memory", cfg.Store.Driver)
	}
	cfg.Store.Driver = driver

	if strings.TrimSpace(cfg.Gateway.URL) == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if cfg.Gateway.HandshakeTimeoutSeconds < 0 || cfg.Gateway.CallTimeoutSeconds < 0 {
		return fmt.Errorf("gateway timeouts must be >= 0")
	}

	u := &cfg.Userbot
	if strings.TrimSpace(u.TasksDir) == "" {
		u.TasksDir = "tasks"
	}
	for name, v := range map[string]int{
		"reconcile_interval_seconds": u.ReconcileIntervalSeconds,
		"open_timeout_seconds":       u.OpenTimeoutSeconds,
		"open_concurrency":           u.OpenConcurrency,
		"retry_base_ms":              u.RetryBaseMS,
		"retry_max_seconds":          u.RetryMaxSeconds,
		"login_step_timeout_seconds": u.LoginStepTimeoutSeconds,
		"login_idle_timeout_seconds": u.LoginIdleTimeoutSeconds,
		"notify_per_minute":          u.NotifyPerMinute,
		"notify_burst":               u.NotifyBurst,
	} {
		if v < 0 {
			return fmt.Errorf("userbot.%s must be >= 0", name)
		}
	}
	defaults := []struct {
		v   *int
		def int
	}{
		{&u.ReconcileIntervalSeconds, 30},
		{&u.OpenTimeoutSeconds, 20},
		{&u.OpenConcurrency, 4},
		{&u.RetryBaseMS, 2000},
		{&u.RetryMaxSeconds, 300},
		{&u.LoginStepTimeoutSeconds, 30},
		{&u.LoginIdleTimeoutSeconds, 600},
		{&u.NotifyPerMinute, 20},
		{&u.NotifyBurst, 5},
	}
	for _, d := range defaults {
		if *d.v == 0 {
			*d.v = d.def
		}
	}
	if time.Duration(u.RetryBaseMS)*time.Millisecond > seconds(u.RetryMaxSeconds) {
		return fmt.Errorf("userbot.retry_base_ms must not exceed userbot.retry_max_seconds")
	}
	return nil
}
