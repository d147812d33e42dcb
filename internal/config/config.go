package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Environment variable names recognised by the bridge.
const (
	EnvLogLevel          = "LOG_LEVEL"
	EnvDataDir           = "DATA_DIR"
	EnvDatabasePath      = "DATABASE_PATH"
	EnvDatabaseURL       = "DATABASE_URL"
	EnvEncryptionKeyPath = "ENCRYPTION_KEY_PATH"
	EnvInitialPassword   = "INITIAL_PASSWORD"
	EnvWebUIPort         = "WEB_UI_PORT"
	EnvProxyPortGeneral  = "PROXY_PORT_GENERAL"
	EnvProxyPortSpecial  = "PROXY_PORT_SPECIAL"
	// EnvProxyPort is the legacy alias for the general proxy port.
	EnvProxyPort            = "PROXY_PORT"
	EnvUpstreamTimeout      = "UPSTREAM_TIMEOUT_SECONDS"
	EnvUpstreamTTFB         = "UPSTREAM_TTFB_SECONDS"
	EnvHealthCheckInterval  = "HEALTH_CHECK_INTERVAL"
	EnvConfigPath           = "CONFIG_PATH"
)

// Default ports and paths.
const (
	DefaultPortGeneral  = 4321
	DefaultPortAdmin    = 4322
	DefaultPortSpecial  = 4333
	DefaultDataDir      = "data"
	DefaultDatabaseFile = "clads_llm_bridge.db"
	DefaultKeyFile      = ".encryption_key"
)

// Config holds the resolved runtime configuration. Precedence is defaults,
// then the optional YAML file, then the environment.
type Config struct {
	LogLevel string `yaml:"log_level"`

	DataDir           string `yaml:"data_dir"`
	DatabasePath      string `yaml:"database_path"`
	DatabaseURL       string `yaml:"database_url"`
	EncryptionKeyPath string `yaml:"encryption_key_path"`
	InitialPassword   string `yaml:"-"`

	PortGeneral int `yaml:"port_general"`
	PortSpecial int `yaml:"port_special"`
	PortAdmin   int `yaml:"port_admin"`

	UpstreamTimeoutSeconds int `yaml:"upstream_timeout_seconds"`
	UpstreamTTFBSeconds    int `yaml:"upstream_ttfb_seconds"`
	MaxInFlight            int `yaml:"max_in_flight"`

	HealthCheckIntervalSeconds int `yaml:"health_check_interval_seconds"`

	UsageQueueSize int `yaml:"usage_queue_size"`
	UsageBatchSize int `yaml:"usage_batch_size"`
}

// Load resolves the configuration. The YAML file is optional; a missing
// file is not an error, a malformed one is.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:    "INFO",
		DataDir:     DefaultDataDir,
		PortGeneral: DefaultPortGeneral,
		PortSpecial: DefaultPortSpecial,
		PortAdmin:   DefaultPortAdmin,
	}

	configPath := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if configPath == "" {
		configPath = "config.yaml"
	}
	if data, errRead := os.ReadFile(configPath); errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, errUnmarshal)
		}
		log.Infof("config: loaded overrides from %s", configPath)
	} else if !os.IsNotExist(errRead) {
		return nil, fmt.Errorf("config: read %s: %w", configPath, errRead)
	}

	applyEnv(cfg)

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, DefaultDatabaseFile)
	}
	if cfg.EncryptionKeyPath == "" {
		cfg.EncryptionKeyPath = filepath.Join(filepath.Dir(cfg.DatabasePath), DefaultKeyFile)
	}

	for _, port := range []int{cfg.PortGeneral, cfg.PortSpecial, cfg.PortAdmin} {
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("config: invalid port %d", port)
		}
	}
	if cfg.PortGeneral == cfg.PortSpecial || cfg.PortGeneral == cfg.PortAdmin || cfg.PortSpecial == cfg.PortAdmin {
		return nil, fmt.Errorf("config: proxy and admin ports must be distinct")
	}

	return cfg, nil
}

// DatabaseDSN returns the effective store DSN: the postgres URL when set,
// the SQLite file path otherwise.
func (c *Config) DatabaseDSN() string {
	if strings.TrimSpace(c.DatabaseURL) != "" {
		return c.DatabaseURL
	}
	return c.DatabasePath
}

// UpstreamTimeout returns the total upstream deadline.
func (c *Config) UpstreamTimeout() time.Duration {
	return secondsOrZero(c.UpstreamTimeoutSeconds)
}

// UpstreamTTFB returns the upstream time-to-first-byte deadline.
func (c *Config) UpstreamTTFB() time.Duration {
	return secondsOrZero(c.UpstreamTTFBSeconds)
}

// HealthCheckInterval returns the prober interval; zero disables probing.
func (c *Config) HealthCheckInterval() time.Duration {
	return secondsOrZero(c.HealthCheckIntervalSeconds)
}

// applyEnv overlays recognised environment variables.
func applyEnv(cfg *Config) {
	setString(&cfg.LogLevel, EnvLogLevel)
	setString(&cfg.DataDir, EnvDataDir)
	setString(&cfg.DatabasePath, EnvDatabasePath)
	setString(&cfg.DatabaseURL, EnvDatabaseURL)
	setString(&cfg.EncryptionKeyPath, EnvEncryptionKeyPath)
	setString(&cfg.InitialPassword, EnvInitialPassword)

	// Legacy alias first so the explicit variable wins.
	setInt(&cfg.PortGeneral, EnvProxyPort)
	setInt(&cfg.PortGeneral, EnvProxyPortGeneral)
	setInt(&cfg.PortSpecial, EnvProxyPortSpecial)
	setInt(&cfg.PortAdmin, EnvWebUIPort)

	setInt(&cfg.UpstreamTimeoutSeconds, EnvUpstreamTimeout)
	setInt(&cfg.UpstreamTTFBSeconds, EnvUpstreamTTFB)
	setInt(&cfg.HealthCheckIntervalSeconds, EnvHealthCheckInterval)
}

// setString overlays a non-empty environment string.
func setString(target *string, name string) {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		*target = value
	}
}

// setInt overlays a parsable environment integer.
func setInt(target *int, name string) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	value, errParse := strconv.Atoi(raw)
	if errParse != nil {
		log.Warnf("config: ignoring %s=%q: not an integer", name, raw)
		return
	}
	*target = value
}

// secondsOrZero converts a non-negative second count to a duration.
func secondsOrZero(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// ParseLogLevel maps the LOG_LEVEL value onto a logrus level.
func ParseLogLevel(level string) log.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return log.DebugLevel
	case "WARN", "WARNING":
		return log.WarnLevel
	case "ERROR":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
