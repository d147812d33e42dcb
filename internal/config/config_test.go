package config

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
)

// clearEnv unsets every recognised variable for the test's duration.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		EnvLogLevel, EnvDataDir, EnvDatabasePath, EnvDatabaseURL,
		EnvEncryptionKeyPath, EnvInitialPassword, EnvWebUIPort,
		EnvProxyPortGeneral, EnvProxyPortSpecial, EnvProxyPort,
		EnvUpstreamTimeout, EnvUpstreamTTFB, EnvHealthCheckInterval,
		EnvConfigPath,
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PortGeneral != 4321 || cfg.PortSpecial != 4333 || cfg.PortAdmin != 4322 {
		t.Fatalf("unexpected default ports: %d %d %d", cfg.PortGeneral, cfg.PortSpecial, cfg.PortAdmin)
	}
	if cfg.DatabasePath != filepath.Join("data", "clads_llm_bridge.db") {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.EncryptionKeyPath != filepath.Join("data", ".encryption_key") {
		t.Fatalf("key file must sit beside the database, got %q", cfg.EncryptionKeyPath)
	}
}

func TestLoad_LegacyProxyPortAlias(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv(EnvProxyPort, "5555")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PortGeneral != 5555 {
		t.Fatalf("PROXY_PORT must alias the general port, got %d", cfg.PortGeneral)
	}

	// The explicit variable wins over the alias.
	t.Setenv(EnvProxyPortGeneral, "6666")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PortGeneral != 6666 {
		t.Fatalf("PROXY_PORT_GENERAL must win over PROXY_PORT, got %d", cfg.PortGeneral)
	}
}

func TestLoad_YAMLOverridesAndEnvWins(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if errWrite := os.WriteFile(configPath, []byte("port_general: 7001\nlog_level: DEBUG\n"), 0o644); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	t.Setenv(EnvConfigPath, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PortGeneral != 7001 || cfg.LogLevel != "DEBUG" {
		t.Fatalf("yaml overrides not applied: %+v", cfg)
	}

	t.Setenv(EnvLogLevel, "ERROR")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "ERROR" {
		t.Fatalf("environment must win over yaml, got %q", cfg.LogLevel)
	}
}

func TestLoad_RejectsPortCollisions(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv(EnvProxyPortGeneral, "4333")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for colliding ports")
	}
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv(EnvDatabaseURL, "postgres://bridge:pw@localhost:5432/bridge")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseDSN() != "postgres://bridge:pw@localhost:5432/bridge" {
		t.Fatalf("DATABASE_URL must take precedence, got %q", cfg.DatabaseDSN())
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]log.Level{
		"DEBUG":   log.DebugLevel,
		"info":    log.InfoLevel,
		"WARN":    log.WarnLevel,
		"warning": log.WarnLevel,
		"ERROR":   log.ErrorLevel,
		"bogus":   log.InfoLevel,
		"":        log.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
