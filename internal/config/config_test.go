package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func mapLookup(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		value, ok := values[name]
		return value, ok
	}
}

func TestLoadDefaultsRequireAnAuthority(t *testing.T) {
	if _, err := Load("", mapLookup(nil)); err == nil {
		t.Fatalf("expected error when neither jwt secret nor auth base url is set")
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	cfg, err := Load("", mapLookup(map[string]string{
		"PORT":                           "4100",
		"RELAYLIVE_JWT_SECRET":           "secret",
		"RELAYLIVE_BASE_PATH":            "live/",
		"RELAYLIVE_BROKER_URL":           "redis://localhost:6379/0",
		"RELAYLIVE_SESSION_IDLE_TTL":     "2m",
		"RELAYLIVE_SESSION_MAX_IDLE":     "12",
		"RELAYLIVE_ACQUIRE_TIMEOUT":      "not-a-duration",
		"RELAYLIVE_MAX_BODY_BYTES":       "2048",
		"RELAYLIVE_INTERNAL_HMAC_SECRET": "hmac",
	}))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != ":4100" {
		t.Fatalf("expected addr :4100, got %s", cfg.Addr)
	}
	if cfg.BasePath != "/live" {
		t.Fatalf("expected normalized base path /live, got %q", cfg.BasePath)
	}
	if cfg.BrokerURL != "redis://localhost:6379/0" {
		t.Fatalf("expected redis broker url, got %s", cfg.BrokerURL)
	}
	if cfg.SessionIdleTTL != 2*time.Minute {
		t.Fatalf("expected idle ttl 2m, got %s", cfg.SessionIdleTTL)
	}
	if cfg.SessionMaxIdle != 12 {
		t.Fatalf("expected max idle 12, got %d", cfg.SessionMaxIdle)
	}
	if cfg.AcquireTimeout != 10*time.Second {
		t.Fatalf("expected invalid acquire timeout to fall back to 10s, got %s", cfg.AcquireTimeout)
	}
	if cfg.MaxBodyBytes != 2048 {
		t.Fatalf("expected max body 2048, got %d", cfg.MaxBodyBytes)
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaylive.yaml")
	content := []byte("addr: \":5000\"\nbase_path: /from-file\nauth_base_url: http://api.internal\nchannel_prefix: plane\nsession_idle_ttl: 45s\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	cfg, err := Load(path, mapLookup(map[string]string{
		"RELAYLIVE_BASE_PATH": "/from-env",
	}))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != ":5000" {
		t.Fatalf("expected file addr, got %s", cfg.Addr)
	}
	if cfg.BasePath != "/from-env" {
		t.Fatalf("expected env to win over file, got %s", cfg.BasePath)
	}
	if cfg.ChannelPrefix != "plane" {
		t.Fatalf("expected channel prefix from file, got %s", cfg.ChannelPrefix)
	}
	if cfg.SessionIdleTTL != 45*time.Second {
		t.Fatalf("expected idle ttl from file, got %s", cfg.SessionIdleTTL)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), mapLookup(nil)); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestFlagsApplyOnlyChangedValues(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	if err := fs.Parse([]string{"--broker-url", "postgres://db/relay", "--base-path", "/api/live/"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg := flags.Apply(Config{Addr: ":3000", LogLevel: "info"})
	if cfg.BrokerURL != "postgres://db/relay" {
		t.Fatalf("expected broker flag applied, got %s", cfg.BrokerURL)
	}
	if cfg.BasePath != "/api/live" {
		t.Fatalf("expected base path flag normalized, got %s", cfg.BasePath)
	}
	if cfg.Addr != ":3000" || cfg.LogLevel != "info" {
		t.Fatalf("expected unchanged flags to keep values, got %+v", cfg)
	}
}
