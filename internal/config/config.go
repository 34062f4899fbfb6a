// Package config loads process configuration for relaylive.
//
// Values come from built-in defaults, an optional YAML file, RELAYLIVE_*
// environment variables and command-line flags, in that order of precedence.
// Configuration is read once at start and never reloaded.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "RELAYLIVE_"

type Config struct {
	Addr               string        `yaml:"addr"`
	BasePath           string        `yaml:"base_path"`
	CORSOrigin         string        `yaml:"cors_origin"`
	BrokerURL          string        `yaml:"broker_url"`
	ChannelPrefix      string        `yaml:"channel_prefix"`
	AuthBaseURL        string        `yaml:"auth_base_url"`
	JWTSecret          string        `yaml:"jwt_secret"`
	InternalHMACSecret string        `yaml:"internal_hmac_secret"`
	InternalMaxSkew    time.Duration `yaml:"internal_max_skew"`
	SnapshotStoreDSN   string        `yaml:"snapshot_store_dsn"`
	SessionIdleTTL     time.Duration `yaml:"session_idle_ttl"`
	SessionMaxIdle     int           `yaml:"session_max_idle"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout"`
	AuthTimeout        time.Duration `yaml:"auth_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
	// IntakeRateLimit caps page events per workspace per IntakeRateWindow; 0 disables it.
	IntakeRateLimit  int           `yaml:"intake_rate_limit"`
	IntakeRateWindow time.Duration `yaml:"intake_rate_window"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Addr:             ":3000",
		BasePath:         "",
		CORSOrigin:       "*",
		BrokerURL:        "memory://",
		ChannelPrefix:    "socket.io",
		InternalMaxSkew:  5 * time.Minute,
		SessionIdleTTL:   30 * time.Second,
		SessionMaxIdle:   256,
		AcquireTimeout:   10 * time.Second,
		AuthTimeout:      5 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		MaxBodyBytes:     1 << 20,
		IntakeRateWindow: time.Minute,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load builds a Config from defaults, the YAML file at path (when non-empty)
// and the environment. lookup defaults to os.LookupEnv.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.mergeEnv(lookup)
	return cfg.normalized()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv(lookup func(string) (string, bool)) {
	env := envReader{lookup: lookup}
	if port := env.str("PORT", ""); port != "" {
		// Bare PORT is what most orchestrators inject.
		c.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	c.Addr = env.str(envPrefix+"ADDR", c.Addr)
	c.BasePath = env.str(envPrefix+"BASE_PATH", c.BasePath)
	c.CORSOrigin = env.str(envPrefix+"CORS_ORIGIN", c.CORSOrigin)
	c.BrokerURL = env.str(envPrefix+"BROKER_URL", c.BrokerURL)
	c.ChannelPrefix = env.str(envPrefix+"CHANNEL_PREFIX", c.ChannelPrefix)
	c.AuthBaseURL = env.str(envPrefix+"AUTH_BASE_URL", c.AuthBaseURL)
	c.JWTSecret = env.str(envPrefix+"JWT_SECRET", c.JWTSecret)
	c.InternalHMACSecret = env.str(envPrefix+"INTERNAL_HMAC_SECRET", c.InternalHMACSecret)
	c.InternalMaxSkew = env.duration(envPrefix+"INTERNAL_MAX_SKEW", c.InternalMaxSkew)
	c.SnapshotStoreDSN = env.str(envPrefix+"SNAPSHOT_STORE_DSN", c.SnapshotStoreDSN)
	c.SessionIdleTTL = env.duration(envPrefix+"SESSION_IDLE_TTL", c.SessionIdleTTL)
	c.SessionMaxIdle = env.integer(envPrefix+"SESSION_MAX_IDLE", c.SessionMaxIdle)
	c.AcquireTimeout = env.duration(envPrefix+"ACQUIRE_TIMEOUT", c.AcquireTimeout)
	c.AuthTimeout = env.duration(envPrefix+"AUTH_TIMEOUT", c.AuthTimeout)
	c.ShutdownTimeout = env.duration(envPrefix+"SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.MaxBodyBytes = env.int64(envPrefix+"MAX_BODY_BYTES", c.MaxBodyBytes)
	c.IntakeRateLimit = env.integer(envPrefix+"INTAKE_RATE_LIMIT", c.IntakeRateLimit)
	c.IntakeRateWindow = env.duration(envPrefix+"INTAKE_RATE_WINDOW", c.IntakeRateWindow)
	c.LogLevel = env.str(envPrefix+"LOG_LEVEL", c.LogLevel)
	c.LogFormat = env.str(envPrefix+"LOG_FORMAT", c.LogFormat)
}

func (c Config) normalized() (Config, error) {
	c.BasePath = NormalizeBasePath(c.BasePath)
	if strings.TrimSpace(c.Addr) == "" {
		return Config{}, errors.New("addr is required")
	}
	if strings.TrimSpace(c.BrokerURL) == "" {
		c.BrokerURL = "memory://"
	}
	if strings.TrimSpace(c.ChannelPrefix) == "" {
		c.ChannelPrefix = "socket.io"
	}
	if c.JWTSecret == "" && c.AuthBaseURL == "" {
		return Config{}, errors.New("one of jwt_secret or auth_base_url is required")
	}
	defaults := Default()
	if c.InternalMaxSkew <= 0 {
		c.InternalMaxSkew = defaults.InternalMaxSkew
	}
	if c.SessionIdleTTL <= 0 {
		c.SessionIdleTTL = defaults.SessionIdleTTL
	}
	if c.SessionMaxIdle < 0 {
		c.SessionMaxIdle = 0
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaults.AcquireTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaults.AuthTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if c.IntakeRateLimit < 0 {
		c.IntakeRateLimit = 0
	}
	if c.IntakeRateWindow <= 0 {
		c.IntakeRateWindow = defaults.IntakeRateWindow
	}
	return c, nil
}

// NormalizeBasePath returns "" or a path with a leading and no trailing slash.
func NormalizeBasePath(raw string) string {
	raw = strings.Trim(strings.TrimSpace(raw), "/")
	if raw == "" {
		return ""
	}
	return "/" + raw
}

// Flags holds command-line overrides. Only flags the user actually set are applied.
type Flags struct {
	fs         *pflag.FlagSet
	ConfigPath string
	addr       string
	basePath   string
	brokerURL  string
	logLevel   string
}

func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfigPath, "config", os.Getenv(envPrefix+"CONFIG"), "path to a YAML config file")
	fs.StringVar(&f.addr, "addr", "", "listen address")
	fs.StringVar(&f.basePath, "base-path", "", "URL prefix for every route")
	fs.StringVar(&f.brokerURL, "broker-url", "", "pub/sub broker DSN (memory://, redis://, postgres://)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level")
	return f
}

func (f *Flags) Apply(cfg Config) Config {
	if f == nil || f.fs == nil {
		return cfg
	}
	if f.fs.Changed("addr") {
		cfg.Addr = f.addr
	}
	if f.fs.Changed("base-path") {
		cfg.BasePath = NormalizeBasePath(f.basePath)
	}
	if f.fs.Changed("broker-url") {
		cfg.BrokerURL = f.brokerURL
	}
	if f.fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	return cfg
}

type envReader struct {
	lookup func(string) (string, bool)
}

func (e envReader) raw(name string) string {
	value, ok := e.lookup(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func (e envReader) str(name, fallback string) string {
	if value := e.raw(name); value != "" {
		return value
	}
	return fallback
}

func (e envReader) integer(name string, fallback int) int {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func (e envReader) int64(name string, fallback int64) int64 {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func (e envReader) duration(name string, fallback time.Duration) time.Duration {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
