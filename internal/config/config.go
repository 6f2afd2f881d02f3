// Package config reads the runner's settings from environment variables.
//
// Every setting has a default, so an empty environment gives a working local
// server. Bad values fall back to the default and come back as warnings for
// main to log. The one exception is PORT: silently listening somewhere else
// than asked is worse than not starting.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/polyglot-runner/internal/executor/language"
)

const (
	BackendLocal  = "local"
	BackendDocker = "docker"
)

type Config struct {
	Port      int
	LogLevel  slog.Level
	LogFormat string // "text" or "json"

	DBPath    string // empty disables history
	JWTSecret string // empty disables auth

	WorkspaceRoot  string
	MaxConcurrent  int
	InstallTimeout time.Duration
	CompileTimeout time.Duration
	RunTimeout     time.Duration
	MaxOutputBytes int
	MaxCodeBytes   int
	LanguagesFile  string
	Toolchain      language.Toolchain

	Backend      string
	DockerMemory int64
	DockerCPUs   float64

	RateLimitRPS   float64
	RateLimitBurst int

	KafkaBrokers []string
	KafkaTopic   string
}

// Defaults returns the configuration of an empty environment.
func Defaults() Config {
	return Config{
		Port:           8080,
		LogLevel:       slog.LevelInfo,
		LogFormat:      "text",
		DBPath:         "data/runner.db",
		WorkspaceRoot:  filepath.Join(os.TempDir(), "polyglot-runner"),
		MaxConcurrent:  runtime.NumCPU(),
		InstallTimeout: 120 * time.Second,
		CompileTimeout: 30 * time.Second,
		RunTimeout:     10 * time.Second,
		MaxOutputBytes: 1 << 20,
		MaxCodeBytes:   100000,
		Toolchain:      language.DefaultToolchain(),
		Backend:        BackendLocal,
		DockerMemory:   256 * 1024 * 1024,
		DockerCPUs:     1.0,
		RateLimitRPS:   2,
		RateLimitBurst: 5,
		KafkaTopic:     "execution-reports",
	}
}

// Load reads the environment through lookupEnv (os.LookupEnv in production).
func Load(lookupEnv func(string) (string, bool)) (Config, []string, error) {
	getenv := func(key string) string {
		v, _ := lookupEnv(key)
		return v
	}
	l := loader{getenv: getenv}
	cfg := Defaults()

	if raw := getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, nil, fmt.Errorf("config: invalid PORT %q", raw)
		}
		cfg.Port = port
	}

	cfg.LogLevel = l.level("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = l.oneOf("LOG_FORMAT", cfg.LogFormat, "text", "json")

	// DB_PATH="" is a deliberate "no history", not "use the default".
	if raw, ok := lookupEnv("DB_PATH"); ok {
		cfg.DBPath = raw
	}
	cfg.JWTSecret = getenv("JWT_SECRET")

	cfg.WorkspaceRoot = envOrDefault(getenv, "RUNNER_WORKSPACE_ROOT", cfg.WorkspaceRoot)
	cfg.MaxConcurrent = l.positiveInt("RUNNER_MAX_CONCURRENT", cfg.MaxConcurrent)
	cfg.InstallTimeout = l.duration("RUNNER_INSTALL_TIMEOUT", cfg.InstallTimeout)
	cfg.CompileTimeout = l.duration("RUNNER_COMPILE_TIMEOUT", cfg.CompileTimeout)
	cfg.RunTimeout = l.duration("RUNNER_RUN_TIMEOUT", cfg.RunTimeout)
	cfg.MaxOutputBytes = l.positiveInt("RUNNER_MAX_OUTPUT_BYTES", cfg.MaxOutputBytes)
	cfg.MaxCodeBytes = l.positiveInt("RUNNER_MAX_CODE_BYTES", cfg.MaxCodeBytes)
	cfg.LanguagesFile = getenv("RUNNER_LANGUAGES_FILE")
	cfg.Toolchain = cfg.Toolchain.WithEnv(getenv)

	cfg.Backend = l.oneOf("RUNNER_BACKEND", cfg.Backend, BackendLocal, BackendDocker)
	cfg.DockerMemory = int64(l.positiveInt("RUNNER_DOCKER_MEMORY", int(cfg.DockerMemory)))
	cfg.DockerCPUs = l.positiveFloat("RUNNER_DOCKER_CPUS", cfg.DockerCPUs)

	cfg.RateLimitRPS = l.nonNegativeFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = l.positiveInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)

	cfg.KafkaBrokers = parseBrokerList(getenv("KAFKA_BROKERS"))
	cfg.KafkaTopic = envOrDefault(getenv, "KAFKA_REPORTS_TOPIC", cfg.KafkaTopic)

	return cfg, l.warnings, nil
}

// Registry builds the language registry: built-in descriptors, then the
// languages file on top, validated against the configured toolchain.
func (c Config) Registry() (*language.Registry, error) {
	descs := language.Defaults()
	if c.LanguagesFile != "" {
		overrides, err := language.LoadFile(c.LanguagesFile)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		descs = language.Merge(descs, overrides)
	}
	reg, err := language.NewRegistry(descs...)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := reg.Validate(c.Toolchain); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return reg, nil
}

// AuthEnabled reports whether API routes require a bearer token.
func (c Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

type loader struct {
	getenv   func(string) string
	warnings []string
}

func (l *loader) warn(key, raw string, fallback any) {
	l.warnings = append(l.warnings, fmt.Sprintf("invalid %s %q, using %v", key, raw, fallback))
}

func (l *loader) positiveInt(key string, fallback int) int {
	raw := l.getenv(key)
	if raw == "" {
		return fallback
	}
	v, ok := parsePositiveInt(raw)
	if !ok {
		l.warn(key, raw, fallback)
		return fallback
	}
	return v
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	raw := l.getenv(key)
	if raw == "" {
		return fallback
	}
	d, ok := parseDuration(raw)
	if !ok {
		l.warn(key, raw, fallback)
		return fallback
	}
	return d
}

func (l *loader) positiveFloat(key string, fallback float64) float64 {
	v := l.nonNegativeFloat(key, fallback)
	if v == 0 {
		l.warn(key, l.getenv(key), fallback)
		return fallback
	}
	return v
}

func (l *loader) nonNegativeFloat(key string, fallback float64) float64 {
	raw := l.getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		l.warn(key, raw, fallback)
		return fallback
	}
	return v
}

func (l *loader) oneOf(key, fallback string, allowed ...string) string {
	raw := strings.ToLower(strings.TrimSpace(l.getenv(key)))
	if raw == "" {
		return fallback
	}
	for _, a := range allowed {
		if raw == a {
			return raw
		}
	}
	l.warn(key, raw, fallback)
	return fallback
}

func (l *loader) level(key string, fallback slog.Level) slog.Level {
	raw := l.getenv(key)
	if raw == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		l.warn(key, raw, fallback)
		return fallback
	}
	return lvl
}

func envOrDefault(getenv func(string) string, key, fallback string) string {
	if value := getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseDuration(raw string) (time.Duration, bool) {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func parsePositiveInt(raw string) (int, bool) {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func parseBrokerList(raw string) []string {
	fields := strings.Split(raw, ",")
	brokers := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}
