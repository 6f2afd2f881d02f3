package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, warnings, err := Load(env(nil))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "data/runner.db", cfg.DBPath)
	assert.False(t, cfg.AuthEnabled())
	assert.Equal(t, runtime.NumCPU(), cfg.MaxConcurrent)
	assert.Equal(t, 120*time.Second, cfg.InstallTimeout)
	assert.Equal(t, 30*time.Second, cfg.CompileTimeout)
	assert.Equal(t, 10*time.Second, cfg.RunTimeout)
	assert.Equal(t, 1<<20, cfg.MaxOutputBytes)
	assert.Equal(t, 100000, cfg.MaxCodeBytes)
	assert.Equal(t, BackendLocal, cfg.Backend)
	assert.Equal(t, "python3", cfg.Toolchain["PYTHON"])
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "execution-reports", cfg.KafkaTopic)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, warnings, err := Load(env(map[string]string{
		"PORT":                    "9090",
		"LOG_LEVEL":               "debug",
		"LOG_FORMAT":              "JSON",
		"DB_PATH":                 ":memory:",
		"JWT_SECRET":              "0123456789abcdef",
		"RUNNER_WORKSPACE_ROOT":   "/srv/ws",
		"RUNNER_MAX_CONCURRENT":   "3",
		"RUNNER_RUN_TIMEOUT":      "2s",
		"RUNNER_MAX_OUTPUT_BYTES": "4096",
		"RUNNER_BACKEND":          "docker",
		"RUNNER_DOCKER_CPUS":      "0.5",
		"RUNNER_PYTHON":           "/opt/py/bin/python3",
		"RATE_LIMIT_RPS":          "0",
		"KAFKA_BROKERS":           "k1:9092, k2:9092,",
		"KAFKA_REPORTS_TOPIC":     "runs",
	}))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.True(t, cfg.AuthEnabled())
	assert.Equal(t, "/srv/ws", cfg.WorkspaceRoot)
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.RunTimeout)
	assert.Equal(t, 4096, cfg.MaxOutputBytes)
	assert.Equal(t, BackendDocker, cfg.Backend)
	assert.Equal(t, 0.5, cfg.DockerCPUs)
	assert.Equal(t, "/opt/py/bin/python3", cfg.Toolchain["PYTHON"])
	assert.Equal(t, "gcc", cfg.Toolchain["CC"])
	assert.Zero(t, cfg.RateLimitRPS, "zero disables the limiter")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "runs", cfg.KafkaTopic)
}

func TestLoad_EmptyDBPathDisablesHistory(t *testing.T) {
	cfg, _, err := Load(env(map[string]string{"DB_PATH": ""}))
	require.NoError(t, err)
	assert.Empty(t, cfg.DBPath)
}

func TestLoad_InvalidValuesWarn(t *testing.T) {
	tests := []struct {
		key   string
		value string
		check func(t *testing.T, cfg Config)
	}{
		{"RUNNER_RUN_TIMEOUT", "soon", func(t *testing.T, cfg Config) { assert.Equal(t, 10*time.Second, cfg.RunTimeout) }},
		{"RUNNER_COMPILE_TIMEOUT", "-1s", func(t *testing.T, cfg Config) { assert.Equal(t, 30*time.Second, cfg.CompileTimeout) }},
		{"RUNNER_MAX_CONCURRENT", "0", func(t *testing.T, cfg Config) { assert.Equal(t, runtime.NumCPU(), cfg.MaxConcurrent) }},
		{"RUNNER_MAX_CODE_BYTES", "lots", func(t *testing.T, cfg Config) { assert.Equal(t, 100000, cfg.MaxCodeBytes) }},
		{"RUNNER_BACKEND", "podman", func(t *testing.T, cfg Config) { assert.Equal(t, BackendLocal, cfg.Backend) }},
		{"RUNNER_DOCKER_CPUS", "0", func(t *testing.T, cfg Config) { assert.Equal(t, 1.0, cfg.DockerCPUs) }},
		{"RATE_LIMIT_RPS", "-2", func(t *testing.T, cfg Config) { assert.Equal(t, 2.0, cfg.RateLimitRPS) }},
		{"LOG_LEVEL", "loud", func(t *testing.T, cfg Config) { assert.Equal(t, slog.LevelInfo, cfg.LogLevel) }},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg, warnings, err := Load(env(map[string]string{tt.key: tt.value}))
			require.NoError(t, err)
			require.Len(t, warnings, 1)
			assert.Contains(t, warnings[0], tt.key)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_InvalidPortIsFatal(t *testing.T) {
	for _, port := range []string{"abc", "0", "70000"} {
		_, _, err := Load(env(map[string]string{"PORT": port}))
		assert.Error(t, err, "PORT=%s", port)
	}
}

func TestRegistry(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := Defaults()
		reg, err := cfg.Registry()
		require.NoError(t, err)
		_, err = reg.Lookup("py")
		assert.NoError(t, err)
	})

	t.Run("languages file adds and replaces", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "languages.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
languages:
  - id: ruby
    name: Ruby
    extension: .rb
    run: ["ruby", "${source}"]
  - id: python
    name: Python (pinned)
    extension: .py
    run: ["${PYTHON}", "-I", "${source}"]
`), 0o600))

		cfg := Defaults()
		cfg.LanguagesFile = path
		reg, err := cfg.Registry()
		require.NoError(t, err)

		ruby, err := reg.Lookup("ruby")
		require.NoError(t, err)
		assert.Equal(t, "Ruby", ruby.Name)

		py, err := reg.Lookup("python")
		require.NoError(t, err)
		assert.Equal(t, "Python (pinned)", py.Name)
		assert.False(t, py.SupportsDependencies(), "a replaced descriptor does not inherit the install command")
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := Defaults()
		cfg.LanguagesFile = filepath.Join(t.TempDir(), "nope.yaml")
		_, err := cfg.Registry()
		assert.Error(t, err)
	})

	t.Run("unknown toolchain variable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "languages.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
languages:
  - id: go
    extension: .go
    run: ["${GO}", "run", "${source}"]
`), 0o600))
		cfg := Defaults()
		cfg.LanguagesFile = path
		_, err := cfg.Registry()
		assert.Error(t, err)
	})
}
