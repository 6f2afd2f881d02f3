package language

import "strings"

// Toolchain maps toolchain variables (${PYTHON}, ${CC}, ...) to binaries.
// Deployments relocate interpreters and compilers here without touching descriptors.
type Toolchain map[string]string

// EnvPrefix prefixes the environment variables that override toolchain entries,
// e.g. RUNNER_PYTHON=/opt/python3.12/bin/python3.
const EnvPrefix = "RUNNER_"

// DefaultToolchain resolves binaries through PATH.
func DefaultToolchain() Toolchain {
	return Toolchain{
		"PYTHON": "python3",
		"NODE":   "node",
		"NPM":    "npm",
		"JAVAC":  "javac",
		"JAVA":   "java",
		"CC":     "gcc",
		"CXX":    "g++",
	}
}

// Merge returns a copy of tc with the entries of other layered on top.
func (tc Toolchain) Merge(other map[string]string) Toolchain {
	out := make(Toolchain, len(tc)+len(other))
	for k, v := range tc {
		out[k] = v
	}
	for k, v := range other {
		if v = strings.TrimSpace(v); v != "" {
			out[strings.ToUpper(k)] = v
		}
	}
	return out
}

// WithEnv overrides every known entry from getenv(EnvPrefix + name).
func (tc Toolchain) WithEnv(getenv func(string) string) Toolchain {
	overrides := make(map[string]string)
	for name := range tc {
		if v := getenv(EnvPrefix + name); v != "" {
			overrides[name] = v
		}
	}
	return tc.Merge(overrides)
}
