// Package config centralizes the environment-variable configuration
// surface described in spec.md §6.4, loaded once at process start into
// an immutable Config value and threaded explicitly into every
// component that needs it (no package-level globals, unlike the
// teacher's package-level UserConfig pattern — this service has no UI
// config file to merge, only environment).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "github.com/jesseduffield/yaml"
)

// Config holds every tunable named in spec.md §6.4 plus the ambient
// operational settings a production HTTP service carries.
type Config struct {
	// SandboxImageName is the container image used for every ephemeral
	// worker (spec.md §6.1's ContainerRunner image argument default).
	SandboxImageName string
	// ContainerRunTimeout is the default wall-clock wait timeout in
	// seconds for shell/chart executions.
	ContainerRunTimeout int
	// ScriptRunTimeout is the wait timeout for the python/script flavor,
	// raised above ContainerRunTimeout per spec.md §5 ("raise to 180s
	// ... when the operator expects browser automation").
	ScriptRunTimeout int
	// WorkspaceDir is the well-known absolute path inside the
	// container where the session volume is mounted.
	WorkspaceDir string
	// DefaultMemLimit is the engine memory string applied to the chart,
	// shell and script containers. File-operation containers do not
	// receive it and run with the runner's own 256m fallback.
	DefaultMemLimit string
	// DefaultNetworkMode is "none" or "bridge".
	DefaultNetworkMode string
	// ListenAddr is the HTTP bind address for TransportAdapter.
	ListenAddr string
	// LogLevel and LogFormat configure internal/applog.
	LogLevel  string
	LogFormat string
	// ForwardEnv holds operator-provided environment variables to merge
	// into every session container's environment. Never logged at info
	// level (spec.md §6.4); see String.
	ForwardEnv map[string]string
}

// Default values, named to match the original service's defaults
// verbatim (spec.md §6.4).
const (
	DefaultSandboxImageName   = "python-chart-sandbox:latest"
	DefaultContainerRunTimeout = 60
	DefaultScriptRunTimeout    = 180
	DefaultWorkspaceDir        = "/workspace"
	DefaultMemLimit            = "256m"
	DefaultNetworkMode         = "none"
	DefaultListenAddr          = ":8080"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
)

// Load reads Config from the process environment, falling back to the
// documented defaults for anything unset.
func Load() (Config, error) {
	cfg := Config{
		SandboxImageName:   getEnv("SANDBOX_IMAGE_NAME", DefaultSandboxImageName),
		WorkspaceDir:       getEnv("WORKSPACE_DIR_INSIDE_CONTAINER", DefaultWorkspaceDir),
		DefaultMemLimit:    getEnv("DEFAULT_MEM_LIMIT", DefaultMemLimit),
		DefaultNetworkMode: getEnv("DEFAULT_NETWORK_MODE", DefaultNetworkMode),
		ListenAddr:         getEnv("LISTEN_ADDR", DefaultListenAddr),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
	}

	var err error
	cfg.ContainerRunTimeout, err = getEnvInt("CONTAINER_RUN_TIMEOUT", DefaultContainerRunTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ScriptRunTimeout, err = getEnvInt("SCRIPT_RUN_TIMEOUT", DefaultScriptRunTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.DefaultNetworkMode != "none" && cfg.DefaultNetworkMode != "bridge" {
		return Config{}, fmt.Errorf("DEFAULT_NETWORK_MODE must be %q or %q, got %q", "none", "bridge", cfg.DefaultNetworkMode)
	}

	if path := os.Getenv("FORWARD_ENV_FILE"); path != "" {
		cfg.ForwardEnv, err = loadForwardEnv(path)
		if err != nil {
			return Config{}, fmt.Errorf("load FORWARD_ENV_FILE %q: %w", path, err)
		}
	}

	return cfg, nil
}

// ContainerRunTimeoutDuration is ContainerRunTimeout as a time.Duration.
func (c Config) ContainerRunTimeoutDuration() time.Duration {
	return time.Duration(c.ContainerRunTimeout) * time.Second
}

// ScriptRunTimeoutDuration is ScriptRunTimeout as a time.Duration.
func (c Config) ScriptRunTimeoutDuration() time.Duration {
	return time.Duration(c.ScriptRunTimeout) * time.Second
}

// String renders Config for logs with ForwardEnv values redacted —
// spec.md §6.4: "Any additional variables ... MUST NOT be logged at
// info level."
func (c Config) String() string {
	redacted := make(map[string]string, len(c.ForwardEnv))
	for k := range c.ForwardEnv {
		redacted[k] = "***"
	}
	return fmt.Sprintf(
		"Config{Image:%s RunTimeout:%ds ScriptTimeout:%ds Workspace:%s MemLimit:%s Network:%s Listen:%s ForwardEnv:%v}",
		c.SandboxImageName, c.ContainerRunTimeout, c.ScriptRunTimeout, c.WorkspaceDir,
		c.DefaultMemLimit, c.DefaultNetworkMode, c.ListenAddr, redacted,
	)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q: %w", key, v, err)
	}
	return n, nil
}

func loadForwardEnv(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return m, nil
}
