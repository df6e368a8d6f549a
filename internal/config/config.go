// Package config loads the daemon's JSONC configuration file, merges it
// over built-in defaults, and resolves model-provider credentials.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blah-code/daemon/internal/policy"
)

// ErrInvalidConfig is returned for malformed JSON or an out-of-range value
// in a recognized field. Fatal to the call that triggered the load, never to
// an already-running daemon.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// ErrMissingCredentials is returned by ResolveCredentials when no
// model-provider API key is set on the Config or in the environment.
var ErrMissingCredentials = errors.New("config: missing model provider credentials")

// TimeoutConfig bounds the model transport's per-call timeout.
type TimeoutConfig struct {
	ModelMs int `json:"modelMs"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `json:"level"` // debug|info|warn|error
	Print bool   `json:"print"`
}

// DaemonConfig controls the HTTP listener.
type DaemonConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	AttachURL string `json:"attachUrl,omitempty"`
}

// MCPServerConfig describes one externally-spawned tool server.
type MCPServerConfig struct {
	Enabled *bool             `json:"enabled,omitempty"` // nil means true
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// IsEnabled returns the effective enabled flag, defaulting to true.
func (m MCPServerConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Config is the daemon's fully-resolved configuration: the recognized keys
// from the external interface's config schema, merged over DefaultConfig().
type Config struct {
	Model      string                     `json:"model"`
	Timeout    TimeoutConfig              `json:"timeout"`
	Logging    LoggingConfig              `json:"logging"`
	Daemon     DaemonConfig               `json:"daemon"`
	Permission policy.Policy              `json:"permission"`
	MCP        map[string]MCPServerConfig `json:"mcp"`

	// APIKey is never read from or written to the config file (the file has
	// no key field), so the JSON form of a Config never carries it; it is
	// filled by ResolveCredentials from the environment.
	APIKey string `json:"-"`
}

// DefaultConfig returns the configuration a daemon runs with when no config
// file is found and no overrides are supplied.
func DefaultConfig() Config {
	return Config{
		Model: "sonnet",
		Timeout: TimeoutConfig{
			ModelMs: 120_000,
		},
		Logging: LoggingConfig{
			Level: "info",
			Print: true,
		},
		Daemon: DaemonConfig{
			Host: "127.0.0.1",
			Port: 8710,
		},
		Permission: policy.Defaults(),
		MCP:        map[string]MCPServerConfig{},
	}
}

// SearchPaths returns the config file discovery order: ./blah-code.json,
// ./.blah-code.json, then <home>/.blah-code/config.json.
func SearchPaths(homeDir string) []string {
	return []string{
		"blah-code.json",
		".blah-code.json",
		filepath.Join(homeDir, ".blah-code", "config.json"),
	}
}

// Load searches SearchPaths(homeDir) in order and parses the first file
// found over DefaultConfig(). If none exist, returns DefaultConfig()
// unmodified. Credential resolution is performed afterward by
// ResolveCredentials, not by Load, so that a daemon with no credentials can
// still start and serve read-only endpoints.
func Load(homeDir string) (Config, error) {
	cfg := DefaultConfig()

	for _, path := range SearchPaths(homeDir) {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cfg, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
		}
		return parseInto(cfg, data)
	}

	return cfg, nil
}

func parseInto(base Config, data []byte) (Config, error) {
	stripped := StripJSONComments(data)

	var raw struct {
		Model      *string                    `json:"model"`
		Timeout    *TimeoutConfig             `json:"timeout"`
		Logging    *LoggingConfig             `json:"logging"`
		Daemon     *DaemonConfig              `json:"daemon"`
		Permission policy.Policy              `json:"permission"`
		MCP        map[string]MCPServerConfig `json:"mcp"`
	}
	if err := json.Unmarshal(stripped, &raw); err != nil {
		return base, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := base
	if raw.Model != nil {
		cfg.Model = *raw.Model
	}
	if raw.Timeout != nil {
		cfg.Timeout = *raw.Timeout
	}
	if raw.Logging != nil {
		cfg.Logging = *raw.Logging
	}
	if raw.Daemon != nil {
		cfg.Daemon = *raw.Daemon
	}
	if raw.MCP != nil {
		cfg.MCP = raw.MCP
	}

	if err := validate(cfg); err != nil {
		return base, err
	}

	if raw.Permission != nil {
		merged, err := policy.Normalize(raw.Permission)
		if err != nil {
			return base, fmt.Errorf("%w: permission: %v", ErrInvalidConfig, err)
		}
		cfg.Permission = merged
	}

	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Timeout.ModelMs < 1000 || cfg.Timeout.ModelMs > 600_000 {
		return fmt.Errorf("%w: timeout.modelMs %d out of range [1000,600000]", ErrInvalidConfig, cfg.Timeout.ModelMs)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q not one of debug|info|warn|error", ErrInvalidConfig, cfg.Logging.Level)
	}
	if cfg.Daemon.Port < 1 || cfg.Daemon.Port > 65535 {
		return fmt.Errorf("%w: daemon.port %d out of range [1,65535]", ErrInvalidConfig, cfg.Daemon.Port)
	}
	return nil
}

// APIKeyEnvVar is the environment variable ResolveCredentials reads when
// cfg.APIKey is empty.
const APIKeyEnvVar = "BLAH_CODE_API_KEY"

// ResolveCredentials fills cfg.APIKey from the environment when it is not
// already set. Returns ErrMissingCredentials if neither has a key; callers invoke this lazily, at first prompt submission,
// per the external interface's "fail lazily" rule.
func ResolveCredentials(cfg Config) (Config, error) {
	if cfg.APIKey != "" {
		return cfg, nil
	}
	if key := os.Getenv(APIKeyEnvVar); key != "" {
		cfg.APIKey = key
		return cfg, nil
	}
	return cfg, ErrMissingCredentials
}
