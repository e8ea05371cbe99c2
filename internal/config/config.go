/**
 * CONTEXT:   Service-level configuration for shepherdd — distinct from policy config (internal/policy)
 * INPUT:     An optional JSON file, SHEPHERD_* environment variables, CLI flags
 * OUTPUT:    A validated DaemonConfig ready for service.New
 * BUSINESS:  Socket path, data directory, IPC rate limit and role toggles are operational
 *            knobs an operator tunes per-install; they are not part of the parent-authored policy
 * CHANGE:    Initial implementation
 * RISK:      Low - configuration load/merge only, no side effects beyond the returned struct
 */

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// DaemonConfig is shepherdd's own operational configuration, separate
// from the policy.Policy the engine enforces.
type DaemonConfig struct {
	SocketPath           string  `json:"socket_path"`
	DataDir              string  `json:"data_dir"`
	PolicyPath           string  `json:"policy_path"`
	LogLevel             string  `json:"log_level"`
	LogFormat            string  `json:"log_format"`
	RateLimitRPS         float64 `json:"rate_limit_rps"`
	ObserverEnabled      bool    `json:"observer_enabled"`
	AdminUID             *uint32 `json:"admin_uid"`
	HealthAddr           string  `json:"health_addr"`
	CaptureSessionOutput bool    `json:"capture_session_output"`
}

// Default returns shepherdd's out-of-the-box configuration, per spec.md
// §6: socket default under $XDG_RUNTIME_DIR, rate limit default 10 rps.
func Default() *DaemonConfig {
	return &DaemonConfig{
		SocketPath:           defaultSocketPath(),
		DataDir:              defaultDataDir(),
		LogLevel:             "info",
		LogFormat:            "json",
		RateLimitRPS:         10,
		ObserverEnabled:      false,
		HealthAddr:           "127.0.0.1:9350",
		CaptureSessionOutput: true,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = "/tmp"
	}
	return runtimeDir + "/shepherdd/shepherdd.sock"
}

func defaultDataDir() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "/var/lib/shepherdd"
	}
	return runtimeDir + "/shepherdd/data"
}

// Load applies shepherdd's three-tier precedence: defaults, then an
// optional JSON file at path (skipped silently if path is empty or the
// file doesn't exist, matching the teacher's LoadDaemonConfig), then
// SHEPHERD_* environment variables. CLI flags are applied by the caller
// afterward since cobra already owns flag parsing.
func Load(path string) (*DaemonConfig, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *DaemonConfig) applyEnv() {
	if v := os.Getenv("SHEPHERD_SOCKET"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("SHEPHERD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SHEPHERD_HEALTH_ADDR"); v != "" {
		c.HealthAddr = v
	}
}

// Validate checks DaemonConfig for internal consistency, per the
// teacher's DaemonConfig.Validate() pattern — a single error is enough
// here since these are service knobs, not policy entries (which get the
// structured per-field error list spec.md §4.1 requires).
func (c *DaemonConfig) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("config: socket_path must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("config: rate_limit_rps must be positive, got %v", c.RateLimitRPS)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	if c.HealthAddr != "" && !strings.HasPrefix(c.HealthAddr, "127.0.0.1:") && !strings.HasPrefix(c.HealthAddr, "[::1]:") && !strings.HasPrefix(c.HealthAddr, "localhost:") {
		return fmt.Errorf("config: health_addr must bind loopback only, got %q", c.HealthAddr)
	}
	return nil
}
