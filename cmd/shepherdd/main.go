/**
 * CONTEXT:   shepherdd's entry point — flag/config resolution and orchestrator lifecycle
 * INPUT:     CLI flags, SHEPHERD_* environment variables, an optional config file, a policy file
 * OUTPUT:    A running supervisor daemon until SIGTERM/SIGINT, or a specific failure exit code
 * BUSINESS:  This binary is the whole product; every other package exists to be wired in here
 * CHANGE:    Initial implementation
 * RISK:      Medium - wrong exit code mapping here breaks an operator's supervision scripts
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parentkiosk/shepherdd/internal/config"
	"github.com/parentkiosk/shepherdd/internal/logging"
	"github.com/parentkiosk/shepherdd/internal/policy"
	"github.com/parentkiosk/shepherdd/internal/service"
)

// Exit codes per spec.md §6: 0 clean shutdown, 1 config load failure,
// 2 store open failure, 3 socket bind failure.
const (
	exitOK          = 0
	exitConfigError = 1
	exitStoreError  = 2
	exitSocketError = 3
)

var (
	flagConfigPath string
	flagSocketPath string
	flagDataDir    string
	flagPolicyPath string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "shepherdd",
	Short: "shepherdd supervises kiosk sessions against a parent-authored policy",
	Long: `shepherdd is the always-on supervisor daemon behind the parental kiosk.

It holds the single source of truth for what may run, for how long, and
enforces that through one in-process engine reachable only over a local
Unix control socket. There is no network-facing surface besides the
loopback health endpoint.`,
	RunE:         runDaemon,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfigPath, "config", "", "path to a shepherdd JSON config file")
	rootCmd.Flags().StringVar(&flagSocketPath, "socket", "", "override the control socket path")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "override the data directory")
	rootCmd.Flags().StringVar(&flagPolicyPath, "policy", "", "path to the YAML policy file (required)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitFailure wraps an error with the exit code main() should use, since
// cobra only gives us the error itself.
type exitFailure struct {
	code int
	err  error
}

func (f *exitFailure) Error() string { return f.err.Error() }
func (f *exitFailure) Unwrap() error { return f.err }

func exitCodeFor(err error) int {
	var f *exitFailure
	if errors.As(err, &f) {
		return f.code
	}
	return exitConfigError
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return &exitFailure{exitConfigError, fmt.Errorf("shepherdd: %w", err)}
	}
	applyFlagOverrides(cfg)

	if flagPolicyPath == "" && cfg.PolicyPath == "" {
		return &exitFailure{exitConfigError, errors.New("shepherdd: --policy (or config policy_path) is required")}
	}

	logger := logging.New("shepherdd", cfg.LogLevel, cfg.LogFormat)

	initialPolicy, validationErrs, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return &exitFailure{exitConfigError, fmt.Errorf("shepherdd: load policy: %w", err)}
	}
	if len(validationErrs) > 0 {
		for _, ve := range validationErrs {
			logger.Error("policy validation failed", "entry_id", ve.EntryID, "field", ve.Field, "kind", ve.Kind)
		}
		return &exitFailure{exitConfigError, fmt.Errorf("shepherdd: policy has %d validation error(s)", len(validationErrs))}
	}

	orch, err := service.New(cfg, initialPolicy, logger)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrStoreOpen):
			return &exitFailure{exitStoreError, err}
		case errors.Is(err, service.ErrSocketBind):
			return &exitFailure{exitSocketError, err}
		default:
			return &exitFailure{exitConfigError, err}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger.Info("shepherdd starting",
		"socket_path", cfg.SocketPath, "data_dir", cfg.DataDir, "policy_path", cfg.PolicyPath, "health_addr", cfg.HealthAddr)

	runErr := orch.Run(ctx)
	if shutdownErr := orch.Shutdown(); shutdownErr != nil {
		logger.Warn("shepherdd: shutdown cleanup reported an error", "error", shutdownErr)
	}
	if runErr != nil {
		return &exitFailure{exitConfigError, fmt.Errorf("shepherdd: %w", runErr)}
	}

	logger.Info("shepherdd stopped cleanly")
	return nil
}

func applyFlagOverrides(cfg *config.DaemonConfig) {
	if flagSocketPath != "" {
		cfg.SocketPath = flagSocketPath
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagPolicyPath != "" {
		cfg.PolicyPath = flagPolicyPath
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
}
