package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"consultd/pkg/config"
	"consultd/pkg/logger"
)

// version is overridden at build time with -ldflags "-X consultd/cmd.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "consultd",
	Short: "Multi-party consultation session coordinator",
	Long: "consultd keeps a live consultation between doctors, patients and agents in step: " +
		"it records what each participant says, broadcasts transcripts and sends every " +
		"doctor and patient short role-specific tips from a language model.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadRuntime reads the config file and installs the process logger writing to w.
func loadRuntime(w io.Writer, component string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.NewWithWriter(cfg.Logging, w)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, slog.Default().With("component", component), nil
}
