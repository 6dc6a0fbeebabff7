package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"consultd/pkg/channel"
	"consultd/pkg/channel/telegram"
	"consultd/pkg/config"
	"consultd/pkg/gateway"
	"consultd/pkg/provider"
	"consultd/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the consultation gateway",
	Long:  "Runs one consultation session fed by the enabled chat channels, with periodic tips and health and readiness endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadRuntime(os.Stderr, "cmd.serve")
		if err != nil {
			return err
		}

		transport, sources, err := enabledSources(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return err
		}

		client, err := provider.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize provider: %w", err)
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, err := newSession(cfg, client, transport, log)
		if err != nil {
			return err
		}

		svc, err := gateway.NewService(cfg, client, sess, sources, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}

		log.Info("Gateway started", "sources", sourceNames(sources), "provider", cfg.Provider.Name, "model", cfg.Provider.Model)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// enabledSources builds the transport and membership sources for the chat
// channels switched on in cfg.
func enabledSources(cfg *config.Config, log *slog.Logger) (channel.Transport, []gateway.Source, error) {
	if !cfg.Channels.Telegram.Enabled {
		return nil, nil, errors.New("no channels are enabled")
	}

	transport, err := telegram.NewTransport(cfg.Channels.Telegram, log)
	if err != nil {
		return nil, nil, fmt.Errorf("configure telegram channel: %w", err)
	}

	source, err := telegram.NewSource(cfg.Channels.Telegram, transport, log)
	if err != nil {
		return nil, nil, fmt.Errorf("configure telegram channel: %w", err)
	}

	return transport, []gateway.Source{source}, nil
}

// newSession builds the orchestrator for cfg's session section over transport.
func newSession(cfg *config.Config, client provider.Client, transport channel.Transport, log *slog.Logger) (*session.Orchestrator, error) {
	opts := session.OptionsFromConfig(cfg.Session)
	opts.Transport = transport
	opts.Completer = client
	opts.Logger = log

	sess, err := session.New(opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func sourceNames(sources []gateway.Source) string {
	names := make([]string, 0, len(sources))
	for _, source := range sources {
		names = append(names, source.Name())
	}

	return strings.Join(names, ",")
}
