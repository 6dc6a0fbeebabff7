package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	consolechannel "consultd/pkg/channel/console"
	"consultd/pkg/gateway"
	"consultd/pkg/provider"
	"consultd/pkg/ui/console"
)

var consoleLogFile string

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Drive a consultation from the terminal",
	Long: "Starts a consultation session with an in-process transport and opens the operator console. " +
		"Participants are joined and speak through typed commands; transcripts and tips stream into the log.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logOut, closeLog, err := openConsoleLog(consoleLogFile)
		if err != nil {
			return err
		}
		defer closeLog()

		cfg, log, err := loadRuntime(logOut, "cmd.console")
		if err != nil {
			return err
		}

		client, err := provider.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize provider: %w", err)
		}

		sess, err := newSession(cfg, client, consolechannel.New(), log)
		if err != nil {
			return err
		}

		ui, err := console.NewSource(sess.Events, log)
		if err != nil {
			return err
		}

		svc, err := gateway.NewService(cfg, client, sess, []gateway.Source{ui}, log)
		if err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = svc.Run(runCtx)
		if err == nil || errors.Is(err, console.ErrOperatorQuit) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&consoleLogFile, "log-file", "", "append logs to this file instead of discarding them")
}

// openConsoleLog keeps log output off the terminal the console draws on.
func openConsoleLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
