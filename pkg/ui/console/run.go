// Package console is the terminal operator console: it streams session events
// into a scrolling log and turns typed commands into membership operations.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"consultd/pkg/bus"
	"consultd/pkg/gateway"
)

const (
	sourceName  = "console"
	eventBuffer = 256
)

// ErrOperatorQuit is returned by Run when the operator closes the console.
var ErrOperatorQuit = errors.New("operator closed the console")

// EventStream subscribes to session events until ctx ends or the returned
// func is called.
type EventStream func(ctx context.Context, buffer int) (<-chan bus.Event, func())

// Source runs the console as a gateway membership source.
type Source struct {
	events  EventStream
	log     *slog.Logger
	options []tea.ProgramOption
}

func NewSource(events EventStream, log *slog.Logger, options ...tea.ProgramOption) (*Source, error) {
	if events == nil {
		return nil, errors.New("event stream is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Source{
		events:  events,
		log:     log.With("component", "ui.console"),
		options: options,
	}, nil
}

func (s *Source) Name() string {
	return sourceName
}

// Run draws the console until ctx ends or the operator quits.
func (s *Source) Run(ctx context.Context, m gateway.Membership) error {
	if m == nil {
		return errors.New("membership is required")
	}

	stream, stop := s.events(ctx, eventBuffer)
	defer stop()

	model := newModel(ctx, m, stream)
	options := append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen(), tea.WithMouseCellMotion()}, s.options...)
	program := tea.NewProgram(model, options...)

	s.log.Debug("Operator console started")
	if _, err := program.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("run console: %w", err)
	}

	if model.quit {
		fmt.Println(renderGoodbyeBanner())
		return ErrOperatorQuit
	}
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render("consultd console closed")
}
