// Package tips generates short role-targeted guidance from the recent
// conversation, one strategy per participant role.
package tips

import (
	"context"
	"errors"
	"time"

	"consultd/pkg/participant"
	"consultd/pkg/transcript"
)

var ErrGenerationFailed = errors.New("tip generation failed")

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Tip is produced once per participant per cycle and handed to the channel layer.
type Tip struct {
	TargetParticipantID string    `json:"targetParticipantId"`
	Content             string    `json:"content"`
	Timestamp           time.Time `json:"timestamp"`
	Priority            Priority  `json:"priority"`
	Category            string    `json:"category"`
}

// Context is rebuilt for every generation cycle and never stored.
type Context struct {
	History      []transcript.Message
	Participants []participant.Participant
	SystemPrompt string
}

// Completer is the language-model capability: prompt in, final text out.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Strategy produces tips for one role.
type Strategy interface {
	Generate(ctx context.Context, tc Context, target participant.Participant) (string, error)
	Priority(tc Context) Priority
}

func category(role participant.Role) string {
	return role.String() + "_tip"
}
