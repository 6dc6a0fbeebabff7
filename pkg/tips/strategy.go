package tips

import (
	"context"
	"errors"
	"strings"

	"consultd/pkg/participant"
	"consultd/pkg/urgency"
)

// priorityWindow is how many trailing history entries are scanned for urgency.
const priorityWindow = 5

// ProfessionalStrategy advises the clinician.
type ProfessionalStrategy struct {
	completer Completer
	urgent    *urgency.Matcher
	turns     int
}

func NewProfessionalStrategy(completer Completer, urgent *urgency.Matcher, turns int) *ProfessionalStrategy {
	if urgent == nil {
		urgent = urgency.MustMatcher(urgency.PriorityKeywords)
	}

	return &ProfessionalStrategy{completer: completer, urgent: urgent, turns: turns}
}

func (s *ProfessionalStrategy) Generate(ctx context.Context, tc Context, _ participant.Participant) (string, error) {
	prompt, err := renderPrompt("professional", tc, s.turns)
	if err != nil {
		return "", err
	}

	return complete(ctx, s.completer, prompt)
}

// Priority is high when any of the last five utterances mentions an urgency keyword.
func (s *ProfessionalStrategy) Priority(tc Context) Priority {
	recent := tc.History
	if len(recent) > priorityWindow {
		recent = recent[len(recent)-priorityWindow:]
	}

	for _, msg := range recent {
		if s.urgent.Match(msg.Text) {
			return PriorityHigh
		}
	}
	return PriorityMedium
}

// LayStrategy advises the patient.
type LayStrategy struct {
	completer Completer
	turns     int
}

func NewLayStrategy(completer Completer, turns int) *LayStrategy {
	return &LayStrategy{completer: completer, turns: turns}
}

func (s *LayStrategy) Generate(ctx context.Context, tc Context, _ participant.Participant) (string, error) {
	prompt, err := renderPrompt("lay", tc, s.turns)
	if err != nil {
		return "", err
	}

	return complete(ctx, s.completer, prompt)
}

func (s *LayStrategy) Priority(Context) Priority {
	return PriorityLow
}

func complete(ctx context.Context, completer Completer, prompt string) (string, error) {
	if completer == nil {
		return "", errors.New("no language model configured")
	}

	text, err := completer.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("language model returned no text")
	}
	return text, nil
}
