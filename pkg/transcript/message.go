package transcript

import (
	"strings"
	"time"

	"consultd/pkg/participant"
)

// Message is one transcribed utterance. It is immutable once recorded.
type Message struct {
	ParticipantID   string           `json:"participantId"`
	ParticipantRole participant.Role `json:"role"`
	Text            string           `json:"transcript"`
	Timestamp       time.Time        `json:"timestamp"`
	Confidence      *float64         `json:"confidence,omitempty"`
}

// NewMessage builds a message for p stamped with the current UTC time.
func NewMessage(p participant.Participant, text string, confidence *float64) Message {
	msg := Message{
		ParticipantID:   p.Identity,
		ParticipantRole: p.Role,
		Text:            strings.TrimSpace(text),
		Timestamp:       time.Now().UTC(),
	}
	if confidence != nil {
		c := *confidence
		msg.Confidence = &c
	}

	return msg
}

// Line renders the message the way prompts quote it: "<RoleLabel>: <text>".
func (m Message) Line() string {
	return m.ParticipantRole.Label() + ": " + m.Text
}
