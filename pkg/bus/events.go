package bus

import (
	"time"

	"github.com/google/uuid"

	"consultd/pkg/participant"
	"consultd/pkg/tips"
	"consultd/pkg/transcript"
)

type EventType string

const (
	EventParticipantJoined     EventType = "participant_joined"
	EventParticipantLeft       EventType = "participant_left"
	EventTipGenerated          EventType = "tip_generated"
	EventTranscriptionRecorded EventType = "transcription_recorded"
)

// Event is a domain notification. Exactly one payload field is set, matching Type.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	Participant   *participant.Participant `json:"participant,omitempty"`
	ParticipantID string                   `json:"participant_id,omitempty"`
	Tip           *tips.Tip                `json:"tip,omitempty"`
	Message       *transcript.Message      `json:"message,omitempty"`
}

func newEvent(kind EventType) Event {
	return Event{ID: uuid.NewString(), Type: kind, At: time.Now().UTC()}
}

func ParticipantJoined(p participant.Participant) Event {
	event := newEvent(EventParticipantJoined)
	event.Participant = &p
	event.ParticipantID = p.Identity
	return event
}

func ParticipantLeft(identity string) Event {
	event := newEvent(EventParticipantLeft)
	event.ParticipantID = identity
	return event
}

func TipGenerated(tip tips.Tip) Event {
	event := newEvent(EventTipGenerated)
	event.Tip = &tip
	event.ParticipantID = tip.TargetParticipantID
	return event
}

func TranscriptionRecorded(msg transcript.Message) Event {
	event := newEvent(EventTranscriptionRecorded)
	event.Message = &msg
	event.ParticipantID = msg.ParticipantID
	return event
}
