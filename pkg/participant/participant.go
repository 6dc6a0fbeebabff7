// Package participant holds the role model and the in-memory registry of
// everyone present in a consultation session.
package participant

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the part a participant plays in the consultation.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleAgent   Role = "agent"
)

var ErrInvalidRole = errors.New("invalid participant role")

// ParseRole accepts a role name in any case.
func ParseRole(input string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(input))) {
	case RoleDoctor:
		return RoleDoctor, nil
	case RolePatient:
		return RolePatient, nil
	case RoleAgent:
		return RoleAgent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, input)
	}
}

// Label is the speaker label used when rendering transcripts for prompts.
// Anyone who is not the doctor is rendered as the patient.
func (r Role) Label() string {
	if r == RoleDoctor {
		return "Doctor"
	}

	return "Patient"
}

// ReceivesTips reports whether tips are ever generated for the role.
func (r Role) ReceivesTips() bool {
	return r != RoleAgent
}

func (r Role) String() string {
	return string(r)
}

// Participant is one identity present in the session. It is passed around by value.
type Participant struct {
	Identity    string `json:"identity"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
}
