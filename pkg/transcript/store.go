// Package transcript keeps the append-only per-participant transcription logs
// of a session and answers time-ordered queries across them.
package transcript

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrUnknownParticipant = errors.New("unknown participant")

type entry struct {
	msg Message
	seq uint64
}

// Store holds one ordered log per admitted participant.
//
// Logs are only created through Admit, so Record never grows state for an
// identity the orchestrator did not register.
type Store struct {
	mu      sync.RWMutex
	logs    map[string][]entry
	nextSeq uint64
	total   int
}

func NewStore() *Store {
	return &Store{logs: make(map[string][]entry)}
}

// Admit opens an empty log for identity. Admitting twice keeps the existing log.
func (s *Store) Admit(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[identity]; !ok {
		s.logs[identity] = nil
	}
}

// Record appends msg to its participant's log.
//
// A timestamp earlier than the last one already in that log is raised to it,
// keeping each log monotonic even when clocks of upstream recognisers drift.
func (s *Store) Record(msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[msg.ParticipantID]
	if !ok {
		return Message{}, fmt.Errorf("record transcription: %w: %s", ErrUnknownParticipant, msg.ParticipantID)
	}

	if n := len(log); n > 0 && msg.Timestamp.Before(log[n-1].msg.Timestamp) {
		msg.Timestamp = log[n-1].msg.Timestamp
	}

	s.nextSeq++
	s.logs[msg.ParticipantID] = append(log, entry{msg: msg, seq: s.nextSeq})
	s.total++

	return msg, nil
}

// RecentAcrossAll merges every log by timestamp and returns the newest limit
// messages in chronological order. Equal timestamps keep recording order.
func (s *Store) RecentAcrossAll(limit int) []Message {
	if limit <= 0 {
		return nil
	}

	s.mu.RLock()
	merged := make([]entry, 0, s.total)
	for _, log := range s.logs {
		merged = append(merged, log...)
	}
	s.mu.RUnlock()

	slices.SortFunc(merged, func(a, b entry) int {
		if c := a.msg.Timestamp.Compare(b.msg.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}

	out := make([]Message, len(merged))
	for i, e := range merged {
		out[i] = e.msg
	}
	return out
}

// ForParticipant returns a copy of one participant's log.
func (s *Store) ForParticipant(identity string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[identity]
	out := make([]Message, len(log))
	for i, e := range log {
		out[i] = e.msg
	}
	return out
}

// Len is the number of messages across all logs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.total
}

// ClearParticipant drops identity's log and its admission.
func (s *Store) ClearParticipant(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total -= len(s.logs[identity])
	delete(s.logs, identity)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.logs)
	s.total = 0
}
