package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"consultd/pkg/tips"
	"consultd/pkg/transcript"
)

// Envelope is the JSON payload written to the transport.
type Envelope struct {
	Type              string    `json:"type"`
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"timestamp"`
	TargetParticipant string    `json:"targetParticipant,omitempty"`
	Priority          string    `json:"priority,omitempty"`
	Category          string    `json:"category,omitempty"`
}

// Manager owns the channel table. Channels are created lazily; the table lock
// is never held while a send is in flight.
type Manager struct {
	log       *slog.Logger
	transport Transport
	audience  func() []string
	now       func() time.Time

	mu      sync.Mutex
	general *General
	private map[string]*Private
}

// NewManager builds a manager sending through transport. audience, when set,
// resolves the general channel's members at send time.
func NewManager(transport Transport, audience func() []string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		log:       log.With("component", "channel.manager"),
		transport: transport,
		audience:  audience,
		now:       func() time.Time { return time.Now().UTC() },
		private:   make(map[string]*Private),
	}
}

// GetOrCreateGeneral returns the session's general channel. The first call
// wins; later initial audiences are ignored.
func (m *Manager) GetOrCreateGeneral(initial []string) Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.general == nil {
		m.general = newGeneral(m.transport, initial, m.audience)
		m.log.Debug("General channel created", "initial_audience", len(initial))
	}
	return m.general
}

// GetOrCreatePrivate returns identity's private channel.
func (m *Manager) GetOrCreatePrivate(identity string) Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.privateLocked(identity)
}

func (m *Manager) privateLocked(identity string) *Private {
	ch, ok := m.private[identity]
	if !ok {
		ch = newPrivate(m.transport, identity)
		m.private[identity] = ch
		m.log.Debug("Private channel created", "channel", ch.ID())
	}
	return ch
}

// BroadcastTranscript sends msg on the general channel. Without a general
// channel it logs a warning and returns nil.
func (m *Manager) BroadcastTranscript(ctx context.Context, msg transcript.Message) error {
	m.mu.Lock()
	general := m.general
	m.mu.Unlock()

	if general == nil {
		m.log.Warn("General channel not initialized, transcript not broadcast", "participant", msg.ParticipantID)
		return nil
	}

	content, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	payload, err := json.Marshal(Envelope{
		Type:      TopicTranscript,
		Content:   string(content),
		Timestamp: m.now(),
	})
	if err != nil {
		return fmt.Errorf("encode transcript envelope: %w", err)
	}

	return general.Send(ctx, TopicTranscript, payload)
}

// SendTip delivers tip on its target's private channel, creating it if needed.
func (m *Manager) SendTip(ctx context.Context, tip tips.Tip) error {
	target := strings.TrimSpace(tip.TargetParticipantID)
	if target == "" {
		return fmt.Errorf("%w: tip has no target", ErrDeliveryFailed)
	}

	m.mu.Lock()
	ch := m.privateLocked(target)
	m.mu.Unlock()

	payload, err := json.Marshal(Envelope{
		Type:              TopicTip,
		Content:           tip.Content,
		Timestamp:         m.now(),
		TargetParticipant: target,
		Priority:          string(tip.Priority),
		Category:          tip.Category,
	})
	if err != nil {
		return fmt.Errorf("encode tip envelope: %w", err)
	}

	return ch.Send(ctx, TopicTip, payload)
}

// RemovePrivate forgets identity's private channel; the next send recreates it.
func (m *Manager) RemovePrivate(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.private, identity)
}

// ActiveChannels returns the general channel, if any, followed by private
// channels ordered by id.
func (m *Manager) ActiveChannels() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Channel, 0, len(m.private)+1)
	if m.general != nil {
		out = append(out, m.general)
	}

	ids := make([]string, 0, len(m.private))
	for id := range m.private {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		out = append(out, m.private[id])
	}
	return out
}

// Clear drops every channel.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.general = nil
	clear(m.private)
}
