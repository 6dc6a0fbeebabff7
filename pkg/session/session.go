// Package session coordinates one consultation: who is present, what was
// said, and which tips go to whom.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"consultd/pkg/bus"
	"consultd/pkg/channel"
	"consultd/pkg/participant"
	"consultd/pkg/tips"
	"consultd/pkg/transcript"
	"consultd/pkg/urgency"
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrNotRunning           = errors.New("session is not running")
	ErrInvalidState         = errors.New("invalid session state")
)

type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateShutDown:
		return "shut_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	Title         string    `json:"title,omitempty"`
	State         State     `json:"state"`
	Participants  int       `json:"participants"`
	Doctors       int       `json:"doctors"`
	Patients      int       `json:"patients"`
	HistoryLength int       `json:"history_length"`
	Channels      int       `json:"channels"`
	Listeners     int       `json:"listeners"`
	LastTipCycle  time.Time `json:"last_tip_cycle,omitzero"`
}

type Orchestrator struct {
	log        *slog.Logger
	opts       Options
	transport  channel.Transport
	registry   *participant.Registry
	store      *transcript.Store
	dispatcher *tips.Dispatcher
	channels   *channel.Manager
	events     *bus.EventBus
	trigger    *urgency.Matcher

	mu        sync.Mutex
	state     State
	epoch     uint64
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
	lastCycle time.Time

	cycleMu sync.Mutex
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	opts.applyDefaults()
	log := opts.Logger.With("component", "session")

	priorityWords := opts.PriorityKeywords
	if len(priorityWords) == 0 {
		priorityWords = urgency.PriorityKeywords
	}
	priority, err := urgency.NewMatcher(priorityWords)
	if err != nil {
		return nil, fmt.Errorf("build priority keywords: %w", err)
	}

	triggerWords := opts.TriggerKeywords
	if len(triggerWords) == 0 {
		triggerWords = urgency.TriggerKeywords
	}
	trigger, err := urgency.NewMatcher(triggerWords)
	if err != nil {
		return nil, fmt.Errorf("build trigger keywords: %w", err)
	}

	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = tips.NewClinicalDispatcher(opts.Completer, priority, opts.PromptTurns, opts.Logger,
			tips.WithMinHistory(opts.MinHistory),
			tips.WithTimeout(opts.TipTimeout),
			tips.WithConcurrency(opts.MaxConcurrentTips),
		)
	}

	o := &Orchestrator{
		log:        log,
		opts:       opts,
		transport:  opts.Transport,
		registry:   participant.NewRegistry(),
		store:      transcript.NewStore(),
		dispatcher: dispatcher,
		events:     bus.New(opts.Logger),
		trigger:    trigger,
	}
	o.channels = channel.NewManager(opts.Transport, o.registry.Identities, opts.Logger)

	log.Debug("Keyword sets loaded", "priority", priority.Keywords(), "trigger", trigger.Keywords())
	return o, nil
}

// Initialize opens the session on a connected transport, registers any
// pre-seeded participants and arms the periodic tip loop. Invalid pre-seeded
// participants fail it before any state changes, so it can be retried.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := validateParticipants(o.opts.Participants); err != nil {
		return err
	}

	o.mu.Lock()
	if o.state != StateUninitialized {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: initialize in state %s", ErrInvalidState, state)
	}
	if !o.transport.Connected() {
		o.mu.Unlock()
		return ErrTransportUnavailable
	}
	o.state = StateInitialized
	o.mu.Unlock()

	for _, p := range o.opts.Participants {
		if err := o.RegisterParticipant(ctx, p.Identity, p.Role, p.DisplayName); err != nil {
			return err
		}
	}
	o.channels.GetOrCreateGeneral(o.registry.Identities())

	if o.opts.TipInterval > 0 {
		o.startTipLoop(o.opts.TipInterval)
	}

	o.log.Info("Session initialized", "title", o.opts.Title, "participants", o.registry.Len(), "tip_interval", o.opts.TipInterval)
	return nil
}

func validateParticipants(participants []participant.Participant) error {
	for i, p := range participants {
		if strings.TrimSpace(p.Identity) == "" {
			return fmt.Errorf("participant %d: identity is required", i)
		}
		if _, err := participant.ParseRole(string(p.Role)); err != nil {
			return fmt.Errorf("participant %q: %w", p.Identity, err)
		}
	}
	return nil
}

// RegisterParticipant adds or updates a participant. Non-agents get a
// private channel for tips.
func (o *Orchestrator) RegisterParticipant(ctx context.Context, identity string, role participant.Role, name string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return errors.New("participant identity is required")
	}

	o.mu.Lock()
	if o.state != StateInitialized && o.state != StateRunning {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: register in state %s", ErrInvalidState, state)
	}
	o.state = StateRunning
	o.mu.Unlock()

	p := o.registry.Register(identity, role, name)
	o.store.Admit(p.Identity)
	if p.Role.ReceivesTips() {
		o.channels.GetOrCreatePrivate(p.Identity)
	}

	o.log.Info("Participant joined", "participant", p.Identity, "role", p.Role, "name", p.DisplayName)
	o.events.Publish(ctx, bus.ParticipantJoined(p))
	return nil
}

// HandleTranscription records one utterance, broadcasts it and runs an
// immediate tip cycle when it contains a trigger keyword. Unknown speakers
// are logged and dropped.
func (o *Orchestrator) HandleTranscription(ctx context.Context, identity, text string, confidence *float64) error {
	if o.State() != StateRunning {
		return ErrNotRunning
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	p, ok := o.registry.Get(identity)
	if !ok {
		o.log.Warn("Transcription from unknown participant dropped", "participant", identity)
		return nil
	}

	msg, err := o.store.Record(transcript.NewMessage(p, text, confidence))
	if err != nil {
		o.log.Warn("Transcription not recorded", "participant", identity, "error", err)
		return nil
	}
	o.events.Publish(ctx, bus.TranscriptionRecorded(msg))

	if err := o.channels.BroadcastTranscript(ctx, msg); err != nil {
		o.log.Warn("Transcript broadcast failed", "participant", identity, "error", err)
	}

	if words := o.trigger.Find(text); len(words) > 0 {
		o.log.Info("Trigger keyword detected, generating tips now", "participant", identity, "keywords", words)
		o.GenerateAndSendTips(ctx)
	}
	return nil
}

// GenerateAndSendTips runs one tip cycle over the recent history and returns
// the tips that were delivered. Cycles may overlap unless SingleFlightTips is set.
func (o *Orchestrator) GenerateAndSendTips(ctx context.Context) []tips.Tip {
	o.mu.Lock()
	state, epoch := o.state, o.epoch
	o.mu.Unlock()
	if state != StateInitialized && state != StateRunning {
		return nil
	}

	if o.opts.SingleFlightTips {
		if !o.cycleMu.TryLock() {
			o.log.Debug("Tip cycle already in flight, skipping")
			return nil
		}
		defer o.cycleMu.Unlock()
	}

	participants := o.registry.All()
	tc := tips.Context{
		History:      o.store.RecentAcrossAll(o.opts.MaxHistory),
		Participants: participants,
		SystemPrompt: tips.SystemPrompt(participants),
	}

	generated := o.dispatcher.GenerateForAll(ctx, tc, participants)
	delivered := make([]tips.Tip, 0, len(generated))
	for _, tip := range generated {
		if !o.current(epoch) {
			break
		}
		if _, ok := o.registry.Get(tip.TargetParticipantID); !ok {
			o.log.Debug("Tip target left before delivery", "participant", tip.TargetParticipantID)
			continue
		}
		if err := o.channels.SendTip(ctx, tip); err != nil {
			o.log.Warn("Tip delivery failed", "participant", tip.TargetParticipantID, "error", err)
			continue
		}

		delivered = append(delivered, tip)
		o.events.Publish(ctx, bus.TipGenerated(tip))
	}

	o.mu.Lock()
	o.lastCycle = time.Now().UTC()
	o.mu.Unlock()

	o.log.Debug("Tip cycle finished", "history", len(tc.History), "generated", len(generated), "delivered", len(delivered))
	return delivered
}

// HandleParticipantLeft forgets identity everywhere. It is a no-op after Shutdown.
func (o *Orchestrator) HandleParticipantLeft(ctx context.Context, identity string) {
	if o.State() == StateShutDown {
		return
	}

	said := len(o.store.ForParticipant(identity))
	p, ok := o.registry.Remove(identity)
	o.channels.RemovePrivate(identity)
	o.store.ClearParticipant(identity)
	if !ok {
		o.log.Debug("Leave for unknown participant", "participant", identity)
		return
	}

	o.log.Info("Participant left", "participant", p.Identity, "role", p.Role, "transcripts_dropped", said)
	o.events.Publish(ctx, bus.ParticipantLeft(p.Identity))
}

// Shutdown stops the tip loop, waits for it and clears all session state.
// Later calls are no-ops.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.state == StateShutDown {
		o.mu.Unlock()
		return
	}
	o.state = StateShutDown
	o.epoch++
	stop, done := o.stopLoop, o.loopDone
	o.stopLoop, o.loopDone = nil, nil
	o.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	o.registry.Clear()
	o.store.Clear()
	o.channels.Clear()
	o.events.Clear()

	o.log.Info("Session shut down")
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) current(epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch == epoch && o.state != StateShutDown
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	state, lastCycle := o.state, o.lastCycle
	o.mu.Unlock()

	return Status{
		Title:         o.opts.Title,
		State:         state,
		Participants:  o.registry.Len(),
		Doctors:       len(o.registry.ByRole(participant.RoleDoctor)),
		Patients:      len(o.registry.ByRole(participant.RolePatient)),
		HistoryLength: o.store.Len(),
		Channels:      len(o.channels.ActiveChannels()),
		Listeners:     o.events.Len(),
		LastTipCycle:  lastCycle,
	}
}

// Participants lists everyone present, ordered by identity.
func (o *Orchestrator) Participants() []participant.Participant {
	return o.registry.All()
}

// History returns up to limit recent transcriptions across all participants.
func (o *Orchestrator) History(limit int) []transcript.Message {
	return o.store.RecentAcrossAll(limit)
}

func (o *Orchestrator) SystemPrompt() string {
	return tips.SystemPrompt(o.registry.All())
}

func (o *Orchestrator) AddEventListener(handler bus.Handler) bus.Subscription {
	return o.events.Subscribe(handler)
}

func (o *Orchestrator) RemoveEventListener(sub bus.Subscription) bool {
	return o.events.Unsubscribe(sub)
}

// Events streams domain events until ctx ends or the returned func is called.
func (o *Orchestrator) Events(ctx context.Context, buffer int) (<-chan bus.Event, func()) {
	return o.events.SubscribeChan(ctx, buffer)
}
