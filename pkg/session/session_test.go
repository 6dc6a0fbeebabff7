package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"consultd/pkg/bus"
	"consultd/pkg/channel"
	"consultd/pkg/channel/console"
	"consultd/pkg/config"
	"consultd/pkg/logger"
	"consultd/pkg/participant"
	"consultd/pkg/tips"
)

var calmTurns = []string{"good morning", "morning, my back has been stiff", "since when has it been stiff"}

type fakeCompleter struct {
	calls atomic.Int32
	gate  chan struct{}
	entry chan struct{}
}

func (c *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	c.calls.Add(1)
	if c.entry != nil {
		select {
		case c.entry <- struct{}{}:
		default:
		}
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if strings.Contains(prompt, "assisting the doctor") {
		return "ask about recent injuries", nil
	}
	return "mention when the stiffness started", nil
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) handle(_ context.Context, event bus.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) ofType(kind bus.EventType) []bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []bus.Event
	for _, event := range l.events {
		if event.Type == kind {
			out = append(out, event)
		}
	}
	return out
}

type harness struct {
	o         *Orchestrator
	transport *console.Transport
	completer *fakeCompleter
	log       *eventLog
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	h := &harness{transport: console.New(), completer: &fakeCompleter{}, log: &eventLog{}}
	opts := Options{
		Transport: h.transport,
		Completer: h.completer,
		Logger:    logger.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	o, err := New(opts)
	require.NoError(t, err)
	o.AddEventListener(h.log.handle)
	t.Cleanup(o.Shutdown)

	h.o = o
	return h
}

// start initializes the session with a doctor D1 and a patient P1.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.o.Initialize(ctx))
	require.NoError(t, h.o.RegisterParticipant(ctx, "D1", participant.RoleDoctor, "Dr. Ana"))
	require.NoError(t, h.o.RegisterParticipant(ctx, "P1", participant.RolePatient, "Joao"))
}

func (h *harness) speak(t *testing.T, texts ...string) {
	t.Helper()
	for i, text := range texts {
		speaker := "D1"
		if i%2 == 1 {
			speaker = "P1"
		}
		require.NoError(t, h.o.HandleTranscription(context.Background(), speaker, text, nil))
	}
}

func (h *harness) tipDeliveries() []console.Delivery {
	var out []console.Delivery
	for _, d := range h.transport.Deliveries() {
		if d.Options.Topic == channel.TopicTip {
			out = append(out, d)
		}
	}
	return out
}

func TestInitialize_RequiresConnectedTransport(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.SetConnected(false)

	err := h.o.Initialize(context.Background())

	require.ErrorIs(t, err, ErrTransportUnavailable)
	require.Equal(t, StateUninitialized, h.o.State())
}

func TestInitialize_Twice(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.o.Initialize(context.Background()))

	require.ErrorIs(t, h.o.Initialize(context.Background()), ErrInvalidState)
}

func TestStateTransitions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, nil)

	req.ErrorIs(h.o.RegisterParticipant(ctx, "D1", participant.RoleDoctor, "Dr. Ana"), ErrInvalidState)
	req.ErrorIs(h.o.HandleTranscription(ctx, "D1", "hello", nil), ErrNotRunning)

	req.NoError(h.o.Initialize(ctx))
	req.Equal(StateInitialized, h.o.State())
	req.ErrorIs(h.o.HandleTranscription(ctx, "D1", "hello", nil), ErrNotRunning)

	req.NoError(h.o.RegisterParticipant(ctx, "D1", participant.RoleDoctor, "Dr. Ana"))
	req.Equal(StateRunning, h.o.State())
}

func TestInitialize_PreseededParticipantsStartRunning(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, func(o *Options) {
		o.Participants = []participant.Participant{
			{Identity: "D1", Role: participant.RoleDoctor, DisplayName: "Dr. Ana"},
			{Identity: "P1", Role: participant.RolePatient, DisplayName: "Joao"},
		}
	})

	req.NoError(h.o.Initialize(context.Background()))

	status := h.o.Status()
	req.Equal(StateRunning, status.State)
	req.Equal(2, status.Participants)
	req.Equal(1, status.Doctors)
	req.Equal(1, status.Patients)
	req.Equal(3, status.Channels)
	req.Len(h.log.ofType(bus.EventParticipantJoined), 2)
	req.Equal([]string{"D1", "P1"}, h.o.channels.GetOrCreateGeneral(nil).Audience())
}

func TestInitialize_InvalidPreseededParticipantLeavesSessionUntouched(t *testing.T) {
	tests := []struct {
		name string
		bad  participant.Participant
	}{
		{name: "blank identity", bad: participant.Participant{Identity: "  ", Role: participant.RolePatient}},
		{name: "unknown role", bad: participant.Participant{Identity: "N1", Role: "nurse"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			h := newHarness(t, func(o *Options) {
				o.Participants = []participant.Participant{
					{Identity: "D1", Role: participant.RoleDoctor, DisplayName: "Dr. Ana"},
					tt.bad,
				}
			})

			req.Error(h.o.Initialize(context.Background()))

			status := h.o.Status()
			req.Equal(StateUninitialized, status.State)
			req.Zero(status.Participants)
			req.Zero(status.Channels)
			req.Empty(h.log.ofType(bus.EventParticipantJoined))

			h.o.opts.Participants = h.o.opts.Participants[:1]
			req.NoError(h.o.Initialize(context.Background()))
			req.Equal(StateRunning, h.o.State())
		})
	}
}

func TestRegisterParticipant_AgentGetsNoPrivateChannel(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, nil)
	h.start(t)

	req.NoError(h.o.RegisterParticipant(ctx, "A1", participant.RoleAgent, "Recorder"))

	var ids []string
	for _, ch := range h.o.channels.ActiveChannels() {
		ids = append(ids, ch.ID())
	}
	req.Equal([]string{"general", "private_D1", "private_P1"}, ids)

	h.speak(t, calmTurns...)
	delivered := h.o.GenerateAndSendTips(ctx)
	req.Len(delivered, 2)
	for _, tip := range delivered {
		req.NotEqual("A1", tip.TargetParticipantID)
	}
}

func TestRegisterParticipant_RequiresIdentity(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.o.Initialize(context.Background()))

	require.Error(t, h.o.RegisterParticipant(context.Background(), "  ", participant.RoleDoctor, "x"))
}

func TestGenerateAndSendTips_OneTipPerParticipant(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)
	h.start(t)
	h.speak(t, calmTurns...)

	delivered := h.o.GenerateAndSendTips(context.Background())

	req.Len(delivered, 2)
	req.Equal("D1", delivered[0].TargetParticipantID)
	req.Equal(tips.PriorityMedium, delivered[0].Priority)
	req.Equal("doctor_tip", delivered[0].Category)
	req.Equal("P1", delivered[1].TargetParticipantID)
	req.Equal(tips.PriorityLow, delivered[1].Priority)

	deliveries := h.tipDeliveries()
	req.Len(deliveries, 2)
	req.Equal([]string{"D1"}, deliveries[0].Options.TargetIdentities)
	req.Equal([]string{"P1"}, deliveries[1].Options.TargetIdentities)

	var env channel.Envelope
	req.NoError(json.Unmarshal(deliveries[0].Payload, &env))
	req.Equal("ask about recent injuries", env.Content)

	req.Len(h.log.ofType(bus.EventTipGenerated), 2)
	req.False(h.o.Status().LastTipCycle.IsZero())
}

func TestGenerateAndSendTips_NeedsThreeEntries(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)
	h.start(t)
	h.speak(t, calmTurns[:2]...)

	req.Empty(h.o.GenerateAndSendTips(context.Background()))
	req.Zero(h.completer.calls.Load())
	req.Empty(h.tipDeliveries())
}

func TestHandleTranscription_BroadcastsOnGeneral(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)
	h.start(t)

	conf := 0.92
	req.NoError(h.o.HandleTranscription(context.Background(), "P1", "  my back has been stiff ", &conf))

	deliveries := h.transport.Deliveries()
	req.Len(deliveries, 1)
	req.Equal(channel.TopicTranscript, deliveries[0].Options.Topic)
	req.Empty(deliveries[0].Options.TargetIdentities)

	recorded := h.log.ofType(bus.EventTranscriptionRecorded)
	req.Len(recorded, 1)
	req.Equal("my back has been stiff", recorded[0].Message.Text)
	req.InDelta(0.92, *recorded[0].Message.Confidence, 1e-9)
}

func TestHandleTranscription_UnknownParticipantIsDropped(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)
	h.start(t)

	err := h.o.HandleTranscription(context.Background(), "unknown-id", "hello", nil)

	req.NoError(err)
	req.Zero(h.o.Status().HistoryLength)
	req.Empty(h.log.ofType(bus.EventTranscriptionRecorded))
	req.Empty(h.transport.Deliveries())
}

func TestHandleTranscription_EmptyTextIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	require.NoError(t, h.o.HandleTranscription(context.Background(), "D1", "   ", nil))
	require.Zero(t, h.o.Status().HistoryLength)
}

func TestHandleTranscription_TriggerKeywordRunsCycleBeforeReturning(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)
	h.start(t)
	h.speak(t, calmTurns[:2]...)

	req.NoError(h.o.HandleTranscription(context.Background(), "D1", "any severe pain when bending?", nil))

	generated := h.log.ofType(bus.EventTipGenerated)
	req.Len(generated, 2)
	req.Equal("D1", generated[0].Tip.TargetParticipantID)
	req.Equal(tips.PriorityHigh, generated[0].Tip.Priority)
	req.Equal(tips.PriorityLow, generated[1].Tip.Priority)

	// The broadcast still happened alongside the tips
	var transcripts int
	for _, d := range h.transport.Deliveries() {
		if d.Options.Topic == channel.TopicTranscript {
			transcripts++
		}
	}
	req.Equal(3, transcripts)
}

func TestHandleTranscription_TriggerWithShortHistoryProducesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	require.NoError(t, h.o.HandleTranscription(context.Background(), "P1", "help", nil))
	require.Empty(t, h.log.ofType(bus.EventTipGenerated))
}

func TestDeliveryFailureIsLoggedNotRaised(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)
	h.start(t)
	h.speak(t, calmTurns[:2]...)

	h.transport.FailWith(errors.New("link down"))
	req.NoError(h.o.HandleTranscription(context.Background(), "D1", calmTurns[2], nil))

	req.Empty(h.o.GenerateAndSendTips(context.Background()))
	req.EqualValues(2, h.completer.calls.Load())
	req.Empty(h.log.ofType(bus.EventTipGenerated))
	req.Equal(3, h.o.Status().HistoryLength)
}

func TestFailingListenerDoesNotBlockOthers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, nil)

	h.o.AddEventListener(func(context.Context, bus.Event) error { return errors.New("listener down") })
	h.o.AddEventListener(func(context.Context, bus.Event) error { panic("listener exploded") })

	h.start(t)

	req.Len(h.log.ofType(bus.EventParticipantJoined), 2)

	sub := h.o.AddEventListener(h.log.handle)
	req.True(h.o.RemoveEventListener(sub))
	req.NoError(h.o.RegisterParticipant(ctx, "D2", participant.RoleDoctor, "Dr. Bia"))
	req.Len(h.log.ofType(bus.EventParticipantJoined), 3)
}

func TestHandleParticipantLeft(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, nil)
	h.start(t)
	h.speak(t, calmTurns...)

	h.o.HandleParticipantLeft(ctx, "P1")

	req.Len(h.o.Participants(), 1)
	req.Empty(h.o.store.ForParticipant("P1"))
	req.Equal(2, h.o.Status().HistoryLength)
	for _, ch := range h.o.channels.ActiveChannels() {
		req.NotEqual("private_P1", ch.ID())
	}
	left := h.log.ofType(bus.EventParticipantLeft)
	req.Len(left, 1)
	req.Equal("P1", left[0].ParticipantID)

	// Speech from someone who left is dropped
	req.NoError(h.o.HandleTranscription(ctx, "P1", "still here", nil))
	req.Equal(2, h.o.Status().HistoryLength)

	// Unknown leaves publish nothing
	h.o.HandleParticipantLeft(ctx, "P1")
	req.Len(h.log.ofType(bus.EventParticipantLeft), 1)
}

func TestShutdownIsIdempotentAndClearsState(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, nil)
	h.start(t)
	h.speak(t, calmTurns...)

	h.o.Shutdown()
	h.o.Shutdown()

	req.Equal(Status{State: StateShutDown}, h.o.Status())
	req.ErrorIs(h.o.HandleTranscription(ctx, "D1", "hello", nil), ErrNotRunning)
	req.ErrorIs(h.o.RegisterParticipant(ctx, "D1", participant.RoleDoctor, "Dr. Ana"), ErrInvalidState)
	req.Empty(h.o.GenerateAndSendTips(ctx))
	h.o.HandleParticipantLeft(ctx, "D1")
}

func TestPeriodicLoopStopsOnShutdown(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, func(o *Options) { o.TipInterval = 10 * time.Millisecond })
	h.start(t)
	h.speak(t, calmTurns...)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.log.ofType(bus.EventTipGenerated)) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("periodic loop produced no tips")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.o.Shutdown()
	after := len(h.tipDeliveries())
	time.Sleep(50 * time.Millisecond)

	req.Equal(after, len(h.tipDeliveries()), "no deliveries after shutdown")
}

func TestShutdownFromTipListenerDuringPeriodicCycle(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, func(o *Options) { o.TipInterval = 20 * time.Millisecond })

	var once sync.Once
	returned := make(chan struct{})
	h.o.AddEventListener(func(_ context.Context, event bus.Event) error {
		if event.Type == bus.EventTipGenerated {
			once.Do(func() {
				h.o.Shutdown()
				close(returned)
			})
		}
		return nil
	})

	h.start(t)
	h.speak(t, calmTurns...)

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown from a tip listener did not return")
	}

	req.Equal(StateShutDown, h.o.State())
	after := len(h.tipDeliveries())
	time.Sleep(60 * time.Millisecond)
	req.Equal(after, len(h.tipDeliveries()), "no deliveries after shutdown")
}

func TestNew_ClampsHistoryWindowToGate(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.MaxHistory = 2
		o.MinHistory = 3
	})
	require.Equal(t, 3, h.o.opts.MaxHistory)

	h.start(t)
	h.speak(t, calmTurns...)
	require.Len(t, h.o.GenerateAndSendTips(context.Background()), 2)
}

func TestSingleFlightSkipsOverlappingCycle(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, func(o *Options) { o.SingleFlightTips = true })
	h.completer.gate = make(chan struct{})
	h.completer.entry = make(chan struct{}, 1)
	h.start(t)
	h.speak(t, calmTurns...)

	first := make(chan []tips.Tip, 1)
	go func() { first <- h.o.GenerateAndSendTips(context.Background()) }()

	select {
	case <-h.completer.entry:
	case <-time.After(time.Second):
		t.Fatal("first cycle did not start")
	}

	req.Empty(h.o.GenerateAndSendTips(context.Background()))

	close(h.completer.gate)
	req.Len(<-first, 2)
	req.Len(h.tipDeliveries(), 2)
}

func TestCyclesOverlapByDefault(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.speak(t, calmTurns...)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.o.GenerateAndSendTips(context.Background())
		}()
	}
	wg.Wait()

	require.Len(t, h.tipDeliveries(), 4)
}

func TestSystemPromptListsParticipants(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	prompt := h.o.SystemPrompt()
	require.Contains(t, prompt, "- Dr. Ana (doctor)")
	require.Contains(t, prompt, "- Joao (patient)")
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.SessionConfig{
		Title:              "Follow-up",
		TipIntervalSeconds: 30,
		TipTimeoutSeconds:  5,
		SingleFlightTips:   true,
		TriggerKeywords:    []string{"stroke"},
	})

	require.Equal(t, 30*time.Second, opts.TipInterval)
	require.Equal(t, 5*time.Second, opts.TipTimeout)
	require.True(t, opts.SingleFlightTips)
	require.Equal(t, []string{"stroke"}, opts.TriggerKeywords)
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
