package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/require"

	"consultd/pkg/channel"
	"consultd/pkg/config"
	"consultd/pkg/logger"
	"consultd/pkg/participant"
	"consultd/pkg/session"
	"consultd/pkg/tips"
	"consultd/pkg/transcript"
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[int64]error
}

func (f *fakeSender) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fail[params.ChatID.ID]; err != nil {
		return nil, err
	}
	f.sent = append(f.sent, sentMessage{chatID: params.ChatID.ID, text: params.Text})
	return &telego.Message{}, nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type joinCall struct {
	identity string
	role     participant.Role
	name     string
}

type fakeMembership struct {
	joinErr       error
	transcribeErr error

	joins      []joinCall
	said       []string
	left       []string
	tipsCycles int
	tipsGate   chan struct{}
	status     session.Status
}

func (f *fakeMembership) RegisterParticipant(_ context.Context, identity string, role participant.Role, name string) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joins = append(f.joins, joinCall{identity: identity, role: role, name: name})
	return nil
}

func (f *fakeMembership) HandleTranscription(_ context.Context, identity, text string, _ *float64) error {
	if f.transcribeErr != nil {
		return f.transcribeErr
	}
	f.said = append(f.said, identity+"|"+text)
	return nil
}

func (f *fakeMembership) HandleParticipantLeft(_ context.Context, identity string) {
	f.left = append(f.left, identity)
}

func (f *fakeMembership) GenerateAndSendTips(context.Context) []tips.Tip {
	if f.tipsGate != nil {
		<-f.tipsGate
	}
	f.tipsCycles++
	return []tips.Tip{{TargetParticipantID: "D1"}, {TargetParticipantID: "P1"}}
}

func (f *fakeMembership) Status() session.Status {
	return f.status
}

func newTestSource(t *testing.T, cfg config.TelegramConfig) (*Source, *fakeSender) {
	t.Helper()

	sender := &fakeSender{}
	transport := newTransport(sender, logger.Discard())
	for identity, recipient := range cfg.Participants {
		transport.Bind(identity, recipient.ChatID)
	}

	source, err := NewSource(cfg, transport, logger.Discard())
	require.NoError(t, err)
	return source, sender
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	require.Len(t, allowed, 2)
	require.Contains(t, allowed, "123")
	require.Contains(t, allowed, "456")

	require.Nil(t, allowFromSet([]string{" ", ""}))
}

func TestSenderAllowed(t *testing.T) {
	source, _ := newTestSource(t, config.TelegramConfig{AllowFrom: []string{"1"}})
	require.True(t, source.senderAllowed("1"))
	require.False(t, source.senderAllowed("2"))

	source.allowFrom = nil
	require.True(t, source.senderAllowed("any"))
}

func TestPreviewText(t *testing.T) {
	require.Equal(t, "hello", previewText(" hello "))

	got := previewText(strings.Repeat("a", messagePreviewLimit+20))
	require.Len(t, got, messagePreviewLimit+3)
	require.True(t, strings.HasSuffix(got, "..."))
}

func TestRoleFromConfig(t *testing.T) {
	require.Equal(t, participant.RoleDoctor, roleFromConfig("Doctor"))
	require.Equal(t, participant.RoleAgent, roleFromConfig("agent"))
	require.Equal(t, participant.RolePatient, roleFromConfig("nurse"))
}

func TestNewTransportRequiresToken(t *testing.T) {
	_, err := NewTransport(config.TelegramConfig{Token: "  "}, logger.Discard())
	require.ErrorContains(t, err, "token is required")
}

func TestPublish_BroadcastReachesEveryBoundChat(t *testing.T) {
	sender := &fakeSender{}
	transport := newTransport(sender, logger.Discard())
	transport.Bind("D1", 10)
	transport.Bind("P1", 20)

	manager := channel.NewManager(transport, func() []string { return []string{"D1", "P1"} }, logger.Discard())
	manager.GetOrCreateGeneral(nil)

	msg := transcript.Message{
		ParticipantID:   "D1",
		ParticipantRole: participant.RoleDoctor,
		Text:            "how long has it hurt",
		Timestamp:       time.Now().UTC(),
	}
	require.NoError(t, manager.BroadcastTranscript(context.Background(), msg))

	require.Equal(t, []sentMessage{
		{chatID: 10, text: "Doctor: how long has it hurt"},
		{chatID: 20, text: "Doctor: how long has it hurt"},
	}, sender.messages())
}

func TestPublish_TipReachesOnlyTarget(t *testing.T) {
	sender := &fakeSender{}
	transport := newTransport(sender, logger.Discard())
	transport.Bind("D1", 10)
	transport.Bind("P1", 20)

	manager := channel.NewManager(transport, func() []string { return []string{"D1", "P1"} }, logger.Discard())
	err := manager.SendTip(context.Background(), tips.Tip{
		TargetParticipantID: "P1",
		Content:             "Mention when the pain started.",
		Priority:            tips.PriorityHigh,
		Category:            "patient_tip",
	})
	require.NoError(t, err)

	require.Equal(t, []sentMessage{{chatID: 20, text: "Tip [HIGH]: Mention when the pain started."}}, sender.messages())
}

func TestPublish_Errors(t *testing.T) {
	boom := errors.New("boom")

	sender := &fakeSender{fail: map[int64]error{20: boom}}
	transport := newTransport(sender, logger.Discard())
	transport.Bind("D1", 10)
	transport.Bind("P1", 20)
	ctx := context.Background()

	err := transport.Publish(ctx, []byte(`{"type":"tip","content":"x"}`), channel.PublishOptions{TargetIdentities: []string{"nobody"}})
	require.ErrorIs(t, err, ErrUnboundIdentity)

	err = transport.Publish(ctx, []byte(`{"type":"tip","content":"x"}`), channel.PublishOptions{})
	require.ErrorIs(t, err, boom)
	require.Len(t, sender.messages(), 1, "healthy chats still receive the broadcast")

	err = transport.Publish(ctx, []byte("not json"), channel.PublishOptions{})
	require.ErrorContains(t, err, "decode envelope")
}

func TestCloseDisconnects(t *testing.T) {
	transport := newTransport(&fakeSender{}, logger.Discard())
	require.True(t, transport.Connected())

	transport.Close()
	require.False(t, transport.Connected())
}

func TestHandle_JoinBindsAndRegisters(t *testing.T) {
	source, _ := newTestSource(t, config.TelegramConfig{})
	m := &fakeMembership{}
	ctx := context.Background()

	reply := source.handle(ctx, m, 42, "42", "/join doctor Dr Ana")
	require.Equal(t, "Joined as Dr Ana (doctor).", reply)
	require.Equal(t, []joinCall{{identity: "telegram:42", role: participant.RoleDoctor, name: "Dr Ana"}}, m.joins)

	identity, ok := source.transport.IdentityForChat(42)
	require.True(t, ok)
	require.Equal(t, "telegram:42", identity)
}

func TestHandle_JoinRejectsBadInput(t *testing.T) {
	source, _ := newTestSource(t, config.TelegramConfig{})
	m := &fakeMembership{}
	ctx := context.Background()

	require.Contains(t, source.handle(ctx, m, 42, "42", "/join"), "Usage")
	require.Contains(t, source.handle(ctx, m, 42, "42", "/join nurse Kim"), "Unknown role")
	require.Empty(t, m.joins)

	m.joinErr = session.ErrInvalidState
	require.Contains(t, source.handle(ctx, m, 42, "42", "/join patient Kim"), "Could not join")
	_, bound := source.transport.IdentityForChat(42)
	require.False(t, bound)
}

func TestHandle_TextBeforeJoinIsNotRecorded(t *testing.T) {
	source, _ := newTestSource(t, config.TelegramConfig{})
	m := &fakeMembership{}

	reply := source.handle(context.Background(), m, 42, "42", "hello")
	require.Contains(t, reply, "/join")
	require.Empty(t, m.said)
}

func TestHandle_TextAfterJoinIsTranscribed(t *testing.T) {
	source, _ := newTestSource(t, config.TelegramConfig{})
	m := &fakeMembership{}
	ctx := context.Background()

	source.handle(ctx, m, 42, "42", "/join patient Kim")
	require.Empty(t, source.handle(ctx, m, 42, "42", "my back hurts"))
	require.Equal(t, []string{"telegram:42|my back hurts"}, m.said)

	m.transcribeErr = session.ErrNotRunning
	require.Equal(t, "The consultation is not running.", source.handle(ctx, m, 42, "42", "still here"))
}

func TestHandle_ConfiguredParticipantKeepsIdentity(t *testing.T) {
	cfg := config.TelegramConfig{Participants: map[string]config.TelegramRecipient{
		"D1": {ChatID: 7, Role: "doctor", Name: "Dr Ana"},
	}}
	source, _ := newTestSource(t, cfg)
	m := &fakeMembership{}
	ctx := context.Background()

	source.handle(ctx, m, 7, "7", "/leave")
	require.Equal(t, []string{"D1"}, m.left)
	_, bound := source.transport.IdentityForChat(7)
	require.False(t, bound)

	source.handle(ctx, m, 7, "7", "/join doctor Dr Ana")
	require.Equal(t, "D1", m.joins[0].identity)
}

func TestHandle_Commands(t *testing.T) {
	source, _ := newTestSource(t, config.TelegramConfig{})
	m := &fakeMembership{status: session.Status{Title: "Visit", State: session.StateRunning, Participants: 2, Doctors: 1, Patients: 1, HistoryLength: 5}}
	ctx := context.Background()

	require.Equal(t, helpText, source.handle(ctx, m, 1, "1", "/help"))
	require.Equal(t, helpText, source.handle(ctx, m, 1, "1", "/start@consult_bot"))

	status := source.handle(ctx, m, 1, "1", "/status")
	require.Contains(t, status, "Visit")
	require.Contains(t, status, "State: running")
	require.Contains(t, status, "Participants: 2 (doctors 1, patients 1)")
	require.Contains(t, status, "Transcripts: 5")

	require.True(t, strings.HasPrefix(source.handle(ctx, m, 1, "1", "/dance"), "Unknown command."))
}

func TestHandle_TipsReplyArrivesAfterCycle(t *testing.T) {
	source, sender := newTestSource(t, config.TelegramConfig{})
	m := &fakeMembership{tipsGate: make(chan struct{})}

	require.Equal(t, "Generating tips.", source.handle(context.Background(), m, 1, "1", "/tips"))
	require.Empty(t, sender.messages())

	close(m.tipsGate)
	source.cycles.Wait()

	require.Equal(t, 1, m.tipsCycles)
	require.Equal(t, []sentMessage{{chatID: 1, text: "2 tips delivered."}}, sender.messages())
}

func TestRegisterConfigured(t *testing.T) {
	cfg := config.TelegramConfig{Participants: map[string]config.TelegramRecipient{
		"P1": {ChatID: 20, Role: "patient", Name: "Kim"},
		"D1": {ChatID: 10, Role: "doctor", Name: "Dr Ana"},
		"X":  {ChatID: 30},
	}}
	source, _ := newTestSource(t, cfg)
	m := &fakeMembership{}

	source.registerConfigured(context.Background(), m)
	require.Equal(t, []joinCall{
		{identity: "D1", role: participant.RoleDoctor, name: "Dr Ana"},
		{identity: "P1", role: participant.RolePatient, name: "Kim"},
	}, m.joins)
}

func TestRunRequiresBot(t *testing.T) {
	source, _ := newTestSource(t, config.TelegramConfig{})
	err := source.Run(context.Background(), &fakeMembership{})
	require.ErrorContains(t, err, "bot is not initialized")
}
