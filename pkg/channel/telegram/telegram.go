// Package telegram carries the consultation over the Telegram Bot API. The
// Transport delivers channel payloads to bound chats; the Source turns chat
// commands and plain text into session operations.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"consultd/pkg/channel"
	"consultd/pkg/config"
	"consultd/pkg/participant"
	"consultd/pkg/transcript"
)

const channelName = "telegram"
const messagePreviewLimit = 240

var ErrUnboundIdentity = errors.New("identity has no telegram chat")

// messageSender is the slice of *telego.Bot the transport needs.
type messageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Transport maps participant identities to chats. Broadcasts reach every bound
// chat; targeted publishes reach only the named identities.
type Transport struct {
	bot    *telego.Bot
	sender messageSender
	log    *slog.Logger

	mu        sync.RWMutex
	chats     map[string]int64
	connected bool
}

// NewTransport validates the token, creates the bot client and binds the
// participants listed in cfg.
func NewTransport(cfg config.TelegramConfig, log *slog.Logger) (*Transport, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	t := newTransport(bot, log)
	t.bot = bot
	for identity, recipient := range cfg.Participants {
		t.Bind(identity, recipient.ChatID)
	}
	return t, nil
}

func newTransport(sender messageSender, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}

	return &Transport{
		sender:    sender,
		log:       log.With("component", "channel.telegram"),
		chats:     make(map[string]int64),
		connected: true,
	}
}

// Bind routes identity's deliveries to chatID.
func (t *Transport) Bind(identity string, chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.chats[strings.TrimSpace(identity)] = chatID
}

func (t *Transport) Unbind(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.chats, identity)
}

// IdentityForChat returns the identity bound to chatID, if any.
func (t *Transport) IdentityForChat(chatID int64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for identity, bound := range t.chats {
		if bound == chatID {
			return identity, true
		}
	}
	return "", false
}

func (t *Transport) chatFor(identity string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	chatID, ok := t.chats[identity]
	return chatID, ok
}

func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Close stops further deliveries.
func (t *Transport) Close() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *Transport) Publish(ctx context.Context, payload []byte, opts channel.PublishOptions) error {
	text, err := render(payload)
	if err != nil {
		return err
	}

	targets, err := t.resolve(opts.TargetIdentities)
	if err != nil {
		return err
	}

	var errs []error
	for _, chatID := range targets {
		t.log.Debug("Sending message", "chat_id", chatID, "topic", opts.Topic, "content", previewText(text))
		if _, err := t.sender.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
			errs = append(errs, fmt.Errorf("send to chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) resolve(identities []string) ([]int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(identities) == 0 {
		targets := make([]int64, 0, len(t.chats))
		for _, chatID := range t.chats {
			if !slices.Contains(targets, chatID) {
				targets = append(targets, chatID)
			}
		}
		slices.Sort(targets)
		return targets, nil
	}

	targets := make([]int64, 0, len(identities))
	for _, identity := range identities {
		chatID, ok := t.chats[identity]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnboundIdentity, identity)
		}
		targets = append(targets, chatID)
	}
	return targets, nil
}

// render turns a channel envelope into chat text.
func render(payload []byte) (string, error) {
	var env channel.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case channel.TopicTranscript:
		var msg transcript.Message
		if err := json.Unmarshal([]byte(env.Content), &msg); err != nil {
			return "", fmt.Errorf("decode transcript: %w", err)
		}
		return msg.Line(), nil
	case channel.TopicTip:
		return fmt.Sprintf("Tip [%s]: %s", strings.ToUpper(env.Priority), env.Content), nil
	default:
		return env.Content, nil
	}
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

func roleFromConfig(value string) participant.Role {
	role, err := participant.ParseRole(value)
	if err != nil {
		return participant.RolePatient
	}
	return role
}
