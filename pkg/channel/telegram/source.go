package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	tu "github.com/mymmrac/telego/telegoutil"

	"consultd/pkg/config"
	"consultd/pkg/gateway"
	"consultd/pkg/participant"
	"consultd/pkg/session"
)

const helpText = `Commands:
/join <doctor|patient|agent> <name> - join the consultation
/leave - leave the consultation
/tips - generate tips now, reporting back when done
/status - show the session status
Anything else you send is recorded as your speech.`

// Source turns Telegram chats into session membership: commands join and
// leave, plain text becomes transcripts.
type Source struct {
	cfg       config.TelegramConfig
	transport *Transport
	allowFrom map[string]struct{}
	log       *slog.Logger

	// cycles tracks /tips runs so Run can wait for them before closing the transport.
	cycles sync.WaitGroup
}

func NewSource(cfg config.TelegramConfig, transport *Transport, log *slog.Logger) (*Source, error) {
	if transport == nil {
		return nil, errors.New("telegram transport is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Source{
		cfg:       cfg,
		transport: transport,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram.source"),
	}, nil
}

// Name returns the source identifier used in status reports and logs.
func (s *Source) Name() string {
	return channelName
}

// Run registers the configured participants, then long-polls updates until
// ctx ends. The transport is closed on return.
func (s *Source) Run(ctx context.Context, m gateway.Membership) error {
	if m == nil {
		return errors.New("membership is required")
	}
	bot := s.transport.bot
	if bot == nil {
		return errors.New("telegram bot is not initialized")
	}
	defer s.transport.Close()
	defer s.cycles.Wait()

	s.registerConfigured(ctx, m)

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	s.log.Info("Telegram source started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			message := update.Message
			if message == nil {
				continue
			}

			content := strings.TrimSpace(message.Text)
			if content == "" {
				continue
			}
			if message.From == nil {
				s.log.Debug("Ignoring message without sender")
				continue
			}

			senderID := strconv.FormatInt(message.From.ID, 10)
			if !s.senderAllowed(senderID) {
				s.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
				continue
			}

			s.log.Debug("Received message", "chat_id", message.Chat.ID, "sender_id", senderID, "content", previewText(content))
			reply := s.handle(ctx, m, message.Chat.ID, senderID, content)
			if reply == "" {
				continue
			}

			s.reply(ctx, message.Chat.ID, reply)
		}
	}
}

func (s *Source) reply(ctx context.Context, chatID int64, text string) {
	if _, err := s.transport.sender.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		s.log.Error("Failed to send telegram reply", "chat_id", chatID, "error", err)
	}
}

func (s *Source) registerConfigured(ctx context.Context, m gateway.Membership) {
	for _, identity := range slices.Sorted(maps.Keys(s.cfg.Participants)) {
		recipient := s.cfg.Participants[identity]
		if strings.TrimSpace(recipient.Role) == "" {
			continue
		}

		if err := m.RegisterParticipant(ctx, identity, roleFromConfig(recipient.Role), recipient.Name); err != nil {
			s.log.Warn("Failed to register configured participant", "participant", identity, "error", err)
		}
	}
}

// handle executes one chat message and returns the reply, if any.
func (s *Source) handle(ctx context.Context, m gateway.Membership, chatID int64, senderID, text string) string {
	identity := s.identityFor(chatID, senderID)

	if !strings.HasPrefix(text, "/") {
		return s.transcribe(ctx, m, identity, text)
	}

	fields := strings.Fields(text)
	command, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")

	switch command {
	case "/start", "/help":
		return helpText
	case "/join":
		return s.join(ctx, m, identity, chatID, fields[1:])
	case "/leave":
		m.HandleParticipantLeft(ctx, identity)
		s.transport.Unbind(identity)
		return "You left the consultation."
	case "/tips":
		s.generateTips(ctx, m, chatID)
		return "Generating tips."
	case "/status":
		return formatStatus(m.Status())
	default:
		return "Unknown command.\n" + helpText
	}
}

// generateTips runs a tip cycle off the polling goroutine and reports the
// delivered count to chatID when it ends.
func (s *Source) generateTips(ctx context.Context, m gateway.Membership, chatID int64) {
	s.cycles.Go(func() {
		delivered := m.GenerateAndSendTips(ctx)
		s.reply(ctx, chatID, fmt.Sprintf("%d tips delivered.", len(delivered)))
	})
}

func (s *Source) join(ctx context.Context, m gateway.Membership, identity string, chatID int64, args []string) string {
	if len(args) == 0 {
		return "Usage: /join <doctor|patient|agent> <name>"
	}

	role, err := participant.ParseRole(args[0])
	if err != nil {
		return fmt.Sprintf("Unknown role %q. Use doctor, patient or agent.", args[0])
	}
	name := strings.Join(args[1:], " ")

	s.transport.Bind(identity, chatID)
	if err := m.RegisterParticipant(ctx, identity, role, name); err != nil {
		s.transport.Unbind(identity)
		s.log.Warn("Join failed", "participant", identity, "error", err)
		return "Could not join: " + err.Error()
	}

	if name == "" {
		name = identity
	}
	return fmt.Sprintf("Joined as %s (%s).", name, role)
}

func (s *Source) transcribe(ctx context.Context, m gateway.Membership, identity, text string) string {
	if _, bound := s.transport.chatFor(identity); !bound {
		return "Send /join <role> <name> first."
	}

	err := m.HandleTranscription(ctx, identity, text, nil)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrNotRunning):
		return "The consultation is not running."
	default:
		s.log.Error("Failed to record transcription", "participant", identity, "error", err)
		return "Could not record your message."
	}
}

// identityFor prefers an existing binding, then a configured participant
// using the chat, then an identity derived from the sender.
func (s *Source) identityFor(chatID int64, senderID string) string {
	if identity, ok := s.transport.IdentityForChat(chatID); ok {
		return identity
	}
	for _, identity := range slices.Sorted(maps.Keys(s.cfg.Participants)) {
		if s.cfg.Participants[identity].ChatID == chatID {
			return identity
		}
	}
	return "telegram:" + strings.TrimSpace(senderID)
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (s *Source) senderAllowed(senderID string) bool {
	if len(s.allowFrom) == 0 {
		return true
	}

	_, ok := s.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

func formatStatus(st session.Status) string {
	var b strings.Builder
	if st.Title != "" {
		fmt.Fprintf(&b, "%s\n", st.Title)
	}
	fmt.Fprintf(&b, "State: %s\nParticipants: %d (doctors %d, patients %d)\nTranscripts: %d",
		st.State, st.Participants, st.Doctors, st.Patients, st.HistoryLength)
	if !st.LastTipCycle.IsZero() {
		fmt.Fprintf(&b, "\nLast tips: %s", st.LastTipCycle.Format("15:04:05"))
	}
	return b.String()
}
