package console

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"consultd/pkg/gateway"
	"consultd/pkg/participant"
)

const helpText = `/join <id> <doctor|patient|agent> [name]  register a participant
/leave <id>                               remove a participant
<id>: <text>                              record speech for a participant
/tips                                     run a tip cycle now
/status                                   show the session status
/quit                                     close the console`

type commandKind int

const (
	commandHelp commandKind = iota
	commandJoin
	commandLeave
	commandSay
	commandTips
	commandStatus
	commandQuit
)

type command struct {
	kind     commandKind
	identity string
	role     participant.Role
	name     string
	text     string
}

var errUnknownInput = errors.New("unknown input, type /help")

// parseCommand turns one line of operator input into a command.
func parseCommand(input string) (command, error) {
	input = strings.TrimSpace(input)
	if isExitCommand(input) {
		return command{kind: commandQuit}, nil
	}

	if !strings.HasPrefix(input, "/") {
		identity, text, ok := strings.Cut(input, ":")
		identity, text = strings.TrimSpace(identity), strings.TrimSpace(text)
		if !ok || identity == "" || strings.ContainsAny(identity, " \t") || text == "" {
			return command{}, errUnknownInput
		}
		return command{kind: commandSay, identity: identity, text: text}, nil
	}

	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/help":
		return command{kind: commandHelp}, nil
	case "/tips":
		return command{kind: commandTips}, nil
	case "/status":
		return command{kind: commandStatus}, nil
	case "/leave":
		if len(fields) != 2 {
			return command{}, errors.New("usage: /leave <id>")
		}
		return command{kind: commandLeave, identity: fields[1]}, nil
	case "/join":
		if len(fields) < 3 {
			return command{}, errors.New("usage: /join <id> <role> [name]")
		}
		role, err := participant.ParseRole(fields[2])
		if err != nil {
			return command{}, err
		}
		return command{
			kind:     commandJoin,
			identity: fields[1],
			role:     role,
			name:     strings.Join(fields[3:], " "),
		}, nil
	default:
		return command{}, errUnknownInput
	}
}

// execute runs cmd against the session. Joins, leaves, transcripts and tips
// show up through the event stream, so only failures and summaries come back.
func execute(ctx context.Context, m gateway.Membership, cmd command) []entry {
	switch cmd.kind {
	case commandHelp:
		return []entry{systemEntry(helpText)}
	case commandJoin:
		if err := m.RegisterParticipant(ctx, cmd.identity, cmd.role, cmd.name); err != nil {
			return []entry{errorEntry(fmt.Errorf("join %s: %w", cmd.identity, err))}
		}
	case commandLeave:
		m.HandleParticipantLeft(ctx, cmd.identity)
	case commandSay:
		if err := m.HandleTranscription(ctx, cmd.identity, cmd.text, nil); err != nil {
			return []entry{errorEntry(fmt.Errorf("transcribe %s: %w", cmd.identity, err))}
		}
	case commandTips:
		delivered := m.GenerateAndSendTips(ctx)
		return []entry{systemEntry(fmt.Sprintf("tip cycle delivered %d tips", len(delivered)))}
	case commandStatus:
		st := m.Status()
		return []entry{systemEntry(fmt.Sprintf(
			"state:%s participants:%d doctors:%d patients:%d transcripts:%d channels:%d listeners:%d",
			st.State, st.Participants, st.Doctors, st.Patients, st.HistoryLength, st.Channels, st.Listeners,
		))}
	}
	return nil
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", "/quit", ":q":
		return true
	default:
		return false
	}
}
