package tips

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"consultd/pkg/participant"
	"consultd/pkg/transcript"
)

// DefaultPromptTurns is how many history entries a strategy quotes.
const DefaultPromptTurns = 10

//go:embed templates/*.md
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.md"))

type promptData struct {
	SystemPrompt string
	History      []transcript.Message
}

// renderPrompt fills the named template with the system prompt and the last
// turns entries of the history.
func renderPrompt(name string, tc Context, turns int) (string, error) {
	if turns <= 0 {
		turns = DefaultPromptTurns
	}

	history := tc.History
	if len(history) > turns {
		history = history[len(history)-turns:]
	}

	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, name+".md", promptData{
		SystemPrompt: strings.TrimSpace(tc.SystemPrompt),
		History:      history,
	}); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}

	return strings.TrimSpace(b.String()), nil
}

// SystemPrompt describes the session and lists who is present.
func SystemPrompt(participants []participant.Participant) string {
	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, "system.md", participants); err != nil {
		panic(err)
	}

	return strings.TrimSpace(b.String())
}
