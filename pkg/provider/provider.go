// Package provider builds the language-model client tips are generated with.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"consultd/pkg/config"
	providerfantasy "consultd/pkg/provider/fantasy"
	provideropenai "consultd/pkg/provider/openai"
	"consultd/pkg/provider/opencode"
	"consultd/pkg/tips"
)

// Client completes single-shot prompts and reports backend reachability.
type Client interface {
	tips.Completer
	Health(ctx context.Context) error
}

func New(cfg *config.Config) (Client, error) {
	providerID := cfg.Provider.Name
	if providerID == "" {
		providerID = "openai"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case "openai":
		return provideropenai.New(cfg)
	case "fantasy":
		return providerfantasy.New(cfg)
	case "opencode":
		return opencode.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
