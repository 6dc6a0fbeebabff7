package session

import (
	"log/slog"
	"time"

	"consultd/pkg/channel"
	"consultd/pkg/config"
	"consultd/pkg/participant"
	"consultd/pkg/tips"
)

// Options wires an Orchestrator. Transport is required; either Completer or
// Dispatcher supplies tip generation.
type Options struct {
	Transport  channel.Transport
	Completer  tips.Completer
	Dispatcher *tips.Dispatcher
	Logger     *slog.Logger

	Title string
	// TipInterval arms the periodic tip loop when positive.
	TipInterval       time.Duration
	MaxHistory        int
	MinHistory        int
	PromptTurns       int
	TipTimeout        time.Duration
	MaxConcurrentTips int
	// SingleFlightTips skips a tip cycle while another one is in flight.
	SingleFlightTips bool
	PriorityKeywords []string
	TriggerKeywords  []string

	// Participants are registered during Initialize.
	Participants []participant.Participant
}

// OptionsFromConfig maps the session section of the config file. Transport,
// Completer and Logger are left for the caller.
func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		Title:             cfg.Title,
		TipInterval:       time.Duration(cfg.TipIntervalSeconds) * time.Second,
		MaxHistory:        cfg.MaxHistory,
		MinHistory:        cfg.MinHistory,
		PromptTurns:       cfg.PromptTurns,
		TipTimeout:        time.Duration(cfg.TipTimeoutSeconds) * time.Second,
		MaxConcurrentTips: cfg.MaxConcurrentTips,
		SingleFlightTips:  cfg.SingleFlightTips,
		PriorityKeywords:  cfg.PriorityKeywords,
		TriggerKeywords:   cfg.TriggerKeywords,
	}
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = config.DefaultMaxHistory
	}
	if o.MinHistory <= 0 {
		o.MinHistory = config.DefaultMinHistory
	}
	// A window smaller than the gate would never produce a tip.
	if o.MaxHistory < o.MinHistory {
		o.MaxHistory = o.MinHistory
	}
	if o.PromptTurns <= 0 {
		o.PromptTurns = config.DefaultPromptTurns
	}
}
