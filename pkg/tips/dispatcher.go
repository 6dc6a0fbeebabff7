package tips

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"consultd/pkg/participant"
	"consultd/pkg/urgency"
)

// DefaultMinHistory is the shortest history that produces tips.
const DefaultMinHistory = 3

// Dispatcher picks the strategy registered for a participant's role and turns
// its output into a Tip. Adding a role is a Register call.
type Dispatcher struct {
	log        *slog.Logger
	minHistory int
	timeout    time.Duration
	limit      int
	now        func() time.Time

	mu         sync.RWMutex
	strategies map[participant.Role]Strategy
}

type Option func(*Dispatcher)

// WithMinHistory sets the history gate. Values below one disable it.
func WithMinHistory(n int) Option {
	return func(d *Dispatcher) { d.minHistory = n }
}

// WithTimeout bounds each strategy call.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithConcurrency caps simultaneous strategy calls in GenerateForAll.
func WithConcurrency(limit int) Option {
	return func(d *Dispatcher) { d.limit = limit }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(log *slog.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}

	d := &Dispatcher{
		log:        log.With("component", "tips.dispatcher"),
		minHistory: DefaultMinHistory,
		now:        func() time.Time { return time.Now().UTC() },
		strategies: make(map[participant.Role]Strategy),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewClinicalDispatcher registers the doctor and patient strategies over one
// language model.
func NewClinicalDispatcher(completer Completer, priority *urgency.Matcher, turns int, log *slog.Logger, opts ...Option) *Dispatcher {
	d := NewDispatcher(log, opts...)
	d.Register(participant.RoleDoctor, NewProfessionalStrategy(completer, priority, turns))
	d.Register(participant.RolePatient, NewLayStrategy(completer, turns))
	return d
}

// Register binds strategy to role, replacing any previous binding.
// Agents never receive tips, whatever is registered for them.
func (d *Dispatcher) Register(role participant.Role, strategy Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.strategies[role] = strategy
}

func (d *Dispatcher) strategy(role participant.Role) (Strategy, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.strategies[role]
	return s, ok
}

// Generate produces a tip for target. It reports false when the history is too
// short, no strategy handles the role or the strategy fails.
func (d *Dispatcher) Generate(ctx context.Context, tc Context, target participant.Participant) (Tip, bool) {
	if !target.Role.ReceivesTips() || len(tc.History) < d.minHistory {
		return Tip{}, false
	}

	strategy, ok := d.strategy(target.Role)
	if !ok {
		d.log.Warn("No tip strategy for role", "role", target.Role, "participant", target.Identity)
		return Tip{}, false
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	startedAt := time.Now()
	content, err := strategy.Generate(ctx, tc, target)
	if err != nil {
		err = fmt.Errorf("%w for %s: %w", ErrGenerationFailed, target.Identity, err)
		d.log.Error("Tip generation failed", "participant", target.Identity, "role", target.Role, "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return Tip{}, false
	}

	tip := Tip{
		TargetParticipantID: target.Identity,
		Content:             content,
		Timestamp:           d.now(),
		Priority:            strategy.Priority(tc),
		Category:            category(target.Role),
	}
	d.log.Debug("Tip generated", "participant", target.Identity, "priority", tip.Priority, "duration_ms", time.Since(startedAt).Milliseconds())

	return tip, true
}

// GenerateForAll runs Generate concurrently for every participant that can
// receive tips. Failures are dropped; successes keep the input order.
func (d *Dispatcher) GenerateForAll(ctx context.Context, tc Context, participants []participant.Participant) []Tip {
	if len(tc.History) < d.minHistory {
		d.log.Debug("Skipping tip cycle, not enough history", "history", len(tc.History), "min", d.minHistory)
		return nil
	}

	eligible := lo.Filter(participants, func(p participant.Participant, _ int) bool {
		return p.Role.ReceivesTips()
	})
	if len(eligible) == 0 {
		return nil
	}

	results := make([]*Tip, len(eligible))
	var g errgroup.Group
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}
	for i, p := range eligible {
		g.Go(func() error {
			if tip, ok := d.Generate(ctx, tc, p); ok {
				results[i] = &tip
			}
			return nil
		})
	}
	_ = g.Wait()

	tips := make([]Tip, 0, len(results))
	for _, tip := range results {
		if tip != nil {
			tips = append(tips, *tip)
		}
	}
	return tips
}
