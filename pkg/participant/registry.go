package participant

import (
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Registry maps identities to participants. It is passive: callers decide
// which events to emit around its mutations.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Participant
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[string]Participant)}
}

// Register inserts or overwrites the participant stored under identity.
func (r *Registry) Register(identity string, role Role, displayName string) Participant {
	p := Participant{
		Identity:    strings.TrimSpace(identity),
		Role:        role,
		DisplayName: strings.TrimSpace(displayName),
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Identity
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[p.Identity] = p

	return p
}

// Remove deletes identity and reports whether it was present.
func (r *Registry) Remove(identity string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[identity]
	if ok {
		delete(r.members, identity)
	}
	return p, ok
}

func (r *Registry) Get(identity string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.members[identity]
	return p, ok
}

// All returns a snapshot ordered by identity.
func (r *Registry) All() []Participant {
	r.mu.RLock()
	out := make([]Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Participant) int {
		return strings.Compare(a.Identity, b.Identity)
	})
	return out
}

// ByRole returns the snapshot filtered to one role.
func (r *Registry) ByRole(role Role) []Participant {
	return lo.Filter(r.All(), func(p Participant, _ int) bool {
		return p.Role == role
	})
}

// Identities returns the registered identities in All order.
func (r *Registry) Identities() []string {
	return lo.Map(r.All(), func(p Participant, _ int) string {
		return p.Identity
	})
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.members)
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.members)
}
