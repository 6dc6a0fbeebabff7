// Package console is an in-process transport that records every publish. The
// operator console and tests read deliveries back from it.
package console

import (
	"context"
	"errors"
	"slices"
	"sync"

	"consultd/pkg/channel"
)

var ErrClosed = errors.New("console transport closed")

// Delivery is one recorded publish.
type Delivery struct {
	Payload []byte
	Options channel.PublishOptions
}

type Transport struct {
	mu         sync.Mutex
	connected  bool
	deliveries []Delivery
	fail       error
}

func New() *Transport {
	return &Transport{connected: true}
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SetConnected flips the connection state.
func (t *Transport) SetConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
}

// FailWith makes every later Publish return err. A nil err restores delivery.
func (t *Transport) FailWith(err error) {
	t.mu.Lock()
	t.fail = err
	t.mu.Unlock()
}

func (t *Transport) Publish(ctx context.Context, payload []byte, opts channel.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return ErrClosed
	}
	if t.fail != nil {
		return t.fail
	}

	d := Delivery{Payload: slices.Clone(payload), Options: opts}
	d.Options.TargetIdentities = slices.Clone(opts.TargetIdentities)
	t.deliveries = append(t.deliveries, d)
	return nil
}

// Deliveries returns a copy of everything published so far.
func (t *Transport) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.deliveries)
}
