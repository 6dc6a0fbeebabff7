// Package channel routes transcripts and tips to their audience over an
// external transport: one general broadcast channel and one private channel
// per participant.
package channel

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var ErrDeliveryFailed = errors.New("delivery failed")

type Type string

const (
	TypeGeneral Type = "general"
	TypePrivate Type = "private"
)

const (
	GeneralChannelID = "general"

	TopicTranscript = "transcript"
	TopicTip        = "tip"
)

// PublishOptions mirror the data-packet options of the underlying transport.
// An empty TargetIdentities means everyone connected.
type PublishOptions struct {
	Reliable         bool
	Topic            string
	TargetIdentities []string
}

// Transport is the outbound capability channels send through.
type Transport interface {
	Publish(ctx context.Context, payload []byte, opts PublishOptions) error
	Connected() bool
}

// Channel is a logical addressed stream.
type Channel interface {
	ID() string
	Type() Type
	Audience() []string
	Send(ctx context.Context, topic string, payload []byte) error
}

// General reaches every participant present at send time. The initial
// audience only seeds Audience until a live resolver is attached.
type General struct {
	transport Transport
	initial   []string
	resolve   func() []string
}

func newGeneral(transport Transport, initial []string, resolve func() []string) *General {
	return &General{transport: transport, initial: slices.Clone(initial), resolve: resolve}
}

func (g *General) ID() string { return GeneralChannelID }
func (g *General) Type() Type { return TypeGeneral }

func (g *General) Audience() []string {
	if g.resolve != nil {
		return g.resolve()
	}
	return slices.Clone(g.initial)
}

func (g *General) Send(ctx context.Context, topic string, payload []byte) error {
	return publish(ctx, g.transport, payload, PublishOptions{Reliable: true, Topic: topic})
}

// Private reaches exactly one identity, fixed at creation.
type Private struct {
	transport Transport
	identity  string
}

func newPrivate(transport Transport, identity string) *Private {
	return &Private{transport: transport, identity: identity}
}

// PrivateChannelID is the channel id used for identity's private channel.
func PrivateChannelID(identity string) string {
	return "private_" + identity
}

func (p *Private) ID() string         { return PrivateChannelID(p.identity) }
func (p *Private) Type() Type         { return TypePrivate }
func (p *Private) Audience() []string { return []string{p.identity} }

func (p *Private) Send(ctx context.Context, topic string, payload []byte) error {
	return publish(ctx, p.transport, payload, PublishOptions{
		Reliable:         true,
		Topic:            topic,
		TargetIdentities: []string{p.identity},
	})
}

func publish(ctx context.Context, transport Transport, payload []byte, opts PublishOptions) error {
	if transport == nil || !transport.Connected() {
		return fmt.Errorf("%w: transport not connected", ErrDeliveryFailed)
	}
	if err := transport.Publish(ctx, payload, opts); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}
