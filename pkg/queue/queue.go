// Package queue defines the transport contract between the command consumer
// and the message queue, plus the adapters that implement it (Watermill for
// in-memory and Postgres-backed queues, franz-go for Kafka).
//
// Adapters deliver inbound commands one at a time to a MessageHandler and own
// the commit token for each delivery. The handler is expected to block when
// the consumer is saturated; a blocked handler stalls the adapter's delivery
// loop, which is how backpressure reaches the transport.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SagaInfo correlates a command with the saga coordinator that issued it.
// The saga id is opaque to the consumer; replies route to ReplyEndpoint.
type SagaInfo struct {
	SagaID        string `json:"saga_id"`
	ReplyEndpoint string `json:"reply_endpoint"`
}

// Delivery is one inbound command message together with consumer-side
// metadata and the adapter-owned commit token.
type Delivery struct {
	MessageID     string `validate:"required"`
	RoutingKey    string
	CommandType   string
	Payload       []byte
	ReplyEndpoint string
	Saga          *SagaInfo
	Producer      string
	NeedRetry     bool
	ReceivedAt    time.Time

	// ack commits this delivery's offset on the owning adapter.
	ack func(ctx context.Context) error
}

// Key returns the mailbox routing key: the routing key when present,
// otherwise the message id (per-message parallelism, no cross-ordering).
func (d *Delivery) Key() string {
	if d.RoutingKey != "" {
		return d.RoutingKey
	}
	return d.MessageID
}

// WithAck returns a copy of d bound to the given commit function.
// Adapters call this when constructing deliveries; tests use it to observe
// offset commits.
func (d Delivery) WithAck(ack func(ctx context.Context) error) *Delivery {
	d.ack = ack
	return &d
}

// Kind distinguishes outbound envelope flavors.
type Kind string

const (
	KindEvent Kind = "event"
	KindReply Kind = "reply"
)

// Envelope is one outbound message: a domain event bound for a topic or a
// reply bound for the requester's reply endpoint.
type Envelope struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	SourceCommandID string    `json:"source_command_id"`
	Topic           string    `json:"topic"` // event topic, or reply endpoint for KindReply
	Key             string    `json:"key,omitempty"`
	Saga            *SagaInfo `json:"saga,omitempty"`
	Producer        string    `json:"producer,omitempty"`
	PayloadType     string    `json:"payload_type"`
	Payload         []byte    `json:"payload"`
}

// WrapOptions carries the optional fields of Wrap.
type WrapOptions struct {
	Kind            Kind
	CorrelationID   string
	SourceCommandID string
	Topic           string
	Key             string
	Saga            *SagaInfo
	Producer        string
	PayloadType     string
}

// Wrap builds an outbound envelope with a fresh envelope id. Envelope
// construction is transport-independent, so it lives here rather than on the
// Client implementations.
func Wrap(payload []byte, opts WrapOptions) Envelope {
	kind := opts.Kind
	if kind == "" {
		kind = KindEvent
	}
	return Envelope{
		ID:              uuid.NewString(),
		Kind:            kind,
		CorrelationID:   opts.CorrelationID,
		SourceCommandID: opts.SourceCommandID,
		Topic:           opts.Topic,
		Key:             opts.Key,
		Saga:            opts.Saga,
		Producer:        opts.Producer,
		PayloadType:     opts.PayloadType,
		Payload:         payload,
	}
}

// CommandMessage is the producer-side shape of an inbound command. Adapters
// render it to their wire format (Watermill message, Kafka record).
type CommandMessage struct {
	MessageID     string
	CommandType   string
	RoutingKey    string
	ReplyEndpoint string
	Producer      string
	NeedRetry     bool
	Saga          *SagaInfo
	Payload       []byte
}

// MessageHandler receives each inbound delivery. Implementations may block
// to apply backpressure; the delivery stays uncommitted until
// Client.CommitOffset is called for it.
type MessageHandler func(ctx context.Context, d *Delivery)

// Publisher sends outbound envelopes. Satisfied by every Client; the outbox
// relay depends on this narrower interface.
type Publisher interface {
	Publish(ctx context.Context, envs ...Envelope) error
}

// Client is the adapter contract the consumer core depends on.
//
// Ordering guarantee required from adapters: deliveries bearing the same
// routing key arrive in producer order within a single consumer generation.
// Cross-key ordering is unspecified.
type Client interface {
	Publisher

	// Start begins delivering messages from queueName for the given consumer
	// group. It returns once the subscription is established; deliveries
	// arrive on adapter-owned goroutines.
	Start(ctx context.Context, queueName, group string, h MessageHandler) error

	// CommitOffset durably marks d (and, transport permitting, all lower
	// offsets on the same partition) as consumed. Must only be called after
	// the delivery's effects are durable or the delivery was a no-op.
	CommitOffset(ctx context.Context, d *Delivery) error

	// Stop quiesces the subscription: no new deliveries, in-flight handler
	// invocations drain.
	Stop(ctx context.Context) error

	// Ping reports transport health.
	Ping(ctx context.Context) error
}
