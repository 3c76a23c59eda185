package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	watermillsql "github.com/ThreeDotsLabs/watermill-sql/v3/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/ghuser/commandbus/pkg/logger"
	"github.com/ghuser/commandbus/pkg/validator"
)

// Metadata keys used to carry envelope fields on Watermill messages.
const (
	mdRoutingKey        = "routing_key"
	mdCommandType       = "command_type"
	mdReplyEndpoint     = "reply_endpoint"
	mdSagaID            = "saga_id"
	mdSagaReplyEndpoint = "saga_reply_endpoint"
	mdProducer          = "producer"
	mdNeedRetry         = "need_retry"
	mdPayloadType       = "payload_type"
	mdCorrelationID     = "correlation_id"
	mdSourceCommandID   = "source_command_id"
	mdKind              = "kind"
)

// WatermillClient adapts a Watermill subscriber/publisher pair to the Client
// contract. The underlying transports deliver one message at a time per
// consumer group and wait for the ack, so CommitOffset ordering is enforced
// by the transport itself: the next delivery does not arrive until the
// previous one is committed. This makes the Watermill drivers behave like a
// single ordered partition.
type WatermillClient struct {
	sub message.Subscriber
	pub message.Publisher
	log logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewWatermillClient wraps an existing subscriber/publisher pair.
func NewWatermillClient(sub message.Subscriber, pub message.Publisher, log logger.Logger) *WatermillClient {
	return &WatermillClient{sub: sub, pub: pub, log: log}
}

// NewChannelClient returns an in-memory client backed by Watermill's
// gochannel transport. Intended for tests and local development; messages do
// not survive a restart.
func NewChannelClient(log logger.Logger) *WatermillClient {
	ps := gochannel.NewGoChannel(gochannel.Config{}, &slogAdapter{log: log})
	return NewWatermillClient(ps, ps, log)
}

// NewPostgresClient returns a client backed by Watermill's SQL transport.
// Queue tables are created automatically on first use; delivery within a
// consumer group is load-balanced and strictly ordered. pollInterval is how
// long the subscriber waits between empty polls.
func NewPostgresClient(db *sql.DB, group string, pollInterval time.Duration, log logger.Logger) (*WatermillClient, error) {
	wlog := &slogAdapter{log: log}

	pub, err := watermillsql.NewPublisher(
		db,
		watermillsql.PublisherConfig{
			SchemaAdapter:        watermillsql.DefaultPostgreSQLSchema{},
			AutoInitializeSchema: true,
		},
		wlog,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: new publisher: %w", err)
	}

	sub, err := watermillsql.NewSubscriber(
		db,
		watermillsql.SubscriberConfig{
			SchemaAdapter:    watermillsql.DefaultPostgreSQLSchema{},
			OffsetsAdapter:   watermillsql.DefaultPostgreSQLOffsetsAdapter{},
			InitializeSchema: true,
			ConsumerGroup:    group,
			PollInterval:     pollInterval,
		},
		wlog,
	)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("queue: new subscriber: %w", err)
	}

	return NewWatermillClient(sub, pub, log), nil
}

// Start subscribes to queueName and delivers each message to h on a single
// background goroutine. The transport withholds the next message until the
// previous delivery is committed (or skipped), so h is never invoked
// concurrently by one client.
func (c *WatermillClient) Start(ctx context.Context, queueName, group string, h MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("queue: client already started")
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := c.sub.Subscribe(subCtx, queueName)
	if err != nil {
		cancel()
		return fmt.Errorf("queue: subscribe to %s: %w", queueName, err)
	}
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for msg := range ch {
			d := deliveryFromMessage(msg)
			if err := validator.Validate(d); err != nil {
				// Malformed envelope: skip and move on. The pipeline's type
				// gate handles well-formed non-commands.
				c.log.ErrorContext(subCtx, "queue: dropping invalid envelope",
					"message_uuid", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			h(subCtx, d)
		}
	}()

	return nil
}

// CommitOffset acks the underlying message.
func (c *WatermillClient) CommitOffset(ctx context.Context, d *Delivery) error {
	if d.ack == nil {
		return fmt.Errorf("queue: delivery %s has no commit token", d.MessageID)
	}
	return d.ack(ctx)
}

// Publish sends envelopes to their topics (reply endpoints are topics too).
func (c *WatermillClient) Publish(ctx context.Context, envs ...Envelope) error {
	for _, env := range envs {
		msg := messageFromEnvelope(env)
		if err := c.pub.Publish(env.Topic, msg); err != nil {
			return fmt.Errorf("queue: publish %s to %s: %w", env.ID, env.Topic, err)
		}
	}
	return nil
}

// PublishCommand enqueues an inbound command onto queueName. Used by
// producers and tests that feed the consumer.
func (c *WatermillClient) PublishCommand(ctx context.Context, queueName string, cm CommandMessage) error {
	if err := c.pub.Publish(queueName, cm.ToWatermill()); err != nil {
		return fmt.Errorf("queue: publish command to %s: %w", queueName, err)
	}
	return nil
}

// Stop cancels the subscription and waits for the delivery goroutine,
// bounded by ctx.
func (c *WatermillClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := c.sub.Close(); err != nil {
		return fmt.Errorf("queue: close subscriber: %w", err)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("queue: timed out draining deliveries: %w", ctx.Err())
	}

	if err := c.pub.Close(); err != nil {
		return fmt.Errorf("queue: close publisher: %w", err)
	}
	return nil
}

// Ping reports health. The transports here ride an existing resource (a
// shared *sql.DB or process memory) whose health the ops listener probes
// separately.
func (c *WatermillClient) Ping(ctx context.Context) error {
	return nil
}

func deliveryFromMessage(msg *message.Message) *Delivery {
	md := msg.Metadata
	var saga *SagaInfo
	if id := md.Get(mdSagaID); id != "" {
		saga = &SagaInfo{SagaID: id, ReplyEndpoint: md.Get(mdSagaReplyEndpoint)}
	}
	needRetry, _ := strconv.ParseBool(md.Get(mdNeedRetry))

	d := Delivery{
		MessageID:     msg.UUID,
		RoutingKey:    md.Get(mdRoutingKey),
		CommandType:   md.Get(mdCommandType),
		Payload:       msg.Payload,
		ReplyEndpoint: md.Get(mdReplyEndpoint),
		Saga:          saga,
		Producer:      md.Get(mdProducer),
		NeedRetry:     needRetry,
		ReceivedAt:    time.Now().UTC(),
	}
	return d.WithAck(func(context.Context) error {
		if !msg.Ack() {
			return fmt.Errorf("queue: message %s already nacked", msg.UUID)
		}
		return nil
	})
}

func messageFromEnvelope(env Envelope) *message.Message {
	msg := message.NewMessage(env.ID, env.Payload)
	msg.Metadata.Set(mdKind, string(env.Kind))
	msg.Metadata.Set(mdSourceCommandID, env.SourceCommandID)
	msg.Metadata.Set(mdPayloadType, env.PayloadType)
	if env.CorrelationID != "" {
		msg.Metadata.Set(mdCorrelationID, env.CorrelationID)
	}
	if env.Key != "" {
		msg.Metadata.Set(mdRoutingKey, env.Key)
	}
	if env.Producer != "" {
		msg.Metadata.Set(mdProducer, env.Producer)
	}
	if env.Saga != nil {
		msg.Metadata.Set(mdSagaID, env.Saga.SagaID)
		msg.Metadata.Set(mdSagaReplyEndpoint, env.Saga.ReplyEndpoint)
	}
	return msg
}

// ToWatermill renders a CommandMessage as a Watermill message for producers
// and tests that enqueue work onto a command queue.
func (cm CommandMessage) ToWatermill() *message.Message {
	id := cm.MessageID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, cm.Payload)
	msg.Metadata.Set(mdCommandType, cm.CommandType)
	if cm.RoutingKey != "" {
		msg.Metadata.Set(mdRoutingKey, cm.RoutingKey)
	}
	if cm.ReplyEndpoint != "" {
		msg.Metadata.Set(mdReplyEndpoint, cm.ReplyEndpoint)
	}
	if cm.Producer != "" {
		msg.Metadata.Set(mdProducer, cm.Producer)
	}
	if cm.NeedRetry {
		msg.Metadata.Set(mdNeedRetry, "true")
	}
	if cm.Saga != nil {
		msg.Metadata.Set(mdSagaID, cm.Saga.SagaID)
		msg.Metadata.Set(mdSagaReplyEndpoint, cm.Saga.ReplyEndpoint)
	}
	return msg
}

// slogAdapter bridges logger.Logger to watermill.LoggerAdapter.
type slogAdapter struct{ log logger.Logger }

func (a *slogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error(msg, append(fieldsToArgs(fields), "error", err)...)
}
func (a *slogAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info(msg, fieldsToArgs(fields)...)
}
func (a *slogAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, fieldsToArgs(fields)...)
}
func (a *slogAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, fieldsToArgs(fields)...)
}
func (a *slogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &slogAdapter{log: a.log.With(fieldsToArgs(fields)...)}
}

func fieldsToArgs(fields watermill.LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
