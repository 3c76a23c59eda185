package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kslog"

	"github.com/ghuser/commandbus/pkg/logger"
	"github.com/ghuser/commandbus/pkg/validator"
)

// Record header keys for command and envelope metadata.
const (
	hdrMessageID         = "message_id"
	hdrCommandType       = "command_type"
	hdrReplyEndpoint     = "reply_endpoint"
	hdrSagaID            = "saga_id"
	hdrSagaReplyEndpoint = "saga_reply_endpoint"
	hdrProducer          = "producer"
	hdrNeedRetry         = "need_retry"
	hdrPayloadType       = "payload_type"
	hdrCorrelationID     = "correlation_id"
	hdrSourceCommandID   = "source_command_id"
	hdrKind              = "kind"
)

// KafkaClient adapts franz-go to the Client contract. Records within a
// partition are delivered in offset order; commits advance only over the
// contiguous prefix of completed offsets, so a slow command never lets a
// later offset on its partition commit first.
type KafkaClient struct {
	brokers []string
	log     logger.Logger

	opts []kgo.Opt

	mu      sync.Mutex
	client  *kgo.Client
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
	tracker *offsetTracker
}

// KafkaOption customizes the underlying kgo client.
type KafkaOption func(*KafkaClient)

// WithKgoOpts appends raw kgo options (TLS, SASL, tuning).
func WithKgoOpts(opts ...kgo.Opt) KafkaOption {
	return func(c *KafkaClient) {
		c.opts = append(c.opts, opts...)
	}
}

// NewKafkaClient returns an unstarted Kafka client for the given brokers.
func NewKafkaClient(brokers []string, log logger.Logger, opts ...KafkaOption) *KafkaClient {
	c := &KafkaClient{
		brokers: brokers,
		log:     log,
		tracker: newOffsetTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start joins the consumer group and begins the poll loop. Auto-commit is
// disabled; offsets advance only through CommitOffset.
func (c *KafkaClient) Start(ctx context.Context, queueName, group string, h MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("queue: kafka client already started")
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	opts := []kgo.Opt{
		kgo.SeedBrokers(c.brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(queueName),
		kgo.DisableAutoCommit(),
		kgo.WithLogger(kslog.New(c.log.ToSlog())),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			c.tracker.drop(revoked)
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
			c.tracker.drop(lost)
		}),
	}
	opts = append(opts, c.opts...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		cancel()
		return fmt.Errorf("queue: new kafka client: %w", err)
	}
	c.client = client
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop(pollCtx, h)
	}()

	return nil
}

func (c *KafkaClient) pollLoop(ctx context.Context, h MessageHandler) {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.log.InfoContext(ctx, "queue: kafka poll loop stopped")
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.ErrorContext(ctx, "queue: kafka fetch error",
				"topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			c.tracker.track(rec)
			d := c.deliveryFromRecord(rec)
			if err := validator.Validate(d); err != nil {
				c.log.ErrorContext(ctx, "queue: dropping invalid record",
					"topic", rec.Topic, "partition", rec.Partition,
					"offset", rec.Offset, "error", err)
				c.commitRecord(ctx, rec)
				return
			}
			h(ctx, d)
		})
	}
}

// CommitOffset marks d's record complete; the partition's committed offset
// advances when the contiguous prefix is done.
func (c *KafkaClient) CommitOffset(ctx context.Context, d *Delivery) error {
	if d.ack == nil {
		return fmt.Errorf("queue: delivery %s has no commit token", d.MessageID)
	}
	return d.ack(ctx)
}

func (c *KafkaClient) commitRecord(ctx context.Context, rec *kgo.Record) {
	last := c.tracker.complete(rec)
	if last == nil {
		return
	}
	if err := c.client.CommitRecords(ctx, last); err != nil {
		c.log.ErrorContext(ctx, "queue: kafka commit failed",
			"topic", last.Topic, "partition", last.Partition,
			"offset", last.Offset, "error", err)
	}
}

// Publish produces envelopes synchronously. Event envelopes key on their
// routing key so downstream partitioning preserves per-key order.
func (c *KafkaClient) Publish(ctx context.Context, envs ...Envelope) error {
	recs := make([]*kgo.Record, len(envs))
	for i, env := range envs {
		recs[i] = recordFromEnvelope(env)
	}
	if err := c.client.ProduceSync(ctx, recs...).FirstErr(); err != nil {
		return fmt.Errorf("queue: kafka produce: %w", err)
	}
	return nil
}

// PublishCommand enqueues an inbound command onto the given topic.
func (c *KafkaClient) PublishCommand(ctx context.Context, topic string, cm CommandMessage) error {
	if err := c.client.ProduceSync(ctx, cm.ToKafkaRecord(topic)).FirstErr(); err != nil {
		return fmt.Errorf("queue: publish command to %s: %w", topic, err)
	}
	return nil
}

// Stop halts polling, waits for the poll loop, and closes the client.
func (c *KafkaClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	client := c.client
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("queue: timed out stopping kafka client: %w", ctx.Err())
	}

	if client != nil {
		client.Close()
	}
	return nil
}

// Ping checks broker connectivity.
func (c *KafkaClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("queue: kafka client not started")
	}
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("queue: kafka ping: %w", err)
	}
	return nil
}

func (c *KafkaClient) deliveryFromRecord(rec *kgo.Record) *Delivery {
	hdrs := headerMap(rec.Headers)
	var saga *SagaInfo
	if id := hdrs[hdrSagaID]; id != "" {
		saga = &SagaInfo{SagaID: id, ReplyEndpoint: hdrs[hdrSagaReplyEndpoint]}
	}
	needRetry, _ := strconv.ParseBool(hdrs[hdrNeedRetry])

	messageID := hdrs[hdrMessageID]
	if messageID == "" {
		// Producers that predate the header: derive identity from the
		// record's topic, partition and offset.
		messageID = fmt.Sprintf("%s-%d-%d", rec.Topic, rec.Partition, rec.Offset)
	}

	d := Delivery{
		MessageID:     messageID,
		RoutingKey:    string(rec.Key),
		CommandType:   hdrs[hdrCommandType],
		Payload:       rec.Value,
		ReplyEndpoint: hdrs[hdrReplyEndpoint],
		Saga:          saga,
		Producer:      hdrs[hdrProducer],
		NeedRetry:     needRetry,
		ReceivedAt:    rec.Timestamp,
	}
	return d.WithAck(func(ctx context.Context) error {
		c.commitRecord(ctx, rec)
		return nil
	})
}

func recordFromEnvelope(env Envelope) *kgo.Record {
	headers := []kgo.RecordHeader{
		{Key: hdrKind, Value: []byte(env.Kind)},
		{Key: hdrSourceCommandID, Value: []byte(env.SourceCommandID)},
		{Key: hdrPayloadType, Value: []byte(env.PayloadType)},
	}
	if env.CorrelationID != "" {
		headers = append(headers, kgo.RecordHeader{Key: hdrCorrelationID, Value: []byte(env.CorrelationID)})
	}
	if env.Producer != "" {
		headers = append(headers, kgo.RecordHeader{Key: hdrProducer, Value: []byte(env.Producer)})
	}
	if env.Saga != nil {
		headers = append(headers,
			kgo.RecordHeader{Key: hdrSagaID, Value: []byte(env.Saga.SagaID)},
			kgo.RecordHeader{Key: hdrSagaReplyEndpoint, Value: []byte(env.Saga.ReplyEndpoint)},
		)
	}
	var key []byte
	if env.Key != "" {
		key = []byte(env.Key)
	}
	return &kgo.Record{
		Topic:     env.Topic,
		Key:       key,
		Value:     env.Payload,
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}
}

// ToKafkaRecord renders a CommandMessage as a producer record for the
// command queue topic.
func (cm CommandMessage) ToKafkaRecord(topic string) *kgo.Record {
	headers := []kgo.RecordHeader{
		{Key: hdrMessageID, Value: []byte(cm.MessageID)},
		{Key: hdrCommandType, Value: []byte(cm.CommandType)},
	}
	if cm.ReplyEndpoint != "" {
		headers = append(headers, kgo.RecordHeader{Key: hdrReplyEndpoint, Value: []byte(cm.ReplyEndpoint)})
	}
	if cm.Producer != "" {
		headers = append(headers, kgo.RecordHeader{Key: hdrProducer, Value: []byte(cm.Producer)})
	}
	if cm.NeedRetry {
		headers = append(headers, kgo.RecordHeader{Key: hdrNeedRetry, Value: []byte("true")})
	}
	if cm.Saga != nil {
		headers = append(headers,
			kgo.RecordHeader{Key: hdrSagaID, Value: []byte(cm.Saga.SagaID)},
			kgo.RecordHeader{Key: hdrSagaReplyEndpoint, Value: []byte(cm.Saga.ReplyEndpoint)},
		)
	}
	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(cm.RoutingKey),
		Value:   cm.Payload,
		Headers: headers,
	}
}

func headerMap(headers []kgo.RecordHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}
