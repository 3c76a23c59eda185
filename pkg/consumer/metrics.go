package consumer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ghuser/commandbus/pkg/consumer"

// Failure kind attribute values for the handler failure counter.
const (
	failureKindDomain = "domain"
	failureKindSystem = "system"
)

// metrics holds the consumer's OTel instruments. The Prometheus exporter
// renders the counters with a _total suffix (messages_consumed_total,
// handler_failures_total, …).
type metrics struct {
	messagesConsumed metric.Int64Counter
	handlerDuration  metric.Float64Histogram
	conflictRetries  metric.Int64Counter
	handlerFailures  metric.Int64Counter

	registration metric.Registration
}

// newMetrics builds the instruments and registers callbacks reading the live
// in-flight count and active mailbox count.
func newMetrics(inFlight func() int64, activeMailboxes func() int64) (*metrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	messagesConsumed, err := meter.Int64Counter(
		"messages_consumed",
		metric.WithDescription("Commands pulled from the queue"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	// The Prometheus exporter appends the unit suffix, yielding
	// handler_duration_seconds.
	handlerDuration, err := meter.Float64Histogram(
		"handler_duration",
		metric.WithDescription("Wall time of command handling, queue pickup to offset commit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	conflictRetries, err := meter.Int64Counter(
		"optimistic_concurrency_retries",
		metric.WithDescription("Optimistic-concurrency retry attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	handlerFailures, err := meter.Int64Counter(
		"handler_failures",
		metric.WithDescription("Commands that ended on the failure path"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	inFlightGauge, err := meter.Int64ObservableGauge(
		"in_flight_messages",
		metric.WithDescription("Contexts accepted and not yet offset-committed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	mailboxGauge, err := meter.Int64ObservableGauge(
		"mailboxes_active",
		metric.WithDescription("Mailboxes with pending or executing work"),
		metric.WithUnit("{mailbox}"),
	)
	if err != nil {
		return nil, err
	}

	reg, err := meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(inFlightGauge, inFlight())
			o.ObserveInt64(mailboxGauge, activeMailboxes())
			return nil
		},
		inFlightGauge, mailboxGauge,
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		messagesConsumed: messagesConsumed,
		handlerDuration:  handlerDuration,
		conflictRetries:  conflictRetries,
		handlerFailures:  handlerFailures,
		registration:     reg,
	}, nil
}

func (m *metrics) recordConsumed(ctx context.Context) {
	m.messagesConsumed.Add(ctx, 1)
}

func (m *metrics) recordDuration(ctx context.Context, seconds float64, commandType string) {
	m.handlerDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("command_type", commandType)))
}

func (m *metrics) recordConflictRetry(ctx context.Context) {
	m.conflictRetries.Add(ctx, 1)
}

func (m *metrics) recordFailure(ctx context.Context, kind string) {
	m.handlerFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *metrics) close() error {
	return m.registration.Unregister()
}
