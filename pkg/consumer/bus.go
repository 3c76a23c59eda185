// Package consumer implements the command-consumption core: the per-command
// event bus and scope, the handler registry, the transactional pipeline, and
// the orchestrator that ties queue ingress to the mailbox scheduler.
package consumer

import "slices"

// Event is a domain fact raised by a handler. Topic routes the outbound
// envelope; Key orders it downstream (usually the aggregate id).
type Event interface {
	EventTopic() string
	EventKey() string
}

// Bus collects the messages a handler raises while processing one command.
// One instance lives per command scope and is only touched by the mailbox's
// single executing task; it is not safe for concurrent use.
type Bus struct {
	events        []Event
	publishAnyway []Event
	sagaResults   []any
}

// NewBus returns an empty collector.
func NewBus() *Bus {
	return &Bus{}
}

// RaiseEvent records a domain event to publish on successful handling.
func (b *Bus) RaiseEvent(e Event) {
	b.events = append(b.events, e)
}

// RaisePublishAnyway records an event that publishes on both the success and
// failure paths (audit trails, critical notifications).
func (b *Bus) RaisePublishAnyway(e Event) {
	b.publishAnyway = append(b.publishAnyway, e)
}

// AddSagaResult records a value to send to the originating saga's reply
// endpoint.
func (b *Bus) AddSagaResult(v any) {
	b.sagaResults = append(b.sagaResults, v)
}

// ClearMessages discards everything collected so far. Called before an
// optimistic-concurrency retry re-executes the handler.
func (b *Bus) ClearMessages() {
	b.events = nil
	b.publishAnyway = nil
	b.sagaResults = nil
}

// Snapshot returns copies of the three buckets in raise order.
func (b *Bus) Snapshot() (events, publishAnyway []Event, sagaResults []any) {
	return slices.Clone(b.events), slices.Clone(b.publishAnyway), slices.Clone(b.sagaResults)
}
