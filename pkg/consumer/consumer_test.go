package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ghuser/commandbus/pkg/config"
	"github.com/ghuser/commandbus/pkg/logger"
	"github.com/ghuser/commandbus/pkg/queue"
	"github.com/ghuser/commandbus/pkg/store"
)

func nopLogger() logger.Logger {
	return logger.New(&config.Config{LogLevel: "error"})
}

func testConfig() *config.Config {
	return &config.Config{
		CommandQueueName:  "commands",
		ConsumerID:        "test-consumer",
		FullLoadThreshold: 100,
		MailboxBatchCount: 10,
		WorkerPoolSize:    4,
		RetryMaxAttempts:  3,
		RetryBackoffBase:  time.Millisecond,
		ShutdownDeadline:  2 * time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// fakeQueue records published envelopes and committed offsets and lets tests
// push deliveries through the captured handler.
type fakeQueue struct {
	mu        sync.Mutex
	handler   queue.MessageHandler
	published []queue.Envelope
	committed []string
}

func (q *fakeQueue) Start(_ context.Context, _, _ string, h queue.MessageHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
	return nil
}

func (q *fakeQueue) CommitOffset(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.committed = append(q.committed, d.MessageID)
	return nil
}

func (q *fakeQueue) Publish(_ context.Context, envs ...queue.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, envs...)
	return nil
}

func (q *fakeQueue) Stop(context.Context) error { return nil }
func (q *fakeQueue) Ping(context.Context) error { return nil }

func (q *fakeQueue) deliver(ctx context.Context, d *queue.Delivery) {
	q.mu.Lock()
	h := q.handler
	q.mu.Unlock()
	h(ctx, d)
}

func (q *fakeQueue) committedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.committed))
	copy(out, q.committed)
	return out
}

func (q *fakeQueue) publishedEnvs() []queue.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Envelope, len(q.published))
	copy(out, q.published)
	return out
}

type failedRecord struct {
	messageID string
	cause     error
	envs      []queue.Envelope
}

// fakeStore is an in-memory MessageStore with transactional staging and
// injectable optimistic-concurrency conflicts.
type fakeStore struct {
	mu        sync.Mutex
	handled   map[string]time.Time
	saved     map[string][]queue.Envelope
	failed    []failedRecord
	probeErr  error
	probeLies bool // report unhandled even when handled (duplicate race)

	conflictsLeft int // SaveCommand conflicts to inject before succeeding
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		handled: make(map[string]time.Time),
		saved:   make(map[string][]queue.Envelope),
	}
}

func (s *fakeStore) HasCommandHandled(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probeErr != nil {
		return false, s.probeErr
	}
	if s.probeLies {
		return false, nil
	}
	_, ok := s.handled[messageID]
	return ok, nil
}

func (s *fakeStore) Begin(context.Context) (store.CommandTx, error) {
	return &fakeTx{store: s}, nil
}

func (s *fakeStore) SaveFailedCommand(_ context.Context, d *queue.Delivery, cause error, envs []queue.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, failedRecord{messageID: d.MessageID, cause: cause, envs: envs})
	return nil
}

func (s *fakeStore) handledAt(messageID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.handled[messageID]
	return at, ok
}

func (s *fakeStore) savedEnvs(messageID string) []queue.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[messageID]
}

func (s *fakeStore) failedRecords() []failedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]failedRecord, len(s.failed))
	copy(out, s.failed)
	return out
}

// fakeTx stages one command's writes and applies them on Commit.
type fakeTx struct {
	store     *fakeStore
	messageID string
	envs      []queue.Envelope
	staged    bool
}

func (t *fakeTx) SaveCommand(_ context.Context, d *queue.Delivery, _ string, envs []queue.Envelope) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.conflictsLeft > 0 {
		t.store.conflictsLeft--
		return store.ErrOptimisticConcurrency
	}
	if _, ok := t.store.handled[d.MessageID]; ok {
		return store.ErrAlreadyHandled
	}
	t.messageID = d.MessageID
	t.envs = envs
	t.staged = true
	return nil
}

func (t *fakeTx) Commit() error {
	if !t.staged {
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.handled[t.messageID] = time.Now()
	t.store.saved[t.messageID] = t.envs
	return nil
}

func (t *fakeTx) Rollback() error {
	t.staged = false
	return nil
}

// testEvent is a minimal domain event for pipeline tests.
type testEvent struct {
	Topic string `json:"-"`
	Key   string `json:"key"`
	Name  string `json:"name"`
}

func (e testEvent) EventTopic() string { return e.Topic }
func (e testEvent) EventKey() string   { return e.Key }

type harness struct {
	cfg   *config.Config
	queue *fakeQueue
	store *fakeStore
	reg   *Registry
	cons  *Consumer
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		cfg:   cfg,
		queue: &fakeQueue{},
		store: newFakeStore(),
		reg:   NewRegistry(nopLogger()),
	}
	h.cons = New(cfg, nopLogger(), h.queue, h.store, h.reg, opts...)
	if err := h.cons.Start(context.Background()); err != nil {
		t.Fatalf("start consumer: %v", err)
	}
	t.Cleanup(func() {
		_ = h.cons.Stop(context.Background())
	})
	return h
}

type transferPayload struct {
	Sleep time.Duration `json:"sleep"`
}

func command(id, key string) *queue.Delivery {
	payload, _ := json.Marshal(transferPayload{})
	return &queue.Delivery{
		MessageID:   id,
		RoutingKey:  key,
		CommandType: "test.transfer",
		Payload:     payload,
	}
}

// TestPipeline_HappyPath covers the success path: handler raises an event
// and sets a reply; the outbox batch holds reply then event, atomically with
// the handled-command marker, and the offset commits.
func TestPipeline_HappyPath(t *testing.T) {
	h := newHarness(t, testConfig())
	err := h.reg.Register(Registration{
		CommandType: "test.transfer",
		Decode:      JSONDecoder[transferPayload](),
		Handler: HandlerFunc(func(_ context.Context, scope *Scope, _ any) error {
			scope.Events().RaiseEvent(testEvent{Topic: "ledger", Key: "A1", Name: "E1"})
			return scope.SetReply("test.result", map[string]string{"ok": "yes"})
		}),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	d := command("C1", "A1")
	d.ReplyEndpoint = "R"
	h.queue.deliver(context.Background(), d)

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 1 })

	if _, ok := h.store.handledAt("C1"); !ok {
		t.Fatal("handled-command marker missing")
	}
	envs := h.store.savedEnvs("C1")
	if len(envs) != 2 {
		t.Fatalf("saved %d envelopes, want 2 (reply + event): %+v", len(envs), envs)
	}
	if envs[0].Kind != queue.KindReply || envs[0].Topic != "R" || envs[0].PayloadType != "test.result" {
		t.Errorf("first envelope should be the reply to R, got %+v", envs[0])
	}
	if envs[0].CorrelationID != "C1" {
		t.Errorf("reply correlation id = %s, want C1", envs[0].CorrelationID)
	}
	if envs[1].Kind != queue.KindEvent || envs[1].Topic != "ledger" || envs[1].Key != "A1" {
		t.Errorf("second envelope should be event E1 to ledger, got %+v", envs[1])
	}
	if got := h.queue.publishedEnvs(); len(got) != 2 {
		t.Errorf("published %d envelopes, want 2", len(got))
	}
}

// TestPipeline_Duplicate verifies redelivery of a handled command: no store
// write, a single MessageDuplicatelyHandled reply, offset committed.
func TestPipeline_Duplicate(t *testing.T) {
	h := newHarness(t, testConfig())
	var invocations int
	_ = h.reg.Register(Registration{
		CommandType: "test.transfer",
		Decode:      JSONDecoder[transferPayload](),
		Handler: HandlerFunc(func(context.Context, *Scope, any) error {
			invocations++
			return nil
		}),
	})

	h.store.mu.Lock()
	h.store.handled["C1"] = time.Now()
	h.store.mu.Unlock()

	d := command("C1", "A1")
	d.ReplyEndpoint = "R"
	h.queue.deliver(context.Background(), d)

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 1 })

	if invocations != 0 {
		t.Errorf("handler ran %d times on a duplicate, want 0", invocations)
	}
	pubs := h.queue.publishedEnvs()
	if len(pubs) != 1 || pubs[0].PayloadType != PayloadTypeDuplicate || pubs[0].Topic != "R" {
		t.Errorf("published = %+v, want single duplicate reply to R", pubs)
	}
	if envs := h.store.savedEnvs("C1"); envs != nil {
		t.Errorf("duplicate produced new outbox rows: %+v", envs)
	}
}

// TestPipeline_NoHandler verifies an unroutable command: no store write, a
// single NoHandlerExists reply, offset committed.
func TestPipeline_NoHandler(t *testing.T) {
	h := newHarness(t, testConfig())

	d := &queue.Delivery{MessageID: "C2", CommandType: "unknown.type", ReplyEndpoint: "R"}
	h.queue.deliver(context.Background(), d)

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 1 })

	pubs := h.queue.publishedEnvs()
	if len(pubs) != 1 || pubs[0].PayloadType != PayloadTypeNoHandler {
		t.Fatalf("published = %+v, want single no-handler reply", pubs)
	}
	if _, ok := h.store.handledAt("C2"); ok {
		t.Error("no-handler command must not be marked handled")
	}
}

// TestPipeline_RetryableConflict verifies conflict retry: the first attempt
// conflicts, the bus is cleared, the second attempt succeeds with exactly
// one handled-command row and no duplicated events.
func TestPipeline_RetryableConflict(t *testing.T) {
	h := newHarness(t, testConfig())
	var invocations int
	_ = h.reg.Register(Registration{
		CommandType: "test.transfer",
		Decode:      JSONDecoder[transferPayload](),
		Handler: HandlerFunc(func(_ context.Context, scope *Scope, _ any) error {
			invocations++
			scope.Events().RaiseEvent(testEvent{Topic: "ledger", Key: "A1", Name: "E1"})
			return nil
		}),
	})

	h.store.conflictsLeft = 1

	d := command("C3", "A1")
	d.NeedRetry = true
	h.queue.deliver(context.Background(), d)

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 1 })

	if invocations != 2 {
		t.Errorf("handler ran %d times, want 2 (original + retry)", invocations)
	}
	if _, ok := h.store.handledAt("C3"); !ok {
		t.Fatal("handled-command marker missing after retry")
	}
	envs := h.store.savedEnvs("C3")
	if len(envs) != 1 {
		t.Errorf("saved %d envelopes, want 1 (cleared bus must not duplicate events): %+v", len(envs), envs)
	}
	if len(h.store.failedRecords()) != 0 {
		t.Errorf("retryable conflict must not reach the failure path")
	}
}

// TestPipeline_ConflictWithoutNeedRetry verifies a conflict on a command
// without the retry flag goes straight to the failure path.
func TestPipeline_ConflictWithoutNeedRetry(t *testing.T) {
	h := newHarness(t, testConfig())
	var invocations int
	_ = h.reg.Register(Registration{
		CommandType: "test.transfer",
		Decode:      JSONDecoder[transferPayload](),
		Handler: HandlerFunc(func(context.Context, *Scope, any) error {
			invocations++
			return nil
		}),
	})
	h.store.conflictsLeft = 1

	h.queue.deliver(context.Background(), command("C3", "A1"))

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 1 })

	if invocations != 1 {
		t.Errorf("handler ran %d times, want 1", invocations)
	}
	if len(h.store.failedRecords()) != 1 {
		t.Fatalf("expected one failed-command record, got %d", len(h.store.failedRecords()))
	}
}

// TestPipeline_RetryCap verifies a permanent conflict exhausts
// RetryMaxAttempts and is then recorded as a failure.
func TestPipeline_RetryCap(t *testing.T) {
	cfg := testConfig()
	cfg.RetryMaxAttempts = 3
	h := newHarness(t, cfg)
	var invocations int
	_ = h.reg.Register(Registration{
		CommandType: "test.transfer",
		Decode:      JSONDecoder[transferPayload](),
		Handler: HandlerFunc(func(context.Context, *Scope, any) error {
			invocations++
			return nil
		}),
	})
	h.store.conflictsLeft = 100

	d := command("C3", "A1")
	d.NeedRetry = true
	h.queue.deliver(context.Background(), d)

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 1 })

	if invocations != 3 {
		t.Errorf("handler ran %d times, want RetryMaxAttempts=3", invocations)
	}
	failed := h.store.failedRecords()
	if len(failed) != 1 || failed[0].messageID != "C3" {
		t.Fatalf("expected failed-command record for C3, got %+v", failed)
	}
	if _, ok := h.store.handledAt("C3"); ok {
		t.Error("capped command must not be marked handled")
	}
}

// TestPipeline_DomainFailurePublishAnyway verifies that a domain
// failure records the command as failed with the failure reply and the
// publish-anyway audit event, and no success events.
func TestPipeline_DomainFailurePublishAnyway(t *testing.T) {
	h := newHarness(t, testConfig())
	_ = h.reg.Register(Registration{
		CommandType: "test.transfer",
		Decode:      JSONDecoder[transferPayload](),
		Handler: HandlerFunc(func(_ context.Context, scope *Scope, _ any) error {
			scope.Events().RaisePublishAnyway(testEvent{Topic: "audit", Key: "A1", Name: "AuditRecorded"})
			scope.Events().RaiseEvent(testEvent{Topic: "ledger", Key: "A1", Name: "MustNotPublish"})
			return NewRuleError(errInsufficient)
		}),
	})

	d := command("C6", "A1")
	d.ReplyEndpoint = "R"
	h.queue.deliver(context.Background(), d)

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 1 })

	failed := h.store.failedRecords()
	if len(failed) != 1 {
		t.Fatalf("expected one failed-command record, got %d", len(failed))
	}
	envs := failed[0].envs
	if len(envs) != 2 {
		t.Fatalf("failure kept %d envelopes, want 2 (failure reply + audit): %+v", len(envs), envs)
	}
	if envs[0].PayloadType != PayloadTypeFailure {
		t.Errorf("first envelope = %s, want failure reply", envs[0].PayloadType)
	}
	if envs[1].Topic != "audit" {
		t.Errorf("second envelope topic = %s, want audit", envs[1].Topic)
	}
	if _, ok := h.store.handledAt("C6"); ok {
		t.Error("failed command must not be marked handled")
	}
}

// TestPipeline_SameKeyOrdering verifies that with a shared routing
// key, the second command starts only after the first completes even though
// the first sleeps.
func TestPipeline_SameKeyOrdering(t *testing.T) {
	h := newHarness(t, testConfig())
	_ = h.reg.Register(Registration{
		CommandType: "test.transfer",
		Decode:      JSONDecoder[transferPayload](),
		Handler: HandlerFunc(func(_ context.Context, _ *Scope, cmd any) error {
			p := cmd.(*transferPayload)
			time.Sleep(p.Sleep)
			return nil
		}),
	})

	slow, _ := json.Marshal(transferPayload{Sleep: 100 * time.Millisecond})
	c4 := &queue.Delivery{MessageID: "C4", RoutingKey: "K", CommandType: "test.transfer", Payload: slow}
	c5 := command("C5", "K")

	h.queue.deliver(context.Background(), c4)
	h.queue.deliver(context.Background(), c5)

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 2 })

	at4, ok4 := h.store.handledAt("C4")
	at5, ok5 := h.store.handledAt("C5")
	if !ok4 || !ok5 {
		t.Fatal("both commands must be handled")
	}
	if !at4.Before(at5) {
		t.Errorf("handled_at(C4)=%v must precede handled_at(C5)=%v", at4, at5)
	}
}

// TestPipeline_SagaReplies verifies saga results flow to the saga reply
// endpoint with the saga id as correlation id.
func TestPipeline_SagaReplies(t *testing.T) {
	h := newHarness(t, testConfig())
	_ = h.reg.Register(Registration{
		CommandType: "test.transfer",
		Decode:      JSONDecoder[transferPayload](),
		Handler: HandlerFunc(func(_ context.Context, scope *Scope, _ any) error {
			scope.Events().AddSagaResult(map[string]string{"step": "done"})
			return nil
		}),
	})

	d := command("C7", "A1")
	d.Saga = &queue.SagaInfo{SagaID: "S1", ReplyEndpoint: "saga-replies"}
	h.queue.deliver(context.Background(), d)

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 1 })

	envs := h.store.savedEnvs("C7")
	if len(envs) != 1 {
		t.Fatalf("saved %d envelopes, want 1 saga reply: %+v", len(envs), envs)
	}
	if envs[0].Topic != "saga-replies" || envs[0].CorrelationID != "S1" {
		t.Errorf("saga reply = %+v, want endpoint saga-replies correlated to S1", envs[0])
	}
}

// TestPipeline_ProbeErrorWithholdsOffset verifies the offset is not
// committed when the idempotency probe fails, so the transport redelivers.
func TestPipeline_ProbeErrorWithholdsOffset(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.probeErr = errProbeDown

	h.queue.deliver(context.Background(), command("C8", "A1"))

	time.Sleep(100 * time.Millisecond)
	if got := h.queue.committedIDs(); len(got) != 0 {
		t.Errorf("offset committed despite store outage: %v", got)
	}
}

// TestPipeline_IdempotencyRace verifies losing the handled-commands insert
// race is treated as a duplicate, not a failure.
func TestPipeline_IdempotencyRace(t *testing.T) {
	h := newHarness(t, testConfig())
	_ = h.reg.Register(Registration{
		CommandType: "test.transfer",
		Decode:      JSONDecoder[transferPayload](),
		Handler: HandlerFunc(func(context.Context, *Scope, any) error {
			return nil
		}),
	})
	h.store.mu.Lock()
	h.store.handled["C9"] = time.Now()
	h.store.probeLies = true
	h.store.mu.Unlock()

	d := command("C9", "A1")
	d.ReplyEndpoint = "R"
	h.queue.deliver(context.Background(), d)

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 1 })

	pubs := h.queue.publishedEnvs()
	if len(pubs) != 1 || pubs[0].PayloadType != PayloadTypeDuplicate {
		t.Errorf("published = %+v, want duplicate reply", pubs)
	}
	if len(h.store.failedRecords()) != 0 {
		t.Error("idempotency race must not record a failure")
	}
}

// TestPipeline_HandlerTimeout verifies a handler exceeding the configured
// timeout lands on the failure path and the offset still commits.
func TestPipeline_HandlerTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandlerTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)
	_ = h.reg.Register(Registration{
		CommandType: "test.transfer",
		Decode:      JSONDecoder[transferPayload](),
		Handler: HandlerFunc(func(ctx context.Context, _ *Scope, _ any) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	})

	h.queue.deliver(context.Background(), command("C10", "A1"))

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 1 })

	failed := h.store.failedRecords()
	if len(failed) != 1 {
		t.Fatalf("expected one failed-command record, got %d", len(failed))
	}
}

// TestPipeline_NonCommandSkipped verifies the type gate: a message without a
// command type is offset-committed without any processing.
func TestPipeline_NonCommandSkipped(t *testing.T) {
	h := newHarness(t, testConfig())

	h.queue.deliver(context.Background(), &queue.Delivery{MessageID: "M1"})

	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == 1 })

	if len(h.queue.publishedEnvs()) != 0 {
		t.Error("non-command must not publish anything")
	}
	if len(h.store.failedRecords()) != 0 {
		t.Error("non-command must not record a failure")
	}
}

// TestConsumer_Backpressure verifies in-flight work never exceeds the
// threshold even when deliveries outpace handling.
func TestConsumer_Backpressure(t *testing.T) {
	cfg := testConfig()
	cfg.FullLoadThreshold = 2
	cfg.WorkerPoolSize = 2
	h := newHarness(t, cfg)

	release := make(chan struct{})
	_ = h.reg.Register(Registration{
		CommandType: "test.transfer",
		Decode:      JSONDecoder[transferPayload](),
		Handler: HandlerFunc(func(context.Context, *Scope, any) error {
			<-release
			return nil
		}),
	})

	const n = 6
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			h.queue.deliver(context.Background(), command(string(rune('a'+i)), string(rune('a'+i))))
		}
	}()

	// The delivery goroutine must block at the threshold.
	waitFor(t, 2*time.Second, func() bool { return h.cons.gate.len() == 2 })
	for i := 0; i < 10; i++ {
		if got := h.cons.gate.len(); got > 2 {
			t.Fatalf("in-flight = %d exceeds threshold 2", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	<-done
	waitFor(t, 2*time.Second, func() bool { return len(h.queue.committedIDs()) == n })
}

var (
	errInsufficient = &ruleViolation{msg: "insufficient funds"}
	errProbeDown    = &ruleViolation{msg: "store unavailable"}
)

type ruleViolation struct{ msg string }

func (e *ruleViolation) Error() string { return e.msg }
