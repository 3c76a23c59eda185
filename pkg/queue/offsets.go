package queue

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type topicPartition struct {
	topic     string
	partition int32
}

// offsetTracker defers Kafka commits until a contiguous prefix of offsets on
// a partition has completed. Mailboxes finish out of delivery order when a
// partition carries multiple routing keys; committing a later offset first
// would mark earlier, still-running commands as consumed.
type offsetTracker struct {
	mu      sync.Mutex
	windows map[topicPartition]*partitionWindow
}

type partitionWindow struct {
	// next is the first offset not yet completed; done holds completed
	// offsets at or above it.
	next int64
	done map[int64]*kgo.Record
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{windows: make(map[topicPartition]*partitionWindow)}
}

// track registers rec as in flight. Records arrive in offset order per
// partition, so the first tracked offset seeds the window.
func (t *offsetTracker) track(rec *kgo.Record) {
	tp := topicPartition{topic: rec.Topic, partition: rec.Partition}
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[tp]
	if !ok {
		w = &partitionWindow{next: rec.Offset, done: make(map[int64]*kgo.Record)}
		t.windows[tp] = w
	}
}

// complete marks rec done and returns the highest record of the now-complete
// contiguous prefix, or nil if the watermark did not advance.
func (t *offsetTracker) complete(rec *kgo.Record) *kgo.Record {
	tp := topicPartition{topic: rec.Topic, partition: rec.Partition}
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[tp]
	if !ok {
		// Partition was dropped by a rebalance; the group will redeliver.
		return nil
	}
	w.done[rec.Offset] = rec

	var last *kgo.Record
	for {
		r, ok := w.done[w.next]
		if !ok {
			break
		}
		delete(w.done, w.next)
		w.next++
		last = r
	}
	return last
}

// drop forgets all state for the given partitions (rebalance revoke/loss).
func (t *offsetTracker) drop(lost map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, partitions := range lost {
		for _, p := range partitions {
			delete(t.windows, topicPartition{topic: topic, partition: p})
		}
	}
}
