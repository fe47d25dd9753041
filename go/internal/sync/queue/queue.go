// Package queue buffers state updates produced while the transport is down
// and replays them in timestamp order once connectivity returns.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/labkiosk/pairsync/go/internal/sync/events"
	"github.com/labkiosk/pairsync/go/internal/sync/syncerr"
)

// Config holds queue tuning knobs.
type Config struct {
	// FlushDelay is the pause between consecutive sends during a flush,
	// so a large backlog does not overwhelm the transport.
	FlushDelay time.Duration
	// MaxRetries is the per-item send budget before the item is dropped.
	MaxRetries int
	// DedupWindow is the tolerance within which an earlier-or-equal
	// timestamp for the same (kind, device) slot counts as a duplicate.
	DedupWindow time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		FlushDelay:  50 * time.Millisecond,
		MaxRetries:  3,
		DedupWindow: 1000 * time.Millisecond,
	}
}

// Item is one pending update plus its delivery bookkeeping.
type Item struct {
	Update     events.StateUpdate
	AddedAt    time.Time
	RetryCount int

	// seq preserves enqueue order so Diagnose can tell when timestamps
	// and arrival order diverge under clock skew.
	seq int64
}

// Diagnostic reports timestamp anomalies observed across the pending set.
// Non-fatal; surfaced for logging before a flush.
type Diagnostic struct {
	DuplicateTimestamps bool
	OutOfOrder          bool
}

// SendFunc delivers a single update over the transport.
type SendFunc func(events.StateUpdate) error

// Queue is the offline reconciliation buffer. Enqueue keeps items in
// ascending timestamp order and enforces at most one pending item per
// (kind, device) slot for the strict experiment-lifecycle kinds.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	clock    clockwork.Clock
	cfg      Config
	flushing bool
	seq      int64

	// onDrop observes items discarded after retry exhaustion.
	onDrop func(*syncerr.QueueExhaustionError)
}

// New creates an empty queue on the given clock.
func New(clock clockwork.Clock, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Queue{clock: clock, cfg: cfg}
}

// OnDrop registers an observer for retry-exhausted items.
func (q *Queue) OnDrop(fn func(*syncerr.QueueExhaustionError)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

// Size returns the number of pending items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue adds an update, stamping a missing timestamp from the clock and
// applying the dedup/replace rule: for strict kinds, a newer update for the
// same (kind, device) slot replaces the pending one, while an earlier or
// equal timestamp is dropped as a duplicate.
func (q *Queue) Enqueue(u events.StateUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if u.Timestamp == 0 {
		u.Timestamp = q.clock.Now().UnixMilli()
	}

	if events.StrictKind(u.Type) {
		for i, it := range q.items {
			if it.Update.Key() != u.Key() {
				continue
			}
			diff := u.Timestamp - it.Update.Timestamp
			if diff <= 0 {
				reason := "duplicate"
				if -diff > q.cfg.DedupWindow.Milliseconds() {
					reason = "stale"
				}
				log.Debug().
					Str("type", string(u.Type)).
					Str("device_id", u.DeviceID).
					Int64("timestamp", u.Timestamp).
					Int64("pending_timestamp", it.Update.Timestamp).
					Str("reason", reason).
					Msg("dropping queued update")
				return
			}
			// Newer update wins the slot; its retry budget starts over.
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}

	q.seq++
	q.insertLocked(Item{Update: u, AddedAt: q.clock.Now(), seq: q.seq})

	log.Debug().
		Str("type", string(u.Type)).
		Str("device_id", u.DeviceID).
		Int("queue_size", len(q.items)).
		Msg("update queued")
}

// insertLocked places it keeping ascending timestamp order.
func (q *Queue) insertLocked(it Item) {
	pos := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Update.Timestamp > it.Update.Timestamp
	})
	q.items = append(q.items, Item{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = it
}

// Diagnose inspects the pending set for shared timestamps and for
// timestamps running backwards in the current sequence.
func (q *Queue) Diagnose() Diagnostic {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.diagnoseLocked()
}

func (q *Queue) diagnoseLocked() Diagnostic {
	var d Diagnostic
	seen := make(map[int64]bool, len(q.items))
	var prevSeq int64
	for i, it := range q.items {
		ts := it.Update.Timestamp
		if seen[ts] {
			d.DuplicateTimestamps = true
		}
		seen[ts] = true
		// Items are held in timestamp order; a decreasing sequence
		// number means some update arrived with an earlier timestamp
		// than one already pending.
		if i > 0 && it.seq < prevSeq {
			d.OutOfOrder = true
		}
		prevSeq = it.seq
	}
	return d
}

// Flush drains the queue through send, strictly in ascending timestamp
// order. Only one flush runs at a time; a second request while one is in
// progress is a no-op. Failed sends are requeued with an incremented retry
// count until the budget is exhausted, at which point the item is dropped.
func (q *Queue) Flush(ctx context.Context, send SendFunc) error {
	q.mu.Lock()
	if q.flushing || len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true

	diag := q.diagnoseLocked()
	if diag.DuplicateTimestamps || diag.OutOfOrder {
		log.Debug().
			Bool("duplicate_timestamps", diag.DuplicateTimestamps).
			Bool("out_of_order", diag.OutOfOrder).
			Int("queue_size", len(q.items)).
			Msg("timestamp anomaly in pending updates")
	}

	// Take the current backlog; anything enqueued while we send stays
	// behind for the next flush.
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	// Enqueue order and timestamp order can diverge under clock skew, so
	// re-sort defensively before sending.
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Update.Timestamp < batch[j].Update.Timestamp
	})

	log.Info().Int("pending", len(batch)).Msg("flushing offline queue")

	for i, it := range batch {
		if i > 0 && q.cfg.FlushDelay > 0 {
			select {
			case <-q.clock.After(q.cfg.FlushDelay):
			case <-ctx.Done():
				q.requeue(batch[i:])
				return ctx.Err()
			}
		}

		if err := send(it.Update); err != nil {
			it.RetryCount++
			if it.RetryCount >= q.cfg.MaxRetries {
				q.drop(it, err)
				continue
			}
			log.Warn().
				Err(err).
				Str("type", string(it.Update.Type)).
				Str("device_id", it.Update.DeviceID).
				Int("retry_count", it.RetryCount).
				Msg("send failed, requeueing update")
			q.requeue([]Item{it})
			continue
		}

		log.Debug().
			Str("type", string(it.Update.Type)).
			Str("device_id", it.Update.DeviceID).
			Msg("queued update delivered")
	}

	return nil
}

func (q *Queue) requeue(items []Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range items {
		q.insertLocked(it)
	}
}

func (q *Queue) drop(it Item, cause error) {
	exhaustion := &syncerr.QueueExhaustionError{
		Type:     string(it.Update.Type),
		DeviceID: it.Update.DeviceID,
		Retries:  it.RetryCount,
	}
	log.Warn().
		Err(cause).
		Str("type", exhaustion.Type).
		Str("device_id", exhaustion.DeviceID).
		Int("retries", exhaustion.Retries).
		Msg("dropping update after retry exhaustion")

	q.mu.Lock()
	fn := q.onDrop
	q.mu.Unlock()
	if fn != nil {
		fn(exhaustion)
	}
}
