// Package outbox implements the durable queue of mutations waiting for
// delivery. Every operation is a single bbolt read-modify-write transaction,
// so a write intent is on disk before Enqueue returns.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/wolfeidau/offline-sync/mutation"
	"github.com/wolfeidau/offline-sync/store/kv"
	"github.com/wolfeidau/offline-sync/telemetry"
)

// DefaultMaxRetries is the retry ceiling: an item is dead-lettered once its
// attempts exceed it.
const DefaultMaxRetries = 3

var (
	// ErrEmpty is returned by PeekOldest when nothing is pending.
	ErrEmpty = errors.New("outbox: queue is empty")

	// ErrNotFound is returned when an id is not in the queue or dead-letter list.
	ErrNotFound = errors.New("outbox: mutation not found")

	// ErrQueuePersistence is returned when a write intent could not be recorded.
	// Callers must tell the user the action was not saved.
	ErrQueuePersistence = errors.New("outbox: failed to persist mutation")
)

var (
	bucketQueue   = kv.Bucket("outbox_queue")    // seq(uint64BE) → id
	bucketItems   = kv.Bucket("outbox_items")    // id → Item
	bucketDedup   = kv.Bucket("outbox_dedup")    // dedup key → id
	bucketDead    = kv.Bucket("outbox_dead")     // id → DeadLetter
	bucketDeadSeq = kv.Bucket("outbox_dead_seq") // seq(uint64BE) → id
)

// Item is a queued mutation.
type Item struct {
	ID         string          `json:"id"`
	Kind       mutation.Kind   `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	DedupKey   string          `json:"dedup_key,omitempty"`
	// Supersedes is the id of an attempted item this cancellation was queued
	// behind. That item's dedup entry is handed back if this one is undone.
	Supersedes string `json:"supersedes,omitempty"`
	Seq        uint64 `json:"seq"`
}

// Mutation decodes the item's typed payload.
func (it Item) Mutation() (mutation.Mutation, error) {
	return mutation.Decode(it.Kind, it.Payload)
}

// DeadLetter is an item removed from active retry.
type DeadLetter struct {
	Item
	Reason string    `json:"reason"`
	DeadAt time.Time `json:"dead_at"`
}

// Result describes what Enqueue did.
type Result string

const (
	// ResultNew appended a new item at the tail.
	ResultNew Result = "new"
	// ResultDeduplicated overwrote the payload of a pending item in place.
	ResultDeduplicated Result = "deduplicated"
	// ResultAnnihilated removed the pending item this mutation cancels and
	// queued nothing.
	ResultAnnihilated Result = "annihilated"
)

// Receipt is returned by Enqueue.
type Receipt struct {
	ID     string `json:"id"`
	Result Result `json:"result"`
}

// Queue is the outbox.
type Queue struct {
	db         *kv.DB
	logger     *slog.Logger
	now        func() time.Time
	maxRetries int
	newID      func() string

	mu       sync.Mutex // serialises mutators with the lease
	inFlight string

	obsMu     sync.Mutex
	observers map[int]func(int)
	nextObs   int
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithMaxRetries sets the retry ceiling.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		q.maxRetries = n
	}
}

// WithIDGenerator overrides how mutation ids are assigned.
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) {
		q.newID = fn
	}
}

// New creates the outbox on db.
func New(db *kv.DB, opts ...Option) (*Queue, error) {
	q := &Queue{
		db:         db,
		logger:     db.Logger(),
		now:        db.Now,
		maxRetries: DefaultMaxRetries,
		newID:      uuid.NewString,
		observers:  make(map[int]func(int)),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "outbox")

	if err := db.EnsureBuckets(bucketQueue, bucketItems, bucketDedup, bucketDead, bucketDeadSeq); err != nil {
		return nil, err
	}
	return q, nil
}

// MaxRetries returns the retry ceiling.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue records m at the tail of the queue. The mutation is durable when
// Enqueue returns without error.
//
// A mutation whose DedupKey matches a pending item overwrites that item's
// payload in place; it keeps its id and position. A Canceller whose target is
// still pending and has never been attempted removes it instead, and nothing
// is queued.
func (q *Queue) Enqueue(ctx context.Context, m mutation.Mutation) (Receipt, error) {
	if err := mutation.Validate(m); err != nil {
		return Receipt{}, err
	}
	payload, err := mutation.Encode(m)
	if err != nil {
		return Receipt{}, err
	}

	q.mu.Lock()
	var receipt Receipt
	err = q.db.Update(func(tx *bbolt.Tx) error {
		var supersedes string
		if c, ok := m.(mutation.Canceller); ok {
			target, ok, err := lookupDedup(tx, c.Cancels())
			if err != nil {
				return err
			}
			if ok {
				if target.Attempts == 0 && target.ID != q.inFlight {
					receipt = Receipt{ID: target.ID, Result: ResultAnnihilated}
					if err := unlink(tx, target); err != nil {
						return err
					}
					return restoreDedup(tx, target.Supersedes)
				}
				// The target may already be applied remotely. It stays queued, but
				// later mutations must not be merged into it past this one.
				if err := tx.Bucket(bucketDedup).Delete([]byte(c.Cancels())); err != nil {
					return err
				}
				supersedes = target.ID
			}
		}

		key := m.DedupKey()
		if key != "" {
			existing, ok, err := lookupDedup(tx, key)
			if err != nil {
				return err
			}
			if ok {
				existing.Payload = payload
				if supersedes != "" {
					existing.Supersedes = supersedes
				}
				receipt = Receipt{ID: existing.ID, Result: ResultDeduplicated}
				return putItem(tx, existing)
			}
		}

		it := Item{
			ID:         q.newID(),
			Kind:       m.Kind(),
			Payload:    payload,
			EnqueuedAt: q.now(),
			DedupKey:   key,
			Supersedes: supersedes,
		}
		if tx.Bucket(bucketItems).Get([]byte(it.ID)) != nil {
			return fmt.Errorf("duplicate mutation id %s", it.ID)
		}
		if key != "" {
			if err := tx.Bucket(bucketDedup).Put([]byte(key), []byte(it.ID)); err != nil {
				return err
			}
		}
		receipt = Receipt{ID: it.ID, Result: ResultNew}
		return appendTail(tx, &it)
	})
	q.mu.Unlock()

	if err != nil {
		q.logger.Error("failed to enqueue mutation", "kind", m.Kind(), "error", err)
		telemetry.RecordEnqueue(ctx, string(m.Kind()), "error")
		return Receipt{}, fmt.Errorf("%w: %v", ErrQueuePersistence, err)
	}

	q.logger.Debug("mutation enqueued", "mutation_id", receipt.ID, "kind", m.Kind(), "result", receipt.Result)
	telemetry.RecordEnqueue(ctx, string(m.Kind()), string(receipt.Result))
	q.notify(ctx)
	return receipt, nil
}

// PeekOldest returns the head of the queue without removing it.
func (q *Queue) PeekOldest(ctx context.Context) (Item, error) {
	var it Item
	err := q.db.View(func(tx *bbolt.Tx) error {
		_, id := tx.Bucket(bucketQueue).Cursor().First()
		if id == nil {
			return ErrEmpty
		}
		var err error
		it, err = getItem(tx, string(id))
		return err
	})
	return it, err
}

// Get returns a pending item by id.
func (q *Queue) Get(ctx context.Context, id string) (Item, error) {
	var it Item
	err := q.db.View(func(tx *bbolt.Tx) error {
		var err error
		it, err = getItem(tx, id)
		return err
	})
	return it, err
}

// Lease marks id as being delivered until release is called. A leased item
// cannot be cancelled away by a later Canceller.
func (q *Queue) Lease(id string) (release func()) {
	q.mu.Lock()
	q.inFlight = id
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		if q.inFlight == id {
			q.inFlight = ""
		}
		q.mu.Unlock()
	}
}

// MarkAttemptFailed increments the item's attempts and records cause. Once
// attempts exceed the retry ceiling the item is moved to the dead-letter list
// and dead is true.
func (q *Queue) MarkAttemptFailed(ctx context.Context, id string, cause error) (it Item, dead bool, err error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	q.mu.Lock()
	err = q.db.Update(func(tx *bbolt.Tx) error {
		var err error
		it, err = getItem(tx, id)
		if err != nil {
			return err
		}
		it.Attempts++
		it.LastError = msg
		if it.Attempts > q.maxRetries {
			dead = true
			return moveToDead(tx, it, "retries exhausted: "+msg, q.now())
		}
		return putItem(tx, it)
	})
	q.mu.Unlock()
	if err != nil {
		return Item{}, false, fmt.Errorf("marking attempt failed for %s: %w", id, err)
	}

	if dead {
		q.logger.Error("mutation dead-lettered",
			"mutation_id", id, "kind", it.Kind, "attempts", it.Attempts, "error", msg)
		telemetry.RecordDeadLetter(ctx, string(it.Kind), "retries_exhausted")
		q.notify(ctx)
	}
	return it, dead, nil
}

// Requeue moves a pending item to the tail of the queue. Used after a
// transient failure so one bad item does not block the others.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Update(func(tx *bbolt.Tx) error {
		it, err := getItem(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketQueue).Delete(kv.EncodeSeq(it.Seq)); err != nil {
			return err
		}
		return appendTail(tx, &it)
	})
}

// DeadLetter moves a pending item straight to the dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, id, reason string) error {
	var it Item
	q.mu.Lock()
	err := q.db.Update(func(tx *bbolt.Tx) error {
		var err error
		it, err = getItem(tx, id)
		if err != nil {
			return err
		}
		return moveToDead(tx, it, reason, q.now())
	})
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("dead-lettering %s: %w", id, err)
	}

	q.logger.Error("mutation dead-lettered", "mutation_id", id, "kind", it.Kind, "reason", reason)
	telemetry.RecordDeadLetter(ctx, string(it.Kind), "rejected")
	q.notify(ctx)
	return nil
}

// Remove deletes a pending item after successful delivery.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	err := q.db.Update(func(tx *bbolt.Tx) error {
		it, err := getItem(tx, id)
		if err != nil {
			return err
		}
		return unlink(tx, it)
	})
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("removing %s: %w", id, err)
	}
	q.notify(ctx)
	return nil
}

// ListPending returns pending items in delivery order.
func (q *Queue) ListPending(ctx context.Context) ([]Item, error) {
	var items []Item
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, id []byte) error {
			it, err := getItem(tx, string(id))
			if err != nil {
				return err
			}
			items = append(items, it)
			return nil
		})
	})
	return items, err
}

// Len returns the number of pending items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// DeadLetters returns dead-lettered items, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	err := q.db.View(func(tx *bbolt.Tx) error {
		dead := tx.Bucket(bucketDead)
		return tx.Bucket(bucketDeadSeq).ForEach(func(_, id []byte) error {
			var dl DeadLetter
			if err := json.Unmarshal(dead.Get(id), &dl); err != nil {
				return fmt.Errorf("decoding dead letter %s: %w", id, err)
			}
			out = append(out, dl)
			return nil
		})
	})
	return out, err
}

// RetryDeadLetter moves a dead-lettered item back to the tail of the queue
// with its attempts reset. If a pending item already holds the same dedup key
// the dead letter is discarded and the pending item is returned.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string) (Item, error) {
	var it Item
	q.mu.Lock()
	err := q.db.Update(func(tx *bbolt.Tx) error {
		dl, err := unlinkDead(tx, id)
		if err != nil {
			return err
		}
		if dl.DedupKey != "" {
			existing, ok, err := lookupDedup(tx, dl.DedupKey)
			if err != nil {
				return err
			}
			if ok {
				it = existing
				return nil
			}
			if err := tx.Bucket(bucketDedup).Put([]byte(dl.DedupKey), []byte(dl.ID)); err != nil {
				return err
			}
		}
		it = dl.Item
		it.Attempts = 0
		it.LastError = ""
		return appendTail(tx, &it)
	})
	q.mu.Unlock()
	if err != nil {
		return Item{}, fmt.Errorf("retrying dead letter %s: %w", id, err)
	}

	q.logger.Info("dead letter requeued", "mutation_id", id, "kind", it.Kind)
	q.notify(ctx)
	return it, nil
}

// DiscardDeadLetter deletes a dead-lettered item permanently.
func (q *Queue) DiscardDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Update(func(tx *bbolt.Tx) error {
		_, err := unlinkDead(tx, id)
		return err
	})
}

// Subscribe registers fn to receive the pending count after every change.
func (q *Queue) Subscribe(fn func(pending int)) (unsubscribe func()) {
	q.obsMu.Lock()
	id := q.nextObs
	q.nextObs++
	q.observers[id] = fn
	q.obsMu.Unlock()

	return func() {
		q.obsMu.Lock()
		delete(q.observers, id)
		q.obsMu.Unlock()
	}
}

func (q *Queue) notify(ctx context.Context) {
	n, err := q.Len(ctx)
	if err != nil {
		q.logger.Warn("failed to count pending mutations", "error", err)
		return
	}
	telemetry.SetPending(ctx, n)

	q.obsMu.Lock()
	fns := make([]func(int), 0, len(q.observers))
	for _, fn := range q.observers {
		fns = append(fns, fn)
	}
	q.obsMu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}

// --- internal helpers ---

func getItem(tx *bbolt.Tx, id string) (Item, error) {
	raw := tx.Bucket(bucketItems).Get([]byte(id))
	if raw == nil {
		return Item{}, ErrNotFound
	}
	var it Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return Item{}, fmt.Errorf("decoding mutation %s: %w", id, err)
	}
	return it, nil
}

func putItem(tx *bbolt.Tx, it Item) error {
	data, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketItems).Put([]byte(it.ID), data)
}

func lookupDedup(tx *bbolt.Tx, key string) (Item, bool, error) {
	id := tx.Bucket(bucketDedup).Get([]byte(key))
	if id == nil {
		return Item{}, false, nil
	}
	it, err := getItem(tx, string(id))
	if errors.Is(err, ErrNotFound) {
		return Item{}, false, nil
	}
	return it, err == nil, err
}

// appendTail assigns the next sequence number to it and stores it.
func appendTail(tx *bbolt.Tx, it *Item) error {
	queue := tx.Bucket(bucketQueue)
	seq, err := queue.NextSequence()
	if err != nil {
		return err
	}
	it.Seq = seq
	if err := queue.Put(kv.EncodeSeq(seq), []byte(it.ID)); err != nil {
		return err
	}
	return putItem(tx, *it)
}

// unlink removes it from the queue, the item store and the dedup index.
func unlink(tx *bbolt.Tx, it Item) error {
	if err := tx.Bucket(bucketQueue).Delete(kv.EncodeSeq(it.Seq)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketItems).Delete([]byte(it.ID)); err != nil {
		return err
	}
	if it.DedupKey != "" {
		dedup := tx.Bucket(bucketDedup)
		if string(dedup.Get([]byte(it.DedupKey))) == it.ID {
			return dedup.Delete([]byte(it.DedupKey))
		}
	}
	return nil
}

// restoreDedup points id's dedup key back at it, if it is still pending and
// nothing else has claimed the key.
func restoreDedup(tx *bbolt.Tx, id string) error {
	if id == "" {
		return nil
	}
	it, err := getItem(tx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil || it.DedupKey == "" {
		return err
	}
	dedup := tx.Bucket(bucketDedup)
	if dedup.Get([]byte(it.DedupKey)) != nil {
		return nil
	}
	return dedup.Put([]byte(it.DedupKey), []byte(it.ID))
}

func moveToDead(tx *bbolt.Tx, it Item, reason string, now time.Time) error {
	if err := unlink(tx, it); err != nil {
		return err
	}
	deadSeq := tx.Bucket(bucketDeadSeq)
	seq, err := deadSeq.NextSequence()
	if err != nil {
		return err
	}
	it.Seq = seq
	data, err := json.Marshal(DeadLetter{Item: it, Reason: reason, DeadAt: now})
	if err != nil {
		return err
	}
	if err := deadSeq.Put(kv.EncodeSeq(seq), []byte(it.ID)); err != nil {
		return err
	}
	return tx.Bucket(bucketDead).Put([]byte(it.ID), data)
}

func unlinkDead(tx *bbolt.Tx, id string) (DeadLetter, error) {
	dead := tx.Bucket(bucketDead)
	raw := dead.Get([]byte(id))
	if raw == nil {
		return DeadLetter{}, ErrNotFound
	}
	var dl DeadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decoding dead letter %s: %w", id, err)
	}
	if err := tx.Bucket(bucketDeadSeq).Delete(kv.EncodeSeq(dl.Seq)); err != nil {
		return DeadLetter{}, err
	}
	return dl, dead.Delete([]byte(id))
}
