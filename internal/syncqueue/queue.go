// Package syncqueue persists offline mutations and replays them against the
// remote service once connectivity returns. Operations drain in priority
// order; rejected writes become conflict records awaiting an explicit
// resolution strategy.
package syncqueue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"sheetbox/content"
	"sheetbox/internal/store"
	"sheetbox/internal/utils"
	"sheetbox/remote"
)

const (
	// DefaultRetryCap is how many delivery attempts an operation gets before
	// it is dropped and surfaced to the caller.
	DefaultRetryCap = 3

	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 32 * time.Second
)

// Operation is one queued mutation awaiting delivery.
type Operation struct {
	ID        string              `json:"id"`
	Type      remote.MutationType `json:"type"`
	Table     string              `json:"table"`
	EntityID  string              `json:"entity_id"`
	Data      json.RawMessage     `json:"data,omitempty"`
	Priority  content.Priority    `json:"priority"`
	Timestamp time.Time           `json:"timestamp"`
	Retries   int                 `json:"retries"`
	LastError string              `json:"last_error,omitempty"`
}

// Conflict is a mutation the server rejected because its copy diverged. It
// holds both sides so a resolution strategy can pick or combine them.
type Conflict struct {
	ID         string          `json:"id"`
	Op         Operation       `json:"op"`
	ClientData json.RawMessage `json:"client_data,omitempty"`
	ServerData json.RawMessage `json:"server_data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Resolution strategies for Resolve.
const (
	ResolveClientWins = "client-wins"
	ResolveServerWins = "server-wins"
	ResolveMerge      = "merge"
)

// DropHandler is called when an operation exhausts its retries or hits a
// terminal rejection.
type DropHandler func(op Operation, err error)

// ConflictHandler is called when a mutation turns into a conflict record.
type ConflictHandler func(conflict Conflict)

// Queue is the persistent sync queue. All mutations flow through the store
// tables first, so a crash between enqueue and drain loses nothing.
type Queue struct {
	store  *store.Store
	svc    remote.Service
	online func() bool

	retryCap  int
	baseDelay time.Duration
	maxDelay  time.Duration

	onDrop     DropHandler
	onConflict ConflictHandler

	mu  sync.Mutex
	ops opHeap

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Options configures a Queue. Zero values fall back to defaults.
type Options struct {
	RetryCap   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	OnDrop     DropHandler
	OnConflict ConflictHandler
}

// New creates a Queue. The online func gates Process; a nil func means
// always online.
func New(st *store.Store, svc remote.Service, online func() bool, opts Options) *Queue {
	if online == nil {
		online = func() bool { return true }
	}
	q := &Queue{
		store:      st,
		svc:        svc,
		online:     online,
		retryCap:   opts.RetryCap,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		onDrop:     opts.OnDrop,
		onConflict: opts.OnConflict,
		sleep:      sleepCtx,
		now:        time.Now,
	}
	if q.retryCap <= 0 {
		q.retryCap = DefaultRetryCap
	}
	if q.baseDelay <= 0 {
		q.baseDelay = defaultBaseDelay
	}
	if q.maxDelay <= 0 {
		q.maxDelay = defaultMaxDelay
	}
	return q
}

// Load restores persisted operations into the in-memory drain order. Call
// once at startup before Process.
func (q *Queue) Load(ctx context.Context) error {
	records, err := q.store.GetAll(ctx, store.TableSyncQueue)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = q.ops[:0]
	for key, raw := range records {
		var op Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			utils.Warnf("dropping unreadable queued operation %s: %v", key, err)
			_ = q.store.Delete(ctx, store.TableSyncQueue, key)
			continue
		}
		q.ops = append(q.ops, op)
	}
	heap.Init(&q.ops)
	return nil
}

// Enqueue persists and queues a mutation. Missing IDs and timestamps are
// stamped here so callers can pass minimal operations.
func (q *Queue) Enqueue(ctx context.Context, op Operation) error {
	if op.ID == "" {
		op.ID = content.GenerateID()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = q.now()
	}

	if err := q.store.Put(ctx, store.TableSyncQueue, op.ID, op); err != nil {
		return err
	}

	q.mu.Lock()
	heap.Push(&q.ops, op)
	q.mu.Unlock()

	utils.Debugf("queued %s %s/%s (priority %s)", op.Type, op.Table, op.EntityID, op.Priority)
	return nil
}

// Pending returns queued operations in drain order.
func (q *Queue) Pending() []Operation {
	q.mu.Lock()
	snapshot := make(opHeap, len(q.ops))
	copy(snapshot, q.ops)
	q.mu.Unlock()

	heap.Init(&snapshot)
	out := make([]Operation, 0, len(snapshot))
	for snapshot.Len() > 0 {
		out = append(out, heap.Pop(&snapshot).(Operation))
	}
	return out
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ops.Len()
}

// Clear drops every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.store.Clear(ctx, store.TableSyncQueue); err != nil {
		return err
	}
	q.mu.Lock()
	q.ops = q.ops[:0]
	q.mu.Unlock()
	return nil
}

// Process drains the queue against the remote service. Offline is a silent
// no-op, and connectivity lost mid-drain stops the drain with the remaining
// operations intact. Transient delivery failures retry inline with
// exponential backoff up to the retry cap, then drop. Conflicts become
// conflict records and never retry; the user resolves them explicitly.
func (q *Queue) Process(ctx context.Context) error {
	if !q.online() {
		utils.Debugf("sync queue: offline, not draining")
		return nil
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		op, ok := q.pop()
		if !ok {
			return nil
		}

		settled, err := q.deliver(ctx, op)
		if err != nil {
			return err
		}
		if !settled {
			return nil
		}
	}
}

func (q *Queue) pop() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ops.Len() == 0 {
		return Operation{}, false
	}
	return heap.Pop(&q.ops).(Operation), true
}

// deliver attempts one operation, owning its full retry and conflict
// lifecycle. The operation is already off the in-memory heap; its persisted
// record is removed only once its fate is settled. Returns false when the
// drain should stop with the operation requeued (offline, cancellation).
func (q *Queue) deliver(ctx context.Context, op Operation) (bool, error) {
	for {
		_, err := q.svc.Mutate(ctx, remote.Mutation{
			Type:  op.Type,
			Table: op.Table,
			ID:    op.EntityID,
			Data:  op.Data,
		})
		if err == nil {
			return true, q.store.Delete(ctx, store.TableSyncQueue, op.ID)
		}

		var conflict *remote.ConflictError
		if errors.As(err, &conflict) {
			return true, q.recordConflict(ctx, op, conflict)
		}

		if !remote.IsRetryable(err) {
			utils.Warnf("dropping %s %s/%s: %v", op.Type, op.Table, op.EntityID, err)
			if q.onDrop != nil {
				q.onDrop(op, err)
			}
			return true, q.store.Delete(ctx, store.TableSyncQueue, op.ID)
		}

		// Losing connectivity is not a delivery failure. Keep the
		// operation untouched and stop draining; the reconnect trigger
		// resumes the replay.
		if !q.online() {
			utils.Debugf("sync queue: went offline mid-drain, keeping %s/%s", op.Table, op.EntityID)
			q.requeue(op)
			return false, nil
		}

		op.Retries++
		op.LastError = err.Error()
		if op.Retries >= q.retryCap {
			utils.Warnf("dropping %s %s/%s after %d attempts: %v", op.Type, op.Table, op.EntityID, op.Retries, err)
			if q.onDrop != nil {
				q.onDrop(op, err)
			}
			return true, q.store.Delete(ctx, store.TableSyncQueue, op.ID)
		}

		// Keep the retry count durable across restarts.
		if perr := q.store.Put(ctx, store.TableSyncQueue, op.ID, op); perr != nil {
			utils.Debugf("persisting retry state failed: %v", perr)
		}

		if serr := q.sleep(ctx, q.backoff(op.Retries)); serr != nil {
			// Context cancelled mid-backoff; requeue for the next drain.
			q.requeue(op)
			return false, nil
		}
	}
}

// requeue pushes an unsettled operation back onto the in-memory heap. Its
// persisted record is still in the store.
func (q *Queue) requeue(op Operation) {
	q.mu.Lock()
	heap.Push(&q.ops, op)
	q.mu.Unlock()
}

// backoff returns the delay before retry n with ±20% jitter.
func (q *Queue) backoff(retries int) time.Duration {
	delay := q.baseDelay
	for i := 1; i < retries; i++ {
		delay *= 2
		if delay >= q.maxDelay {
			delay = q.maxDelay
			break
		}
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(delay) * jitter)
}

// recordConflict converts a rejected operation into a conflict record and
// removes it from the queue.
func (q *Queue) recordConflict(ctx context.Context, op Operation, cerr *remote.ConflictError) error {
	conflict := Conflict{
		ID:         content.GenerateID(),
		Op:         op,
		ClientData: op.Data,
		ServerData: cerr.ServerData,
		Timestamp:  q.now(),
	}
	if err := q.store.Put(ctx, store.TableConflicts, conflict.ID, conflict); err != nil {
		return err
	}
	if err := q.store.Delete(ctx, store.TableSyncQueue, op.ID); err != nil {
		return err
	}
	utils.Infof("conflict recorded for %s/%s", op.Table, op.EntityID)
	if q.onConflict != nil {
		q.onConflict(conflict)
	}
	return nil
}

// Conflicts returns every unresolved conflict, oldest first.
func (q *Queue) Conflicts(ctx context.Context) ([]Conflict, error) {
	records, err := q.store.GetAll(ctx, store.TableConflicts)
	if err != nil {
		return nil, err
	}
	out := make([]Conflict, 0, len(records))
	for key, raw := range records {
		var c Conflict
		if err := json.Unmarshal(raw, &c); err != nil {
			utils.Warnf("unreadable conflict record %s: %v", key, err)
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Resolve settles a conflict with the given strategy. Every strategy
// produces a new queued write at high priority carrying the chosen payload:
// client-wins the client copy, server-wins the server copy, merge the
// caller-supplied record. Server-wins additionally applies the server copy
// to the local table so reads see it before the replay lands. The conflict
// record is removed either way.
func (q *Queue) Resolve(ctx context.Context, conflictID, strategy string, merged json.RawMessage) error {
	var conflict Conflict
	ok, err := q.store.Get(ctx, store.TableConflicts, conflictID, &conflict)
	if err != nil {
		return err
	}
	if !ok {
		return utils.ErrConflictNotFound(conflictID)
	}

	switch strategy {
	case ResolveClientWins:
		err = q.reenqueueResolved(ctx, conflict, conflict.ClientData)
	case ResolveServerWins:
		if len(conflict.ServerData) > 0 {
			if err := q.store.PutRaw(ctx, conflict.Op.Table, conflict.Op.EntityID, conflict.ServerData); err != nil {
				return err
			}
		}
		err = q.reenqueueResolved(ctx, conflict, conflict.ServerData)
	case ResolveMerge:
		if len(merged) == 0 {
			return fmt.Errorf("merge resolution needs a merged payload")
		}
		err = q.reenqueueResolved(ctx, conflict, merged)
	default:
		return utils.ErrInvalidStrategy(strategy, []string{ResolveClientWins, ResolveServerWins, ResolveMerge})
	}
	if err != nil {
		return err
	}

	return q.store.Delete(ctx, store.TableConflicts, conflictID)
}

// reenqueueResolved puts a resolved payload back on the queue at high
// priority with a fresh retry budget.
func (q *Queue) reenqueueResolved(ctx context.Context, conflict Conflict, data json.RawMessage) error {
	return q.Enqueue(ctx, Operation{
		Type:     conflict.Op.Type,
		Table:    conflict.Op.Table,
		EntityID: conflict.Op.EntityID,
		Data:     data,
		Priority: content.PriorityHigh,
	})
}

// SetClock overrides the queue clock and sleep. Tests use this to avoid
// real backoff delays.
func (q *Queue) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	if now != nil {
		q.now = now
	}
	if sleep != nil {
		q.sleep = sleep
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
