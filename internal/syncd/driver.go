// Package syncd runs background synchronization: it drains the sync queue,
// pulls remote deltas into the local store, and reacts to connectivity,
// visibility, and focus signals. Sync work never blocks the UI path; all
// failures are recorded per content type and retried on the next trigger.
//
// Retention pruning is deliberately narrow: only soft-deleted tombstones
// older than the retention window are removed. Live records never age out
// locally; the cache quota bounds their space.
package syncd

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"sheetbox/content"
	"sheetbox/internal/netprobe"
	"sheetbox/internal/store"
	"sheetbox/internal/syncqueue"
	"sheetbox/internal/utils"
	"sheetbox/remote"
)

const (
	// DefaultMinInterval is the minimum gap between background sync passes.
	// Triggers firing faster than this are coalesced.
	DefaultMinInterval = 30 * time.Second

	// DefaultRetentionDays is how long soft-deleted records linger locally
	// before pruning.
	DefaultRetentionDays = 30
)

// State tracks sync outcomes for one content type.
type State struct {
	SyncCount  int       `json:"sync_count"`
	ErrorCount int       `json:"error_count"`
	LastSync   time.Time `json:"last_sync,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Healthy reports whether the last sync for this type succeeded.
func (s State) Healthy() bool { return s.ErrorCount == 0 }

// Status is a snapshot of the driver for status reporting.
type Status struct {
	LastSync     time.Time        `json:"last_sync,omitempty"`
	SyncCount    int              `json:"sync_count"`
	QueueLength  int              `json:"queue_length"`
	BreakerState string           `json:"breaker_state"`
	States       map[string]State `json:"states,omitempty"`
}

// InvalidateFunc lets the driver notify the cache layer about records changed
// by a pull, without the driver depending on cache internals.
type InvalidateFunc func(ctx context.Context, table, id, action string) error

// RecordVersionFunc lets the driver hand pulled record metadata to the
// version layer, so validation sweeps see pulled records as current.
type RecordVersionFunc func(ctx context.Context, table, id string, meta remote.Meta) error

// Options configures a Driver.
type Options struct {
	Store   *store.Store
	Service remote.Service
	Queue   *syncqueue.Queue
	Probe   *netprobe.Probe
	Events  netprobe.EventSource

	// Invalidate is called for every record a pull changes. Nil disables
	// notifications.
	Invalidate InvalidateFunc

	// RecordVersion is called for every live record a pull stores. Nil
	// disables version recording.
	RecordVersion RecordVersionFunc

	// Categories to pull; defaults to every syncable content category.
	Categories []string

	MinInterval      time.Duration
	Period           time.Duration // periodic trigger; 0 disables the ticker
	RetentionDays    int
	BreakerThreshold int
	BreakerCooldown  time.Duration

	Log *utils.BackgroundLogger
}

// Driver coordinates background sync passes.
type Driver struct {
	store  *store.Store
	svc    remote.Service
	queue  *syncqueue.Queue
	probe  *netprobe.Probe
	events netprobe.EventSource

	invalidate    InvalidateFunc
	recordVersion RecordVersionFunc
	categories    []string

	minInterval time.Duration
	period      time.Duration
	retention   time.Duration
	breaker     *Breaker
	log         *utils.BackgroundLogger

	// syncMu serializes sync passes; ticker, signals, and manual triggers
	// can all fire concurrently.
	syncMu sync.Mutex

	mu        sync.RWMutex
	states    map[string]*State
	lastSync  time.Time
	syncCount int

	kick chan string

	now func() time.Time
}

// syncMark is the persisted per-category delta watermark.
type syncMark struct {
	At time.Time `json:"at"`
}

// New creates a Driver. Call Run to start consuming triggers.
func New(opts Options) *Driver {
	categories := opts.Categories
	if len(categories) == 0 {
		categories = []string{
			content.CategoryDocuments,
			content.CategoryFolders,
			content.CategoryCovers,
			content.CategoryWorksheets,
			content.CategoryActivations,
		}
	}
	minInterval := opts.MinInterval
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	retentionDays := opts.RetentionDays
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	d := &Driver{
		store:         opts.Store,
		svc:           opts.Service,
		queue:         opts.Queue,
		probe:         opts.Probe,
		events:        opts.Events,
		invalidate:    opts.Invalidate,
		recordVersion: opts.RecordVersion,
		categories:    categories,
		minInterval:   minInterval,
		period:        opts.Period,
		retention:     time.Duration(retentionDays) * 24 * time.Hour,
		breaker:       NewBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		log:           opts.Log,
		states:        make(map[string]*State, len(categories)),
		kick:          make(chan string, 4),
		now:           time.Now,
	}
	for _, c := range categories {
		d.states[c] = &State{}
	}

	if d.probe != nil {
		d.probe.Subscribe(func(p netprobe.Profile) {
			if p.Online {
				d.Trigger("reconnect")
			}
		})
	}
	return d
}

// Trigger requests a sync pass. Non-blocking; triggers arriving while a pass
// runs coalesce into at most one pending pass.
func (d *Driver) Trigger(reason string) {
	select {
	case d.kick <- reason:
	default:
	}
}

// Run consumes triggers until ctx is cancelled. Blocking; run in a goroutine.
func (d *Driver) Run(ctx context.Context) {
	var tick <-chan time.Time
	if d.period > 0 {
		ticker := time.NewTicker(d.period)
		defer ticker.Stop()
		tick = ticker.C
	}

	var visibility, focus <-chan bool
	if d.events != nil {
		visibility = d.events.Visibility()
		focus = d.events.Focus()
	}

	d.logf("sync driver started (min interval %v, period %v)", d.minInterval, d.period)

	for {
		select {
		case <-ctx.Done():
			d.logf("sync driver stopped")
			return
		case reason := <-d.kick:
			d.runPass(ctx, reason, false)
		case <-tick:
			d.runPass(ctx, "periodic", false)
		case visible, ok := <-visibility:
			if !ok {
				visibility = nil
				continue
			}
			if visible {
				d.runPass(ctx, "visible", false)
			}
		case focused, ok := <-focus:
			if !ok {
				focus = nil
				continue
			}
			if focused {
				d.runPass(ctx, "focus", false)
			}
		}
	}
}

// SyncNow runs a sync pass immediately, bypassing the minimum interval. The
// offline and breaker guards still apply.
func (d *Driver) SyncNow(ctx context.Context) error {
	return d.runPass(ctx, "manual", true)
}

// runPass is the single sync pass: drain the queue, then pull deltas per
// category with failure isolation, then prune expired tombstones.
func (d *Driver) runPass(ctx context.Context, reason string, force bool) error {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	d.mu.RLock()
	last := d.lastSync
	d.mu.RUnlock()
	if !force && !last.IsZero() && d.now().Sub(last) < d.minInterval {
		d.logf("skip %s: within min interval", reason)
		return nil
	}

	if d.probe != nil && !d.probe.Online() {
		d.logf("skip %s: offline", reason)
		return nil
	}
	if !d.breaker.Allow() {
		d.logf("skip %s: breaker open", reason)
		return nil
	}

	d.mu.Lock()
	d.syncCount++
	count := d.syncCount
	d.mu.Unlock()
	d.logf("sync pass %d (%s)", count, reason)

	var firstErr error

	if d.queue != nil {
		if err := d.queue.Process(ctx); err != nil {
			firstErr = err
			d.logf("queue drain failed: %v", err)
		}
	}

	for _, category := range d.categories {
		err := d.pullCategory(ctx, category)

		d.mu.Lock()
		state := d.states[category]
		if state == nil {
			state = &State{}
			d.states[category] = state
		}
		if err != nil {
			state.ErrorCount++
			state.LastError = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			d.logf("pull %s failed: %v", category, err)
		} else {
			state.SyncCount++
			state.ErrorCount = 0
			state.LastError = ""
			state.LastSync = d.now()
		}
		d.mu.Unlock()
	}

	if err := d.prune(ctx); err != nil {
		d.logf("prune failed: %v", err)
	}

	if firstErr != nil {
		d.breaker.RecordFailure()
	} else {
		d.breaker.RecordSuccess()
	}

	d.mu.Lock()
	d.lastSync = d.now()
	d.mu.Unlock()
	return firstErr
}

// pullCategory fetches records changed since the stored watermark and applies
// them server-wins: the server copy replaces the local one, deletions mark
// tombstones locally.
func (d *Driver) pullCategory(ctx context.Context, category string) error {
	markKey := "last_sync:" + category

	var mark syncMark
	if _, err := d.store.Get(ctx, store.TableMeta, markKey, &mark); err != nil {
		return err
	}

	filter := remote.Filter{}
	if !mark.At.IsZero() {
		filter["updated_since"] = mark.At.UTC().Format(time.RFC3339)
	}

	records, err := d.svc.List(ctx, category, filter)
	if err != nil {
		return err
	}

	for _, raw := range records {
		var head struct {
			ID       string    `json:"id"`
			Name     string    `json:"name"`
			Size     int64     `json:"size"`
			Deleted  bool      `json:"deleted"`
			Modified time.Time `json:"modified"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.ID == "" {
			d.logf("skipping malformed %s record: %v", category, err)
			continue
		}

		action := "update"
		if head.Deleted {
			action = "delete"
			if err := d.store.Delete(ctx, category, head.ID); err != nil {
				return err
			}
		} else {
			if err := d.store.PutRaw(ctx, category, head.ID, raw); err != nil {
				return err
			}
			if d.recordVersion != nil {
				meta := remote.Meta{ID: head.ID, Name: head.Name, Size: head.Size, LastModified: head.Modified}
				if err := d.recordVersion(ctx, category, head.ID, meta); err != nil {
					d.logf("record version %s:%s failed: %v", category, head.ID, err)
				}
			}
		}

		if d.invalidate != nil {
			if err := d.invalidate(ctx, category, head.ID, action); err != nil {
				d.logf("invalidate %s:%s failed: %v", category, head.ID, err)
			}
		}
	}

	return d.store.Put(ctx, store.TableMeta, markKey, syncMark{At: d.now()})
}

// prune removes soft-deleted records whose modification time fell outside the
// retention window. Records without a parseable modified field are left
// alone.
func (d *Driver) prune(ctx context.Context) error {
	cutoff := d.now().Add(-d.retention)

	for _, category := range d.categories {
		records, err := d.store.GetAll(ctx, category)
		if err != nil {
			return err
		}
		for id, raw := range records {
			var head struct {
				Deleted  bool      `json:"deleted"`
				Modified time.Time `json:"modified"`
			}
			if err := json.Unmarshal(raw, &head); err != nil {
				continue
			}
			if head.Deleted && !head.Modified.IsZero() && head.Modified.Before(cutoff) {
				if err := d.store.Delete(ctx, category, id); err != nil {
					return err
				}
				d.logf("pruned expired %s:%s", category, id)
			}
		}
	}
	return nil
}

// Status returns a snapshot for status reporting.
func (d *Driver) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	states := make(map[string]State, len(d.states))
	for name, s := range d.states {
		states[name] = *s
	}

	s := Status{
		LastSync:     d.lastSync,
		SyncCount:    d.syncCount,
		BreakerState: d.breaker.State().String(),
		States:       states,
	}
	if d.queue != nil {
		s.QueueLength = d.queue.Len()
	}
	return s
}

// StateFor returns the sync state for one content type.
func (d *Driver) StateFor(category string) (State, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.states[category]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// SetClock overrides the driver clock for tests.
func (d *Driver) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
	d.breaker.SetClock(now)
}

func (d *Driver) logf(format string, args ...interface{}) {
	if d.log != nil {
		d.log.Printf(format, args...)
		return
	}
	utils.Debugf(format, args...)
}
