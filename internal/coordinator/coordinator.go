// Package coordinator owns cross-cutting cache invalidation and remote
// version validation: it fingerprints remote entities, compares against
// locally stored versions, and cascades invalidation through the cache
// dependency graph out to UI subscribers.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sheetbox/content"
	"sheetbox/internal/adaptive"
	"sheetbox/internal/cache"
	"sheetbox/internal/netprobe"
	"sheetbox/internal/store"
	"sheetbox/internal/utils"
	"sheetbox/remote"
)

// slowBatchDelay is the fixed pause between validation batches on slow links.
const slowBatchDelay = 500 * time.Millisecond

// Version is the locally persisted fingerprint of a remote entity, used to
// detect remote drift without re-downloading payloads.
type Version struct {
	Key          string    `json:"key"`
	Version      string    `json:"version"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	Checksum     string    `json:"checksum,omitempty"`
}

// Result is the outcome of a Validate call.
type Result struct {
	IsValid          bool
	HasServerChanges bool
	NewVersion       string
}

// Invalidation is the notification emitted to subscribers when cache entries
// are removed. The UI layer subscribes by entity type and id to re-render.
type Invalidation struct {
	Type   string
	ID     string
	Action string // update, delete, create
}

// InvalidateRequest describes an invalidation and its explicit cascades.
type InvalidateRequest struct {
	Type        string
	ID          string
	Action      string
	CascadeKeys []string
}

// Coordinator validates cached entries against remote versions and cascades
// invalidation.
type Coordinator struct {
	store  *store.Store
	engine *cache.Engine
	svc    remote.Service
	speed  func() netprobe.Speed

	subsMu sync.RWMutex
	subs   []func(Invalidation)

	// validating guards ValidateAll against re-entrancy; concurrent
	// callers are no-ops.
	validating atomic.Bool

	now func() time.Time
}

// New creates a Coordinator.
func New(st *store.Store, engine *cache.Engine, svc remote.Service, speed func() netprobe.Speed) *Coordinator {
	if speed == nil {
		speed = func() netprobe.Speed { return netprobe.SpeedFast }
	}
	return &Coordinator{
		store:  st,
		engine: engine,
		svc:    svc,
		speed:  speed,
		now:    time.Now,
	}
}

// Subscribe registers a callback for invalidation notifications.
func (c *Coordinator) Subscribe(fn func(Invalidation)) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Coordinator) notify(inv Invalidation) {
	c.subsMu.RLock()
	subs := c.subs
	c.subsMu.RUnlock()
	for _, fn := range subs {
		fn(inv)
	}
}

// Fingerprint computes the version fingerprint for an entity's metadata.
// Binary assets (covers, worksheet payloads) hash modification time, size,
// and id; records hash modification time and name.
func Fingerprint(entityType string, meta remote.Meta) string {
	var material string
	switch entityType {
	case content.CategoryCovers, content.CategoryWorksheets:
		material = fmt.Sprintf("%d|%d|%s", meta.LastModified.UnixMilli(), meta.Size, meta.ID)
	default:
		material = fmt.Sprintf("%d|%s", meta.LastModified.UnixMilli(), meta.Name)
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:16])
}

// Validate fingerprints the remote entity and compares against the stored
// version. A missing stored version or a mismatch means the server changed.
func (c *Coordinator) Validate(ctx context.Context, entityType, id string) (Result, error) {
	meta, err := c.svc.Stat(ctx, entityType, id)
	if err != nil {
		return Result{}, err
	}

	newVersion := Fingerprint(entityType, meta)
	key := content.Key(entityType, id)

	var stored Version
	ok, err := c.store.Get(ctx, store.TableVersions, key, &stored)
	if err != nil {
		// Storage faults degrade to "assume changed".
		ok = false
	}

	if !ok || stored.Version != newVersion {
		return Result{IsValid: false, HasServerChanges: true, NewVersion: newVersion}, nil
	}
	return Result{IsValid: true, HasServerChanges: false, NewVersion: newVersion}, nil
}

// RecordVersion persists the fingerprint for an entity after its payload has
// been cached, so later Validate calls can detect drift.
func (c *Coordinator) RecordVersion(ctx context.Context, entityType, id string, meta remote.Meta) error {
	key := content.Key(entityType, id)
	return c.store.Put(ctx, store.TableVersions, key, Version{
		Key:          key,
		Version:      Fingerprint(entityType, meta),
		LastModified: meta.LastModified,
	})
}

// Invalidate removes the entry from the cache, recursively invalidates every
// dependent key plus the explicit cascade keys, and notifies subscribers.
// Invalidating an absent key is a no-op, so the operation is idempotent.
func (c *Coordinator) Invalidate(ctx context.Context, req InvalidateRequest) error {
	// Collect the transitive dependents before the entry (and its edges)
	// are removed.
	cascade := c.engine.Dependents(req.Type, req.ID)

	if err := c.invalidateKey(ctx, content.Key(req.Type, req.ID)); err != nil {
		return err
	}

	for _, key := range cascade {
		if err := c.invalidateKey(ctx, key); err != nil {
			return err
		}
	}
	for _, key := range req.CascadeKeys {
		if err := c.invalidateKey(ctx, key); err != nil {
			return err
		}
	}

	action := req.Action
	if action == "" {
		action = "update"
	}
	c.notify(Invalidation{Type: req.Type, ID: req.ID, Action: action})
	return nil
}

// invalidateKey removes one cache entry and its stored version.
func (c *Coordinator) invalidateKey(ctx context.Context, key string) error {
	category, id := content.SplitKey(key)
	if err := c.engine.Invalidate(ctx, category, id); err != nil {
		return err
	}
	return c.store.Delete(ctx, store.TableVersions, key)
}

// ValidateAll walks every cached entry, validating in network-speed-adjusted
// batches, and invalidates everything the server reports changed. Runs on
// reconnect; concurrent calls are no-ops.
func (c *Coordinator) ValidateAll(ctx context.Context) error {
	if !c.validating.CompareAndSwap(false, true) {
		return nil
	}
	defer c.validating.Store(false)

	keys, err := c.engine.Keys(ctx)
	if err != nil {
		return err
	}

	speed := c.speed()
	plan := adaptive.Plan{BatchSize: adaptive.ValidationBatchSize(speed)}
	if speed == netprobe.SpeedSlow {
		plan.Delay = slowBatchDelay
	}

	return adaptive.Batches(ctx, keys, plan, func(ctx context.Context, batch []string) error {
		for _, key := range batch {
			category, id := content.SplitKey(key)
			result, err := c.Validate(ctx, category, id)
			if err != nil {
				// Validation failures leave the entry in place; the
				// next sweep retries.
				utils.Debugf("validate %s failed: %v", key, err)
				continue
			}
			if result.HasServerChanges {
				if err := c.Invalidate(ctx, InvalidateRequest{Type: category, ID: id, Action: "update"}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ConsumeChanges applies a realtime change feed to the cache: each event
// invalidates the affected entry and its dependents. Returns when the
// channel closes.
func (c *Coordinator) ConsumeChanges(ctx context.Context, events <-chan remote.ChangeEvent) {
	for event := range events {
		id := eventEntityID(event)
		if id == "" {
			continue
		}
		action := "update"
		switch event.Type {
		case remote.EventInsert:
			action = "create"
		case remote.EventDelete:
			action = "delete"
		}
		if err := c.Invalidate(ctx, InvalidateRequest{Type: event.Table, ID: id, Action: action}); err != nil {
			utils.Debugf("realtime invalidation failed for %s: %v", id, err)
		}
	}
}

// eventEntityID extracts the entity id from a change event, preferring the
// new record and falling back to the old one for deletes.
func eventEntityID(event remote.ChangeEvent) string {
	var record struct {
		ID string `json:"id"`
	}
	if len(event.New) > 0 && json.Unmarshal(event.New, &record) == nil && record.ID != "" {
		return record.ID
	}
	if len(event.Old) > 0 && json.Unmarshal(event.Old, &record) == nil {
		return record.ID
	}
	return ""
}
