package syncd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sheetbox/content"
	"sheetbox/internal/store"
	"sheetbox/internal/syncqueue"
	"sheetbox/remote"
)

type fakeService struct {
	mu        sync.Mutex
	records   map[string][]json.RawMessage
	filters   []remote.Filter
	listErr   error
	listCalls int
	mutations []remote.Mutation
}

func newFakeService() *fakeService {
	return &fakeService{records: make(map[string][]json.RawMessage)}
}

func (f *fakeService) List(_ context.Context, table string, filter remote.Filter) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.filters = append(f.filters, filter)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.records[table], nil
}

func (f *fakeService) Mutate(_ context.Context, m remote.Mutation) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations = append(f.mutations, m)
	return m.Data, nil
}

func (f *fakeService) Fetch(context.Context, string, string) (json.RawMessage, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeService) Stat(context.Context, string, string) (remote.Meta, error) {
	return remote.Meta{}, fmt.Errorf("not implemented")
}

func (f *fakeService) SubscribeChanges(context.Context, string, remote.Filter) (<-chan remote.ChangeEvent, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "syncd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// TestSyncPassPullsDeltas verifies a pass stores pulled records and advances
// the watermark so the next pass sends updated_since.
func TestSyncPassPullsDeltas(t *testing.T) {
	st := newTestStore(t)
	svc := newFakeService()
	svc.records[content.CategoryDocuments] = []json.RawMessage{
		json.RawMessage(`{"id":"d1","name":"Fractions","modified":"2026-02-01T10:00:00Z"}`),
		json.RawMessage(`{"id":"d2","name":"Decimals","modified":"2026-02-01T11:00:00Z"}`),
	}

	var invalidated []string
	d := New(Options{
		Store:      st,
		Service:    svc,
		Categories: []string{content.CategoryDocuments},
		Invalidate: func(_ context.Context, table, id, action string) error {
			invalidated = append(invalidated, table+":"+id+":"+action)
			return nil
		},
	})
	ctx := context.Background()

	if err := d.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	var doc content.Document
	ok, err := st.Get(ctx, content.CategoryDocuments, "d1", &doc)
	if err != nil || !ok {
		t.Fatalf("expected d1 stored, ok=%v err=%v", ok, err)
	}
	if doc.Name != "Fractions" {
		t.Errorf("unexpected record %+v", doc)
	}
	if len(invalidated) != 2 {
		t.Errorf("expected 2 invalidations, got %v", invalidated)
	}

	// Second pass carries the watermark.
	if err := d.SyncNow(ctx); err != nil {
		t.Fatalf("second SyncNow: %v", err)
	}
	svc.mu.Lock()
	lastFilter := svc.filters[len(svc.filters)-1]
	svc.mu.Unlock()
	if lastFilter["updated_since"] == "" {
		t.Error("expected updated_since filter on second pass")
	}

	status := d.Status()
	if status.SyncCount != 2 {
		t.Errorf("expected sync count 2, got %d", status.SyncCount)
	}
	state, ok := d.StateFor(content.CategoryDocuments)
	if !ok || state.SyncCount != 2 || !state.Healthy() {
		t.Errorf("unexpected state %+v", state)
	}
}

// TestSyncPassRecordsVersions verifies pulled records hand their metadata to
// the version hook so a later validation sweep sees them as current.
// Tombstones record nothing.
func TestSyncPassRecordsVersions(t *testing.T) {
	st := newTestStore(t)
	svc := newFakeService()
	svc.records[content.CategoryWorksheets] = []json.RawMessage{
		json.RawMessage(`{"id":"w1","name":"Fractions","size":2048,"modified":"2026-02-01T10:00:00Z"}`),
		json.RawMessage(`{"id":"w2","deleted":true,"modified":"2026-02-01T11:00:00Z"}`),
	}

	recorded := make(map[string]remote.Meta)
	d := New(Options{
		Store:      st,
		Service:    svc,
		Categories: []string{content.CategoryWorksheets},
		RecordVersion: func(_ context.Context, table, id string, meta remote.Meta) error {
			recorded[table+":"+id] = meta
			return nil
		},
	})
	ctx := context.Background()

	if err := d.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	if len(recorded) != 1 {
		t.Fatalf("expected 1 recorded version, got %d", len(recorded))
	}
	meta, ok := recorded[content.CategoryWorksheets+":w1"]
	if !ok {
		t.Fatal("expected version recorded for w1")
	}
	if meta.ID != "w1" || meta.Name != "Fractions" || meta.Size != 2048 {
		t.Errorf("unexpected meta %+v", meta)
	}
	want := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	if !meta.LastModified.Equal(want) {
		t.Errorf("expected modified %v, got %v", want, meta.LastModified)
	}
}

// TestDeletedRecordsAreRemoved verifies tombstones from the server delete
// the local record.
func TestDeletedRecordsAreRemoved(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_ = st.PutRaw(ctx, content.CategoryDocuments, "d1", []byte(`{"id":"d1","name":"old"}`))

	svc := newFakeService()
	svc.records[content.CategoryDocuments] = []json.RawMessage{
		json.RawMessage(`{"id":"d1","deleted":true,"modified":"2026-02-01T10:00:00Z"}`),
	}

	var actions []string
	d := New(Options{
		Store:      st,
		Service:    svc,
		Categories: []string{content.CategoryDocuments},
		Invalidate: func(_ context.Context, _, _, action string) error {
			actions = append(actions, action)
			return nil
		},
	})

	if err := d.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	if _, ok, _ := st.GetRaw(ctx, content.CategoryDocuments, "d1"); ok {
		t.Error("expected deleted record removed locally")
	}
	if len(actions) != 1 || actions[0] != "delete" {
		t.Errorf("expected delete invalidation, got %v", actions)
	}
}

// TestMinIntervalCoalesces verifies non-forced passes within the minimum
// interval are skipped.
func TestMinIntervalCoalesces(t *testing.T) {
	st := newTestStore(t)
	svc := newFakeService()
	d := New(Options{
		Store:       st,
		Service:     svc,
		Categories:  []string{content.CategoryDocuments},
		MinInterval: time.Hour,
	})
	ctx := context.Background()

	if err := d.runPass(ctx, "first", false); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	first := svc.calls()

	if err := d.runPass(ctx, "second", false); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if svc.calls() != first {
		t.Error("expected second pass within min interval to be skipped")
	}

	// Forced passes bypass the interval.
	if err := d.SyncNow(ctx); err != nil {
		t.Fatalf("forced pass: %v", err)
	}
	if svc.calls() == first {
		t.Error("expected forced pass to run")
	}
}

// TestBreakerOpensAfterRepeatedFailures verifies the driver stops hammering a
// failing remote.
func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	st := newTestStore(t)
	svc := newFakeService()
	svc.listErr = fmt.Errorf("server down")

	d := New(Options{
		Store:            st,
		Service:          svc,
		Categories:       []string{content.CategoryDocuments},
		BreakerThreshold: 3,
		BreakerCooldown:  time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := d.SyncNow(ctx); err == nil {
			t.Fatalf("pass %d: expected error", i+1)
		}
	}
	if d.Status().BreakerState != "open" {
		t.Fatalf("expected open breaker, got %s", d.Status().BreakerState)
	}

	before := svc.calls()
	if err := d.SyncNow(ctx); err != nil {
		t.Fatalf("pass with open breaker should skip silently, got %v", err)
	}
	if svc.calls() != before {
		t.Error("expected no remote calls while breaker is open")
	}
}

// TestQueueDrainsDuringPass verifies queued mutations replay in a pass.
func TestQueueDrainsDuringPass(t *testing.T) {
	st := newTestStore(t)
	svc := newFakeService()
	ctx := context.Background()

	q := syncqueue.New(st, svc, nil, syncqueue.Options{})
	_ = q.Enqueue(ctx, syncqueue.Operation{
		Type: remote.MutationUpdate, Table: content.CategoryDocuments,
		EntityID: "d1", Data: json.RawMessage(`{"id":"d1"}`),
	})

	d := New(Options{
		Store:      st,
		Service:    svc,
		Queue:      q,
		Categories: []string{content.CategoryDocuments},
	})

	if err := d.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	svc.mu.Lock()
	delivered := len(svc.mutations)
	svc.mu.Unlock()
	if delivered != 1 {
		t.Errorf("expected queued mutation delivered, got %d", delivered)
	}
	if q.Len() != 0 {
		t.Errorf("expected drained queue, got %d", q.Len())
	}
}

// TestPruneRemovesExpiredTombstones verifies only old soft-deleted records
// are pruned.
func TestPruneRemovesExpiredTombstones(t *testing.T) {
	st := newTestStore(t)
	svc := newFakeService()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -40).Format(time.RFC3339)

	_ = st.PutRaw(ctx, content.CategoryDocuments, "expired",
		[]byte(`{"id":"expired","deleted":true,"modified":"`+old+`"}`))
	_ = st.PutRaw(ctx, content.CategoryDocuments, "kept-live",
		[]byte(`{"id":"kept-live","modified":"`+old+`"}`))
	_ = st.PutRaw(ctx, content.CategoryDocuments, "kept-fresh-tombstone",
		[]byte(`{"id":"kept-fresh-tombstone","deleted":true,"modified":"`+now.AddDate(0, 0, -1).Format(time.RFC3339)+`"}`))

	d := New(Options{
		Store:         st,
		Service:       svc,
		Categories:    []string{content.CategoryDocuments},
		RetentionDays: 30,
	})
	d.SetClock(func() time.Time { return now })

	if err := d.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	if _, ok, _ := st.GetRaw(ctx, content.CategoryDocuments, "expired"); ok {
		t.Error("expected expired tombstone pruned")
	}
	if _, ok, _ := st.GetRaw(ctx, content.CategoryDocuments, "kept-live"); !ok {
		t.Error("live records must survive pruning regardless of age")
	}
	if _, ok, _ := st.GetRaw(ctx, content.CategoryDocuments, "kept-fresh-tombstone"); !ok {
		t.Error("recent tombstones must survive pruning")
	}
}

// TestBreakerTransitions covers the closed, open, half-open cycle.
func TestBreakerTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute)
	b.SetClock(func() time.Time { return now })

	if !b.Allow() {
		t.Fatal("closed breaker must allow")
	}

	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Error("one failure below threshold must not open")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("expected open after threshold failures")
	}
	if b.Allow() {
		t.Error("open breaker must block within cooldown")
	}

	// Cooldown elapses: one probe is allowed.
	now = now.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("expected half-open probe after cooldown")
	}
	if b.State() != BreakerHalfOpen {
		t.Errorf("expected half-open, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed || b.FailureCount() != 0 {
		t.Error("success must close the breaker and reset failures")
	}
}
