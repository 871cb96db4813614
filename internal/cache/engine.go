package cache

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"sheetbox/content"
	"sheetbox/internal/config"
	"sheetbox/internal/netprobe"
	"sheetbox/internal/store"
	"sheetbox/internal/utils"
)

const (
	// evictionThreshold is the fraction of the quota at which cleanup starts.
	evictionThreshold = 0.85
	// evictionFraction is the share of entries removed per cleanup pass.
	// Bounding the pass avoids repeated full sweeps and oscillation.
	evictionFraction = 0.20
)

// SpeedSource reports the current network speed tier. The engine uses it to
// adjust per-category TTLs; slow links avoid refetch, fast links revalidate
// eagerly.
type SpeedSource func() netprobe.Speed

// SetOptions carries optional metadata for a Set call.
type SetOptions struct {
	Priority     content.Priority // zero value means "use the category strategy"
	HasPriority  bool
	Dependencies []string
	Version      string
}

// Engine is the cache policy layer. All persistence goes through the store;
// the engine owns freshness, integrity, dependency edges, and eviction.
type Engine struct {
	store      *store.Store
	strategies map[string]config.Strategy
	quota      int64
	speed      SpeedSource
	graph      *DepGraph

	now func() time.Time
}

// NewEngine creates an Engine over the given store, rebuilding the
// dependency graph from persisted entries.
func NewEngine(ctx context.Context, st *store.Store, strategies map[string]config.Strategy, quota int64, speed SpeedSource) (*Engine, error) {
	if strategies == nil {
		strategies = config.DefaultStrategies()
	}
	if quota <= 0 {
		quota = config.DefaultQuotaBytes
	}
	if speed == nil {
		speed = func() netprobe.Speed { return netprobe.SpeedFast }
	}

	e := &Engine{
		store:      st,
		strategies: strategies,
		quota:      quota,
		speed:      speed,
		graph:      NewDepGraph(),
		now:        time.Now,
	}

	if err := e.rebuildGraph(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// rebuildGraph restores dependency edges from entries persisted by an
// earlier process.
func (e *Engine) rebuildGraph(ctx context.Context) error {
	records, err := e.store.GetAll(ctx, store.TableCache)
	if err != nil {
		return err
	}
	for key, raw := range records {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// Corrupt envelope; drop it rather than fail startup.
			_ = e.store.Delete(ctx, store.TableCache, key)
			continue
		}
		if len(entry.Dependencies) > 0 {
			e.graph.Register(key, entry.Dependencies)
		}
	}
	return nil
}

// strategyFor returns the category's policy, defaulting unknown categories
// to a low-priority short-TTL strategy.
func (e *Engine) strategyFor(category string) config.Strategy {
	if s, ok := e.strategies[category]; ok {
		return s
	}
	return config.Strategy{MaxAge: "5m", Priority: content.PriorityLow}
}

// AdjustedMaxAge returns the category TTL adjusted for network speed:
// doubled on slow links, halved on fast links.
func (e *Engine) AdjustedMaxAge(category string) time.Duration {
	base := e.strategyFor(category).MaxAgeDuration()
	switch e.speed() {
	case netprobe.SpeedSlow:
		return base * 2
	case netprobe.SpeedFast:
		return base / 2
	default:
		return base
	}
}

// Set caches a payload under category:id, stamping metadata and registering
// dependency edges. Storage faults degrade to an error the caller should
// treat as a cache miss; the remote service remains the source of truth.
func (e *Engine) Set(ctx context.Context, category, id string, data any, opts SetOptions) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	strategy := e.strategyFor(category)
	priority := strategy.Priority
	if opts.HasPriority {
		priority = opts.Priority
	}

	now := e.now()
	entry := Entry{
		Data:         payload,
		Timestamp:    now,
		Version:      opts.Version,
		AccessCount:  0,
		LastAccessed: now,
		Priority:     priority,
		Dependencies: opts.Dependencies,
		Checksum:     Checksum(payload),
		Category:     category,
	}

	key := content.Key(category, id)
	if err := e.store.Put(ctx, store.TableCache, key, entry); err != nil {
		return err
	}
	e.graph.Register(key, opts.Dependencies)

	if err := e.enforceQuota(ctx); err != nil {
		// Eviction failure is not fatal to the write.
		utils.Debugf("cache eviction failed: %v", err)
	}
	if err := e.enforceCategoryBudget(ctx, category, strategy.MaxSize); err != nil {
		utils.Debugf("category budget enforcement failed: %v", err)
	}
	return nil
}

// Get loads a fresh entry into out. Stale or absent entries report a miss;
// stale entries are retained for offline fallback via GetStale. A checksum
// mismatch evicts the entry immediately and reports a miss.
func (e *Engine) Get(ctx context.Context, category, id string, out any) (bool, error) {
	entry, ok, err := e.load(ctx, category, id)
	if err != nil || !ok {
		return false, err
	}

	if entry.Age(e.now()) > e.AdjustedMaxAge(category) {
		// Freshness miss; the entry stays usable offline.
		return false, nil
	}

	return true, e.hit(ctx, category, id, entry, out)
}

// GetStale loads an entry regardless of freshness. Used as the offline
// fallback when no fresh data can be fetched. Integrity still applies:
// corrupt entries are evicted, never served.
func (e *Engine) GetStale(ctx context.Context, category, id string, out any) (bool, error) {
	entry, ok, err := e.load(ctx, category, id)
	if err != nil || !ok {
		return false, err
	}
	return true, e.hit(ctx, category, id, entry, out)
}

// Entry returns the raw entry envelope without touching access metadata.
// The coordinator uses this during validation sweeps.
func (e *Engine) Entry(ctx context.Context, category, id string) (*Entry, bool, error) {
	return e.loadRaw(ctx, content.Key(category, id))
}

// load fetches and integrity-checks an entry.
func (e *Engine) load(ctx context.Context, category, id string) (*Entry, bool, error) {
	key := content.Key(category, id)
	entry, ok, err := e.loadRaw(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	if !entry.Valid() {
		// Integrity takes priority over availability.
		utils.Warnf("cache checksum mismatch for %s, evicting", key)
		_ = e.store.Delete(ctx, store.TableCache, key)
		e.graph.Remove(key)
		return nil, false, nil
	}
	return entry, true, nil
}

func (e *Engine) loadRaw(ctx context.Context, key string) (*Entry, bool, error) {
	var entry Entry
	ok, err := e.store.Get(ctx, store.TableCache, key, &entry)
	if err != nil {
		// Storage faults degrade to a miss.
		utils.Debugf("cache read failed for %s: %v", key, err)
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

// hit decodes the payload and updates access metadata (best effort).
func (e *Engine) hit(ctx context.Context, category, id string, entry *Entry, out any) error {
	if out != nil {
		if err := json.Unmarshal(entry.Data, out); err != nil {
			return err
		}
	}

	entry.AccessCount++
	entry.LastAccessed = e.now()
	if err := e.store.Put(ctx, store.TableCache, content.Key(category, id), entry); err != nil {
		utils.Debugf("cache access metadata update failed: %v", err)
	}
	return nil
}

// Invalidate removes a single entry and its dependency edges. Invalidating
// an absent key is a no-op.
func (e *Engine) Invalidate(ctx context.Context, category, id string) error {
	key := content.Key(category, id)
	if err := e.store.Delete(ctx, store.TableCache, key); err != nil {
		return err
	}
	e.graph.Remove(key)
	return nil
}

// Dependents returns every cache key transitively depending on category:id.
func (e *Engine) Dependents(category, id string) []string {
	return e.graph.TransitiveDependents(content.Key(category, id))
}

// Keys returns every cached key.
func (e *Engine) Keys(ctx context.Context) ([]string, error) {
	return e.store.Keys(ctx, store.TableCache)
}

// Usage returns the current stored size of the cache table in bytes.
func (e *Engine) Usage(ctx context.Context) (int64, error) {
	return e.store.TableSize(ctx, store.TableCache)
}

// enforceQuota evicts the lowest-ranked entries once usage crosses the
// threshold. Candidates are ranked low priority first, then least recently
// accessed; exactly the bottom 20% are removed per pass.
func (e *Engine) enforceQuota(ctx context.Context) error {
	usage, err := e.Usage(ctx)
	if err != nil {
		return err
	}
	if float64(usage) < evictionThreshold*float64(e.quota) {
		return nil
	}

	records, err := e.store.GetAll(ctx, store.TableCache)
	if err != nil {
		return err
	}

	type candidate struct {
		key          string
		priority     content.Priority
		lastAccessed time.Time
	}
	candidates := make([]candidate, 0, len(records))
	for key, raw := range records {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// Unreadable envelope ranks first for eviction.
			candidates = append(candidates, candidate{key: key, priority: content.PriorityLow})
			continue
		}
		candidates = append(candidates, candidate{
			key:          key,
			priority:     entry.Priority,
			lastAccessed: entry.LastAccessed,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].lastAccessed.Before(candidates[j].lastAccessed)
	})

	evictCount := int(math.Ceil(float64(len(candidates)) * evictionFraction))
	if evictCount < 1 {
		evictCount = 1
	}
	if evictCount > len(candidates) {
		evictCount = len(candidates)
	}

	for _, c := range candidates[:evictCount] {
		if err := e.store.Delete(ctx, store.TableCache, c.key); err != nil {
			return err
		}
		e.graph.Remove(c.key)
	}
	utils.Debugf("cache eviction removed %d of %d entries", evictCount, len(candidates))
	return nil
}

// enforceCategoryBudget evicts the least recently accessed entries of one
// category until its payload bytes fit the strategy's MaxSize. A budget of
// zero means the category is bounded only by the global quota.
func (e *Engine) enforceCategoryBudget(ctx context.Context, category string, budget int64) error {
	if budget <= 0 {
		return nil
	}

	records, err := e.store.GetAll(ctx, store.TableCache)
	if err != nil {
		return err
	}

	type candidate struct {
		key          string
		size         int64
		lastAccessed time.Time
	}
	var total int64
	var candidates []candidate
	for key, raw := range records {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.Category != category {
			continue
		}
		size := int64(len(entry.Data))
		total += size
		candidates = append(candidates, candidate{key: key, size: size, lastAccessed: entry.LastAccessed})
	}
	if total <= budget {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccessed.Before(candidates[j].lastAccessed)
	})
	evicted := 0
	for _, c := range candidates {
		if total <= budget {
			break
		}
		if err := e.store.Delete(ctx, store.TableCache, c.key); err != nil {
			return err
		}
		e.graph.Remove(c.key)
		total -= c.size
		evicted++
	}
	utils.Debugf("category %s over budget, evicted %d entries", category, evicted)
	return nil
}

// SetClock overrides the engine clock. Tests use this to control TTLs.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}
