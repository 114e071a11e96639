// Package presence tracks which entities are currently visible in the
// UI, reference-counting interest per entity id. A 0→1 transition opens
// the entity's push topic and fetches a snapshot; a drop to 0 starts a
// grace timer rather than evicting immediately, so scrolling an entity
// off screen and back does not refetch it.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// graceWindow is how long an entity may stay out of view before its
	// cache entry is purged and its topic closed.
	graceWindow = 30 * time.Second

	// sweepEvery is the tick interval of the eviction sweep.
	sweepEvery = 5 * time.Second
)

// Entity is a cached snapshot keyed by field name. Partial push updates
// are merged field-by-field, so absent fields keep their prior values.
type Entity map[string]any

// ID returns the entity's id field, or empty string.
func (e Entity) ID() string {
	id, _ := e["ID"].(string)
	return id
}

// Fetcher retrieves an entity snapshot from the REST collaborator.
type Fetcher interface {
	FetchEntity(ctx context.Context, id string) (Entity, error)
}

// Subscriber is the subset of the push socket the tracker needs.
type Subscriber interface {
	OpenSubscription(name string)
	CloseSubscription(name string)
}

// Config holds tracker parameters.
type Config struct {
	// SelfID is the current user's id. The user's own entity is an
	// authoritative local copy elsewhere and is never fetched or evicted
	// through this tracker.
	SelfID string

	// TopicPrefix builds the subscription name for an id, e.g. "user=".
	TopicPrefix string

	Fetcher Fetcher
	Subs    Subscriber

	// Grace and Sweep override the defaults; used by tests.
	Grace time.Duration
	Sweep time.Duration
}

// Tracker reference-counts entity visibility and owns the snapshot cache.
type Tracker struct {
	logger *slog.Logger
	cfg    Config

	mu          sync.Mutex
	refs        map[string]int
	disappeared map[string]time.Time
	cache       map[string]Entity

	group singleflight.Group
}

// NewTracker creates a tracker. Run must be started for eviction sweeps.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	if cfg.Grace <= 0 {
		cfg.Grace = graceWindow
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = sweepEvery
	}
	return &Tracker{
		logger:      logger,
		cfg:         cfg,
		refs:        make(map[string]int),
		disappeared: make(map[string]time.Time),
		cache:       make(map[string]Entity),
	}
}

// NotifyVisible records one more UI location showing the entity. On the
// 0→1 transition for an uncached entity it opens the entity's topic and
// fetches a snapshot; while the count stays above zero, or when the
// entity is still cached from a recent disappearance, no fetch happens.
func (t *Tracker) NotifyVisible(ctx context.Context, id string) error {
	if id == "" || id == t.cfg.SelfID {
		return nil
	}

	t.mu.Lock()
	t.refs[id]++
	// A revisit within the grace window cancels the pending eviction.
	delete(t.disappeared, id)
	first := t.refs[id] == 1
	_, cached := t.cache[id]
	t.mu.Unlock()

	if !first || cached {
		return nil
	}

	t.cfg.Subs.OpenSubscription(t.cfg.TopicPrefix + id)
	return t.fetch(ctx, id, false)
}

// NotifyHidden records one UI location no longer showing the entity.
// When the count reaches zero the entity is stamped with a disappearance
// time; the sweep evicts it after the grace window. Decrementing a zero
// count is a defect: it is logged and the count stays at zero.
func (t *Tracker) NotifyHidden(id string) {
	if id == "" || id == t.cfg.SelfID {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.refs[id]
	if c <= 0 {
		t.logger.Error("visibility reference count underflow", slog.String("id", id))
		return
	}
	if c == 1 {
		delete(t.refs, id)
		t.disappeared[id] = time.Now()
		return
	}
	t.refs[id] = c - 1
}

// CacheEntity fetches and stores the entity snapshot. With force it
// (over)writes unconditionally; without, it only refreshes entries
// already present, so hydrating a message never fetches an author
// nobody has in view.
func (t *Tracker) CacheEntity(ctx context.Context, id string, force bool) error {
	if id == "" || id == t.cfg.SelfID {
		return nil
	}

	if !force {
		t.mu.Lock()
		_, ok := t.cache[id]
		t.mu.Unlock()
		if !ok {
			return nil
		}
	}
	return t.fetch(ctx, id, force)
}

// Get returns the cached snapshot for id.
func (t *Tracker) Get(id string) (Entity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.cache[id]
	return e, ok
}

// ApplyUpdate merges a partial push update into the cached snapshot.
// Unknown ids are a no-op: the entity is not of interest to this client.
func (t *Tracker) ApplyUpdate(partial Entity) {
	id := partial.ID()
	if id == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.cache[id]
	if !ok {
		return
	}
	for k, v := range partial {
		cur[k] = v
	}
}

// BumpImageVersion increments the cache-busting counter on the entity's
// image reference so dependent fetches re-request the binary.
func (t *Tracker) BumpImageVersion(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.cache[id]
	if !ok {
		return
	}
	v, _ := cur["img_v"].(int)
	cur["img_v"] = v + 1
}

// Remove drops the entity from the cache and every tracking structure,
// regardless of reference count, and closes its topic. Applied when a
// DELETE push names the entity.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	_, tracked := t.refs[id]
	_, cached := t.cache[id]
	delete(t.cache, id)
	delete(t.refs, id)
	delete(t.disappeared, id)
	t.mu.Unlock()

	if tracked || cached {
		t.cfg.Subs.CloseSubscription(t.cfg.TopicPrefix + id)
	}
}

// RefCount returns the current visibility count for id.
func (t *Tracker) RefCount(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[id]
}

// Run sweeps disappearance timestamps until ctx is cancelled. Entities
// out of view for longer than the grace window are purged and their
// topics closed.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tracker) sweep() {
	var evicted []string

	t.mu.Lock()
	now := time.Now()
	for id, gone := range t.disappeared {
		if now.Sub(gone) < t.cfg.Grace {
			continue
		}
		delete(t.disappeared, id)
		delete(t.cache, id)
		delete(t.refs, id)
		evicted = append(evicted, id)
	}
	t.mu.Unlock()

	for _, id := range evicted {
		t.cfg.Subs.CloseSubscription(t.cfg.TopicPrefix + id)
		t.logger.Debug("evicted", slog.String("id", id))
	}
}

// fetch retrieves the snapshot through singleflight so concurrent
// requests for one id collapse into a single round trip. Unless forced,
// the result is only stored if the entity is still wanted when the fetch
// completes: a fetch whose subject left view mutates nothing.
func (t *Tracker) fetch(ctx context.Context, id string, force bool) error {
	v, err, _ := t.group.Do(id, func() (any, error) {
		return t.cfg.Fetcher.FetchEntity(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("fetching entity %s: %w", id, err)
	}
	snapshot, ok := v.(Entity)
	if !ok || snapshot == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !force && t.refs[id] == 0 {
		if _, cached := t.cache[id]; !cached {
			return nil
		}
	}
	t.cache[id] = snapshot
	return nil
}
