package engine

import (
	"context"
	"sync"
	"time"

	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
)

// View is a tenant's read model: the stored gate state and the latest
// snapshot. A View is never mutated once cached; refreshes swap in a new one.
type View struct {
	State    *gate.State
	Snapshot *health.Snapshot
	LoadedAt time.Time
}

func (v *View) version() int64 {
	if v.State == nil {
		return 0
	}
	return v.State.Version
}

// fresh reports whether the view is younger than ttl.
func (v *View) fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(v.LoadedAt) <= ttl
}

// viewCache is a thread-safe cache of tenant views.
type viewCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	views map[string]*View
}

func newViewCache(ttl time.Duration) *viewCache {
	return &viewCache{ttl: ttl, views: make(map[string]*View)}
}

func (c *viewCache) get(tenantID string) (*View, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.views[tenantID]
	return v, ok
}

func (c *viewCache) set(tenantID string, v *View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[tenantID] = v
}

// refresh caches v unless the cached view carries a newer gate state, and
// returns whichever view is cached afterwards. A reload that read the stores
// before a cycle committed must not replace the cycle's view.
func (c *viewCache) refresh(tenantID string, v *View) *View {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.views[tenantID]; ok && cur.version() > v.version() {
		return cur
	}
	c.views[tenantID] = v
	return v
}

func (c *viewCache) delete(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, tenantID)
}

func (c *viewCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.views)
}

// view returns the tenant's cached view, reloading it from the stores once it
// is older than the cache TTL. When the reload fails the last good view is
// served; with no view at all the error is ErrStoreUnavailable.
func (e *Engine) view(ctx context.Context, tenantID string) (*View, error) {
	now := e.now()
	cached, ok := e.views.get(tenantID)
	if ok && cached.fresh(now, e.views.ttl) {
		return cached, nil
	}

	v, err := e.loadView(ctx, tenantID, now)
	if err != nil {
		if ok {
			e.logger.Warn().Err(err).Str("tenant_id", tenantID).
				Time("loaded_at", cached.LoadedAt).
				Msg("view refresh failed, serving last good view")
			return cached, nil
		}
		return nil, err
	}
	return e.views.refresh(tenantID, v), nil
}

func (e *Engine) loadView(ctx context.Context, tenantID string, now time.Time) (*View, error) {
	state, err := e.states.GetState(ctx, tenantID)
	if err != nil {
		return nil, storeUnavailable(err, "load gate state")
	}
	snap, err := e.snapshots.LatestSnapshot(ctx, tenantID)
	if err != nil {
		return nil, storeUnavailable(err, "load latest snapshot")
	}
	return &View{State: state, Snapshot: snap, LoadedAt: now}, nil
}
