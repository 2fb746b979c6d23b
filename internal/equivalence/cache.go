package equivalence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// BuildFunc builds a fresh Context Map for a project.
type BuildFunc func(ctx context.Context, projectID string) (*ContextMap, error)

// CacheObserver receives cache events; any field may be nil.
type CacheObserver struct {
	Hit   func(projectID string)
	Build func(projectID string, took time.Duration, err error)
}

// Cache holds one Context Map per project. Concurrent misses on the same
// project share a single build. Invalidation bumps a per-project
// generation; a build that started under an older generation is returned
// to its waiters but never stored.
type Cache struct {
	build    BuildFunc
	maxAge   time.Duration
	observer CacheObserver
	now      func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*ContextMap
	gens    map[string]uint64
	epoch   uint64 // bumped by InvalidateAll
	version uint64
}

// generation identifies the invalidation state a build started under.
type generation struct{ epoch, gen uint64 }

// NewCache returns a cache over build. maxAge of zero keeps entries until
// they are invalidated.
func NewCache(build BuildFunc, maxAge time.Duration, observer CacheObserver) *Cache {
	return &Cache{
		build:    build,
		maxAge:   maxAge,
		observer: observer,
		now:      time.Now,
		entries:  make(map[string]*ContextMap),
		gens:     make(map[string]uint64),
	}
}

func (c *Cache) lookup(projectID string) (*ContextMap, generation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := generation{c.epoch, c.gens[projectID]}
	m, ok := c.entries[projectID]
	if !ok {
		return nil, gen
	}
	if c.maxAge > 0 && c.now().Sub(m.BuiltAt) > c.maxAge {
		delete(c.entries, projectID)
		return nil, gen
	}
	return m, gen
}

// Get returns the cached map for projectID, building it on a miss. The
// build is detached from the caller's cancellation so one impatient caller
// does not fail the others waiting on it.
func (c *Cache) Get(ctx context.Context, projectID string) (*ContextMap, error) {
	m, gen := c.lookup(projectID)
	if m != nil {
		if c.observer.Hit != nil {
			c.observer.Hit(projectID)
		}
		return m, nil
	}

	key := projectID + "#" + strconv.FormatUint(gen.epoch, 10) + "." + strconv.FormatUint(gen.gen, 10)
	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		start := c.now()
		built, err := c.build(buildCtx, projectID)
		if c.observer.Build != nil {
			c.observer.Build(projectID, c.now().Sub(start), err)
		}
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.version++
		built.Version = c.version
		if (generation{c.epoch, c.gens[projectID]}) == gen {
			c.entries[projectID] = built
		}
		return built, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ContextMap), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the project's entry; the next Get rebuilds it.
func (c *Cache) Invalidate(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[projectID]++
	delete(c.entries, projectID)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries = make(map[string]*ContextMap)
}

// Len is the number of cached maps.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
