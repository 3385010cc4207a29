// Package cache is the process-wide store for resolved resource payloads.
//
// Concurrent misses for one key share a single load. Entries never expire on
// their own; they are dropped by Invalidate or InvalidateFunc. A load that was
// running when its key was invalidated still answers its callers but is not
// stored, so the next read after an invalidation always goes to the backend.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

const DefaultLoadTimeout = 30 * time.Second

// LoadFunc resolves the value for a key on a miss.
type LoadFunc[V any] func(ctx context.Context) (V, error)

type Cache[V any] struct {
	mu    sync.Mutex
	data  map[string]V
	gens  map[string]uint64
	epoch uint64

	flights     singleflight.Group
	loadTimeout time.Duration

	requests      *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

type Option func(*options)

type options struct {
	loadTimeout   time.Duration
	requests      *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// WithLoadTimeout bounds a single load, independent of the callers waiting on
// it.
func WithLoadTimeout(d time.Duration) Option {
	return func(o *options) {
		o.loadTimeout = d
	}
}

// WithCounters records hits and misses on requests (label "result") and
// invalidations on invalidations (label "kind").
func WithCounters(requests, invalidations *prometheus.CounterVec) Option {
	return func(o *options) {
		o.requests = requests
		o.invalidations = invalidations
	}
}

func New[V any](opts ...Option) *Cache[V] {
	o := options{loadTimeout: DefaultLoadTimeout}
	for _, apply := range opts {
		apply(&o)
	}
	return &Cache[V]{
		data:          map[string]V{},
		gens:          map[string]uint64{},
		loadTimeout:   o.loadTimeout,
		requests:      o.requests,
		invalidations: o.invalidations,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *Cache[V]) Set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// GetOrLoad returns the cached value for key or calls load exactly once for
// all concurrent callers. Errors are returned to every waiter and never
// cached. A caller whose ctx ends stops waiting; the load itself keeps running
// for the others.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load LoadFunc[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		c.count("hit")
		return v, nil
	}
	c.count("miss")

	ch := c.flights.DoChan(key, func() (any, error) {
		c.mu.Lock()
		if v, ok := c.data[key]; ok {
			c.mu.Unlock()
			return v, nil
		}
		gen, epoch := c.gens[key], c.epoch
		c.mu.Unlock()

		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()

		v, err := c.safeLoad(lctx, load)
		if err != nil {
			return v, err
		}

		c.mu.Lock()
		if c.gens[key] == gen && c.epoch == epoch {
			c.data[key] = v
		}
		c.mu.Unlock()
		return v, nil
	})

	select {
	case res := <-ch:
		v, _ := res.Val.(V)
		return v, res.Err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (c *Cache[V]) safeLoad(ctx context.Context, load LoadFunc[V]) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cache load panicked: %v", r)
		}
	}()
	return load(ctx)
}

// Invalidate drops key and any load for it that is still running.
func (c *Cache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	_, ok := c.data[key]
	delete(c.data, key)
	c.gens[key]++
	c.mu.Unlock()

	c.flights.Forget(key)
	c.countInvalidation("key")
	return ok
}

// InvalidateFunc drops every key matching pred. Loads running at the time are
// not stored, whatever their key.
func (c *Cache[V]) InvalidateFunc(pred func(key string) bool) int {
	c.mu.Lock()
	var dropped []string
	for key := range c.data {
		if pred(key) {
			dropped = append(dropped, key)
			delete(c.data, key)
		}
	}
	c.epoch++
	c.mu.Unlock()

	for _, key := range dropped {
		c.flights.Forget(key)
	}
	c.countInvalidation("set")
	return len(dropped)
}

func (c *Cache[V]) count(result string) {
	if c.requests != nil {
		c.requests.WithLabelValues(result).Inc()
	}
}

func (c *Cache[V]) countInvalidation(kind string) {
	if c.invalidations != nil {
		c.invalidations.WithLabelValues(kind).Inc()
	}
}
