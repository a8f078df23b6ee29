package cache

import "sync"

// call is a one-shot latch for a single in-flight computation, grounded on
// §9's "one-shot synchronisation primitive, not a full async runtime"
// guidance: a sync.WaitGroup of one that every waiter blocks on, rather than
// a channel-based broadcast or a generic future type.
type call struct {
	wg    sync.WaitGroup
	value interface{}
	err   error
}

// SingleFlightCache wraps a Cache and adds the at-most-one-concurrent-
// computation guarantee of §4.8/§5: concurrent callers requesting the same
// key while a computation is in flight await that computation instead of
// recomputing, and all observe the same result.
type SingleFlightCache struct {
	inner Cache

	mu     sync.Mutex
	flight map[string]*call
}

// NewSingleFlightCache wraps inner with single-flight coalescing.
func NewSingleFlightCache(inner Cache) *SingleFlightCache {
	return &SingleFlightCache{
		inner:  inner,
		flight: make(map[string]*call),
	}
}

// Get delegates to the wrapped cache; single-flight only applies to misses
// resolved through Do.
func (s *SingleFlightCache) Get(key string) (interface{}, bool) {
	return s.inner.Get(key)
}

// Set delegates to the wrapped cache.
func (s *SingleFlightCache) Set(key string, value interface{}) {
	s.inner.Set(key, value)
}

// Delete delegates to the wrapped cache.
func (s *SingleFlightCache) Delete(key string) {
	s.inner.Delete(key)
}

// Clear delegates to the wrapped cache.
func (s *SingleFlightCache) Clear() {
	s.inner.Clear()
}

// Stats delegates to the wrapped cache.
func (s *SingleFlightCache) Stats() Stats {
	return s.inner.Stats()
}

// Do probes the cache for key; on a miss it either joins an in-flight
// computation for the same key or runs fn itself, installs the result into
// the underlying cache, and releases every waiter. fn's error is never
// cached: a failed computation lets the next caller retry (§7).
func (s *SingleFlightCache) Do(key string, fn func() (interface{}, error)) (interface{}, bool, error) {
	if v, ok := s.inner.Get(key); ok {
		return v, true, nil
	}

	s.mu.Lock()
	if c, ok := s.flight[key]; ok {
		s.mu.Unlock()
		c.wg.Wait()
		// This caller didn't compute the value itself — it joined another
		// goroutine's in-flight computation — so it reports a cache hit
		// the same as a caller that found the value already installed.
		return c.value, true, c.err
	}

	c := &call{}
	c.wg.Add(1)
	s.flight[key] = c
	s.mu.Unlock()

	c.value, c.err = fn()
	if c.err == nil {
		s.inner.Set(key, c.value)
	}

	s.mu.Lock()
	delete(s.flight, key)
	s.mu.Unlock()
	c.wg.Done()

	return c.value, false, c.err
}
