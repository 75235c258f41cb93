package lifecycle

import (
	"sync"
	"time"
)

// keyedMemo serializes expensive operations per logical key and caches
// successful results for a TTL, so two concurrent callers asking for the
// same operation (typically an install) do not duplicate work. Failures
// are never cached: a caller that blocked behind a failed attempt gets to
// retry immediately.
type keyedMemo struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	results map[string]memoEntry
	ttl     time.Duration
}

type memoEntry struct {
	val any
	at  time.Time
}

func newKeyedMemo(ttl time.Duration) *keyedMemo {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &keyedMemo{
		locks:   make(map[string]*sync.Mutex),
		results: make(map[string]memoEntry),
		ttl:     ttl,
	}
}

func (m *keyedMemo) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *keyedMemo) cached(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.results[key]
	if !ok || time.Since(e.at) > m.ttl {
		delete(m.results, key)
		return nil, false
	}
	return e.val, true
}

func (m *keyedMemo) store(key string, val any) {
	m.mu.Lock()
	m.results[key] = memoEntry{val: val, at: time.Now()}
	m.mu.Unlock()
}

// do runs fn under the key's lock, short-circuiting to a cached unexpired
// result. The cache is re-checked after acquisition: a second caller that
// blocked on the first finds the fresh result instead of re-executing.
func (m *keyedMemo) do(key string, fn func() (any, error)) (any, error) {
	m.sweep()
	l := m.lockFor(key)
	l.Lock()
	defer l.Unlock()
	if v, ok := m.cached(key); ok {
		return v, nil
	}
	v, err := fn()
	if err == nil {
		m.store(key, v)
	}
	return v, err
}

// invalidate drops a cached result, forcing the next do to re-execute.
func (m *keyedMemo) invalidate(key string) {
	m.mu.Lock()
	delete(m.results, key)
	m.mu.Unlock()
}

// sweep evicts expired entries. do runs it on entry so long-lived
// processes do not accumulate dead keys between cache hits.
func (m *keyedMemo) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.results {
		if time.Since(e.at) > m.ttl {
			delete(m.results, k)
		}
	}
}
