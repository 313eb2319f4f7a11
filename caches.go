package dbus

import "sync"

// cache is a concurrency-safe memo table.
type cache[K comparable, V any] struct {
	m sync.Map
}

type cacheEntry[V any] struct {
	val V
	err error
}

func (c *cache[K, V]) Get(k K) (val V, found bool, err error) {
	ent, ok := c.m.Load(k)
	if !ok {
		return val, false, nil
	}
	e := ent.(cacheEntry[V])
	return e.val, true, e.err
}

func (c *cache[K, V]) Set(k K, val V) {
	c.m.Store(k, cacheEntry[V]{val: val})
}

func (c *cache[K, V]) SetErr(k K, err error) {
	c.m.Store(k, cacheEntry[V]{err: err})
}
