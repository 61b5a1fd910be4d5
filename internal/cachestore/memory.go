package cachestore

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	order  []string
	caches map[string]map[string]*Entry
}

// NewMemory returns an empty in-process Store.
func NewMemory() *Memory {
	return &Memory{caches: make(map[string]map[string]*Entry)}
}

type memoryCache struct {
	store *Memory
	tag   string
}

// Open implements Store.
func (m *Memory) Open(_ context.Context, tag string) (Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(tag)
	return &memoryCache{store: m, tag: tag}, nil
}

func (m *Memory) ensure(tag string) map[string]*Entry {
	c, ok := m.caches[tag]
	if !ok {
		c = make(map[string]*Entry)
		m.caches[tag] = c
		m.order = append(m.order, tag)
	}
	return c
}

// Keys implements Store.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order), nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, tag string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[tag]; !ok {
		return false, nil
	}
	delete(m.caches, tag)
	m.order = slices.DeleteFunc(m.order, func(t string) bool { return t == tag })
	return true, nil
}

// Match implements Store.
func (m *Memory) Match(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tag := range m.order {
		if e, ok := m.caches[tag][key]; ok {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (c *memoryCache) Match(_ context.Context, key string) (*Entry, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if e, ok := c.store.caches[c.tag][key]; ok {
		return e, nil
	}
	return nil, ErrNotFound
}

func (c *memoryCache) Put(ctx context.Context, e *Entry) error {
	return c.PutAll(ctx, []*Entry{e})
}

func (c *memoryCache) PutAll(_ context.Context, entries []*Entry) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	// A deleted cache is recreated on write, as an opened handle would be.
	dst := c.store.ensure(c.tag)
	for _, e := range entries {
		dst[e.Key] = stamp(c.tag, e)
	}
	return nil
}
