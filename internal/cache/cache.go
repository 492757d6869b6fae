// Package cache holds expensive, configuration-derived objects keyed by a
// content hash of the configuration that produced them.
package cache

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/drblury/agentflow/internal/runtime/jsoncodec"
)

// Key is a content hash.
type Key uint64

func (k Key) String() string {
	return strconv.FormatUint(uint64(k), 16)
}

// KeyOf hashes the JSON encoding of config followed by parts. Map keys are
// encoded sorted and parts are sorted, so equal inputs always give equal keys.
func KeyOf(config any, parts ...string) (Key, error) {
	encoded, err := jsoncodec.Marshal(config)
	if err != nil {
		return 0, fmt.Errorf("cache: encode key: %w", err)
	}
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)

	d := xxhash.New()
	_, _ = d.Write(encoded)
	for _, p := range sorted {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(p)
	}
	return Key(d.Sum64()), nil
}

// Keyed builds each value at most once per key. Concurrent Get calls for a
// key that is not built yet share one build.
type Keyed[T any] struct {
	mu     sync.RWMutex
	values map[Key]T
	group  singleflight.Group
	builds int
}

// New creates an empty cache.
func New[T any]() *Keyed[T] {
	return &Keyed[T]{values: make(map[Key]T)}
}

// Get returns the value for key, calling build when it is missing. A failed
// build is not cached.
func (c *Keyed[T]) Get(key Key, build func() (T, error)) (T, error) {
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key.String(), func() (any, error) {
		c.mu.RLock()
		v, ok := c.values[key]
		c.mu.RUnlock()
		if ok {
			return v, nil
		}
		built, err := build()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.values[key] = built
		c.builds++
		c.mu.Unlock()
		return built, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// Peek returns the cached value without building it.
func (c *Keyed[T]) Peek(key Key) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Invalidate drops key so the next Get rebuilds it.
func (c *Keyed[T]) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
}

// Len returns the number of cached values.
func (c *Keyed[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Builds returns how many successful builds ran.
func (c *Keyed[T]) Builds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builds
}
