package viewcache

import (
	"context"
	"sync"
	"time"

	"github.com/rewardpools/stake-engine/internal/staking"
)

type memoryEntry struct {
	raw     []byte
	expires time.Time
}

type memoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[staking.Pair]memoryEntry
}

func newMemory(ttl time.Duration, now func() time.Time) *memoryCache {
	return &memoryCache{ttl: ttl, now: now, entries: make(map[staking.Pair]memoryEntry)}
}

func (c *memoryCache) Get(_ context.Context, pair staking.Pair) (Entry, error) {
	c.mu.Lock()
	me, ok := c.entries[pair]
	if ok && !c.now().Before(me.expires) {
		delete(c.entries, pair)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return Entry{}, ErrMiss
	}
	return decode(me.raw)
}

func (c *memoryCache) Set(_ context.Context, pair staking.Pair, e Entry) error {
	// Stored encoded so callers never share *big.Int values.
	raw, err := encode(e)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[pair] = memoryEntry{raw: raw, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Delete(_ context.Context, pair staking.Pair) error {
	c.mu.Lock()
	delete(c.entries, pair)
	c.mu.Unlock()
	return nil
}
