package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Key builds the canonical cache key for a venue, symbol and operation,
// e.g. "bybit:BTCUSDT:orderbook".
func Key(venue, symbol, op string) string {
	return fmt.Sprintf("%s:%s:%s", venue, symbol, op)
}

type entry struct {
	payload   interface{}
	expiresAt int64 // UnixNano
}

// Cache is an in-memory TTL store. Every operation runs synchronously on
// the calling goroutine; nothing inside touches the network or blocks on
// another key's writer. Expired entries disappear lazily on read and in
// bulk via SweepExpired.
type Cache struct {
	entries sync.Map // string -> *entry

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepWg   sync.WaitGroup
}

// New returns an empty cache. Lazy expiry works immediately; the
// periodic sweep only runs between StartSweeper and StopSweeper.
func New() *Cache {
	return &Cache{}
}

// Get returns the payload under key if present and fresh. An expired
// entry counts as a miss and is removed, unless a fresh write already
// replaced it.
func (c *Cache) Get(key string) (interface{}, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if time.Now().UnixNano() > e.expiresAt {
		c.entries.CompareAndDelete(key, v)
		return nil, false
	}
	return e.payload, true
}

// Put stores payload under key for ttl. Entries are immutable; a put
// replaces the whole entry, so racing writers resolve to whichever write
// lands last and readers never observe a blend.
func (c *Cache) Put(key string, payload interface{}, ttl time.Duration) {
	c.entries.Store(key, &entry{
		payload:   payload,
		expiresAt: time.Now().Add(ttl).UnixNano(),
	})
}

// Invalidate removes key immediately. Removing an absent key is a no-op.
func (c *Cache) Invalidate(key string) {
	c.entries.Delete(key)
}

// TimeToLive reports how long the entry under key stays fresh. ok is
// false when the key is absent or already expired.
func (c *Cache) TimeToLive(key string) (time.Duration, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return 0, false
	}
	remaining := time.Until(time.Unix(0, v.(*entry).expiresAt))
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// SweepExpired removes every expired entry and reports how many went.
func (c *Cache) SweepExpired() int {
	now := time.Now().UnixNano()
	removed := 0
	c.entries.Range(func(k, v interface{}) bool {
		if now > v.(*entry).expiresAt {
			if c.entries.CompareAndDelete(k, v) {
				removed++
			}
		}
		return true
	})
	return removed
}

// Len counts stored entries, expired-but-unswept ones included.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// StartSweeper runs SweepExpired every interval until ctx is cancelled
// or StopSweeper is called. The cache owns at most one sweeper.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	c.sweepStop = stop
	c.sweepWg.Add(1)
	go func() {
		defer c.sweepWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.SweepExpired()
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()
}

// StopSweeper halts the periodic sweep and waits for it to exit.
func (c *Cache) StopSweeper() {
	c.sweepMu.Lock()
	stop := c.sweepStop
	c.sweepStop = nil
	c.sweepMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	c.sweepWg.Wait()
}
