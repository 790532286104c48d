package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	got := Key("bybit", "BTCUSDT", "orderbook")
	if got != "bybit:BTCUSDT:orderbook" {
		t.Errorf("got %q, want bybit:BTCUSDT:orderbook", got)
	}
}

func TestCachePutGet(t *testing.T) {
	c := New()
	c.Put("bybit:BTCUSDT:orderbook", "payload", time.Second)

	v, ok := c.Get("bybit:BTCUSDT:orderbook")
	if !ok {
		t.Fatal("expected hit for fresh entry")
	}
	if v.(string) != "payload" {
		t.Errorf("got %v, want payload", v)
	}
}

func TestCacheMissOnAbsentKey(t *testing.T) {
	c := New()
	if _, ok := c.Get("nothing"); ok {
		t.Error("expected miss for absent key")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New()
	c.Put("k", 1, 100*time.Millisecond)

	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit inside ttl")
	}

	time.Sleep(110 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss after ttl elapsed")
	}
	if n := c.Len(); n != 0 {
		t.Errorf("expired entry not removed on read, len=%d", n)
	}
}

func TestCacheLastWriteWins(t *testing.T) {
	c := New()
	c.Put("k", "old", time.Second)
	c.Put("k", "new", time.Second)

	v, ok := c.Get("k")
	if !ok || v.(string) != "new" {
		t.Errorf("got %v, want new", v)
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := New()
	c.Put("k", 1, time.Second)
	c.Invalidate("k")
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss after invalidate")
	}
	c.Invalidate("k") // absent key is a no-op
}

func TestCacheTimeToLive(t *testing.T) {
	c := New()
	c.Put("k", 1, time.Second)

	remaining, ok := c.TimeToLive("k")
	if !ok {
		t.Fatal("expected remaining ttl for fresh entry")
	}
	if remaining <= 0 || remaining > time.Second {
		t.Errorf("remaining ttl out of range: %v", remaining)
	}
	if _, ok := c.TimeToLive("absent"); ok {
		t.Error("expected no ttl for absent key")
	}
}

func TestCacheSweepExpired(t *testing.T) {
	c := New()
	c.Put("fresh", 1, time.Minute)
	c.Put("stale1", 1, time.Millisecond)
	c.Put("stale2", 1, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	if removed := c.SweepExpired(); removed != 2 {
		t.Errorf("swept %d entries, want 2", removed)
	}
	if n := c.Len(); n != 1 {
		t.Errorf("len=%d after sweep, want 1", n)
	}
}

func TestCacheSweeperLifecycle(t *testing.T) {
	c := New()
	c.Put("k", 1, 20*time.Millisecond)
	c.StartSweeper(context.Background(), 10*time.Millisecond)
	defer c.StopSweeper()

	deadline := time.After(500 * time.Millisecond)
	for c.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never removed the expired entry")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCacheStopSweeperTwice(t *testing.T) {
	c := New()
	c.StartSweeper(context.Background(), time.Millisecond)
	c.StopSweeper()
	c.StopSweeper()
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("venue%d:SYM%d:orderbook", n, j)
				c.Put(key, j, time.Second)
				if v, ok := c.Get(key); !ok || v.(int) != j {
					t.Errorf("lost write for %s", key)
				}
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkCacheGet(b *testing.B) {
	c := New()
	c.Put("bybit:BTCUSDT:orderbook", 42, time.Hour)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get("bybit:BTCUSDT:orderbook")
	}
}

func BenchmarkCachePut(b *testing.B) {
	c := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Put("bybit:BTCUSDT:orderbook", i, time.Hour)
	}
}
