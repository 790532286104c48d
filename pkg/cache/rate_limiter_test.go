package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryAcquireWithinBudget(t *testing.T) {
	rl := NewRateLimiter(map[string]Limit{"binance": {Budget: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		if !rl.TryAcquire("binance") {
			t.Fatalf("acquire %d denied inside budget", i+1)
		}
	}
	if rl.TryAcquire("binance") {
		t.Error("acquire beyond budget was granted")
	}
}

func TestTryAcquireUnknownVenue(t *testing.T) {
	rl := NewRateLimiter(map[string]Limit{"binance": {Budget: 1, Window: time.Minute}})
	if rl.TryAcquire("kraken") {
		t.Error("venue without a configured limit must be denied")
	}
}

func TestTryAcquireWindowReset(t *testing.T) {
	rl := NewRateLimiter(map[string]Limit{"bybit": {Budget: 2, Window: 100 * time.Millisecond}})

	rl.TryAcquire("bybit")
	rl.TryAcquire("bybit")
	if rl.TryAcquire("bybit") {
		t.Fatal("budget should be exhausted")
	}

	time.Sleep(120 * time.Millisecond)
	if !rl.TryAcquire("bybit") {
		t.Error("window did not reset after it elapsed")
	}
}

func TestTryAcquireConcurrent(t *testing.T) {
	rl := NewRateLimiter(map[string]Limit{"bybit": {Budget: 5, Window: 10 * time.Second}})

	var granted atomic.Int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if rl.TryAcquire("bybit") {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if granted.Load() != 5 {
		t.Errorf("granted %d acquisitions, want exactly 5", granted.Load())
	}
}

func TestVenueWindowsIndependent(t *testing.T) {
	rl := NewRateLimiter(map[string]Limit{
		"binance": {Budget: 1, Window: time.Minute},
		"bybit":   {Budget: 1, Window: time.Minute},
	})

	if !rl.TryAcquire("binance") {
		t.Fatal("binance first acquire denied")
	}
	if rl.TryAcquire("binance") {
		t.Error("binance budget should be spent")
	}
	if !rl.TryAcquire("bybit") {
		t.Error("bybit must not be affected by binance's exhausted window")
	}
}

func TestRemainingAndSnapshot(t *testing.T) {
	rl := NewRateLimiter(map[string]Limit{"binance": {Budget: 3, Window: time.Minute}})
	rl.TryAcquire("binance")

	if rem := rl.Remaining("binance"); rem != 2 {
		t.Errorf("remaining=%d, want 2", rem)
	}
	if snap := rl.Snapshot(); snap["binance"] != 2 {
		t.Errorf("snapshot=%v, want binance:2", snap)
	}
	if rl.Remaining("kraken") != 0 {
		t.Error("unknown venue must report zero budget")
	}
}

func BenchmarkTryAcquire(b *testing.B) {
	rl := NewRateLimiter(map[string]Limit{"binance": {Budget: 1 << 30, Window: time.Hour}})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.TryAcquire("binance")
	}
}
