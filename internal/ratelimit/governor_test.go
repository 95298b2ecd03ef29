package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireRequest_EnforcesRate(t *testing.T) {
	g := New(5, 1, 10, 10, 0) // 5 req/s, burst 1
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 6; i++ {
		if err := g.AcquireRequest(ctx, "example.com"); err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)
	// 6 requests at burst=1, 5/s should take at least ~1s (5 waits after the first token).
	if elapsed < 900*time.Millisecond {
		t.Errorf("elapsed = %v, want >= ~1s for 6 requests at 5/s burst 1", elapsed)
	}
}

func TestAcquireRequest_PerHostIndependence(t *testing.T) {
	g := New(1, 1, 10, 10, 0)
	ctx := context.Background()

	// host A exhausts its single token; host B should still get one immediately.
	if err := g.AcquireRequest(ctx, "a.example.com"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := g.AcquireRequest(ctx, "b.example.com"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("second host should not be rate-limited by the first host's bucket")
	}
}

func TestAcquireDownloadSlot_BoundsPerHostConcurrency(t *testing.T) {
	g := New(1000, 1000, 10, 2, 0)
	ctx := context.Background()

	t1, err := g.AcquireDownloadSlot(ctx, "host")
	if err != nil {
		t.Fatal(err)
	}
	t2, err := g.AcquireDownloadSlot(ctx, "host")
	if err != nil {
		t.Fatal(err)
	}

	var acquired int32
	done := make(chan struct{})
	go func() {
		ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		if _, err := g.AcquireDownloadSlot(ctx2, "host"); err == nil {
			atomic.StoreInt32(&acquired, 1)
		}
		close(done)
	}()
	<-done
	if atomic.LoadInt32(&acquired) == 1 {
		t.Error("third concurrent slot for the same host should have blocked")
	}

	t1.Release()
	t2.Release()
}

func TestAcquireBytes_Unlimited(t *testing.T) {
	g := New(10, 1, 10, 10, 0)
	if err := g.AcquireBytes(context.Background(), 10_000_000); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireBytes_Limited(t *testing.T) {
	g := New(1000, 1000, 10, 10, 1000) // 1000 bytes/sec
	ctx := context.Background()

	start := time.Now()
	if err := g.AcquireBytes(ctx, 2000); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 900*time.Millisecond {
		t.Error("expected AcquireBytes to throttle for ~1s when asking for 2x the per-second budget")
	}
}
