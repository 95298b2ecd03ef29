// Package ratelimit implements the Rate Governor (C3): per-host token
// buckets, global and per-host concurrency semaphores, and a
// download-speed shaper, the way mirrorctl's HTTPClient bounds concurrent
// transfers with a semaphore channel — generalized here to per-host
// golang.org/x/time/rate limiters plus golang.org/x/sync/semaphore
// weighted semaphores, since the core must bound many distinct hosts
// rather than one repository's connection pool.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Governor owns every rate/concurrency limit in the process: the
// per-host token bucket, the global and per-host download semaphores,
// and the byte-per-second download-speed shaper.
type Governor struct {
	mu    sync.Mutex
	hosts map[string]*hostLimiter

	requestsPerSecond float64
	burst             int

	globalSem *semaphore.Weighted
	perHostN  int64

	speed *rate.Limiter // nil if unlimited
}

type hostLimiter struct {
	tokens *rate.Limiter
	sem    *semaphore.Weighted
}

// New constructs a Governor.
//
// requestsPerSecond/burst configure each host's token bucket (capacity =
// burst, refill rate = requestsPerSecond). maxGlobal bounds total
// concurrent downloads; maxPerHost bounds concurrent downloads to a
// single host. speedLimitBytes denominates a shared bytes/second budget
// across all downloads; 0 means unlimited.
func New(requestsPerSecond float64, burst, maxGlobal, maxPerHost int, speedLimitBytes int64) *Governor {
	g := &Governor{
		hosts:             make(map[string]*hostLimiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		globalSem:         semaphore.NewWeighted(int64(maxGlobal)),
		perHostN:          int64(maxPerHost),
	}
	if speedLimitBytes > 0 {
		g.speed = rate.NewLimiter(rate.Limit(speedLimitBytes), int(speedLimitBytes))
	}
	return g
}

func (g *Governor) hostLimiterFor(host string) *hostLimiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	hl, ok := g.hosts[host]
	if !ok {
		hl = &hostLimiter{
			tokens: rate.NewLimiter(rate.Limit(g.requestsPerSecond), g.burst),
			sem:    semaphore.NewWeighted(g.perHostN),
		}
		g.hosts[host] = hl
	}
	return hl
}

// AcquireRequest blocks (honoring ctx) until a request token for host is
// available. Tokens are handed out FIFO per host via the underlying
// rate.Limiter's reservation queue.
func (g *Governor) AcquireRequest(ctx context.Context, host string) error {
	return g.hostLimiterFor(host).tokens.Wait(ctx)
}

// Release tokens for a DownloadTicket returned by AcquireDownloadSlot.
type DownloadTicket struct {
	global *semaphore.Weighted
	host   *semaphore.Weighted
}

// Release frees the global and per-host download slots held by t.
func (t *DownloadTicket) Release() {
	if t == nil {
		return
	}
	if t.host != nil {
		t.host.Release(1)
	}
	if t.global != nil {
		t.global.Release(1)
	}
}

// AcquireDownloadSlot blocks until both a global and a per-host download
// slot are free, implementing spec.md §4.3's
// max_simultaneous_downloads / max_simultaneous_downloads_per_domain caps.
// The caller must call Release on the returned ticket exactly once.
func (g *Governor) AcquireDownloadSlot(ctx context.Context, host string) (*DownloadTicket, error) {
	hl := g.hostLimiterFor(host)

	if err := g.globalSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := hl.sem.Acquire(ctx, 1); err != nil {
		g.globalSem.Release(1)
		return nil, err
	}
	return &DownloadTicket{global: g.globalSem, host: hl.sem}, nil
}

// AcquireBytes blocks until n bytes' worth of download-speed budget is
// available, a no-op when no speed limit is configured. The download
// engine calls this around every chunk read (spec.md §4.3/§4.7).
func (g *Governor) AcquireBytes(ctx context.Context, n int) error {
	if g.speed == nil || n <= 0 {
		return nil
	}
	// rate.Limiter caps a single WaitN call's burst request at the
	// bucket size; split larger chunks into bucket-sized pieces.
	burst := g.speed.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := g.speed.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
