package engine

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// FilterConfig holds the input-filtering knobs from spec.md §4.9 step 2.
type FilterConfig struct {
	BlockedHosts    []string
	SkipHosts       []string
	OnlyHosts       []string // when non-empty, only these hosts pass
	CompletedAfter  time.Time
	CompletedBefore time.Time
}

// Filter applies spec.md §4.9 step 2's drop rules: malformed, duplicate
// within the run, blocked/skip/only host lists, and date range.
type Filter struct {
	cfg FilterConfig

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewFilter builds a Filter from cfg.
func NewFilter(cfg FilterConfig) *Filter {
	return &Filter{cfg: cfg, seen: make(map[string]struct{})}
}

// Allow reports whether rawURL should proceed to routing. itemTime is
// the item's possible_datetime (zero if unknown); date-range filters
// only apply when itemTime is known.
func (f *Filter) Allow(rawURL string, itemTime time.Time) bool {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	f.mu.Lock()
	if _, dup := f.seen[rawURL]; dup {
		f.mu.Unlock()
		return false
	}
	f.seen[rawURL] = struct{}{}
	f.mu.Unlock()

	host := strings.ToLower(u.Host)
	if matchesAny(host, f.cfg.BlockedHosts) {
		return false
	}
	if matchesAny(host, f.cfg.SkipHosts) {
		return false
	}
	if len(f.cfg.OnlyHosts) > 0 && !matchesAny(host, f.cfg.OnlyHosts) {
		return false
	}

	if !itemTime.IsZero() {
		if !f.cfg.CompletedAfter.IsZero() && itemTime.Before(f.cfg.CompletedAfter) {
			return false
		}
		if !f.cfg.CompletedBefore.IsZero() && itemTime.After(f.cfg.CompletedBefore) {
			return false
		}
	}
	return true
}

func matchesAny(host string, list []string) bool {
	for _, h := range list {
		h = strings.ToLower(h)
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
