package engine

import (
	"testing"
	"time"
)

func TestFilter_DropsMalformedURL(t *testing.T) {
	f := NewFilter(FilterConfig{})
	if f.Allow("not-a-url", time.Time{}) {
		t.Error("expected malformed URL to be dropped")
	}
}

func TestFilter_DropsDuplicateWithinRun(t *testing.T) {
	f := NewFilter(FilterConfig{})
	if !f.Allow("https://example.com/a", time.Time{}) {
		t.Fatal("expected first occurrence to pass")
	}
	if f.Allow("https://example.com/a", time.Time{}) {
		t.Error("expected duplicate within the same run to be dropped")
	}
}

func TestFilter_BlockedHosts(t *testing.T) {
	f := NewFilter(FilterConfig{BlockedHosts: []string{"bad.example.com"}})
	if f.Allow("https://bad.example.com/x", time.Time{}) {
		t.Error("expected blocked host to be dropped")
	}
	if f.Allow("https://sub.bad.example.com/x", time.Time{}) {
		t.Error("expected blocked host subdomain to be dropped")
	}
}

func TestFilter_OnlyHostsRestrictsToAllowList(t *testing.T) {
	f := NewFilter(FilterConfig{OnlyHosts: []string{"good.example.com"}})
	if !f.Allow("https://good.example.com/x", time.Time{}) {
		t.Error("expected only-hosts entry to pass")
	}
	if f.Allow("https://other.example.com/y", time.Time{}) {
		t.Error("expected non-listed host to be dropped when only_hosts is set")
	}
}

func TestFilter_DateRange(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f := NewFilter(FilterConfig{CompletedAfter: after, CompletedBefore: before})

	inRange := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tooOld := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if !f.Allow("https://example.com/1", inRange) {
		t.Error("expected in-range item to pass")
	}
	if f.Allow("https://example.com/2", tooOld) {
		t.Error("expected too-old item to be dropped")
	}
}
