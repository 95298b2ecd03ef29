package cache

import (
	"net/http"
	"testing"
	"time"
)

func TestPutGet_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, TTLByHostClass{"forum": time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	body := []byte("<html>hello</html>")
	if err := c.Put("https://forum.example/thread/1", "forum", 200, http.Header{"Content-Type": {"text/html"}}, body, false); err != nil {
		t.Fatal(err)
	}

	e, got, ok := c.Get("https://forum.example/thread/1", "forum")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got) != string(body) {
		t.Errorf("body = %q, want %q", got, body)
	}
	if e.Status != 200 {
		t.Errorf("status = %d, want 200", e.Status)
	}
}

func TestGet_MissForUnknownKey(t *testing.T) {
	c, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := c.Get("https://nowhere.example/", "other"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestGet_ExpiresPastTTL(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, TTLByHostClass{"forum": time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put("https://forum.example/p", "forum", 200, nil, []byte("x"), false); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, _, ok := c.Get("https://forum.example/p", "forum"); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestPut_NonCacheableStatusIgnored(t *testing.T) {
	c, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put("https://site.example/x", "other", 429, nil, []byte("rate limited"), false); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := c.Get("https://site.example/x", "other"); ok {
		t.Error("429 response should not have been cached")
	}
}

func TestCacheable_MatchesConfiguredStatusSet(t *testing.T) {
	for status, want := range map[int]bool{200: true, 404: true, 410: true, 451: true, 429: false, 500: false, 301: false} {
		if got := Cacheable(status); got != want {
			t.Errorf("Cacheable(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestPut_BustOverridesUnexpiredEntry(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, TTLByHostClass{"forum": time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put("https://forum.example/p", "forum", 200, nil, []byte("v1"), false); err != nil {
		t.Fatal(err)
	}
	if err := c.Put("https://forum.example/p", "forum", 200, nil, []byte("v1-again"), false); err != nil {
		t.Fatal(err)
	}
	_, got, _ := c.Get("https://forum.example/p", "forum")
	if string(got) != "v1" {
		t.Errorf("unbusted Put should not overwrite unexpired entry, got %q", got)
	}

	if err := c.Put("https://forum.example/p", "forum", 200, nil, []byte("v2"), true); err != nil {
		t.Fatal(err)
	}
	_, got, _ = c.Get("https://forum.example/p", "forum")
	if string(got) != "v2" {
		t.Errorf("bust=true Put should overwrite, got %q", got)
	}
}

func TestOpen_ReloadsPersistedIndex(t *testing.T) {
	dir := t.TempDir()
	c1, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c1.Put("https://site.example/a", "other", 200, nil, []byte("persisted"), false); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, got, ok := c2.Get("https://site.example/a", "other")
	if !ok {
		t.Fatal("expected reopened cache to see the persisted entry")
	}
	if string(got) != "persisted" {
		t.Errorf("body = %q, want %q", got, "persisted")
	}
}

func TestOpen_SweepsExpiredEntriesAtStartup(t *testing.T) {
	dir := t.TempDir()
	c1, err := Open(dir, TTLByHostClass{"forum": time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := c1.Put("https://forum.example/old", "forum", 200, nil, []byte("stale"), false); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	c2, err := Open(dir, TTLByHostClass{"forum": time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := c2.Get("https://forum.example/old", "forum"); ok {
		t.Error("expected startup sweep to evict the stale entry")
	}
}
