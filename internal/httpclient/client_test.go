package httpclient

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/harvestctl/harvestctl/internal/cache"
	"github.com/harvestctl/harvestctl/internal/ratelimit"
)

func newClient(t *testing.T, cacheDir string) *Client {
	t.Helper()
	gov := ratelimit.New(1000, 1000, 10, 10, 0)
	var c *cache.Cache
	if cacheDir != "" {
		var err error
		c, err = cache.Open(cacheDir, nil)
		if err != nil {
			t.Fatal(err)
		}
	}
	return New(Options{UserAgent: "harvestctl-test", Governor: gov, Cache: c})
}

func TestGET_CachesAndServesFromCacheOnSecondCall(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(200)
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	c := newClient(t, t.TempDir())
	for i := 0; i < 3; i++ {
		resp, err := c.GET(t.Context(), srv.URL, nil, true)
		if err != nil {
			t.Fatal(err)
		}
		if string(resp.Body) != "body" {
			t.Fatalf("body = %q", resp.Body)
		}
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1 (subsequent calls should be served from cache)", hits)
	}
}

func TestGET_PermanentHTTPDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(404)
	}))
	defer srv.Close()

	c := newClient(t, "")
	_, err := c.GET(t.Context(), srv.URL, nil, false)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (permanent HTTP errors must not retry)", calls)
	}
}

func TestHEAD_DoesNotReadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := newClient(t, "")
	resp, err := c.HEAD(t.Context(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 {
		t.Errorf("status = %d, want 200", resp.Status)
	}
}

func TestPOST_SendsBody(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 16)
		n, _ := r.Body.Read(buf)
		received = string(buf[:n])
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := newClient(t, "")
	if _, err := c.POST(t.Context(), srv.URL, []byte("hello"), nil); err != nil {
		t.Fatal(err)
	}
	if received != "hello" {
		t.Errorf("server received %q, want %q", received, "hello")
	}
}
