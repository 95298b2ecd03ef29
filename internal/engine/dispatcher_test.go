package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/harvestctl/harvestctl/internal/download"
	"github.com/harvestctl/harvestctl/internal/history"
	"github.com/harvestctl/harvestctl/internal/httpclient"
	"github.com/harvestctl/harvestctl/internal/model"
	"github.com/harvestctl/harvestctl/internal/ratelimit"
	"github.com/harvestctl/harvestctl/internal/runstate"
)

// recordingScraper records the URLs it was asked to fetch, for
// asserting routing decisions without a real per-site implementation or
// any network traffic.
type recordingScraper struct {
	mu      sync.Mutex
	fetched []string
}

func (r *recordingScraper) Domain() string             { return "recording" }
func (r *recordingScraper) FolderDomain() string        { return "recording" }
func (r *recordingScraper) SupportedSuffixes() []string { return []string{"scraped.example.com"} }

func (r *recordingScraper) Fetch(ctx context.Context, sc *ScrapeContext, item *model.ScrapeItem) error {
	r.mu.Lock()
	r.fetched = append(r.fetched, item.URL.String())
	r.mu.Unlock()
	return nil
}

func TestDispatcher_RoutesToRegisteredScraper(t *testing.T) {
	dir := t.TempDir()
	scraper := &recordingScraper{}
	registry := NewRegistry(scraper)
	filter := NewFilter(FilterConfig{})

	gov := ratelimit.New(1000, 1000, 10, 10, 0)
	client := httpclient.New(httpclient.Options{UserAgent: "harvestctl-test", Governor: gov})
	hist, err := history.Open(filepath.Join(dir, "hist"))
	if err != nil {
		t.Fatal(err)
	}
	gate := runstate.New()
	dl := download.New(download.Options{Client: client, Governor: gov, History: hist, Gate: gate})

	d := NewDispatcher(registry, filter, dl, hist, gate, filepath.Join(dir, ".lock"))

	scrapedURL := "https://scraped.example.com/item/1"
	cfg := RunConfig{
		Items:             []InputItem{{URL: scrapedURL}},
		GlobalConcurrency: 4,
	}
	if err := d.Run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	if len(scraper.fetched) != 1 || scraper.fetched[0] != scrapedURL {
		t.Errorf("fetched = %v, want [%s]", scraper.fetched, scrapedURL)
	}
}

func TestDispatcher_UnsupportedURLWithoutScraperOrExtension(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry()
	filter := NewFilter(FilterConfig{})

	gov := ratelimit.New(1000, 1000, 10, 10, 0)
	client := httpclient.New(httpclient.Options{UserAgent: "harvestctl-test", Governor: gov})
	hist, err := history.Open(filepath.Join(dir, "hist"))
	if err != nil {
		t.Fatal(err)
	}
	gate := runstate.New()
	dl := download.New(download.Options{Client: client, Governor: gov, History: hist, Gate: gate})

	d := NewDispatcher(registry, filter, dl, hist, gate, filepath.Join(dir, ".lock"))

	cfg := RunConfig{Items: []InputItem{{URL: "https://unknown.example.com/page"}}, GlobalConcurrency: 4}
	if err := d.Run(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	got := d.UnsupportedLog()
	if len(got) != 1 || got[0] != "https://unknown.example.com/page" {
		t.Errorf("UnsupportedLog = %v", got)
	}
}
