package engine

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harvestctl/harvestctl/internal/model"
)

// Scraper is the Site-Scraper Interface contract from spec.md §4.8.
// Concrete per-site scrapers are out of core scope; this interface and
// its supporting ScrapeContext are what they must satisfy.
type Scraper interface {
	// Domain is the stable identifier used in logs, history store, and
	// folder naming.
	Domain() string
	// FolderDomain is the human-readable variant used in path building.
	FolderDomain() string
	// SupportedSuffixes returns the host suffixes this scraper handles.
	SupportedSuffixes() []string
	// Fetch walks item, emitting child ScrapeItems and DownloadItems via
	// the ScrapeContext helpers. It must not perform its own disk I/O.
	Fetch(ctx context.Context, sc *ScrapeContext, item *model.ScrapeItem) error
}

// ScrapeContext bundles the obligations a Scraper must use instead of
// doing its own network/disk work: check-before-fetch, attributed child
// creation, and file handoff to the Download Engine.
type ScrapeContext struct {
	// CheckCompleteFromReferer short-circuits re-scraping an item whose
	// referer URL is already known-complete (spec.md §4.8's MUST-call
	// obligation).
	CheckCompleteFromReferer func(site, refererURL string) bool
	// HandleFile is the only sanctioned path to emit a DownloadItem;
	// scrapers must never write files themselves.
	HandleFile func(item *model.DownloadItem)
	// EnqueueChild schedules a freshly created child ScrapeItem for its
	// own Fetch pass.
	EnqueueChild func(child *model.ScrapeItem)
}

// Registry resolves URLs to the Scraper that owns their host, by
// longest host-suffix match (spec.md §4.9 step 3).
type Registry struct {
	scrapers []Scraper
}

// NewRegistry builds a Registry from a set of scrapers.
func NewRegistry(scrapers ...Scraper) *Registry {
	return &Registry{scrapers: scrapers}
}

// Route classifies a host against the registry. ok is false when no
// scraper's suffix list matches host.
func (r *Registry) Route(host string) (Scraper, bool) {
	host = strings.ToLower(host)

	var best Scraper
	bestLen := -1
	for _, s := range r.scrapers {
		for _, suffix := range s.SupportedSuffixes() {
			suffix = strings.ToLower(suffix)
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				if len(suffix) > bestLen {
					best = s
					bestLen = len(suffix)
				}
			}
		}
	}
	return best, best != nil
}

// mediaExtensions are the extensions that route an unmatched URL
// directly to the Download Engine under the "no_crawler" pseudo-site
// (spec.md §4.9 step 3), rather than treating it as unsupported.
var mediaExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
	".mp4": true, ".mkv": true, ".webm": true, ".mov": true, ".avi": true,
	".mp3": true, ".flac": true, ".wav": true, ".m4a": true,
	".zip": true, ".rar": true, ".7z": true, ".pdf": true,
}

// HasMediaExtension reports whether rawURL's path ends in a recognized
// media extension.
func HasMediaExtension(rawURL string) bool {
	path := rawURL
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	ext := strings.ToLower(filepath.Ext(path))
	return mediaExtensions[ext]
}

// SortedSuffixes returns every registered suffix, longest first, for
// diagnostics and tests.
func (r *Registry) SortedSuffixes() []string {
	var suffixes []string
	for _, s := range r.scrapers {
		suffixes = append(suffixes, s.SupportedSuffixes()...)
	}
	sort.Slice(suffixes, func(i, j int) bool { return len(suffixes[i]) > len(suffixes[j]) })
	return suffixes
}
