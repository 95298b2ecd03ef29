package engine

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/harvestctl/harvestctl/internal/download"
	"github.com/harvestctl/harvestctl/internal/flock"
	"github.com/harvestctl/harvestctl/internal/history"
	"github.com/harvestctl/harvestctl/internal/httperr"
	"github.com/harvestctl/harvestctl/internal/model"
	"github.com/harvestctl/harvestctl/internal/runstate"
)

// RetryMode selects an alternate input source for a run (spec.md §4.9
// step 5), instead of the normal CLI-args/input-file source.
type RetryMode int

const (
	RetryNone RetryMode = iota
	RetryFailed
	RetryAll
	RetryMaintenance
)

// RunConfig parameterizes one Dispatcher run.
type RunConfig struct {
	Items            []InputItem
	Retry            RetryMode
	RetryAfter       time.Time
	RetryBefore      time.Time
	RetryMaxItems    int
	MaintenanceSite  string
	MaintenanceHash  string
	GlobalConcurrency int
	NoCrawlerFolder  string // download_folder for the "no_crawler" pseudo-site
	FallbackScraper  Scraper // optional generic fallback when routing fails
	ScrapeTimeout    time.Duration // per-item soft deadline for scraper.Fetch (spec.md §5)
}

// Dispatcher is the Dispatcher/Scheduler (C9): it loads input, filters
// it, routes each URL to a scraper (or the Download Engine directly),
// and fans out scrape work bounded by a global concurrency cap,
// grounded on control.go's flock-guarded errgroup.WithContext run loop.
type Dispatcher struct {
	registry *Registry
	filter   *Filter
	download *download.Engine
	history  *history.Store
	gate     *runstate.Gate
	lockPath string

	noCrawlerFolder string
	fallback        Scraper
	scrapeTimeout   time.Duration

	unsupportedMu  sync.Mutex
	unsupportedLog []string
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(registry *Registry, filter *Filter, dl *download.Engine, hist *history.Store, gate *runstate.Gate, lockPath string) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		filter:   filter,
		download: dl,
		history:  hist,
		gate:     gate,
		lockPath: lockPath,
	}
}

// Run executes one dispatch cycle: acquires the single-instance lock,
// builds the ScrapeItem stream per cfg.Retry, filters and routes it,
// and fans out scrape tasks bounded by cfg.GlobalConcurrency.
func (d *Dispatcher) Run(ctx context.Context, cfg RunConfig) error {
	lock, err := flock.New(d.lockPath)
	if err != nil {
		return errors.Wrap(err, "acquiring single-instance lock")
	}
	if err := lock.Lock(); err != nil {
		return errors.Wrap(err, "another harvestctl instance is already running")
	}
	defer lock.Unlock()

	d.noCrawlerFolder = cfg.NoCrawlerFolder
	d.fallback = cfg.FallbackScraper
	d.scrapeTimeout = cfg.ScrapeTimeout

	items, err := d.buildScrapeItems(cfg)
	if err != nil {
		return err
	}

	concurrency := cfg.GlobalConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	sem := make(chan struct{}, concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item

		select {
		case <-ctx.Done():
			return g.Wait()
		case <-d.gate.Done():
			return g.Wait()
		case sem <- struct{}{}:
		}

		g.Go(func() error {
			defer func() { <-sem }()
			d.gate.Wait()
			if d.gate.ShuttingDown() {
				return nil
			}
			d.processItem(ctx, item)
			return nil
		})
	}
	return g.Wait()
}

// buildScrapeItems materializes the ScrapeItem stream for cfg, choosing
// between the normal input-file/CLI source and the three retry modes.
func (d *Dispatcher) buildScrapeItems(cfg RunConfig) ([]*model.ScrapeItem, error) {
	switch cfg.Retry {
	case RetryFailed:
		return d.itemsFromRecords(d.history.FetchFailedItems(), cfg.RetryMaxItems)
	case RetryAll:
		return d.itemsFromRecords(d.history.FetchAllItems(cfg.RetryAfter, cfg.RetryBefore), cfg.RetryMaxItems)
	case RetryMaintenance:
		return d.itemsFromRecords(d.history.FetchMaintenanceCandidates(cfg.MaintenanceSite, cfg.MaintenanceHash), cfg.RetryMaxItems)
	default:
		return d.itemsFromInput(cfg)
	}
}

func (d *Dispatcher) itemsFromRecords(records []history.Record, maxItems int) ([]*model.ScrapeItem, error) {
	var items []*model.ScrapeItem
	for _, r := range records {
		if maxItems > 0 && len(items) >= maxItems {
			break
		}
		si, err := model.NewScrapeItem(r.URLPath)
		if err != nil {
			slog.Warn("skipping unretryable history record", "site", r.Site, "url", r.URLPath, "error", err)
			continue
		}
		items = append(items, si)
	}
	return items, nil
}

func (d *Dispatcher) itemsFromInput(cfg RunConfig) ([]*model.ScrapeItem, error) {
	var items []*model.ScrapeItem
	for _, in := range cfg.Items {
		if !d.filter.Allow(in.URL, time.Time{}) {
			continue
		}
		si, err := model.NewScrapeItem(in.URL)
		if err != nil {
			slog.Warn("dropping malformed input URL", "url", in.URL, "error", err)
			continue
		}
		si.ParentTitle = in.Group
		items = append(items, si)
	}
	return items, nil
}

// processItem routes and scrapes a single ScrapeItem, logging and
// recording unsupported/failed outcomes rather than propagating them —
// a single item failure never terminates the run (spec.md §7).
func (d *Dispatcher) processItem(ctx context.Context, item *model.ScrapeItem) {
	rawURL := item.URL.String()
	scraper, ok := d.registry.Route(item.URL.Host)

	switch {
	case ok:
		d.runScraper(ctx, scraper, item)
	case HasMediaExtension(rawURL):
		d.routeToNoCrawler(ctx, item)
	default:
		d.routeFallbackOrUnsupported(ctx, item)
	}
}

func (d *Dispatcher) runScraper(ctx context.Context, scraper Scraper, item *model.ScrapeItem) {
	if d.scrapeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.scrapeTimeout)
		defer cancel()
	}

	sc := &ScrapeContext{
		CheckCompleteFromReferer: func(site, refererURL string) bool {
			return d.history.IsCompleteByReferer(site, refererURL)
		},
		HandleFile: func(di *model.DownloadItem) {
			res := d.download.Download(ctx, di)
			if res.Err != nil {
				slog.Warn("download failed", "site", di.Site, "url", di.SourceURL, "error", res.Err)
			}
		},
		EnqueueChild: func(child *model.ScrapeItem) {
			d.runScraper(ctx, scraper, child)
		},
	}

	if err := scraper.Fetch(ctx, sc, item); err != nil {
		slog.Warn("scrape failed", "domain", scraper.Domain(), "url", item.URL.String(), "error", err)
	}
}

func (d *Dispatcher) routeToNoCrawler(ctx context.Context, item *model.ScrapeItem) {
	rawURL := item.URL.String()
	di, err := model.NewDownloadItem("no_crawler", rawURL, "", d.noCrawlerFolder, filenameFromURL(item.URL))
	if err != nil {
		slog.Warn("cannot build no_crawler download item", "url", rawURL, "error", err)
		return
	}
	res := d.download.Download(ctx, di)
	if res.Err != nil {
		slog.Warn("no_crawler download failed", "url", rawURL, "error", res.Err)
	}
}

func (d *Dispatcher) routeFallbackOrUnsupported(ctx context.Context, item *model.ScrapeItem) {
	rawURL := item.URL.String()
	if d.fallback != nil {
		d.runScraper(ctx, d.fallback, item)
		return
	}
	err := httperr.New(httperr.KindUnsupported, "no scraper or fallback handles "+rawURL)
	d.unsupportedMu.Lock()
	d.unsupportedLog = append(d.unsupportedLog, rawURL)
	d.unsupportedMu.Unlock()
	slog.Warn("unsupported URL", "url", rawURL, "error", err)
}

// filenameFromURL derives a filename from a URL's final path segment,
// for the "no_crawler" pseudo-site where there is no scraper to name
// the file explicitly.
func filenameFromURL(u *url.URL) string {
	path := strings.TrimSuffix(u.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	if path == "" {
		return "download"
	}
	return path
}

// UnsupportedLog returns every URL recorded as unsupported this run.
func (d *Dispatcher) UnsupportedLog() []string {
	d.unsupportedMu.Lock()
	defer d.unsupportedMu.Unlock()
	out := make([]string, len(d.unsupportedLog))
	copy(out, d.unsupportedLog)
	return out
}
