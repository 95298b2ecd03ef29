// Package download implements the Download Engine (C7): resumable,
// rate-shaped transfers from DownloadItem to an on-disk file, grounded
// on the teacher's download goroutine in mirror/http_client.go (the
// RETRY-label backoff loop, tempfile-then-rename durability) generalized
// from APT's fixed-repo layout to arbitrary per-item destinations.
package download

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/harvestctl/harvestctl/internal/contenthash"
	"github.com/harvestctl/harvestctl/internal/dirsync"
	"github.com/harvestctl/harvestctl/internal/history"
	"github.com/harvestctl/harvestctl/internal/httperr"
	"github.com/harvestctl/harvestctl/internal/httpclient"
	"github.com/harvestctl/harvestctl/internal/model"
	"github.com/harvestctl/harvestctl/internal/ratelimit"
	"github.com/harvestctl/harvestctl/internal/runstate"
)

// Outcome classifies how an item's download attempt ended.
type Outcome int

const (
	OutcomeDownloaded Outcome = iota
	OutcomeAlreadyComplete
	OutcomeSkipped
	OutcomeFailed
)

// Result is returned for every item the engine processes.
type Result struct {
	Item    *model.DownloadItem
	Outcome Outcome
	Err     error
}

// SkipFilter decides whether an item should be skipped before any
// network work (host filter, regex filter, extension filter).
type SkipFilter func(*model.DownloadItem) bool

// Engine runs DownloadItems to completion, enforcing at-most-one
// in-flight transfer per (site, url) and the global/per-host caps from
// the Rate Governor.
type Engine struct {
	client   *httpclient.Client
	governor *ratelimit.Governor
	hist     *history.Store
	gate     *runstate.Gate

	requiredFreeSpace int64
	downloadAttempts  int
	skip              SkipFilter

	slowSpeedFloor  int64
	slowSpeedWindow time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
	sf       singleflight.Group
}

// Options configures a new Engine.
type Options struct {
	Client            *httpclient.Client
	Governor          *ratelimit.Governor
	History           *history.Store
	Gate              *runstate.Gate
	RequiredFreeSpace int64 // clamped to >= 512 MiB
	DownloadAttempts  int   // default 5
	Skip              SkipFilter

	// SlowSpeedFloorBytes and SlowSpeedWindow configure the
	// sustained-low-throughput cancel-and-retry check (spec.md §5).
	// SlowSpeedFloorBytes <= 0 disables it.
	SlowSpeedFloorBytes int64
	SlowSpeedWindow     time.Duration
}

const minRequiredFreeSpace = 512 * 1024 * 1024

// New constructs an Engine.
func New(opts Options) *Engine {
	free := opts.RequiredFreeSpace
	if free < minRequiredFreeSpace {
		free = minRequiredFreeSpace
	}
	attempts := opts.DownloadAttempts
	if attempts <= 0 {
		attempts = 5
	}
	skip := opts.Skip
	if skip == nil {
		skip = func(*model.DownloadItem) bool { return false }
	}
	return &Engine{
		client:            opts.Client,
		governor:          opts.Governor,
		hist:              opts.History,
		gate:              opts.Gate,
		requiredFreeSpace: free,
		downloadAttempts:  attempts,
		skip:              skip,
		slowSpeedFloor:    opts.SlowSpeedFloorBytes,
		slowSpeedWindow:   opts.SlowSpeedWindow,
		inFlight:          make(map[string]struct{}),
	}
}

func inFlightKey(item *model.DownloadItem) string { return item.Site + "\x00" + item.SourceURL }

// Download runs item to completion or failure. It is safe to call
// concurrently; duplicate (site, url) calls collapse into one transfer.
func (e *Engine) Download(ctx context.Context, item *model.DownloadItem) Result {
	v, _, _ := e.sf.Do(inFlightKey(item), func() (any, error) {
		return e.download(ctx, item), nil
	})
	return v.(Result)
}

func (e *Engine) download(ctx context.Context, item *model.DownloadItem) Result {
	k := inFlightKey(item)
	if !e.claim(k) {
		return Result{Item: item, Outcome: OutcomeSkipped, Err: errors.New("duplicate in-flight download")}
	}
	defer e.release(k)

	// Step 1: pre-flight history + filter checks.
	if e.hist != nil && e.hist.IsComplete(item.Site, item.SourceURL) {
		return Result{Item: item, Outcome: OutcomeAlreadyComplete}
	}
	if e.skip(item) {
		return Result{Item: item, Outcome: OutcomeSkipped}
	}

	// Step 2: free-space check.
	if err := checkFreeSpace(item.DownloadFolder, e.requiredFreeSpace); err != nil {
		return Result{Item: item, Outcome: OutcomeFailed, Err: httperr.Wrap(httperr.KindDiskFull, err, "insufficient free space")}
	}

	if err := os.MkdirAll(item.DownloadFolder, 0o750); err != nil {
		return Result{Item: item, Outcome: OutcomeFailed, Err: errors.Wrap(err, "creating download folder")}
	}

	if err := e.transfer(ctx, item); err != nil {
		if e.hist != nil {
			_ = e.hist.MarkFailed(history.Record{Site: item.Site, URLPath: item.SourceURL, RefererPath: item.Referer})
		}
		return Result{Item: item, Outcome: OutcomeFailed, Err: err}
	}

	if e.hist != nil {
		rec := history.Record{
			Site:        item.Site,
			URLPath:     item.SourceURL,
			RefererPath: item.Referer,
			AlbumID:     item.AlbumID,
			Filename:    item.Filename,
			FileSize:    int64(item.Filesize),
			CompletedAt: time.Now(),
			Hash:        item.Hash,
		}
		if err := e.hist.MarkComplete(rec); err != nil {
			return Result{Item: item, Outcome: OutcomeFailed, Err: errors.Wrap(err, "marking history complete")}
		}
	}
	return Result{Item: item, Outcome: OutcomeDownloaded}
}

func (e *Engine) claim(k string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[k]; ok {
		return false
	}
	e.inFlight[k] = struct{}{}
	return true
}

func (e *Engine) release(k string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, k)
}

// transfer implements steps 3-7 of §4.7: HEAD/range probe, streaming,
// atomic rename, and the retry loop around transient failures.
func (e *Engine) transfer(ctx context.Context, item *model.DownloadItem) error {
	ticket, err := e.acquireSlot(ctx, item)
	if err != nil {
		return err
	}
	defer ticket.Release()

	var attempt int
	var mismatchRetried bool

RETRY:
	e.gate.Wait()
	if e.gate.ShuttingDown() {
		return errors.New("shutting down")
	}

	partial := item.PartialPath()
	var resumeFrom int64
	if st, err := os.Stat(partial); err == nil {
		resumeFrom = st.Size()
	}

	headers := http.Header{}
	if resumeFrom > 0 {
		headers.Set("Range", "bytes="+strconv.FormatInt(resumeFrom, 10)+"-")
	}

	resp, err := e.client.HEAD(ctx, item.SourceURL, nil)
	var total int64 = -1
	if err == nil {
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
				total = n
			}
		}
	}

	f, err := openPartial(partial, resumeFrom)
	if err != nil {
		return errors.Wrap(err, "opening partial file")
	}

	// The content hasher only covers bytes written in this attempt; a
	// resumed transfer's hash would be incomplete, so hash-based dedup
	// is skipped for those (item.Hash stays "").
	var dest io.Writer = f
	var hasher *contenthash.Hasher
	if resumeFrom == 0 {
		hasher = contenthash.NewHasher()
		dest = io.MultiWriter(f, hasher)
	}

	written, err := e.stream(ctx, item, headers, dest, resumeFrom)
	closeErr := f.Close()
	if err != nil {
		if resumeFrom > 0 && errors.Is(err, errRangeRejected) {
			_ = os.Remove(partial)
			attempt++
			if attempt < e.downloadAttempts {
				goto RETRY
			}
			return err
		}
		if httperr.Is(err, httperr.KindPermanentHTTP) {
			return err
		}
		if attempt < e.downloadAttempts {
			attempt++
			time.Sleep(backoff(attempt))
			goto RETRY
		}
		return err
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "closing partial file")
	}

	finalSize := resumeFrom + written

	// spec.md §8: a server-reported length of zero is a permanent
	// failure; nothing is ever written to the complete path for it.
	if total == 0 && finalSize == 0 {
		_ = os.Remove(partial)
		return httperr.New(httperr.KindHashMismatch, "server reported zero-length content for "+item.SourceURL)
	}

	if total >= 0 && finalSize != total {
		_ = os.Remove(partial)
		mismatch := httperr.New(httperr.KindHashMismatch,
			"size mismatch: expected "+strconv.FormatInt(total, 10)+" got "+strconv.FormatInt(finalSize, 10))
		if !mismatchRetried && attempt < e.downloadAttempts {
			mismatchRetried = true
			attempt++
			goto RETRY
		}
		return mismatch
	}

	item.Filesize = uint64(finalSize)
	if hasher != nil {
		item.Hash = hasher.Sum().SHA256Hex()
	}

	if item.Hash != "" && e.hist != nil {
		if dup, ok := e.hist.FindByHash(item.Site, item.Hash); ok && dup.URLPath != item.SourceURL {
			// Identical content already stored under dup.URLPath; drop
			// this copy instead of keeping two files with the same bytes.
			_ = os.Remove(partial)
			return nil
		}
	}
	return finalize(item, partial)
}

func (e *Engine) acquireSlot(ctx context.Context, item *model.DownloadItem) (*ratelimit.DownloadTicket, error) {
	if e.governor == nil {
		return &ratelimit.DownloadTicket{}, nil
	}
	host := hostOf(item.SourceURL)
	return e.governor.AcquireDownloadSlot(ctx, host)
}

var errRangeRejected = errors.New("server rejected range request")

var errSustainedSlow = errors.New("sustained low throughput, cancelling for retry")

// stream drives the transfer entirely off the live connection: each
// chunk is read straight from the response body, accounted against the
// Rate Governor and the sustained-low-throughput monitor, and written
// to dest before the next chunk is read. Nothing is buffered in memory
// beyond one chunk, so this holds for multi-gigabyte media the same way
// it holds for a one-byte file.
func (e *Engine) stream(ctx context.Context, item *model.DownloadItem, headers http.Header, dest io.Writer, resumeFrom int64) (int64, error) {
	resp, err := e.client.GETStream(ctx, item.SourceURL, headers)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resumeFrom > 0 && resp.Status != http.StatusPartialContent {
		return 0, errRangeRejected
	}

	monitor := newSpeedMonitor(e.slowSpeedFloor, e.slowSpeedWindow)

	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if e.governor != nil {
				if err := e.governor.AcquireBytes(ctx, n); err != nil {
					return written, err
				}
			}
			wn, werr := dest.Write(chunk)
			written += int64(wn)
			if werr != nil {
				return written, httperr.Wrap(httperr.KindNetworkTransient, werr, "writing chunk")
			}
			if monitor.observe(time.Now(), n) {
				return written, errSustainedSlow
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, httperr.Wrap(httperr.KindNetworkTransient, readErr, "reading response body")
		}
	}
}

func openPartial(path string, resumeFrom int64) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600) // #nosec G304 - path derived from configured download folder
	if err != nil {
		return nil, err
	}
	return f, nil
}

func finalize(item *model.DownloadItem, partial string) error {
	f, err := os.OpenFile(partial, os.O_WRONLY, 0o600) // #nosec G304 - path derived from configured download folder
	if err != nil {
		return errors.Wrap(err, "reopening partial for sync")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsyncing partial file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing partial file")
	}

	complete := item.CompletePath()
	if err := os.Rename(partial, complete); err != nil {
		return errors.Wrap(err, "renaming partial to complete")
	}
	if item.Datetime > 0 {
		mtime := time.Unix(item.Datetime, 0)
		_ = os.Chtimes(complete, mtime, mtime)
	}
	return dirsync.Dir(item.DownloadFolder)
}

func checkFreeSpace(dir string, required int64) error {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		// dir may not exist yet; check its parent.
		if err2 := syscall.Statfs(filepath.Dir(dir), &st); err2 != nil {
			return errors.Wrap(err, "statfs")
		}
	}
	available := int64(st.Bavail) * int64(st.Bsize)
	if available < required {
		return errors.Newf("only %d bytes free, need %d", available, required)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}
