// Package httpclient implements the HTTP Client Layer (C1): a single
// entry point for GET/HEAD/POST that threads every request through the
// Rate Governor (C3), Request Cache (C2), Cookie Store (C4), and
// Challenge Solver Adapter (C5), grounded on the retry/backoff shape of
// mirror/http_client.go's download loop.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harvestctl/harvestctl/internal/cache"
	"github.com/harvestctl/harvestctl/internal/challenge"
	"github.com/harvestctl/harvestctl/internal/cookiejar"
	"github.com/harvestctl/harvestctl/internal/httperr"
	"github.com/harvestctl/harvestctl/internal/ratelimit"
)

// HostClassifier maps a hostname to the host class used to pick the
// cache TTL (e.g. "file_host", "forum", "default"). When Options.Classify
// is nil, every host maps to "". The rate governor buckets by host, not
// by class.
type HostClassifier func(host string) string

// Client is the shared HTTP client layer used by every site scraper.
type Client struct {
	transport *http.Client
	userAgent string

	governor  *ratelimit.Governor
	cache     *cache.Cache
	jar       *cookiejar.Jar
	solver    *challenge.Solver // nil if not configured
	classify  HostClassifier
	attempts  int
	sf        singleflight.Group
}

// Options configures a new Client.
type Options struct {
	UserAgent      string
	Governor       *ratelimit.Governor
	Cache          *cache.Cache
	Jar            *cookiejar.Jar
	Solver         *challenge.Solver // optional
	Classify       HostClassifier
	DownloadAttempts int // default 5, per spec.md's download_attempts
	TLSConfig      *tls.Config   // optional; nil keeps Go's default transport TLS behavior
	ConnectTimeout time.Duration // spec.md §5's connect_timeout; 0 keeps Go's default dialer
}

// New constructs a Client from the shared component instances.
func New(opts Options) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second
	if opts.TLSConfig != nil {
		tr.TLSClientConfig = opts.TLSConfig
	}
	if opts.ConnectTimeout > 0 {
		dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
		tr.DialContext = dialer.DialContext
	}

	attempts := opts.DownloadAttempts
	if attempts <= 0 {
		attempts = 5
	}

	classify := opts.Classify
	if classify == nil {
		classify = func(string) string { return "" }
	}

	return &Client{
		transport: &http.Client{Transport: tr, Jar: opts.Jar, Timeout: 0},
		userAgent: opts.UserAgent,
		governor:  opts.Governor,
		cache:     opts.Cache,
		jar:       opts.Jar,
		solver:    opts.Solver,
		classify:  classify,
		attempts:  attempts,
	}
}

// Response is what GET/HEAD/POST return.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// GET fetches url. When cacheable is true, hits from the Request Cache
// (C2) short-circuit the network; 200/404/410/451 responses are
// written back to it on a miss, and a cached 404/410/451 is returned as
// the same permanent-HTTP error a fresh one produces. Concurrent
// identical GETs are deduplicated with singleflight.
func (c *Client) GET(ctx context.Context, rawURL string, headers http.Header, cacheable bool) (*Response, error) {
	v, err, _ := c.sf.Do("GET "+rawURL, func() (any, error) {
		return c.get(ctx, rawURL, headers, cacheable)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (c *Client) get(ctx context.Context, rawURL string, headers http.Header, cacheable bool) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindConfigInvalid, err, "invalid URL")
	}
	hostClass := c.classify(u.Host)

	if cacheable && c.cache != nil {
		if e, body, ok := c.cache.Get(rawURL, hostClass); ok {
			cached := &Response{Status: e.Status, Header: e.Header, Body: body}
			if kind, known := httperr.ClassifyStatus(e.Status); known && kind == httperr.KindPermanentHTTP {
				return nil, httperr.New(httperr.KindPermanentHTTP, "cached permanent HTTP status for "+rawURL)
			}
			return cached, nil
		}
	}

	resp, err := c.do(ctx, http.MethodGet, u, nil, headers, hostClass)
	if resp != nil && cacheable && c.cache != nil && cache.Cacheable(resp.Status) {
		_ = c.cache.Put(rawURL, hostClass, resp.Status, resp.Header, resp.Body, false)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// StreamResponse is GETStream's result: the body is the live connection,
// not yet read into memory, so callers must Close it.
type StreamResponse struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// GETStream issues a GET and hands back the response body as a live
// stream instead of buffering it, so a caller driving a multi-gigabyte
// transfer (the download engine) can shape its own byte rate and write
// chunks to disk as they arrive rather than holding the whole response
// in memory first. It bypasses the Request Cache and Challenge Solver —
// both require inspecting the full body, which only cacheable scrape
// pages fetched through GET need — and retries only on connect failures
// and retryable status codes, never on a body read (there is none to
// read here; the caller owns that).
func (c *Client) GETStream(ctx context.Context, rawURL string, headers http.Header) (*StreamResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindConfigInvalid, err, "invalid URL")
	}
	return c.doStream(ctx, u, headers)
}

func (c *Client) doStream(ctx context.Context, u *url.URL, headers http.Header) (*StreamResponse, error) {
	var attempt int

RETRY:
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if c.governor != nil {
		if err := c.governor.AcquireRequest(ctx, u.Host); err != nil {
			return nil, err
		}
	}

	if attempt > 0 {
		slog.Warn("retrying streamed http request", "url", u.String(), "attempt", attempt)
		time.Sleep(backoff(attempt))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindConfigInvalid, err, "building request")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.transport.Do(req)
	if err != nil {
		if attempt < c.attempts {
			attempt++
			goto RETRY
		}
		return nil, httperr.Wrap(httperr.KindNetworkTransient, err, "http request failed")
	}

	if kind, known := httperr.ClassifyStatus(resp.StatusCode); known {
		resp.Body.Close()
		switch kind {
		case httperr.KindNetworkTransient, httperr.KindRateLimited:
			if attempt < c.attempts {
				attempt++
				goto RETRY
			}
			return nil, httperr.New(kind, "exhausted retries for "+u.String())
		case httperr.KindPermanentHTTP:
			return nil, httperr.New(httperr.KindPermanentHTTP, "permanent HTTP status "+resp.Status)
		}
	}

	return &StreamResponse{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// HEAD issues a HEAD request (used e.g. for Content-Length probes before
// a resumable download).
func (c *Client) HEAD(ctx context.Context, rawURL string, headers http.Header) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindConfigInvalid, err, "invalid URL")
	}
	return c.do(ctx, http.MethodHead, u, nil, headers, c.classify(u.Host))
}

// POST issues a POST request. Response caching for POST is not
// supported (spec.md enables it only when explicitly configured, which
// this adapter does not implement; config's enable_post_caching has no
// effect here).
func (c *Client) POST(ctx context.Context, rawURL string, body []byte, headers http.Header) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindConfigInvalid, err, "invalid URL")
	}
	return c.do(ctx, http.MethodPost, u, body, headers, c.classify(u.Host))
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte, headers http.Header, hostClass string) (*Response, error) {
	var attempt int
	usedSolver := false

RETRY:
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if c.governor != nil {
		if err := c.governor.AcquireRequest(ctx, u.Host); err != nil {
			return nil, err
		}
	}

	if attempt > 0 {
		slog.Warn("retrying http request", "method", method, "url", u.String(), "attempt", attempt)
		time.Sleep(backoff(attempt))
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader(body))
	if err != nil {
		return nil, httperr.Wrap(httperr.KindConfigInvalid, err, "building request")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.transport.Do(req)
	if err != nil {
		if attempt < c.attempts {
			attempt++
			goto RETRY
		}
		return nil, httperr.Wrap(httperr.KindNetworkTransient, err, "http request failed")
	}
	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		if attempt < c.attempts {
			attempt++
			goto RETRY
		}
		return nil, httperr.Wrap(httperr.KindNetworkTransient, readErr, "reading response body")
	}

	if kind, known := httperr.ClassifyStatus(resp.StatusCode); known {
		switch kind {
		case httperr.KindNetworkTransient, httperr.KindRateLimited:
			if !usedSolver && c.solver != nil && shouldEscalate(resp.StatusCode, respBody) {
				if solved, serr := c.solveChallenge(ctx, u.String()); serr == nil {
					usedSolver = true
					return solved, nil
				}
			}
			if attempt < c.attempts {
				attempt++
				goto RETRY
			}
			return nil, httperr.New(kind, "exhausted retries for "+u.String())
		case httperr.KindPermanentHTTP:
			return &Response{Status: resp.StatusCode, Header: resp.Header, Body: respBody},
				httperr.New(httperr.KindPermanentHTTP, "permanent HTTP status "+resp.Status)
		}
	}

	if !usedSolver && c.solver != nil && challenge.IsChallengeFingerprint(respBody) {
		if solved, serr := c.solveChallenge(ctx, u.String()); serr == nil {
			return solved, nil
		}
		return nil, httperr.New(httperr.KindChallengePresented, "challenge detected and solver failed for "+u.String())
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func (c *Client) solveChallenge(ctx context.Context, target string) (*Response, error) {
	result, err := c.solver.Get(ctx, target)
	if err != nil {
		return nil, httperr.Wrap(httperr.KindChallengePresented, err, "challenge solver")
	}
	if c.jar != nil && len(result.Cookies) > 0 {
		u, _ := url.Parse(result.URL)
		cookies := make([]*http.Cookie, 0, len(result.Cookies))
		for _, ck := range result.Cookies {
			cookies = append(cookies, &http.Cookie{Name: ck.Name, Value: ck.Value, Domain: ck.Domain, Path: ck.Path, Secure: ck.Secure})
		}
		if u != nil {
			c.jar.SetCookies(u, cookies)
		}
	}
	return &Response{Status: result.Status, Body: []byte(result.Body)}, nil
}

func shouldEscalate(status int, body []byte) bool {
	switch status {
	case http.StatusTooManyRequests, 503, 521, 520:
		return true
	}
	return challenge.IsChallengeFingerprint(body)
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}
