// Package cookiejar implements the Cookie Store (C4): a shared,
// host-scoped jar seedable from Netscape-format cookie dumps and updated
// atomically by the Challenge Solver Adapter (C5), matching hosts by the
// "registered domain" convention (wildcards like *.example.com).
package cookiejar

import (
	"bufio"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	httpcookiejar "net/http/cookiejar"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/publicsuffix"
)

// Jar wraps net/http/cookiejar.Jar (which already matches cookies by
// registered domain via golang.org/x/net/publicsuffix) with a mutex so
// the single writer (the Challenge Solver) and many readers (the HTTP
// client layer) share one instance safely.
type Jar struct {
	mu  sync.RWMutex
	jar *httpcookiejar.Jar
}

// New constructs an empty Jar.
func New() (*Jar, error) {
	j, err := httpcookiejar.New(&httpcookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "cookiejar.New")
	}
	return &Jar{jar: j}, nil
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar.SetCookies(u, cookies)
}

// SeedNetscapeFile loads cookies from a Netscape-format cookie file (the
// format browser-extraction tools produce), as seeded at startup from
// Cookies/<site>.txt per spec.md's persisted-state layout.
func (j *Jar) SeedNetscapeFile(path string) error {
	f, err := os.Open(path) // #nosec G304 - path comes from the configured Cookies/ directory
	if err != nil {
		return errors.Wrap(err, "opening cookie file")
	}
	defer f.Close()

	byHost := make(map[string][]*http.Cookie)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		// "#HttpOnly_" prefixed lines are still data lines (httpOnly cookies).
		httpOnly := false
		if strings.HasPrefix(line, "#HttpOnly_") {
			httpOnly = true
			line = strings.TrimPrefix(line, "#HttpOnly_")
		} else if strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}
		domain, _, secureField, pathField, expiresField, name, value := fields[0], fields[1], fields[3], fields[2], fields[4], fields[5], fields[6]

		var expires time.Time
		if secs, err := strconv.ParseInt(expiresField, 10, 64); err == nil && secs > 0 {
			expires = time.Unix(secs, 0)
		}

		host := strings.TrimPrefix(domain, ".")
		c := &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     pathField,
			Domain:   domain,
			Secure:   strings.EqualFold(secureField, "TRUE"),
			HttpOnly: httpOnly,
			Expires:  expires,
		}
		byHost[host] = append(byHost[host], c)
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "reading cookie file")
	}

	for host, cookies := range byHost {
		u := &url.URL{Scheme: "https", Host: host, Path: "/"}
		j.SetCookies(u, cookies)
	}
	return nil
}
