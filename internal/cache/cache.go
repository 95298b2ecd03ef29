// Package cache implements the Request Cache (C2): a persistent,
// URL-keyed store for cacheable HTTP response bodies, grounded on the
// atomic-write pattern in mirror/storage.go (temp file + fsync + rename,
// directory fsync via internal/dirsync) and compressing bodies at rest
// with github.com/ulikunitz/xz, the teacher's own direct dependency.
package cache

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"

	"github.com/harvestctl/harvestctl/internal/dirsync"
	"github.com/harvestctl/harvestctl/internal/flock"
)

const indexFile = "index.json"

// Cacheable reports whether an HTTP status code is eligible for caching:
// only 200, 404, 410, and 451 are stored — everything else (including
// challenge/rate-limit statuses) must hit the network every time.
func Cacheable(status int) bool {
	switch status {
	case http.StatusOK, http.StatusNotFound, http.StatusGone, http.StatusUnavailableForLegalReasons:
		return true
	}
	return false
}

// Entry is the on-disk index record for one cached response.
type Entry struct {
	BodyFile    string    `json:"body_file"`
	Status      int       `json:"status"`
	Header      http.Header `json:"header"`
	StoredAt    time.Time `json:"stored_at"`
	HostClass   string    `json:"host_class"`
}

func (e Entry) expired(ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return time.Since(e.StoredAt) > ttl
}

// TTLByHostClass maps a host class (spec.md's forum/filehost/other
// classification) to its cache lifetime; zero means "never expires".
type TTLByHostClass map[string]time.Duration

// Cache is a single-process, directory-backed cache of HTTP responses.
type Cache struct {
	dir string
	ttl TTLByHostClass

	mu    sync.RWMutex
	index map[string]Entry
}

// Open loads or initializes a cache rooted at dir, sweeping expired
// entries per ttl as part of startup.
func Open(dir string, ttl TTLByHostClass) (*Cache, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("cache dir must be absolute: " + dir)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "creating cache directory")
	}

	c := &Cache{dir: dir, ttl: ttl, index: make(map[string]Entry)}
	if err := c.load(); err != nil {
		return nil, err
	}
	c.sweepExpired()
	return c, nil
}

func (c *Cache) load() error {
	p := filepath.Join(c.dir, indexFile)
	f, err := os.Open(p) // #nosec G304 - path joined from configured cache dir and constant filename
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "opening cache index")
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&c.index); err != nil {
		return errors.Wrap(err, "decoding cache index")
	}
	return nil
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for key, e := range c.index {
		ttl := c.ttl[e.HostClass]
		if e.expired(ttl) {
			_ = os.Remove(filepath.Join(c.dir, e.BodyFile))
			delete(c.index, key)
			changed = true
		}
	}
	if changed {
		_ = c.saveLocked()
	}
}

// Get returns the cached entry and body for key, if present and not
// expired for its host class.
func (c *Cache) Get(key, hostClass string) (Entry, []byte, bool) {
	c.mu.RLock()
	e, ok := c.index[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, nil, false
	}
	if e.expired(c.ttl[hostClass]) {
		return Entry{}, nil, false
	}

	body, err := c.readBody(e.BodyFile)
	if err != nil {
		return Entry{}, nil, false
	}
	return e, body, true
}

func (c *Cache) readBody(name string) ([]byte, error) {
	f, err := os.Open(filepath.Join(c.dir, name)) // #nosec G304 - name comes from the index this process wrote
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := xz.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing cached body")
	}
	return io.ReadAll(r)
}

// Put stores a response body under key. An existing entry that has not
// expired for hostClass is kept unless bust is true, which forces the
// overwrite, matching spec.md's explicit cache-bust override.
func (c *Cache) Put(key, hostClass string, status int, header http.Header, body []byte, bust bool) error {
	if !Cacheable(status) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.index[key]; ok && !bust && !existing.expired(c.ttl[hostClass]) {
		return nil
	}

	bodyFile, err := c.writeBody(body)
	if err != nil {
		return err
	}

	if existing, ok := c.index[key]; ok {
		_ = os.Remove(filepath.Join(c.dir, existing.BodyFile))
	}

	c.index[key] = Entry{
		BodyFile:  bodyFile,
		Status:    status,
		Header:    header,
		StoredAt:  time.Now(),
		HostClass: hostClass,
	}
	return c.saveLocked()
}

func (c *Cache) writeBody(body []byte) (string, error) {
	tmp, err := os.CreateTemp(c.dir, "_body")
	if err != nil {
		return "", errors.Wrap(err, "creating cache body temp file")
	}
	name := filepath.Base(tmp.Name())

	xw, err := xz.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "creating xz writer")
	}
	if _, err := io.Copy(xw, bytes.NewReader(body)); err != nil {
		xw.Close()
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "compressing cache body")
	}
	if err := xw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "flushing xz writer")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "syncing cache body")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "closing cache body temp file")
	}
	return name, nil
}

// saveLocked writes the index atomically. Caller must hold c.mu.
func (c *Cache) saveLocked() error {
	tmp, err := os.CreateTemp(c.dir, "_index")
	if err != nil {
		return errors.Wrap(err, "creating index temp file")
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(c.index); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "encoding cache index")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "syncing index temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "closing index temp file")
	}

	if err := os.Rename(tmpName, filepath.Join(c.dir, indexFile)); err != nil {
		return errors.Wrap(err, "renaming index into place")
	}
	return dirsync.Dir(c.dir)
}

// Lock acquires the cache directory's exclusive advisory flock without
// blocking and returns it held, for the duration of a maintenance
// operation (e.g. a full rewrite sweep); the caller releases it with
// Unlock and Close. Get and Put do not take it.
func (c *Cache) Lock() (flock.Flock, error) {
	fl, err := flock.New(filepath.Join(c.dir, ".lock"))
	if err != nil {
		return flock.Flock{}, err
	}
	if err := fl.Lock(); err != nil {
		_ = fl.Close()
		return flock.Flock{}, err
	}
	return fl, nil
}
