// Package history implements the History/Dedup Store (C6): a
// crash-durable, file-backed record of completed downloads keyed by
// (site, url_path), grounded on the same temp-file + fsync + rename +
// flock pattern the teacher uses for its Storage.Save (storage.go) and
// directory syncing (internal/dirsync).
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/harvestctl/harvestctl/internal/dirsync"
	"github.com/harvestctl/harvestctl/internal/flock"
)

const recordsFile = "history.json"

// Record is one completed download, the unit persisted by MarkComplete.
type Record struct {
	Site        string    `json:"site"`
	URLPath     string    `json:"url_path"`
	RefererPath string    `json:"referer_path"`
	AlbumID     string    `json:"album_id"`
	Filename    string    `json:"filename"`
	FileSize    int64     `json:"filesize"`
	CompletedAt time.Time `json:"completed_at"`
	Hash        string    `json:"hash,omitempty"`
	Failed      bool      `json:"failed,omitempty"`
}

func key(site, urlPath string) string { return site + "\x00" + urlPath }

func hashKey(site, hash string) string { return site + "\x00" + hash }

// Store is the on-disk history/dedup database. It takes no file lock of
// its own: Lock hands out an exclusive flock on the store directory for
// callers that want cross-process exclusion, and within the process the
// in-memory mutex serializes concurrent worker goroutines.
type Store struct {
	dir string

	mu      sync.RWMutex
	records map[string]Record       // keyed by (site, url_path)
	byAlbum map[string][]string     // (site, album_id) -> []key
	byHash  map[string]string       // (site, hash) -> key, for content-based dedup
	referer map[string]struct{}     // temp-referer table, cleared at startup
}

// Open loads or initializes a history store rooted at dir. The
// temp-referer table is always empty immediately after Open, per
// spec.md's "cleared at startup" rule.
func Open(dir string) (*Store, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("history dir must be absolute: " + dir)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "creating history directory")
	}

	s := &Store{
		dir:     dir,
		records: make(map[string]Record),
		byAlbum: make(map[string][]string),
		byHash:  make(map[string]string),
		referer: make(map[string]struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	p := filepath.Join(s.dir, recordsFile)
	f, err := os.Open(p) // #nosec G304 - path joined from configured history dir and constant filename
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "opening history store")
	}
	defer f.Close()

	var records []Record
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return errors.Wrap(err, "decoding history store")
	}
	for _, r := range records {
		k := key(r.Site, r.URLPath)
		s.records[k] = r
		if r.AlbumID != "" {
			s.byAlbum[albumKey(r.Site, r.AlbumID)] = append(s.byAlbum[albumKey(r.Site, r.AlbumID)], k)
		}
		if r.Hash != "" {
			s.byHash[hashKey(r.Site, r.Hash)] = k
		}
	}
	return nil
}

func albumKey(site, albumID string) string { return site + "\x00" + albumID }

// Lock acquires the store's exclusive single-instance flock without
// blocking and returns it held; the caller releases it with Unlock and
// Close. The store's own methods do not take it.
func (s *Store) Lock() (flock.Flock, error) {
	fl, err := flock.New(filepath.Join(s.dir, ".lock"))
	if err != nil {
		return flock.Flock{}, err
	}
	if err := fl.Lock(); err != nil {
		_ = fl.Close()
		return flock.Flock{}, err
	}
	return fl, nil
}

// IsComplete reports whether (site, canonicalURL) has a non-failed
// completion record.
func (s *Store) IsComplete(site, canonicalURL string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key(site, canonicalURL)]
	return ok && !r.Failed
}

// IsCompleteByReferer reports whether any completed record under site
// carries refererURL as its secondary index, or whether refererURL has
// already been observed this run via the temp-referer table — the
// skip_referer_seen_before optimization.
func (s *Store) IsCompleteByReferer(site, refererURL string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, seen := s.referer[key(site, refererURL)]; seen {
		return true
	}
	for _, r := range s.records {
		if r.Site == site && r.RefererPath == refererURL && !r.Failed {
			return true
		}
	}
	return false
}

// NoteRefererSeen records refererURL in the temp-referer table without
// requiring a completed history record, for callers that want to
// short-circuit re-scraping a page they've already visited this run.
func (s *Store) NoteRefererSeen(site, refererURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referer[key(site, refererURL)] = struct{}{}
}

// MarkComplete persists record durably: either fully written, or not at
// all, surviving a crash between the temp-file write and the rename.
func (s *Store) MarkComplete(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.Failed = false
	k := key(record.Site, record.URLPath)
	s.records[k] = record
	if record.AlbumID != "" {
		s.byAlbum[albumKey(record.Site, record.AlbumID)] = appendUnique(s.byAlbum[albumKey(record.Site, record.AlbumID)], k)
	}
	if record.Hash != "" {
		s.byHash[hashKey(record.Site, record.Hash)] = k
	}
	return s.saveLocked()
}

// FindByHash returns the completed record already stored under the same
// (site, contentHash), if any — the signal the download engine uses to
// skip writing a second on-disk copy of identical content (spec.md §1's
// "hash-based deduplication").
func (s *Store) FindByHash(site, contentHash string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byHash[hashKey(site, contentHash)]
	if !ok {
		return Record{}, false
	}
	r, ok := s.records[k]
	return r, ok && !r.Failed
}

// MarkFailed records a failed attempt so FetchFailedItems can surface it
// for a later retry_failed run, without marking the item complete.
func (s *Store) MarkFailed(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.Failed = true
	s.records[key(record.Site, record.URLPath)] = record
	return s.saveLocked()
}

// MarkAlbumMembership records that record belongs to albumID without
// necessarily marking it complete (e.g. a placeholder row created when
// an album page is first seen, before every child has downloaded).
func (s *Store) MarkAlbumMembership(site, albumID string, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.AlbumID = albumID
	k := key(record.Site, record.URLPath)
	s.records[k] = record
	s.byAlbum[albumKey(site, albumID)] = appendUnique(s.byAlbum[albumKey(site, albumID)], k)
	return s.saveLocked()
}

func appendUnique(keys []string, k string) []string {
	for _, existing := range keys {
		if existing == k {
			return keys
		}
	}
	return append(keys, k)
}

// FetchFailedItems returns every record marked failed, for the
// retry_failed input source.
func (s *Store) FetchFailedItems() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if r.Failed {
			out = append(out, r)
		}
	}
	return out
}

// FetchAllItems returns every record, completed or failed, whose
// CompletedAt lies within [after, before), for the retry_all input
// source. A zero time.Time bound is unbounded on that side.
func (s *Store) FetchAllItems(after, before time.Time) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if !after.IsZero() && r.CompletedAt.Before(after) {
			continue
		}
		if !before.IsZero() && !r.CompletedAt.Before(before) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// FetchMaintenanceCandidates returns every record for site whose Hash
// equals placeholderHash, the known-bad-placeholder signal consumed by
// the retry_maintenance input source.
func (s *Store) FetchMaintenanceCandidates(site, placeholderHash string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if r.Site == site && r.Hash == placeholderHash {
			out = append(out, r)
		}
	}
	return out
}

// saveLocked persists the full record set atomically. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	records := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}

	tmp, err := os.CreateTemp(s.dir, "_history")
	if err != nil {
		return errors.Wrap(err, "creating history temp file")
	}
	tmpName := tmp.Name()

	if err := json.NewEncoder(tmp).Encode(records); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "encoding history records")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "syncing history temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "closing history temp file")
	}

	if err := os.Rename(tmpName, filepath.Join(s.dir, recordsFile)); err != nil {
		return errors.Wrap(err, "renaming history store into place")
	}
	return dirsync.Dir(s.dir)
}
