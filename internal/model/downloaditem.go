package model

import (
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// partSuffix is appended to the complete filename to name the in-progress
// temp file the download engine writes to before the atomic rename.
const partSuffix = ".part"

// DownloadItem is a unit of download work derived from a ScrapeItem by a
// scraper's HandleFile call.
type DownloadItem struct {
	SourceURL  string
	Referer    string
	DebridLink string

	DownloadFolder string
	Filename       string
	OriginalName   string
	Extension      string

	AlbumID string
	Site    string
	// Datetime is unix seconds, 0 = unset.
	Datetime int64
	Parents  []string

	// Filled in by the download engine.
	Filesize uint64
	Attempt  int
	// Hash is the SHA-256 content digest computed while streaming, used
	// for hash-based deduplication against the history store. Empty when
	// the transfer resumed from a partial file (the hash only covers
	// bytes written in this attempt).
	Hash string
}

// NewDownloadItem constructs a DownloadItem, sanitizing filename into a
// filesystem-safe name and deriving Extension from it. folder must be an
// absolute path; the caller (HandleFile helper) is responsible for
// building it from the parent_title / "Loose Files (<folder_domain>)"
// rule in spec.md §6.
func NewDownloadItem(site, sourceURL, referer, folder, filename string) (*DownloadItem, error) {
	if !filepath.IsAbs(folder) {
		return nil, errors.New("download_folder must be absolute: " + folder)
	}
	clean := SanitizeFilename(filename)
	return &DownloadItem{
		Site:           site,
		SourceURL:      sourceURL,
		Referer:        referer,
		DownloadFolder: filepath.Clean(folder),
		Filename:       clean,
		OriginalName:   filename,
		Extension:      strings.ToLower(filepath.Ext(clean)),
	}, nil
}

// CompletePath returns the final on-disk path: download_folder/filename.
func (d *DownloadItem) CompletePath() string {
	return filepath.Join(d.DownloadFolder, d.Filename)
}

// PartialPath returns CompletePath() + ".part", the name the download
// engine streams bytes into before the atomic rename on completion.
//
// This enforces the spec.md §8 invariant:
//
//	partial_path.parent == download_folder == complete_path.parent
//	partial_path.name   == complete_path.name + ".part"
func (d *DownloadItem) PartialPath() string {
	return d.CompletePath() + partSuffix
}

// WithFilename returns a copy of d with a new (sanitized) filename and
// extension; d itself is left unchanged.
func (d *DownloadItem) WithFilename(filename string) *DownloadItem {
	cp := *d
	cp.Filename = SanitizeFilename(filename)
	cp.Extension = strings.ToLower(filepath.Ext(cp.Filename))
	return &cp
}
