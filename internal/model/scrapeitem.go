package model

import (
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// ItemType classifies the logical collection a ScrapeItem belongs to, as
// set by the scraper via SetupAsAlbum/SetupAsProfile/SetupAsForum/SetupAsPost.
type ItemType int

const (
	// TypeNone is the zero value: no collection type assigned yet.
	TypeNone ItemType = iota
	TypeForum
	TypeForumPost
	TypeProfile
	TypeAlbum
)

func (t ItemType) String() string {
	switch t {
	case TypeForum:
		return "forum"
	case TypeForumPost:
		return "forum_post"
	case TypeProfile:
		return "profile"
	case TypeAlbum:
		return "album"
	default:
		return "none"
	}
}

// State tracks a ScrapeItem's lifecycle. Transitions are linear; there is
// no re-entry (spec.md §4.8).
type State int

const (
	StateQueued State = iota
	StateRunning
	StateEnqueuedForDownload
	StateFinished
	StateFailed
)

// ScrapeItem is a unit of crawling work routed by the dispatcher (C9) to
// a site-scraper (C8).
type ScrapeItem struct {
	URL *url.URL

	// CanonicalURL is the post-rewrite URL a scraper discovers while
	// fetching URL (e.g. a forum's "canonical" link tag pointing at a
	// de-duplicated thread URL). Nil until RewriteCanonical or
	// CreateChildWithCanonical sets it; while nil, URL itself is both the
	// fetch and the canonical
	// identity (spec.md §9's Open Question: history-store keying uses
	// the canonical, post-rewrite URL; the Referer header sent on the
	// next request still uses the pre-rewrite URL actually fetched).
	CanonicalURL *url.URL

	// Parents is the ordered ancestor chain; immutable once the item is
	// in flight except through CreateChild.
	Parents []string

	ParentTitle    string
	PartOfAlbum    bool
	AlbumID        string
	PossibleDate   int64 // unix seconds, 0 = unset
	Type           ItemType
	Children       int
	ChildrenLimit  int // 0 = unlimited
	Retry          bool
	RetryPath      string

	State State
}

// NewScrapeItem validates and constructs a root ScrapeItem from a raw
// URL string, enforcing spec.md §8's quantified invariant: absolute,
// http(s) scheme, non-empty host.
func NewScrapeItem(rawURL string) (*ScrapeItem, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := validateAbsoluteHTTPURL(u); err != nil {
		return nil, err
	}
	return &ScrapeItem{URL: normalizeURL(u), State: StateQueued}, nil
}

func validateAbsoluteHTTPURL(u *url.URL) error {
	if !u.IsAbs() {
		return errors.New("URL is not absolute: " + u.String())
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return errors.New("unsupported scheme: " + u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL has no host: " + u.String())
	}
	return nil
}

// normalizeURL strips a trailing slash from the path (unless the path is
// just "/") so that two URLs differing only by a trailing slash compare
// equal for history-store and in-flight-dedup purposes.
func normalizeURL(u *url.URL) *url.URL {
	v := *u
	if v.Path != "/" && strings.HasSuffix(v.Path, "/") {
		v.Path = strings.TrimSuffix(v.Path, "/")
	}
	return &v
}

// CreateChild clones the item into a new ScrapeItem for a sub-page or
// sub-resource, appending the parent's URL to the ancestor chain and
// optionally extending the title. The obligation in spec.md §4.8 is that
// every child fetched by a scraper is created this way so attribution
// (Parents, ParentTitle) survives.
func (s *ScrapeItem) CreateChild(childURL *url.URL, titleSegment string) (*ScrapeItem, error) {
	if err := validateAbsoluteHTTPURL(childURL); err != nil {
		return nil, err
	}

	parents := make([]string, len(s.Parents), len(s.Parents)+1)
	copy(parents, s.Parents)
	parents = append(parents, s.URL.String())

	title := s.ParentTitle
	if titleSegment != "" {
		clean := SanitizeFolderName(titleSegment)
		if title == "" {
			title = clean
		} else {
			title = title + "/" + clean
		}
	}

	return &ScrapeItem{
		URL:           normalizeURL(childURL),
		Parents:       parents,
		ParentTitle:   title,
		PartOfAlbum:   s.PartOfAlbum,
		AlbumID:       s.AlbumID,
		PossibleDate:  s.PossibleDate,
		ChildrenLimit: s.ChildrenLimit,
		Retry:         s.Retry,
		RetryPath:     s.RetryPath,
		State:         StateQueued,
	}, nil
}

// CreateChildWithCanonical is CreateChild plus a canonical rewrite
// discovered for childURL, so the child's history-store key and its
// Referer header diverge deliberately (spec.md §9).
func (s *ScrapeItem) CreateChildWithCanonical(childURL, canonicalURL *url.URL, titleSegment string) (*ScrapeItem, error) {
	child, err := s.CreateChild(childURL, titleSegment)
	if err != nil {
		return nil, err
	}
	if canonicalURL != nil {
		if err := validateAbsoluteHTTPURL(canonicalURL); err != nil {
			return nil, err
		}
		child.CanonicalURL = normalizeURL(canonicalURL)
	}
	return child, nil
}

// RewriteCanonical records canonical as s's post-rewrite identity,
// without altering URL (the address actually fetched, which remains
// the Referer sent on subsequent requests).
func (s *ScrapeItem) RewriteCanonical(canonical *url.URL) error {
	if err := validateAbsoluteHTTPURL(canonical); err != nil {
		return err
	}
	s.CanonicalURL = normalizeURL(canonical)
	return nil
}

// CanonicalURLString returns the URL a history-store lookup or write
// should key on: the canonical rewrite if one was recorded, otherwise
// the fetched URL itself.
func (s *ScrapeItem) CanonicalURLString() string {
	if s.CanonicalURL != nil {
		return s.CanonicalURL.String()
	}
	return s.URL.String()
}

// RefererURLString returns the URL that should be sent as the Referer
// header for requests this item originates: always the pre-rewrite,
// actually-fetched URL, never the canonical rewrite.
func (s *ScrapeItem) RefererURLString() string {
	return s.URL.String()
}

// ErrChildrenLimitReached is the explicit early-return sentinel that
// replaces the source's exception-based "max children reached" control
// flow (spec.md §9).
var ErrChildrenLimitReached = errors.New("children limit reached")

// SetupAsAlbum marks s as an album root and records ChildrenLimit, which
// CheckChildLimit enforces before a scraper adds another child.
func (s *ScrapeItem) SetupAsAlbum(albumID string, childrenLimit int) {
	s.Type = TypeAlbum
	s.PartOfAlbum = true
	s.AlbumID = albumID
	s.ChildrenLimit = childrenLimit
}

// SetupAsProfile marks s as a profile root.
func (s *ScrapeItem) SetupAsProfile(childrenLimit int) {
	s.Type = TypeProfile
	s.ChildrenLimit = childrenLimit
}

// SetupAsForum marks s as a forum thread root.
func (s *ScrapeItem) SetupAsForum(childrenLimit int) {
	s.Type = TypeForum
	s.ChildrenLimit = childrenLimit
}

// SetupAsPost marks s as a single forum post.
func (s *ScrapeItem) SetupAsPost() {
	s.Type = TypeForumPost
}

// CheckChildLimit returns ErrChildrenLimitReached once Children has
// reached ChildrenLimit (a limit of 0 means unlimited), and otherwise
// increments Children and returns nil. Scrapers call this before handing
// another child off via CreateChild/HandleFile.
func (s *ScrapeItem) CheckChildLimit() error {
	if s.ChildrenLimit > 0 && s.Children >= s.ChildrenLimit {
		return ErrChildrenLimitReached
	}
	s.Children++
	return nil
}
