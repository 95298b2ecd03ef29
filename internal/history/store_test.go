package history

import (
	"testing"
	"time"
)

func TestMarkComplete_ThenIsComplete(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if s.IsComplete("site", "/a/b") {
		t.Fatal("expected not complete before MarkComplete")
	}
	if err := s.MarkComplete(Record{Site: "site", URLPath: "/a/b", CompletedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if !s.IsComplete("site", "/a/b") {
		t.Fatal("expected complete after MarkComplete")
	}
}

func TestIsComplete_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.MarkComplete(Record{Site: "site", URLPath: "/x", CompletedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !s2.IsComplete("site", "/x") {
		t.Fatal("expected completion to survive a reopen (simulated process restart)")
	}
}

func TestIsCompleteByReferer_MatchesSecondaryIndex(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkComplete(Record{Site: "site", URLPath: "/img1", RefererPath: "/album/1", CompletedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if !s.IsCompleteByReferer("site", "/album/1") {
		t.Error("expected referer match")
	}
	if s.IsCompleteByReferer("site", "/album/2") {
		t.Error("unexpected referer match")
	}
}

func TestNoteRefererSeen_ClearedOnReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	s1.NoteRefererSeen("site", "/forum/thread/1")
	if !s1.IsCompleteByReferer("site", "/forum/thread/1") {
		t.Fatal("expected temp-referer table to short-circuit within the same run")
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if s2.IsCompleteByReferer("site", "/forum/thread/1") {
		t.Error("temp-referer table must be cleared at startup")
	}
}

func TestMarkAlbumMembership_GroupsRecordsByAlbum(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAlbumMembership("site", "ABC123", Record{Site: "site", URLPath: "/img1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAlbumMembership("site", "ABC123", Record{Site: "site", URLPath: "/img2"}); err != nil {
		t.Fatal(err)
	}
	if keys := s.byAlbum[albumKey("site", "ABC123")]; len(keys) != 2 {
		t.Errorf("album membership count = %d, want 2", len(keys))
	}
}

func TestFetchFailedItems_OnlyReturnsFailed(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkComplete(Record{Site: "site", URLPath: "/ok"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(Record{Site: "site", URLPath: "/bad"}); err != nil {
		t.Fatal(err)
	}

	failed := s.FetchFailedItems()
	if len(failed) != 1 || failed[0].URLPath != "/bad" {
		t.Errorf("FetchFailedItems = %+v, want exactly [/bad]", failed)
	}
}

func TestFetchAllItems_FiltersByDateRange(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	if err := s.MarkComplete(Record{Site: "site", URLPath: "/old", CompletedAt: old}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkComplete(Record{Site: "site", URLPath: "/new", CompletedAt: recent}); err != nil {
		t.Fatal(err)
	}

	got := s.FetchAllItems(time.Now().Add(-1*time.Hour), time.Time{})
	if len(got) != 1 || got[0].URLPath != "/new" {
		t.Errorf("FetchAllItems(after=-1h) = %+v, want exactly [/new]", got)
	}
}

func TestFindByHash_MatchesAcrossURLsWithinSite(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkComplete(Record{Site: "site", URLPath: "/a", Hash: "abc123"}); err != nil {
		t.Fatal(err)
	}

	if got, ok := s.FindByHash("site", "abc123"); !ok || got.URLPath != "/a" {
		t.Fatalf("FindByHash = %+v, %v; want /a, true", got, ok)
	}
	if _, ok := s.FindByHash("site", "nope"); ok {
		t.Error("expected no match for unknown hash")
	}
	if _, ok := s.FindByHash("other-site", "abc123"); ok {
		t.Error("expected hash index to be scoped per site")
	}
}

func TestFetchMaintenanceCandidates_MatchesPlaceholderHash(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	const placeholder = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if err := s.MarkComplete(Record{Site: "site", URLPath: "/stale", Hash: placeholder}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkComplete(Record{Site: "site", URLPath: "/good", Hash: "deadbeef"}); err != nil {
		t.Fatal(err)
	}

	got := s.FetchMaintenanceCandidates("site", placeholder)
	if len(got) != 1 || got[0].URLPath != "/stale" {
		t.Errorf("FetchMaintenanceCandidates = %+v, want exactly [/stale]", got)
	}
}
