package download

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/harvestctl/harvestctl/internal/history"
	"github.com/harvestctl/harvestctl/internal/httpclient"
	"github.com/harvestctl/harvestctl/internal/model"
	"github.com/harvestctl/harvestctl/internal/ratelimit"
	"github.com/harvestctl/harvestctl/internal/runstate"
)

func newEngine(t *testing.T, histDir string) (*Engine, *history.Store) {
	t.Helper()
	gov := ratelimit.New(1000, 1000, 10, 10, 0)
	client := httpclient.New(httpclient.Options{UserAgent: "harvestctl-test", Governor: gov})
	hist, err := history.Open(histDir)
	if err != nil {
		t.Fatal(err)
	}
	return New(Options{
		Client:            client,
		Governor:          gov,
		History:           hist,
		Gate:              runstate.New(),
		RequiredFreeSpace: 0,
		DownloadAttempts:  3,
	}), hist
}

func TestDownload_WritesFileAndMarksComplete(t *testing.T) {
	content := []byte("the quick brown fox")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "19")
		w.WriteHeader(200)
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	engine, hist := newEngine(t, filepath.Join(dir, "hist"))

	item, err := model.NewDownloadItem("site", srv.URL, "", filepath.Join(dir, "out"), "file.bin")
	if err != nil {
		t.Fatal(err)
	}

	res := engine.Download(t.Context(), item)
	if res.Outcome != OutcomeDownloaded {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}

	got, err := os.ReadFile(item.CompletePath())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("file content = %q, want %q", got, content)
	}
	if !hist.IsComplete("site", srv.URL) {
		t.Error("expected history store to mark the item complete")
	}
}

func TestDownload_AlreadyCompleteSkipsNetwork(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(200)
	}))
	defer srv.Close()

	dir := t.TempDir()
	engine, hist := newEngine(t, filepath.Join(dir, "hist"))
	if err := hist.MarkComplete(history.Record{Site: "site", URLPath: srv.URL}); err != nil {
		t.Fatal(err)
	}

	item, err := model.NewDownloadItem("site", srv.URL, "", filepath.Join(dir, "out"), "file.bin")
	if err != nil {
		t.Fatal(err)
	}
	res := engine.Download(t.Context(), item)
	if res.Outcome != OutcomeAlreadyComplete {
		t.Fatalf("outcome = %v, want OutcomeAlreadyComplete", res.Outcome)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 (pre-flight history check should short-circuit)", calls)
	}
}

func TestDownload_DedupesIdenticalContentAcrossURLs(t *testing.T) {
	content := []byte("identical bytes served at two different urls")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	engine, hist := newEngine(t, filepath.Join(dir, "hist"))

	first, err := model.NewDownloadItem("site", srv.URL+"/a", "", filepath.Join(dir, "out"), "first.bin")
	if err != nil {
		t.Fatal(err)
	}
	if res := engine.Download(t.Context(), first); res.Outcome != OutcomeDownloaded {
		t.Fatalf("first download outcome = %v, err = %v", res.Outcome, res.Err)
	}
	if _, err := os.Stat(first.CompletePath()); err != nil {
		t.Fatalf("expected first file on disk: %v", err)
	}

	second, err := model.NewDownloadItem("site", srv.URL+"/b", "", filepath.Join(dir, "out"), "second.bin")
	if err != nil {
		t.Fatal(err)
	}
	if res := engine.Download(t.Context(), second); res.Outcome != OutcomeDownloaded {
		t.Fatalf("second download outcome = %v, err = %v", res.Outcome, res.Err)
	}

	if _, err := os.Stat(second.CompletePath()); !os.IsNotExist(err) {
		t.Errorf("expected duplicate-content download to be skipped on disk, got err = %v", err)
	}
	if !hist.IsComplete("site", srv.URL+"/b") {
		t.Error("expected the deduped URL to still be marked complete in history")
	}
}

func TestDownload_SkipFilterAppliesBeforeNetwork(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(200)
	}))
	defer srv.Close()

	dir := t.TempDir()
	gov := ratelimit.New(1000, 1000, 10, 10, 0)
	client := httpclient.New(httpclient.Options{UserAgent: "ua", Governor: gov})
	hist, err := history.Open(filepath.Join(dir, "hist"))
	if err != nil {
		t.Fatal(err)
	}
	engine := New(Options{
		Client: client, Governor: gov, History: hist, Gate: runstate.New(),
		Skip: func(*model.DownloadItem) bool { return true },
	})

	item, err := model.NewDownloadItem("site", srv.URL, "", filepath.Join(dir, "out"), "file.bin")
	if err != nil {
		t.Fatal(err)
	}
	res := engine.Download(t.Context(), item)
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %v, want OutcomeSkipped", res.Outcome)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}
