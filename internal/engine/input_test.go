package engine

import (
	"strings"
	"testing"
)

func TestExtractURLs_StripsTrailingPunctuation(t *testing.T) {
	text := "check this out (https://example.com/a/b), and also https://example.com/c."
	got := ExtractURLs(text)
	want := []string{"https://example.com/a/b", "https://example.com/c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadInputFile_GroupsCommentsAndBlockQuote(t *testing.T) {
	input := `# optional comment
--- Group Name ---
https://host.example/album/123
https://host.example/album/456
=== Another Group ===
https://other.example/x
#
https://this.line.is.ignored
#
https://host.example/album/789
`
	items, err := LoadInputFile(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"https://host.example/album/123": "Group Name",
		"https://host.example/album/456": "Group Name",
		"https://other.example/x":        "Another Group",
		"https://host.example/album/789": "Another Group",
	}
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d: %+v", len(items), len(want), items)
	}
	for _, it := range items {
		if want[it.URL] != it.Group {
			t.Errorf("item %q: group = %q, want %q", it.URL, it.Group, want[it.URL])
		}
	}
}

func TestHasMediaExtension(t *testing.T) {
	cases := map[string]bool{
		"https://example.com/a/b.jpg":       true,
		"https://example.com/a/b.jpg?x=1":   true,
		"https://example.com/a/b":           false,
		"https://example.com/a/b.html":      false,
		"https://example.com/file.zip#frag": true,
	}
	for u, want := range cases {
		if got := HasMediaExtension(u); got != want {
			t.Errorf("HasMediaExtension(%q) = %v, want %v", u, got, want)
		}
	}
}
