// Package engine implements the Site-Scraper Interface (C8) and the
// Dispatcher/Scheduler (C9): input loading, filtering, routing, and the
// errgroup-bounded fan-out that drives scrapers and feeds the Download
// Engine. The fan-out style is grounded on mirror.go's worker errgroup
// (reuseOrDownload/recvResult), generalized from a fixed APT file list
// to an open-ended, regex-discovered URL stream.
package engine

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

// InputItem is one URL discovered by the input loader, tagged with its
// originating group (if any).
type InputItem struct {
	URL   string
	Group string
}

// urlPattern is the permissive extraction regex from spec.md §6:
// "https?://\S+" with common trailing punctuation stripped so pasted
// prose still yields clean URLs.
var urlPattern = regexp.MustCompile(`https?://\S+`)

var trailingPunct = ".,;:!?)]}\"'"

func stripTrailingPunct(s string) string {
	return strings.TrimRight(s, trailingPunct)
}

// ExtractURLs finds every http(s) URL embedded in free text.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if u := stripTrailingPunct(m); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// LoadInputFile parses the group/comment/block-quote syntax from
// spec.md §6 and returns every discovered URL tagged with its group.
func LoadInputFile(r io.Reader) ([]InputItem, error) {
	var items []InputItem
	group := ""
	blockQuote := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if line == "#" {
			blockQuote = !blockQuote
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if blockQuote {
			continue
		}
		if g, ok := parseGroupHeader(line); ok {
			group = g
			continue
		}

		for _, u := range ExtractURLs(line) {
			items = append(items, InputItem{URL: u, Group: group})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// parseGroupHeader recognizes "--- Title ---" or "=== Title ===" lines.
func parseGroupHeader(line string) (string, bool) {
	for _, marker := range []string{"---", "==="} {
		if strings.HasPrefix(line, marker) {
			title := strings.TrimSpace(line)
			title = strings.TrimPrefix(title, marker)
			title = strings.TrimSuffix(title, marker)
			return strings.TrimSpace(title), true
		}
	}
	return "", false
}
