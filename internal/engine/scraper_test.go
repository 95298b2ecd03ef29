package engine

import (
	"context"
	"testing"

	"github.com/harvestctl/harvestctl/internal/model"
)

type stubScraper struct {
	domain   string
	suffixes []string
}

func (s *stubScraper) Domain() string             { return s.domain }
func (s *stubScraper) FolderDomain() string        { return s.domain }
func (s *stubScraper) SupportedSuffixes() []string { return s.suffixes }
func (s *stubScraper) Fetch(context.Context, *ScrapeContext, *model.ScrapeItem) error { return nil }

func TestRegistry_RoutesLongestSuffixMatch(t *testing.T) {
	general := &stubScraper{domain: "general", suffixes: []string{"example.com"}}
	specific := &stubScraper{domain: "specific", suffixes: []string{"forum.example.com"}}
	reg := NewRegistry(general, specific)

	got, ok := reg.Route("forum.example.com")
	if !ok || got.Domain() != "specific" {
		t.Errorf("Route(forum.example.com) = %v, want specific", got)
	}

	got, ok = reg.Route("other.example.com")
	if !ok || got.Domain() != "general" {
		t.Errorf("Route(other.example.com) = %v, want general", got)
	}
}

func TestRegistry_NoMatch(t *testing.T) {
	reg := NewRegistry(&stubScraper{domain: "a", suffixes: []string{"a.example.com"}})
	if _, ok := reg.Route("unrelated.example.org"); ok {
		t.Error("expected no match")
	}
}
