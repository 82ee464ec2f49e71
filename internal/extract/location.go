package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/receiptvault/ingest/internal/ocr"
)

var (
	rePostal = regexp.MustCompile(`\b\d{5}(-\d{4})?\b|\b[A-Z]\d[A-Z] ?\d[A-Z]\d\b`)
	rePhone  = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
)

// HeuristicLocator is the default secondary source for store-identity fields.
// It re-reads the field tree with location-specific keys and pattern matching
// over the address text, scoring confidence by how much it could resolve.
type HeuristicLocator struct{}

func NewHeuristicLocator() *HeuristicLocator { return &HeuristicLocator{} }

func (h *HeuristicLocator) ExtractLocation(_ context.Context, fields map[string]*ocr.Field) (Location, error) {
	loc := Location{Strategy: "heuristic"}

	if s, ok := firstField(fields, keysStoreName).AsString(); ok {
		loc.StoreName = s
	}
	if s, ok := firstField(fields, keysStoreAddress).AsString(); ok {
		loc.Address = s
	}
	if s, ok := firstField(fields, keysStorePhone).AsString(); ok {
		loc.Phone = s
	} else if m := rePhone.FindString(loc.Address); m != "" {
		loc.Phone = strings.TrimSpace(m)
	}

	if s, ok := firstField(fields, []string{"postal_code", "zip_code", "zip"}).AsString(); ok {
		loc.PostalCode = s
	} else if m := rePostal.FindString(loc.Address); m != "" {
		loc.PostalCode = m
	}
	if s, ok := firstField(fields, []string{"country", "country_code"}).AsString(); ok {
		loc.Country = s
	}

	// Each resolved identity field adds to the score.
	score := 0.0
	for _, got := range []bool{loc.StoreName != "", loc.Address != "", loc.Phone != "", loc.PostalCode != "", loc.Country != ""} {
		if got {
			score += 0.2
		}
	}
	loc.Confidence = score
	return loc, nil
}
