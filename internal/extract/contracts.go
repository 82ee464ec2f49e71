package extract

import (
	"context"

	"github.com/receiptvault/ingest/internal/ocr"
)

// Location is the store-identity result from the secondary extraction source.
type Location struct {
	StoreName  string
	Address    string
	Phone      string
	PostalCode string
	Country    string
	Confidence float64
	Strategy   string
}

// LocationExtractor resolves store-identity fields from the field tree. It is
// authoritative for header/location text; the primary OCR source stays
// authoritative for totals, dates and items.
type LocationExtractor interface {
	ExtractLocation(ctx context.Context, fields map[string]*ocr.Field) (Location, error)
}
