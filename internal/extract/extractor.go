// Package extract normalizes the analysis service's tagged field tree into
// the Receipt+Item aggregate.
package extract

import (
	"context"
	"log/slog"

	"github.com/receiptvault/ingest/internal/entity"
	"github.com/receiptvault/ingest/internal/ocr"
)

// Extractor walks the tagged field tree and fills a Receipt in place.
type Extractor struct {
	location    LocationExtractor
	locationMin float64
	logger      *slog.Logger
}

func NewExtractor(location LocationExtractor, locationMinConfidence float64, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		location:    location,
		locationMin: locationMinConfidence,
		logger:      logger,
	}
}

// Well-known keys, first match wins. Providers disagree on naming.
var (
	keysStoreName    = []string{"merchant_name", "store_name", "supplier_name", "vendor_name"}
	keysStoreAddress = []string{"merchant_address", "store_address", "supplier_address", "address"}
	keysStorePhone   = []string{"merchant_phone", "store_phone", "phone_number", "phone"}
	keysDate         = []string{"transaction_date", "date", "purchase_date", "tx_date"}
	keysTotal        = []string{"total", "total_amount", "grand_total"}
	keysSubtotal     = []string{"subtotal", "sub_total", "net_amount"}
	keysTax          = []string{"tax", "total_tax", "vat"}
	keysTip          = []string{"tip", "gratuity"}
	keysReceiptType  = []string{"receipt_type", "doc_type"}
	keysTxID         = []string{"transaction_id", "receipt_number", "invoice_number"}
	keysItems        = []string{"line_items", "items", "products"}
)

// Extract populates rec from the analysis data. Scalar coercion is
// permissive: unparsable values are treated as absent, never as errors.
func (e *Extractor) Extract(ctx context.Context, rec *entity.Receipt, data *ocr.AnalyzeData) {
	fields := data.Fields

	rec.OCRConfidence = data.Confidence

	if s, ok := firstField(fields, keysStoreName).AsString(); ok {
		rec.StoreName = s
	}
	if s, ok := firstField(fields, keysStoreAddress).AsString(); ok {
		rec.StoreAddress = s
	}
	if s, ok := firstField(fields, keysStorePhone).AsString(); ok {
		rec.StorePhone = s
	}
	if t, ok := firstField(fields, keysDate).AsDate(); ok {
		rec.PurchaseDate = &t
	}
	if n, ok := firstField(fields, keysTotal).AsFloat(); ok {
		rec.Total = &n
	}
	if n, ok := firstField(fields, keysSubtotal).AsFloat(); ok {
		rec.Subtotal = &n
	}
	if n, ok := firstField(fields, keysTax).AsFloat(); ok {
		rec.Tax = &n
	}
	if n, ok := firstField(fields, keysTip).AsFloat(); ok {
		rec.Tip = &n
	}
	if s, ok := firstField(fields, keysReceiptType).AsString(); ok {
		rec.ReceiptType = s
	} else if data.DocType != "" {
		rec.ReceiptType = data.DocType
	}
	if s, ok := firstField(fields, keysTxID).AsString(); ok {
		rec.TransactionID = s
	}

	rec.Items = e.extractItems(rec, fields)

	e.applyLocationOverride(ctx, rec, fields)
}

// applyLocationOverride lets the secondary source win for store-identity
// fields. A failing or low-confidence override never fails the pipeline; low
// confidence only flags the receipt for manual review.
func (e *Extractor) applyLocationOverride(ctx context.Context, rec *entity.Receipt, fields map[string]*ocr.Field) {
	if e.location == nil {
		return
	}
	loc, err := e.location.ExtractLocation(ctx, fields)
	if err != nil {
		e.logger.Warn("extract.location.failed", "receipt_id", rec.ID, "error", err)
		return
	}

	if loc.StoreName != "" {
		rec.StoreName = loc.StoreName
	}
	if loc.Address != "" {
		rec.StoreAddress = loc.Address
	}
	if loc.Phone != "" {
		rec.StorePhone = loc.Phone
	}
	if loc.PostalCode != "" {
		rec.PostalCode = loc.PostalCode
	}
	if loc.Country != "" {
		rec.Country = loc.Country
	}
	rec.LocationConfidence = loc.Confidence
	rec.ExtractionStrategy = loc.Strategy

	if loc.Confidence < e.locationMin {
		rec.RequiresManualReview = true
		e.logger.Info("extract.location.low_confidence",
			"receipt_id", rec.ID,
			"confidence", loc.Confidence,
			"threshold", e.locationMin,
		)
	}
}

func firstField(fields map[string]*ocr.Field, keys []string) *ocr.Field {
	for _, k := range keys {
		if f, ok := fields[k]; ok && f != nil {
			return f
		}
	}
	return nil
}
