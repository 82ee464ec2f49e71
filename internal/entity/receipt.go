package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/receiptvault/ingest/constants"
)

// Receipt represents a fully ingested receipt for data transfer between layers.
type Receipt struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	ContentHash string    `json:"content_hash"`

	// Store identity, possibly overridden by the location extractor.
	StoreName    string `json:"store_name"`
	StoreAddress string `json:"store_address,omitempty"`
	StorePhone   string `json:"store_phone,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`

	Total    *float64 `json:"total,omitempty"`
	Subtotal *float64 `json:"subtotal,omitempty"`
	Tax      *float64 `json:"tax,omitempty"`
	Tip      *float64 `json:"tip,omitempty"`

	PurchaseDate *time.Time `json:"purchase_date,omitempty"`
	Items        []Item     `json:"items"`

	ReceiptType   string `json:"receipt_type,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`

	// Provenance
	OCRProvider        string  `json:"ocr_provider"`
	OCRConfidence      float64 `json:"ocr_confidence"`
	ExtractionStrategy string  `json:"extraction_strategy,omitempty"`
	LocationConfidence float64 `json:"location_confidence,omitempty"`

	Status               constants.ReceiptStatus `json:"status"`
	RequiresManualReview bool                    `json:"requires_manual_review"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Item is a single line item, owned exclusively by its Receipt.
type Item struct {
	ID        uuid.UUID `json:"id"`
	ReceiptID uuid.UUID `json:"receipt_id"`
	Name      string    `json:"name"`
	Quantity  float64   `json:"quantity"`
	Price     *float64  `json:"price,omitempty"`
}
