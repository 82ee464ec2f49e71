package entity

import (
	"time"

	"github.com/google/uuid"
)

// FailureRecord is the forensic audit record written to the quarantine prefix
// on every terminal ingestion failure.
type FailureRecord struct {
	ReceiptID    uuid.UUID `json:"receipt_id"`
	UserID       uuid.UUID `json:"user_id"`
	Reason       string    `json:"reason"`
	RawResponse  string    `json:"raw_response,omitempty"`
	ErrorSummary string    `json:"error_summary,omitempty"`
	FailedAt     time.Time `json:"failed_at"`
}
