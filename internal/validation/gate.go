// Package validation decides whether an analyzed upload may be persisted.
package validation

import (
	"github.com/google/uuid"

	"github.com/receiptvault/ingest/internal/common"
	"github.com/receiptvault/ingest/internal/ocr"
)

// Decide is a pure function over the analysis verdict:
//
//	is_valid_receipt=false            -> InvalidReceiptError, regardless of confidence
//	confidence < minConfidence        -> PoorImageQualityError
//	otherwise                         -> nil (persist as VALIDATED)
func Decide(receiptID uuid.UUID, verdict ocr.Validation, minConfidence float64) error {
	if !verdict.IsValidReceipt {
		msg := verdict.Message
		if msg == "" {
			msg = "document is not a receipt"
		}
		return &common.InvalidReceiptError{
			ReceiptID:  receiptID,
			Confidence: verdict.Confidence,
			Message:    msg,
		}
	}
	if verdict.Confidence < minConfidence {
		return &common.PoorImageQualityError{
			ReceiptID:  receiptID,
			Confidence: verdict.Confidence,
			Threshold:  minConfidence,
		}
	}
	return nil
}
