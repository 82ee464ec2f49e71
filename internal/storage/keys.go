package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ref locates every object belonging to one ingestion. Keys are a pure
// function of (user, ingestion date, receipt id); no side index is needed.
type Ref struct {
	UserID    uuid.UUID
	ReceiptID uuid.UUID
	Date      time.Time
}

// ReceiptPrefix returns the live prefix for a receipt's assets:
// users/{userID}/receipts/{yyyy}/{mm}/{dd}/{receiptID}/
func ReceiptPrefix(ref Ref) string {
	return fmt.Sprintf("users/%s/receipts/%s/%s/", ref.UserID, datePath(ref.Date), ref.ReceiptID)
}

// QuarantinePrefix returns the failed-ingestion prefix for a receipt:
// users/{userID}/failed-receipts/{yyyy}/{mm}/{dd}/{receiptID}/
func QuarantinePrefix(ref Ref) string {
	return fmt.Sprintf("users/%s/failed-receipts/%s/%s/", ref.UserID, datePath(ref.Date), ref.ReceiptID)
}

// ObjectKey returns the full key for a named object under the live prefix.
func ObjectKey(ref Ref, filename string) string {
	return ReceiptPrefix(ref) + filename
}

// QuarantineKey returns the full key for a named object under the quarantine prefix.
func QuarantineKey(ref Ref, filename string) string {
	return QuarantinePrefix(ref) + filename
}

func datePath(t time.Time) string {
	return t.UTC().Format("2006/01/02")
}
