package constants

// ReceiptStatus is the canonical validation status for rows in receipts.
type ReceiptStatus string

// Stable values (store these exact strings in DB). Transitions are
// forward-only: PENDING_VALIDATION -> VALIDATED | VALIDATION_FAILED.
const (
	StatusPendingValidation ReceiptStatus = "PENDING_VALIDATION"
	StatusValidated         ReceiptStatus = "VALIDATED"
	StatusValidationFailed  ReceiptStatus = "VALIDATION_FAILED"
)

// CanTransition reports whether moving from s to next is allowed.
func (s ReceiptStatus) CanTransition(next ReceiptStatus) bool {
	switch s {
	case StatusPendingValidation:
		return next == StatusValidated || next == StatusValidationFailed
	default:
		return false
	}
}
