package storage

import (
	"context"
	"io"

	"github.com/receiptvault/ingest/internal/entity"
)

// UploadRequest wraps parameters for storing an original upload.
type UploadRequest struct {
	Ref         Ref
	Body        io.Reader
	ContentType string
	Filename    string
}

// UploadResult is the stored key plus a time-limited read URL the analysis
// service can fetch without holding storage credentials.
type UploadResult struct {
	Key          string
	PresignedURL string
}

// ObjectStore is the pipeline's view of durable object storage.
type ObjectStore interface {
	// Upload writes the original image under the deterministic key scheme,
	// server-side encrypted, and returns a presigned read URL.
	Upload(ctx context.Context, req UploadRequest) (UploadResult, error)

	// SaveSnapshot writes an intermediate JSON artifact (raw_response.json,
	// extracted_data.json) next to the original upload.
	SaveSnapshot(ctx context.Context, ref Ref, name string, payload []byte) error

	// Quarantine moves the object at originalKey into the failed-receipts
	// prefix, tagged with the failure reason, and returns the quarantine key.
	// Copy and delete are individually idempotent so the move is retry-safe.
	Quarantine(ctx context.Context, ref Ref, originalKey, reason string) (string, error)

	// SaveFailureRecord writes the structured audit record to the quarantine prefix.
	SaveFailureRecord(ctx context.Context, ref Ref, rec entity.FailureRecord) error

	// DeleteAll removes every object under the receipt's live prefix. Used
	// only for caller-cancelled uploads; failed ones are quarantined instead.
	DeleteAll(ctx context.Context, ref Ref) error
}
