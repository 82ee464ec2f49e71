package async

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is one queued upload. Content is buffered in memory; the HTTP layer has
// already read the multipart part by the time it enqueues.
type Job struct {
	UserID      uuid.UUID
	Content     []byte
	ContentType string
	Filename    string
	SubmittedAt time.Time
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}
