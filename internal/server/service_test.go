package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/receiptvault/ingest/constants"
	"github.com/receiptvault/ingest/internal/async"
	"github.com/receiptvault/ingest/internal/common"
	"github.com/receiptvault/ingest/internal/entity"
)

type stubQueue struct {
	mu   sync.Mutex
	jobs []async.Job
	err  error
}

func (q *stubQueue) Enqueue(_ context.Context, job async.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) Shutdown(context.Context) {}

type stubRepo struct {
	receipts map[uuid.UUID]*entity.Receipt
	listErr  error
}

func newStubRepo() *stubRepo {
	return &stubRepo{receipts: make(map[uuid.UUID]*entity.Receipt)}
}

func (r *stubRepo) Create(_ context.Context, rec *entity.Receipt) (*entity.Receipt, bool, error) {
	r.receipts[rec.ID] = rec
	return rec, false, nil
}

func (r *stubRepo) GetByID(_ context.Context, id uuid.UUID) (*entity.Receipt, error) {
	if rec, ok := r.receipts[id]; ok {
		return rec, nil
	}
	return nil, pgx.ErrNoRows
}

func (r *stubRepo) GetByUserAndHash(context.Context, uuid.UUID, string) (*entity.Receipt, error) {
	return nil, nil
}

func (r *stubRepo) List(_ context.Context, userID uuid.UUID, _, _ *time.Time) ([]*entity.Receipt, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*entity.Receipt
	for _, rec := range r.receipts {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *stubRepo) UpdateStatus(context.Context, uuid.UUID, constants.ReceiptStatus) error {
	return nil
}

func (r *stubRepo) Delete(context.Context, uuid.UUID) error { return nil }

func newTestService(queue *stubQueue, repo *stubRepo) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(nil, queue, repo, nil, logger)
}

func assertCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	st, ok := status.FromError(err)
	require.True(t, ok, "expected a status error, got %v", err)
	assert.Equal(t, want, st.Code())
}

func TestUploadRejectsBadUserID(t *testing.T) {
	s := newTestService(&stubQueue{}, newStubRepo())

	_, err := s.Upload(context.Background(), UploadRequest{
		UserID:   "not-a-uuid",
		Content:  []byte("data"),
		Filename: "r.jpg",
	})
	assertCode(t, err, codes.InvalidArgument)
}

func TestUploadRejectsEmptyContent(t *testing.T) {
	s := newTestService(&stubQueue{}, newStubRepo())

	_, err := s.Upload(context.Background(), UploadRequest{
		UserID:   uuid.New().String(),
		Filename: "r.jpg",
	})
	assertCode(t, err, codes.InvalidArgument)
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	s := newTestService(&stubQueue{}, newStubRepo())

	for _, name := range []string{"r.exe", "r.txt", "r"} {
		_, err := s.Upload(context.Background(), UploadRequest{
			UserID:   uuid.New().String(),
			Content:  []byte("data"),
			Filename: name,
		})
		assertCode(t, err, codes.InvalidArgument)
	}
}

func TestUploadAsyncEnqueues(t *testing.T) {
	q := &stubQueue{}
	s := newTestService(q, newStubRepo())
	userID := uuid.New()

	res, err := s.Upload(context.Background(), UploadRequest{
		UserID:      userID.String(),
		Content:     []byte("data"),
		ContentType: "image/png",
		Filename:    "r.png",
		Async:       true,
	})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Empty(t, res.ReceiptID)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, userID, q.jobs[0].UserID)
	assert.Equal(t, "r.png", q.jobs[0].Filename)
}

func TestUploadAsyncEnqueueFailure(t *testing.T) {
	q := &stubQueue{err: errors.New("queue closed")}
	s := newTestService(q, newStubRepo())

	_, err := s.Upload(context.Background(), UploadRequest{
		UserID:   uuid.New().String(),
		Content:  []byte("data"),
		Filename: "r.png",
		Async:    true,
	})
	assertCode(t, err, codes.Internal)
}

func TestGetReceipt(t *testing.T) {
	repo := newStubRepo()
	rec := &entity.Receipt{ID: uuid.New(), UserID: uuid.New(), Status: constants.StatusValidated}
	repo.receipts[rec.ID] = rec
	s := newTestService(&stubQueue{}, repo)

	got, err := s.GetReceipt(context.Background(), rec.ID.String())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = s.GetReceipt(context.Background(), uuid.New().String())
	assertCode(t, err, codes.NotFound)

	_, err = s.GetReceipt(context.Background(), "garbage")
	assertCode(t, err, codes.InvalidArgument)
}

func TestListReceiptsDateValidation(t *testing.T) {
	s := newTestService(&stubQueue{}, newStubRepo())
	userID := uuid.New().String()

	_, err := s.ListReceipts(context.Background(), userID, "03/07/2026", "")
	assertCode(t, err, codes.InvalidArgument)

	_, err = s.ListReceipts(context.Background(), userID, "", "not-a-date")
	assertCode(t, err, codes.InvalidArgument)

	recs, err := s.ListReceipts(context.Background(), userID, "2026-01-01", "2026-12-31")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestTranslatePipelineError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"invalid receipt", &common.InvalidReceiptError{ReceiptID: uuid.New(), Message: "not a receipt"}, codes.InvalidArgument},
		{"poor quality", &common.PoorImageQualityError{ReceiptID: uuid.New(), Confidence: 0.2, Threshold: 0.5}, codes.InvalidArgument},
		{"cancelled", common.ErrCancelled, codes.Canceled},
		{"ocr failure", &common.OCRProcessingError{ReceiptID: uuid.New(), Cause: errors.New("status 502")}, codes.Internal},
		{"unknown", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translatePipelineError(tt.err)
			assertCode(t, err, tt.code)

			// Raw internal detail stays out of the user-facing message.
			st, _ := status.FromError(err)
			assert.NotContains(t, st.Message(), "502")
			assert.NotContains(t, st.Message(), "boom")
		})
	}
}
