// Package server exposes the ingestion pipeline as an application service.
package server

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/receiptvault/ingest/constants"
	"github.com/receiptvault/ingest/internal/async"
	"github.com/receiptvault/ingest/internal/common"
	"github.com/receiptvault/ingest/internal/entity"
	"github.com/receiptvault/ingest/internal/export"
	"github.com/receiptvault/ingest/internal/pipeline"
	"github.com/receiptvault/ingest/internal/repository"
)

// Service handles ingestion business logic.
type Service struct {
	proc     *pipeline.Processor
	queue    async.Queue
	repo     repository.ReceiptRepository
	exporter *export.Service
	logger   *slog.Logger
}

func NewService(proc *pipeline.Processor, queue async.Queue, repo repository.ReceiptRepository, exporter *export.Service, logger *slog.Logger) *Service {
	return &Service{
		proc:     proc,
		queue:    queue,
		repo:     repo,
		exporter: exporter,
		logger:   logger,
	}
}

// UploadRequest represents one upload from the API layer.
type UploadRequest struct {
	UserID      string
	Content     []byte
	ContentType string
	Filename    string
	Async       bool
}

// UploadResult is the API-facing ingestion outcome.
type UploadResult struct {
	ReceiptID    string `json:"receipt_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Deduplicated bool   `json:"deduplicated"`
	Queued       bool   `json:"queued"`
}

// Upload runs (or enqueues) the ingestion pipeline for one upload.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	userID, err := uuid.Parse(strings.TrimSpace(req.UserID))
	if err != nil {
		s.logger.Error("invalid user_id format for upload", "user_id", req.UserID, "error", err)
		return UploadResult{}, common.InvalidArgumentError("user_id must be a UUID")
	}
	if len(req.Content) == 0 {
		return UploadResult{}, common.InvalidArgumentError("file is required")
	}
	if !constants.AllowedExt(filepath.Ext(req.Filename)) {
		return UploadResult{}, common.InvalidArgumentErrorf("unsupported file type %q", filepath.Ext(req.Filename))
	}

	if req.Async {
		if err := s.queue.Enqueue(ctx, async.Job{
			UserID:      userID,
			Content:     req.Content,
			ContentType: req.ContentType,
			Filename:    req.Filename,
			SubmittedAt: time.Now(),
		}); err != nil {
			s.logger.Error("enqueue failed", "user_id", userID, "error", err)
			return UploadResult{}, common.InternalError("could not queue upload")
		}
		return UploadResult{Queued: true}, nil
	}

	s.logger.Info("starting upload ingest", "user_id", userID, "filename", req.Filename)
	res, err := s.proc.Process(ctx, pipeline.IngestRequest{
		UserID:      userID,
		Content:     bytes.NewReader(req.Content),
		ContentType: req.ContentType,
		Filename:    req.Filename,
	})
	if err != nil {
		return UploadResult{}, translatePipelineError(err)
	}

	s.logger.Info("upload ingest succeeded",
		"user_id", userID,
		"receipt_id", res.Receipt.ID,
		"deduplicated", res.Deduplicated,
	)
	return UploadResult{
		ReceiptID:    res.Receipt.ID.String(),
		Status:       string(res.Receipt.Status),
		Deduplicated: res.Deduplicated,
	}, nil
}

// GetReceipt returns one receipt with its items.
func (s *Service) GetReceipt(ctx context.Context, id string) (*entity.Receipt, error) {
	receiptID, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, common.InvalidArgumentError("receipt id must be a UUID")
	}
	rec, err := s.repo.GetByID(ctx, receiptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NotFoundError("receipt not found")
		}
		s.logger.Error("get receipt failed", "receipt_id", receiptID, "error", err)
		return nil, common.InternalError("could not load receipt")
	}
	return rec, nil
}

// ListReceipts returns a user's receipts, optionally bounded by purchase date.
func (s *Service) ListReceipts(ctx context.Context, userID, fromDate, toDate string) ([]*entity.Receipt, error) {
	uid, err := uuid.Parse(strings.TrimSpace(userID))
	if err != nil {
		return nil, common.InvalidArgumentError("user_id must be a UUID")
	}
	from, err := parseDate(fromDate)
	if err != nil {
		return nil, common.InvalidArgumentError("from_date must be YYYY-MM-DD")
	}
	to, err := parseDate(toDate)
	if err != nil {
		return nil, common.InvalidArgumentError("to_date must be YYYY-MM-DD")
	}
	recs, err := s.repo.List(ctx, uid, from, to)
	if err != nil {
		s.logger.Error("list receipts failed", "user_id", uid, "error", err)
		return nil, common.InternalError("could not list receipts")
	}
	return recs, nil
}

// ExportReceipts returns an XLSX workbook of the user's receipts.
func (s *Service) ExportReceipts(ctx context.Context, userID, fromDate, toDate string) ([]byte, error) {
	uid, err := uuid.Parse(strings.TrimSpace(userID))
	if err != nil {
		return nil, common.InvalidArgumentError("user_id must be a UUID")
	}
	from, err := parseDate(fromDate)
	if err != nil {
		return nil, common.InvalidArgumentError("from_date must be YYYY-MM-DD")
	}
	to, err := parseDate(toDate)
	if err != nil {
		return nil, common.InvalidArgumentError("to_date must be YYYY-MM-DD")
	}
	out, err := s.exporter.ExportReceiptsXLSX(ctx, uid, from, to)
	if err != nil {
		s.logger.Error("export failed", "user_id", uid, "error", err)
		return nil, common.InternalError("could not export receipts")
	}
	return out, nil
}

// translatePipelineError maps internal pipeline errors onto the boundary:
// user-safe messages only, diagnostic detail stays in logs and quarantine.
func translatePipelineError(err error) error {
	var inv *common.InvalidReceiptError
	var poor *common.PoorImageQualityError
	var missing *common.MissingRequiredFieldsError
	switch {
	case errors.As(err, &inv), errors.As(err, &poor), errors.As(err, &missing):
		return common.InvalidArgumentError(common.UserMessage(err))
	case errors.Is(err, common.ErrCancelled):
		return status.Error(codes.Canceled, common.UserMessage(err))
	default:
		return common.InternalError(common.UserMessage(err))
	}
}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
