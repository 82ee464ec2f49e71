// Package pipeline sequences the ingestion steps: hash, dedup, upload,
// analysis, validation, snapshots, extraction and persistence, with
// compensation on failure.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/receiptvault/ingest/constants"
	"github.com/receiptvault/ingest/internal/common"
	"github.com/receiptvault/ingest/internal/entity"
	"github.com/receiptvault/ingest/internal/extract"
	"github.com/receiptvault/ingest/internal/hashguard"
	"github.com/receiptvault/ingest/internal/ocr"
	"github.com/receiptvault/ingest/internal/repository"
	"github.com/receiptvault/ingest/internal/storage"
	"github.com/receiptvault/ingest/internal/validation"
)

// Analyzer is the processor's view of the OCR client.
type Analyzer interface {
	Analyze(ctx context.Context, imageURL string) (*ocr.AnalyzeResponse, []byte, error)
}

// IngestRequest carries one upload through the pipeline. Size and format
// validation happen upstream; the pipeline trusts its inputs.
type IngestRequest struct {
	UserID      uuid.UUID
	Content     io.ReadSeeker
	ContentType string
	Filename    string
}

// IngestResult is the pipeline outcome for a successful or deduplicated run.
type IngestResult struct {
	Receipt      *entity.Receipt
	Deduplicated bool
}

// Processor owns the nine-step ingestion pipeline and its compensation.
type Processor struct {
	repo      repository.ReceiptRepository
	store     storage.ObjectStore
	analyzer  Analyzer
	extractor *extract.Extractor
	provider  string
	minConf   float64
	logger    *slog.Logger
}

func NewProcessor(
	repo repository.ReceiptRepository,
	store storage.ObjectStore,
	analyzer Analyzer,
	extractor *extract.Extractor,
	provider string,
	minConfidence float64,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		repo:      repo,
		store:     store,
		analyzer:  analyzer,
		extractor: extractor,
		provider:  provider,
		minConf:   minConfidence,
		logger:    logger,
	}
}

// run holds the mutable state threaded through one pipeline invocation.
type run struct {
	req         IngestRequest
	receipt     *entity.Receipt
	ref         storage.Ref
	uploadedKey string
	imageURL    string
	analysis    *ocr.AnalyzeResponse
	rawBody     []byte
	result      *IngestResult
}

// step is one named pipeline stage. Stages from the analysis call onward are
// compensable: their failure quarantines the uploaded object.
type step struct {
	name        string
	compensable bool
	fn          func(ctx context.Context, st *run) error
}

func (p *Processor) steps() []step {
	return []step{
		{name: "hash", fn: p.stepHash},
		{name: "dedup_lookup", fn: p.stepDedupLookup},
		{name: "upload", fn: p.stepUpload},
		{name: "analyze", compensable: true, fn: p.stepAnalyze},
		{name: "validate", compensable: true, fn: p.stepValidate},
		{name: "snapshot_raw", compensable: true, fn: p.stepSnapshotRaw},
		{name: "extract_fields", compensable: true, fn: p.stepExtract},
		{name: "snapshot_extracted", compensable: true, fn: p.stepSnapshotExtracted},
		{name: "persist", compensable: true, fn: p.stepPersist},
	}
}

// Process runs one upload through the pipeline. Duplicate content
// short-circuits to the existing receipt without error. Terminal failures
// from the analysis call onward quarantine the uploaded object and write a
// FailureRecord before the typed error is returned. Caller cancellation
// triggers best-effort deletion of the upload instead of quarantine.
func (p *Processor) Process(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	st := &run{
		req: req,
		receipt: &entity.Receipt{
			ID:          uuid.New(),
			UserID:      req.UserID,
			OCRProvider: p.provider,
			Status:      constants.StatusPendingValidation,
			CreatedAt:   time.Now().UTC(),
		},
	}
	st.ref = storage.Ref{UserID: req.UserID, ReceiptID: st.receipt.ID, Date: st.receipt.CreatedAt}

	for _, s := range p.steps() {
		if err := ctx.Err(); err != nil {
			return nil, p.cancelled(st, err)
		}
		err := s.fn(ctx, st)
		if err == nil {
			if st.result != nil {
				// dedup short-circuit, nothing written yet
				return st.result, nil
			}
			continue
		}
		if ctx.Err() != nil {
			return nil, p.cancelled(st, err)
		}
		p.logger.Error("pipeline.step_failed",
			"step", s.name, "receipt_id", st.receipt.ID, "error", err)
		if s.compensable {
			p.compensate(ctx, st, err)
		}
		return nil, err
	}

	p.logger.Info("pipeline.completed",
		"receipt_id", st.receipt.ID,
		"user_id", st.receipt.UserID,
		"items", len(st.receipt.Items),
		"status", st.receipt.Status,
	)
	return &IngestResult{Receipt: st.receipt}, nil
}

func (p *Processor) stepHash(_ context.Context, st *run) error {
	hash, err := hashguard.Hash(st.req.Content)
	if err != nil {
		return common.WrapError(err, "hash upload")
	}
	st.receipt.ContentHash = hash
	return nil
}

func (p *Processor) stepDedupLookup(ctx context.Context, st *run) error {
	existing, err := p.repo.GetByUserAndHash(ctx, st.req.UserID, st.receipt.ContentHash)
	if err != nil {
		return common.WrapError(err, "dedup lookup")
	}
	if existing != nil {
		p.logger.Info("pipeline.duplicate",
			"user_id", st.req.UserID,
			"existing_id", existing.ID,
			"content_hash", st.receipt.ContentHash,
		)
		st.result = &IngestResult{Receipt: existing, Deduplicated: true}
	}
	return nil
}

func (p *Processor) stepUpload(ctx context.Context, st *run) error {
	res, err := p.store.Upload(ctx, storage.UploadRequest{
		Ref:         st.ref,
		Body:        st.req.Content,
		ContentType: st.req.ContentType,
		Filename:    st.req.Filename,
	})
	if err != nil {
		return common.WrapError(err, "upload original")
	}
	st.uploadedKey = res.Key
	st.imageURL = res.PresignedURL
	return nil
}

func (p *Processor) stepAnalyze(ctx context.Context, st *run) error {
	resp, raw, err := p.analyzer.Analyze(ctx, st.imageURL)
	st.rawBody = raw
	if err != nil {
		return &common.OCRProcessingError{
			ReceiptID: st.receipt.ID,
			RawBody:   raw,
			Cause:     err,
		}
	}
	if resp.Data == nil {
		return &common.OCRProcessingError{
			ReceiptID: st.receipt.ID,
			RawBody:   raw,
			Cause:     fmt.Errorf("analysis response missing data"),
		}
	}
	st.analysis = resp
	return nil
}

func (p *Processor) stepValidate(_ context.Context, st *run) error {
	if st.analysis.Validation == nil {
		// Provider gave no verdict; accept and rely on extraction confidence.
		p.logger.Warn("pipeline.validate.no_verdict", "receipt_id", st.receipt.ID)
		st.receipt.Status = constants.StatusValidated
		return nil
	}
	if err := validation.Decide(st.receipt.ID, *st.analysis.Validation, p.minConf); err != nil {
		st.receipt.Status = constants.StatusValidationFailed
		return err
	}
	st.receipt.Status = constants.StatusValidated
	return nil
}

func (p *Processor) stepSnapshotRaw(ctx context.Context, st *run) error {
	if err := p.store.SaveSnapshot(ctx, st.ref, constants.RawSnapshotName, st.rawBody); err != nil {
		return common.WrapError(err, "persist raw snapshot")
	}
	return nil
}

func (p *Processor) stepExtract(ctx context.Context, st *run) error {
	p.extractor.Extract(ctx, st.receipt, st.analysis.Data)
	return nil
}

func (p *Processor) stepSnapshotExtracted(ctx context.Context, st *run) error {
	payload, err := json.Marshal(st.receipt)
	if err != nil {
		return common.WrapError(err, "encode extracted snapshot")
	}
	if err := p.store.SaveSnapshot(ctx, st.ref, constants.ExtractedSnapshotName, payload); err != nil {
		return common.WrapError(err, "persist extracted snapshot")
	}
	return nil
}

func (p *Processor) stepPersist(ctx context.Context, st *run) error {
	now := time.Now().UTC()
	st.receipt.ProcessedAt = &now

	persisted, deduplicated, err := p.repo.Create(ctx, st.receipt)
	if err != nil {
		return common.WrapError(err, "persist receipt")
	}
	if deduplicated {
		// A concurrent upload of the same bytes won the insert; ours becomes
		// the duplicate and its assets are no longer needed.
		p.logger.Info("pipeline.duplicate_on_insert",
			"user_id", st.receipt.UserID, "existing_id", persisted.ID)
		p.deleteUploaded(ctx, st)
		st.result = &IngestResult{Receipt: persisted, Deduplicated: true}
		return nil
	}
	st.receipt = persisted
	return nil
}

// compensate quarantines the uploaded object and writes the audit record.
// Runs on a detached context so a pipeline timeout cannot abort cleanup.
func (p *Processor) compensate(ctx context.Context, st *run, cause error) {
	if st.uploadedKey == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	reason := failureReason(cause)
	quarantineKey, err := p.store.Quarantine(cctx, st.ref, st.uploadedKey, reason)
	if err != nil {
		p.logger.Error("pipeline.quarantine.failed",
			"receipt_id", st.receipt.ID, "key", st.uploadedKey, "error", err)
		return
	}

	rec := entity.FailureRecord{
		ReceiptID:    st.receipt.ID,
		UserID:       st.receipt.UserID,
		Reason:       reason,
		RawResponse:  string(st.rawBody),
		ErrorSummary: cause.Error(),
		FailedAt:     time.Now().UTC(),
	}
	if err := p.store.SaveFailureRecord(cctx, st.ref, rec); err != nil {
		p.logger.Error("pipeline.failure_record.failed",
			"receipt_id", st.receipt.ID, "error", err)
		return
	}

	p.logger.Info("pipeline.quarantine.ok",
		"receipt_id", st.receipt.ID,
		"quarantine_key", quarantineKey,
		"reason", reason,
	)
}

// cancelled handles a caller-initiated abort: the upload is removed entirely
// rather than quarantined, since the operation was voluntarily abandoned.
func (p *Processor) cancelled(st *run, cause error) error {
	p.logger.Info("pipeline.cancelled", "receipt_id", st.receipt.ID, "cause", cause)
	p.deleteUploaded(context.Background(), st)
	return fmt.Errorf("%w: %v", common.ErrCancelled, cause)
}

func (p *Processor) deleteUploaded(ctx context.Context, st *run) {
	if st.uploadedKey == "" {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.store.DeleteAll(dctx, st.ref); err != nil {
		p.logger.Warn("pipeline.cleanup.delete_failed",
			"receipt_id", st.receipt.ID, "error", err)
	}
}

func failureReason(err error) string {
	switch e := err.(type) {
	case *common.InvalidReceiptError:
		return "Invalid receipt: " + e.Message
	case *common.PoorImageQualityError:
		return fmt.Sprintf("Poor image quality: confidence %.2f below %.2f", e.Confidence, e.Threshold)
	case *common.OCRProcessingError:
		return "OCR processing failed: " + e.Cause.Error()
	case *common.MissingRequiredFieldsError:
		return fmt.Sprintf("Missing required fields: %v", e.Fields)
	default:
		return "Ingestion failed: " + err.Error()
	}
}
