package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/receiptvault/ingest/constants"
	"github.com/receiptvault/ingest/internal/common"
	"github.com/receiptvault/ingest/internal/entity"
	"github.com/receiptvault/ingest/internal/extract"
	"github.com/receiptvault/ingest/internal/hashguard"
	"github.com/receiptvault/ingest/internal/ocr"
	"github.com/receiptvault/ingest/internal/storage"
)

// fakeRepo keys receipts by (user, content hash), like the real unique index.
type fakeRepo struct {
	mu        sync.Mutex
	byHash    map[string]*entity.Receipt
	byID      map[uuid.UUID]*entity.Receipt
	creates   int
	createErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byHash: make(map[string]*entity.Receipt),
		byID:   make(map[uuid.UUID]*entity.Receipt),
	}
}

func hashKey(userID uuid.UUID, hash string) string { return userID.String() + "/" + hash }

func (r *fakeRepo) Create(_ context.Context, rec *entity.Receipt) (*entity.Receipt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if r.createErr != nil {
		return nil, false, r.createErr
	}
	if existing, ok := r.byHash[hashKey(rec.UserID, rec.ContentHash)]; ok {
		return existing, true, nil
	}
	r.byHash[hashKey(rec.UserID, rec.ContentHash)] = rec
	r.byID[rec.ID] = rec
	return rec, false, nil
}

func (r *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*entity.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		return rec, nil
	}
	return nil, errors.New("not found")
}

func (r *fakeRepo) GetByUserAndHash(_ context.Context, userID uuid.UUID, contentHash string) (*entity.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byHash[hashKey(userID, contentHash)], nil
}

func (r *fakeRepo) List(context.Context, uuid.UUID, *time.Time, *time.Time) ([]*entity.Receipt, error) {
	return nil, nil
}

func (r *fakeRepo) UpdateStatus(context.Context, uuid.UUID, constants.ReceiptStatus) error {
	return nil
}

func (r *fakeRepo) Delete(context.Context, uuid.UUID) error { return nil }

// fakeStore records objects by key and mimics the quarantine move.
type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	tags      map[string]string
	uploads   int
	uploadErr error
	quarErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte), tags: make(map[string]string)}
}

func (s *fakeStore) Upload(_ context.Context, req storage.UploadRequest) (storage.UploadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads++
	if s.uploadErr != nil {
		return storage.UploadResult{}, s.uploadErr
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return storage.UploadResult{}, err
	}
	key := storage.ObjectKey(req.Ref, req.Filename)
	s.objects[key] = body
	return storage.UploadResult{Key: key, PresignedURL: "https://presigned.example/" + key}, nil
}

func (s *fakeStore) SaveSnapshot(_ context.Context, ref storage.Ref, name string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[storage.ObjectKey(ref, name)] = payload
	return nil
}

func (s *fakeStore) Quarantine(_ context.Context, ref storage.Ref, originalKey, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quarErr != nil {
		return "", s.quarErr
	}
	body, ok := s.objects[originalKey]
	if !ok {
		return "", fmt.Errorf("no object at %s", originalKey)
	}
	qk := storage.QuarantineKey(ref, originalKey[strings.LastIndex(originalKey, "/")+1:])
	s.objects[qk] = body
	s.tags[qk] = reason
	delete(s.objects, originalKey)
	return qk, nil
}

func (s *fakeStore) SaveFailureRecord(_ context.Context, ref storage.Ref, rec entity.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[storage.QuarantineKey(ref, constants.FailureRecordName)] = []byte(rec.Reason)
	return nil
}

func (s *fakeStore) DeleteAll(_ context.Context, ref storage.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := storage.ReceiptPrefix(ref)
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			delete(s.objects, k)
		}
	}
	return nil
}

func (s *fakeStore) liveKeys(ref storage.Ref) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, storage.ReceiptPrefix(ref)) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *fakeStore) quarantineKeys(ref storage.Ref) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, storage.QuarantinePrefix(ref)) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *fakeStore) reasonContaining(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tags {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

// fakeAnalyzer returns a canned response and counts calls. onCall, when set,
// runs before each response; tests use it to cancel mid-pipeline.
type fakeAnalyzer struct {
	mu     sync.Mutex
	resp   *ocr.AnalyzeResponse
	raw    []byte
	err    error
	calls  int
	onCall func()
}

func (a *fakeAnalyzer) Analyze(context.Context, string) (*ocr.AnalyzeResponse, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.onCall != nil {
		a.onCall()
	}
	if a.err != nil {
		return nil, a.raw, a.err
	}
	return a.resp, a.raw, nil
}

func validAnalysis() *ocr.AnalyzeResponse {
	return &ocr.AnalyzeResponse{
		Success: true,
		Data: &ocr.AnalyzeData{
			DocType:    "receipt",
			Confidence: 0.92,
			Fields: map[string]*ocr.Field{
				"merchant_name":    {Value: "Corner Deli", ValueType: "string"},
				"transaction_date": {Value: "2026-03-07", ValueType: "date"},
				"total":            {Value: "18.20", ValueType: "currency"},
				"line_items": {ValueType: "array", ValueArray: []*ocr.Field{
					{ValueType: "object", ValueObject: map[string]*ocr.Field{
						"description":  {Value: "Sandwich", ValueType: "string"},
						"total_amount": {Value: 9.50, ValueType: "number"},
					}},
					{ValueType: "object", ValueObject: map[string]*ocr.Field{
						"description":  {Value: "Coffee", ValueType: "string"},
						"quantity":     {Value: 2.0, ValueType: "number"},
						"total_amount": {Value: 8.70, ValueType: "number"},
					}},
				}},
			},
		},
		Validation: &ocr.Validation{IsValidReceipt: true, Confidence: 0.92, DocType: "receipt"},
	}
}

type env struct {
	repo     *fakeRepo
	store    *fakeStore
	analyzer *fakeAnalyzer
	proc     *Processor
}

func newEnv() *env {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := newFakeRepo()
	store := newFakeStore()
	analyzer := &fakeAnalyzer{resp: validAnalysis(), raw: []byte(`{"success":true}`)}
	extractor := extract.NewExtractor(extract.NewHeuristicLocator(), 0.5, logger)
	return &env{
		repo:     repo,
		store:    store,
		analyzer: analyzer,
		proc:     NewProcessor(repo, store, analyzer, extractor, "analysis-api", 0.5, logger),
	}
}

func request(userID uuid.UUID, content string) IngestRequest {
	return IngestRequest{
		UserID:      userID,
		Content:     bytes.NewReader([]byte(content)),
		ContentType: "image/jpeg",
		Filename:    "receipt.jpg",
	}
}

func mustHash(t *testing.T, content string) string {
	t.Helper()
	h, err := hashguard.Hash(bytes.NewReader([]byte(content)))
	require.NoError(t, err)
	return h
}

func TestProcessSuccess(t *testing.T) {
	e := newEnv()
	userID := uuid.New()

	res, err := e.proc.Process(context.Background(), request(userID, "image-bytes"))
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.False(t, res.Deduplicated)

	rec := res.Receipt
	assert.Equal(t, constants.StatusValidated, rec.Status)
	assert.Equal(t, userID, rec.UserID)
	assert.Equal(t, mustHash(t, "image-bytes"), rec.ContentHash)
	assert.Equal(t, "analysis-api", rec.OCRProvider)
	assert.Equal(t, 0.92, rec.OCRConfidence)
	assert.Equal(t, "Corner Deli", rec.StoreName)
	require.NotNil(t, rec.Total)
	assert.Equal(t, 18.20, *rec.Total)
	require.Len(t, rec.Items, 2)
	require.NotNil(t, rec.ProcessedAt)

	// Original plus both snapshots live under the receipt prefix.
	ref := storage.Ref{UserID: userID, ReceiptID: rec.ID, Date: rec.CreatedAt}
	keys := e.store.liveKeys(ref)
	assert.Len(t, keys, 3)
	assert.Contains(t, keys, storage.ObjectKey(ref, "receipt.jpg"))
	assert.Contains(t, keys, storage.ObjectKey(ref, constants.RawSnapshotName))
	assert.Contains(t, keys, storage.ObjectKey(ref, constants.ExtractedSnapshotName))
}

func TestProcessDuplicateShortCircuits(t *testing.T) {
	e := newEnv()
	userID := uuid.New()

	first, err := e.proc.Process(context.Background(), request(userID, "same-bytes"))
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	second, err := e.proc.Process(context.Background(), request(userID, "same-bytes"))
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Receipt.ID, second.Receipt.ID)

	// The duplicate run never touched storage or the analysis service again.
	assert.Equal(t, 1, e.store.uploads)
	assert.Equal(t, 1, e.analyzer.calls)
	assert.Equal(t, 1, e.repo.creates)
}

func TestProcessSameContentDifferentUsers(t *testing.T) {
	e := newEnv()

	a, err := e.proc.Process(context.Background(), request(uuid.New(), "shared-bytes"))
	require.NoError(t, err)
	b, err := e.proc.Process(context.Background(), request(uuid.New(), "shared-bytes"))
	require.NoError(t, err)

	assert.False(t, b.Deduplicated)
	assert.NotEqual(t, a.Receipt.ID, b.Receipt.ID)
	assert.Equal(t, a.Receipt.ContentHash, b.Receipt.ContentHash)
}

func TestProcessInvalidReceiptQuarantines(t *testing.T) {
	e := newEnv()
	e.analyzer.resp.Validation = &ocr.Validation{
		IsValidReceipt: false,
		Confidence:     0.9,
		Message:        "image shows a menu",
	}
	userID := uuid.New()

	res, err := e.proc.Process(context.Background(), request(userID, "menu-bytes"))
	require.Error(t, err)
	assert.Nil(t, res)

	var inv *common.InvalidReceiptError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "image shows a menu", inv.Message)

	ref := storage.Ref{UserID: userID, ReceiptID: inv.ReceiptID, Date: time.Now().UTC()}

	// The original is gone from the live prefix and sits in quarantine with a
	// human-readable reason tag plus the audit record.
	assert.Empty(t, e.store.liveKeys(ref))
	qkeys := e.store.quarantineKeys(ref)
	assert.Contains(t, qkeys, storage.QuarantineKey(ref, "receipt.jpg"))
	assert.Contains(t, qkeys, storage.QuarantineKey(ref, constants.FailureRecordName))
	reason := e.store.tags[storage.QuarantineKey(ref, "receipt.jpg")]
	assert.Contains(t, reason, "Invalid receipt")
	assert.Contains(t, reason, "image shows a menu")

	// Nothing was persisted.
	assert.Equal(t, 0, e.repo.creates)
}

func TestProcessPoorQualityQuarantines(t *testing.T) {
	e := newEnv()
	e.analyzer.resp.Validation = &ocr.Validation{IsValidReceipt: true, Confidence: 0.3}

	_, err := e.proc.Process(context.Background(), request(uuid.New(), "blurry-bytes"))
	require.Error(t, err)

	var poor *common.PoorImageQualityError
	require.ErrorAs(t, err, &poor)
	assert.Equal(t, 0.3, poor.Confidence)
	assert.Equal(t, 0.5, poor.Threshold)
	assert.True(t, e.store.reasonContaining("Poor image quality"))
	assert.Equal(t, 0, e.repo.creates)
}

func TestProcessAnalysisFailureQuarantines(t *testing.T) {
	e := newEnv()
	e.analyzer.err = errors.New("upstream error: status 502")
	e.analyzer.raw = []byte("bad gateway")
	userID := uuid.New()

	_, err := e.proc.Process(context.Background(), request(userID, "img"))
	require.Error(t, err)

	var ocrErr *common.OCRProcessingError
	require.ErrorAs(t, err, &ocrErr)

	ref := storage.Ref{UserID: userID, ReceiptID: ocrErr.ReceiptID, Date: time.Now().UTC()}
	assert.Empty(t, e.store.liveKeys(ref))
	require.NotEmpty(t, e.store.quarantineKeys(ref))
	assert.True(t, e.store.reasonContaining("OCR processing failed"))
	assert.Equal(t, 0, e.repo.creates)
}

func TestProcessUploadFailureNoCompensation(t *testing.T) {
	e := newEnv()
	e.store.uploadErr = errors.New("storage unavailable")

	_, err := e.proc.Process(context.Background(), request(uuid.New(), "img"))
	require.Error(t, err)

	// Nothing uploaded, so nothing to quarantine; analysis never ran.
	assert.Equal(t, 0, e.analyzer.calls)
	assert.Empty(t, e.store.tags)
}

func TestProcessMissingVerdictAccepted(t *testing.T) {
	e := newEnv()
	e.analyzer.resp.Validation = nil

	res, err := e.proc.Process(context.Background(), request(uuid.New(), "img"))
	require.NoError(t, err)
	assert.Equal(t, constants.StatusValidated, res.Receipt.Status)
}

func TestProcessConcurrentInsertDedup(t *testing.T) {
	e := newEnv()
	userID := uuid.New()
	content := "raced-bytes"
	h := mustHash(t, content)

	// A concurrent upload of the same bytes already won the insert.
	winner := &entity.Receipt{ID: uuid.New(), UserID: userID, ContentHash: h, Status: constants.StatusValidated}
	e.repo.byHash[hashKey(userID, h)] = winner
	e.repo.byID[winner.ID] = winner

	// Drive the persist step directly, as if the lookup had raced past the winner.
	st := &run{
		req:     request(userID, content),
		receipt: &entity.Receipt{ID: uuid.New(), UserID: userID, ContentHash: h, CreatedAt: time.Now().UTC()},
	}
	st.ref = storage.Ref{UserID: userID, ReceiptID: st.receipt.ID, Date: st.receipt.CreatedAt}
	st.uploadedKey = storage.ObjectKey(st.ref, "receipt.jpg")
	e.store.objects[st.uploadedKey] = []byte(content)

	require.NoError(t, e.proc.stepPersist(context.Background(), st))
	require.NotNil(t, st.result)
	assert.True(t, st.result.Deduplicated)
	assert.Equal(t, winner.ID, st.result.Receipt.ID)

	// The losing upload's assets were removed, not quarantined.
	assert.Empty(t, e.store.liveKeys(st.ref))
	assert.Empty(t, e.store.quarantineKeys(st.ref))
}

func TestProcessCancellationDeletesUpload(t *testing.T) {
	e := newEnv()
	userID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	e.analyzer.onCall = cancel
	e.analyzer.err = context.Canceled

	_, err := e.proc.Process(ctx, request(userID, "cancel-bytes"))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrCancelled)

	// The upload was removed entirely: no live objects, no quarantine.
	assert.Empty(t, e.store.objects)
	assert.Empty(t, e.store.tags)
	assert.Equal(t, 0, e.repo.creates)
}
