package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/receiptvault/ingest/constants"
	"github.com/receiptvault/ingest/internal/common"
	"github.com/receiptvault/ingest/internal/entity"
)

// S3Store implements ObjectStore on top of an S3-compatible bucket.
type S3Store struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	presignTTL time.Duration
	logger     *slog.Logger
}

// NewS3Client builds an S3 client from storage configuration. A non-empty
// endpoint switches to path-style addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, cfg common.StorageConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3Store(client *s3.Client, cfg common.StorageConfig, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &S3Store{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		presignTTL: ttl,
		logger:     logger,
	}
}

func (s *S3Store) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	key := ObjectKey(req.Ref, req.Filename)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 req.Body,
		ContentType:          aws.String(req.ContentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		s.logger.Error("storage.upload_error", "key", key, "error", err)
		return UploadResult{}, fmt.Errorf("put object %s: %w", key, err)
	}

	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		s.logger.Error("storage.presign_error", "key", key, "error", err)
		return UploadResult{}, fmt.Errorf("presign %s: %w", key, err)
	}

	s.logger.Info("storage.upload_ok", "key", key, "presign_ttl", s.presignTTL.String())
	return UploadResult{Key: key, PresignedURL: presigned.URL}, nil
}

func (s *S3Store) SaveSnapshot(ctx context.Context, ref Ref, name string, payload []byte) error {
	key := ObjectKey(ref, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(payload),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		s.logger.Error("storage.snapshot_error", "key", key, "error", err)
		return fmt.Errorf("save snapshot %s: %w", key, err)
	}
	s.logger.Info("storage.snapshot_ok", "key", key, "bytes", len(payload))
	return nil
}

// Quarantine copies then deletes. The two steps are not atomic; a crash in
// between leaves the object at both locations, duplicated but never lost.
// Retrying re-runs both steps safely.
func (s *S3Store) Quarantine(ctx context.Context, ref Ref, originalKey, reason string) (string, error) {
	quarantineKey := QuarantinePrefix(ref) + filenameOf(originalKey)

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(quarantineKey),
		CopySource:           aws.String(url.QueryEscape(s.bucket + "/" + originalKey)),
		Tagging:              aws.String("failure_reason=" + url.QueryEscape(truncateTag(reason))),
		TaggingDirective:     types.TaggingDirectiveReplace,
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		s.logger.Error("storage.quarantine.copy_error", "from", originalKey, "to", quarantineKey, "error", err)
		return "", fmt.Errorf("quarantine copy %s: %w", originalKey, err)
	}

	// Delete-if-exists: S3 deletes are idempotent.
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(originalKey),
	})
	if err != nil {
		s.logger.Error("storage.quarantine.delete_error", "key", originalKey, "error", err)
		return "", fmt.Errorf("quarantine delete %s: %w", originalKey, err)
	}

	s.logger.Info("storage.quarantine_ok", "from", originalKey, "to", quarantineKey, "reason", reason)
	return quarantineKey, nil
}

func (s *S3Store) SaveFailureRecord(ctx context.Context, ref Ref, rec entity.FailureRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode failure record: %w", err)
	}
	key := QuarantineKey(ref, constants.FailureRecordName)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(payload),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		s.logger.Error("storage.failure_record_error", "key", key, "error", err)
		return fmt.Errorf("save failure record %s: %w", key, err)
	}
	s.logger.Info("storage.failure_record_ok", "key", key, "reason", rec.Reason)
	return nil
}

func (s *S3Store) DeleteAll(ctx context.Context, ref Ref) error {
	prefix := ReceiptPrefix(ref)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var removed int
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("delete under %s: %w", prefix, err)
		}
		removed += len(ids)
	}

	s.logger.Info("storage.delete_all_ok", "prefix", prefix, "removed", removed)
	return nil
}

func filenameOf(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}

// S3 object tag values are capped at 256 characters.
func truncateTag(s string) string {
	if len(s) <= 256 {
		return s
	}
	return s[:256]
}
