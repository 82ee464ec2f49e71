package common

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrCancelled    = errors.New("operation cancelled by caller")
)

// NewAppError builds an AppError with the given code, message and cause.
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// OCRProcessingError carries the raw upstream response for logging and
// quarantine. The raw body must never reach the end user.
type OCRProcessingError struct {
	ReceiptID uuid.UUID
	RawBody   []byte
	Cause     error
}

func (e *OCRProcessingError) Error() string {
	return fmt.Sprintf("ocr processing failed for receipt %s: %v", e.ReceiptID, e.Cause)
}

func (e *OCRProcessingError) Unwrap() error { return e.Cause }

// InvalidReceiptError means the analysis service decided the image is not a
// receipt at all, regardless of confidence.
type InvalidReceiptError struct {
	ReceiptID  uuid.UUID
	Confidence float64
	Message    string
}

func (e *InvalidReceiptError) Error() string {
	return fmt.Sprintf("invalid receipt %s: %s (confidence=%.2f)", e.ReceiptID, e.Message, e.Confidence)
}

// PoorImageQualityError means the service recognized a receipt but with
// confidence below the configured minimum.
type PoorImageQualityError struct {
	ReceiptID  uuid.UUID
	Confidence float64
	Threshold  float64
}

func (e *PoorImageQualityError) Error() string {
	return fmt.Sprintf("poor image quality for receipt %s: confidence %.2f below %.2f", e.ReceiptID, e.Confidence, e.Threshold)
}

// MissingRequiredFieldsError is reserved for a stricter extraction mode.
type MissingRequiredFieldsError struct {
	ReceiptID uuid.UUID
	Fields    []string
}

func (e *MissingRequiredFieldsError) Error() string {
	return fmt.Sprintf("receipt %s missing required fields: %v", e.ReceiptID, e.Fields)
}

// UserMessage translates any pipeline error into an opaque, user-safe string.
// Diagnostic context (raw payloads, attempt counts, stack detail) stays on the
// internal error and in the quarantine record.
func UserMessage(err error) string {
	var inv *InvalidReceiptError
	var poor *PoorImageQualityError
	var missing *MissingRequiredFieldsError
	var ocr *OCRProcessingError
	switch {
	case errors.As(err, &inv):
		return "The uploaded image does not appear to be a receipt."
	case errors.As(err, &poor):
		return "The image quality is too low to read the receipt. Please retake the photo."
	case errors.As(err, &missing):
		return "The receipt could not be read completely. Please try a clearer photo."
	case errors.As(err, &ocr):
		return "We could not process the receipt right now. Please try again later."
	case errors.Is(err, ErrCancelled):
		return "The upload was cancelled."
	default:
		return "Something went wrong while processing the receipt."
	}
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func NotFoundError(message string) error {
	return status.Error(codes.NotFound, message)
}

func InternalError(message string) error {
	return status.Error(codes.Internal, message)
}

func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return InvalidArgumentError(fmt.Sprintf(format, args...))
}

func InternalErrorf(format string, args ...interface{}) error {
	return InternalError(fmt.Sprintf(format, args...))
}
