package engine

import (
	"errors"
	"fmt"
)

// BatchError is a setup failure detected before any batch item runs.
//
// A job that fails setup validation is rejected as a whole; per-item failures
// during processing are reported in Outcome instead.
type BatchError struct {
	// Code identifies the error category.
	Code BatchErrorCode

	// Message is a human-readable description.
	Message string

	// Index is the offending item, or -1 for job-level errors.
	Index int
}

// BatchErrorCode categorizes batch setup errors.
type BatchErrorCode string

const (
	// ErrCodeEmptyBatch indicates a job with no items.
	ErrCodeEmptyBatch BatchErrorCode = "EMPTY_BATCH"

	// ErrCodeUnknownOperation indicates an item whose op is not apply, extract, or analyze.
	ErrCodeUnknownOperation BatchErrorCode = "UNKNOWN_OPERATION"

	// ErrCodeMissingTarget indicates an item without a target path.
	ErrCodeMissingTarget BatchErrorCode = "MISSING_TARGET"

	// ErrCodeMissingPatch indicates an apply item without a patch path.
	ErrCodeMissingPatch BatchErrorCode = "MISSING_PATCH"
)

// Error implements the error interface.
func (e *BatchError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s: %s (item=%d)", e.Code, e.Message, e.Index)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsBatchError returns true if err is a batch setup error of any code.
// Uses errors.As to handle wrapped errors.
func IsBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}

// IsUnknownOperation returns true if err is an unknown-operation setup error.
func IsUnknownOperation(err error) bool {
	var be *BatchError
	if errors.As(err, &be) {
		return be.Code == ErrCodeUnknownOperation
	}
	return false
}

// NewEmptyBatchError creates an error for a job with no items.
func NewEmptyBatchError() *BatchError {
	return &BatchError{
		Code:    ErrCodeEmptyBatch,
		Message: "batch has no items",
		Index:   -1,
	}
}

// NewUnknownOperationError creates an error for an unrecognized op.
func NewUnknownOperationError(index int, op string) *BatchError {
	return &BatchError{
		Code:    ErrCodeUnknownOperation,
		Message: fmt.Sprintf("unknown operation %q", op),
		Index:   index,
	}
}

// NewMissingTargetError creates an error for an item without a target.
func NewMissingTargetError(index int) *BatchError {
	return &BatchError{
		Code:    ErrCodeMissingTarget,
		Message: "target path is required",
		Index:   index,
	}
}

// NewMissingPatchError creates an error for an apply item without a patch.
func NewMissingPatchError(index int) *BatchError {
	return &BatchError{
		Code:    ErrCodeMissingPatch,
		Message: "apply requires a patch path",
		Index:   index,
	}
}
