package ir

import (
	"errors"
	"fmt"
)

// Error is the patchkit error taxonomy.
//
// Every failure surfaced by the parser, validator, backup manager, applier,
// or ledger carries one of the ErrorCode values below so that callers (and the
// batch orchestrator) can classify failures without string matching.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Path identifies the affected file, if any.
	Path string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes patchkit errors.
type ErrorCode string

const (
	// ErrCodeMalformedPatch indicates a patch stream that cannot be decoded.
	ErrCodeMalformedPatch ErrorCode = "MALFORMED_PATCH"

	// ErrCodeUnsupportedExtension indicates a recognized but unimplemented format extension.
	ErrCodeUnsupportedExtension ErrorCode = "UNSUPPORTED_EXTENSION"

	// ErrCodeTargetMismatch indicates the patch does not fit the target.
	ErrCodeTargetMismatch ErrorCode = "TARGET_MISMATCH"

	// ErrCodeConflictingEdit indicates overlapping records writing different bytes.
	ErrCodeConflictingEdit ErrorCode = "CONFLICTING_EDIT"

	// ErrCodeIOFailure indicates a filesystem or store failure.
	ErrCodeIOFailure ErrorCode = "IO_FAILURE"

	// ErrCodeBackupMissing indicates a referenced backup no longer exists.
	ErrCodeBackupMissing ErrorCode = "BACKUP_MISSING"

	// ErrCodeApplyFailed indicates the record stream could not be materialized.
	ErrCodeApplyFailed ErrorCode = "APPLY_FAILED"

	// ErrCodePostApplyVerificationFailed indicates the output checksum did not match.
	ErrCodePostApplyVerificationFailed ErrorCode = "POST_APPLY_VERIFICATION_FAILED"

	// ErrCodeAlreadyReverted indicates a revert of an entry that is not Applied.
	ErrCodeAlreadyReverted ErrorCode = "ALREADY_REVERTED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path=%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error around an underlying cause.
func WrapError(code ErrorCode, path string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Path: path, Err: err}
}

// CodeOf returns the ErrorCode of err, or "" if err is not an *Error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode returns true if err is an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsMalformed returns true if err is a MalformedPatch error.
func IsMalformed(err error) bool {
	return IsCode(err, ErrCodeMalformedPatch)
}

// IsBackupMissing returns true if err is a BackupMissing error.
func IsBackupMissing(err error) bool {
	return IsCode(err, ErrCodeBackupMissing)
}
