package game

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code surfaced to clients.
type Code string

const (
	// CodeVersionConflict indicates the sender's believed version is stale.
	CodeVersionConflict Code = "VERSION_CONFLICT"
	// CodeValidationError indicates the update could not apply cleanly.
	CodeValidationError Code = "VALIDATION_ERROR"
	// CodeGameStateNotFound indicates no session state exists for the id.
	CodeGameStateNotFound Code = "GAMESTATE_NOT_FOUND"
	// CodePermissionDenied indicates the requester may not touch a path.
	CodePermissionDenied Code = "PERMISSION_DENIED"
	// CodeTransactionFailed indicates persistence failed; state stays at the
	// last good version.
	CodeTransactionFailed Code = "TRANSACTION_FAILED"
)

// Pipeline-level rejection codes.
const (
	// CodeActionTypeUnknown indicates no handler is registered for the type.
	CodeActionTypeUnknown Code = "ACTION_TYPE_UNKNOWN"
	// CodeExecutionFailed indicates a handler errored mid-draft.
	CodeExecutionFailed Code = "EXECUTION_FAILED"
	// CodeApprovalRejected indicates the GM declined a gated action.
	CodeApprovalRejected Code = "APPROVAL_REJECTED"
	// CodeApprovalTimeout indicates the GM never answered a gated action.
	CodeApprovalTimeout Code = "APPROVAL_TIMEOUT"
	// CodeApprovalNotFound indicates no pending approval matches the id.
	CodeApprovalNotFound Code = "APPROVAL_NOT_FOUND"
)

// Error carries a code alongside a human-readable message.
//
// CurrentVersion is set for version conflicts so clients can refetch and
// retry without an extra round trip.
type Error struct {
	Code           Code
	Message        string
	CurrentVersion uint64
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a coded error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the machine-readable code from an error, or CodeUnknown.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// CodeUnknown represents an unclassified failure.
const CodeUnknown Code = "UNKNOWN"
