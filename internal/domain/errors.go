package domain

import (
	"errors"
	"fmt"
)

// Error code constants. API handlers map these to HTTP statuses; use cases
// return them so callers never have to parse message text.
const (
	// Client errors.
	CodeInvalidInput            = "INVALID_INPUT"
	CodeInvalidInputSpec        = "INVALID_INPUT_SPEC"
	CodeTaskNotFound            = "TASK_NOT_FOUND"
	CodeProjectNotFound         = "PROJECT_NOT_FOUND"
	CodeProjectNotActive        = "PROJECT_NOT_ACTIVE"
	CodeArtifactNotFound        = "ARTIFACT_NOT_FOUND"
	CodeAlreadyApproved         = "ALREADY_APPROVED"
	CodeCannotApproveRejected   = "CANNOT_APPROVE_REJECTED"
	CodeCannotApproveSuperseded = "CANNOT_APPROVE_SUPERSEDED"
	CodeAlreadyRejected         = "ALREADY_REJECTED"
	CodeCannotRejectApproved    = "CANNOT_REJECT_APPROVED"
	CodeAlreadyArchived         = "ALREADY_ARCHIVED"
	CodeCannotArchiveLatest     = "CANNOT_ARCHIVE_LATEST"
	CodeInvalidArtifactType     = "INVALID_ARTIFACT_TYPE"
	CodeCannotCancelCompleted   = "CANNOT_CANCEL_COMPLETED"
	CodeNotPaused               = "NOT_PAUSED"
	CodeCannotResume            = "CANNOT_RESUME"
	CodeInvalidStatus           = "INVALID_STATUS"
	CodeInvalidTaskStatus       = "INVALID_TASK_STATUS"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodePipelineNotFound        = "PIPELINE_NOT_FOUND"
	CodePipelineRunNotFound     = "PIPELINE_RUN_NOT_FOUND"
	CodeInvalidPipelineRun      = "INVALID_PIPELINE_RUN"
	CodeNoPipelineRun           = "NO_PIPELINE_RUN"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"

	// External-dependency errors.
	CodeBillingUnavailable = "BILLING_SERVICE_UNAVAILABLE"
	CodeBalanceCheckFailed = "BALANCE_CHECK_FAILED"
	CodeInsufficientCredit = "INSUFFICIENT_CREDIT"

	// Operational errors.
	CodeMaxRetriesExceeded    = "MAX_RETRIES_EXCEEDED"
	CodeRetryJobCreateFailed  = "RETRY_JOB_CREATION_FAILED"
	CodeStepRunNotFound       = "STEP_RUN_NOT_FOUND"
	CodeNoAgentRunsFound      = "NO_AGENT_RUNS_FOUND"
	CodeCompensationError     = "COMPENSATION_ERROR"
	CodeJobNotFound           = "JOB_NOT_FOUND"
	CodeInvalidJobTransition  = "INVALID_JOB_TRANSITION"
	CodeInvalidStepTransition = "INVALID_STEP_TRANSITION"
)

// Error is a use-case result error carrying a machine-readable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E constructs a domain error with the given code and message.
func E(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Ef constructs a domain error with a formatted message.
func Ef(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the domain error code from err, or "" if err is not a
// domain error.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
