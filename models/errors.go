package models

import (
	"errors"
	"fmt"
)

// Error codes used in API responses, step records and failure classification.
const (
	ErrCodeTimeout          = "SCRAPE_TIMEOUT"
	ErrCodeNavigation       = "NAVIGATION_FAILED"
	ErrCodeElementNotFound  = "ELEMENT_NOT_FOUND"
	ErrCodeRender           = "RENDER_FAILED"
	ErrCodeBrowserCrash     = "BROWSER_CRASH"
	ErrCodeAuthRejected     = "AUTH_REJECTED"
	ErrCodeStructureChanged = "STRUCTURE_CHANGED"
	ErrCodeInvalidStep      = "INVALID_STEP"
	ErrCodeSupervisorCrash  = "SUPERVISOR_CRASH"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeRetryExhausted   = "RETRY_EXHAUSTED"

	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StepError is the error type raised by the automation capability.
// Its Code tells the step executor whether the failure is worth retrying.
type StepError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a new StepError.
func NewStepError(code, message string, err error) *StepError {
	return &StepError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *StepError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// CodeOf returns the StepError code carried anywhere in err's chain, or "".
func CodeOf(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
