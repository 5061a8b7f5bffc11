// Package syncerr defines the coded error taxonomy shared by the sync
// components. Every terminal failure of a run carries one of these codes.
package syncerr

import (
	"errors"
	"fmt"
)

// Code represents a structured sync error code.
type Code string

const (
	CodeAuthFailed               Code = "E_AUTH_FAILED"
	CodeCaptchaRejected          Code = "E_CAPTCHA_REJECTED"
	CodeVerificationRejected     Code = "E_VERIFICATION_REJECTED"
	CodeRetryLimitExceeded       Code = "E_RETRY_LIMIT_EXCEEDED"
	CodeTransport                Code = "E_TRANSPORT"
	CodePagination               Code = "E_PAGINATION"
	CodeNoDataFound              Code = "E_NO_DATA_FOUND"
	CodeMissingTargetCredentials Code = "E_MISSING_TARGET_CREDENTIALS"
	CodeArtifactGenerationFailed Code = "E_ARTIFACT_GENERATION_FAILED"
	CodeUploadFailed             Code = "E_UPLOAD_FAILED"
	CodeCancelled                Code = "E_CANCELLED"
	CodeInvalidFilterConfig      Code = "E_INVALID_FILTER_CONFIG"
	CodeStoreFailed              Code = "E_STORE_FAILED"
)

// Stages named by AuthFailed.
const (
	StageSource = "source"
	StageTarget = "target"
)

// Error carries a sync error code, the stage or HTTP status it relates to,
// and a retryability hint.
type Error struct {
	Code      Code
	Stage     string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Code)
	if e.Stage != "" {
		msg += "(" + e.Stage + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf("(%d)", e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so errors.Is(err, ErrNoData) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Stage == "" || t.Stage == e.Stage)
}

// CodeValue returns the string error code for integration with run state.
func (e *Error) CodeValue() string { return string(e.Code) }

// RetryableStatus indicates if the operation can be retried.
func (e *Error) RetryableStatus() bool { return e.Retryable }

// CodedError exposes error metadata.
type CodedError interface {
	error
	CodeValue() string
	RetryableStatus() bool
}

// Sentinels for errors.Is checks.
var (
	ErrCaptchaRejected          = &Error{Code: CodeCaptchaRejected}
	ErrVerificationRejected     = &Error{Code: CodeVerificationRejected}
	ErrRetryLimitExceeded       = &Error{Code: CodeRetryLimitExceeded}
	ErrNoDataFound              = &Error{Code: CodeNoDataFound}
	ErrMissingTargetCredentials = &Error{Code: CodeMissingTargetCredentials}
	ErrCancelled                = &Error{Code: CodeCancelled}
)

// New wraps err with code.
func New(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// AuthFailed reports an authentication failure at the given stage.
func AuthFailed(stage string, err error) *Error {
	return &Error{Code: CodeAuthFailed, Stage: stage, Err: err}
}

// Transport reports a non-200 response from a remote service.
func Transport(status int, err error) *Error {
	return &Error{Code: CodeTransport, Status: status, Retryable: status == 429 || status >= 500, Err: err}
}

// UploadFailed reports an upload rejected with the given HTTP status.
func UploadFailed(status int) *Error {
	return &Error{Code: CodeUploadFailed, Status: status}
}

// CodeOf returns the code carried by err, or "" when err is not coded.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
