package garmin

import (
	"fmt"
	"net/http"
)

// UploadStatus classifies one upload.
type UploadStatus string

const (
	StatusSuccess   UploadStatus = "SUCCESS"
	StatusDuplicate UploadStatus = "DUPLICATE"
	StatusFailed    UploadStatus = "FAILED"
)

// Error codes for failures that never reached the service.
const (
	ErrorFileNotFound      = "FILE_NOT_FOUND"
	ErrorUnsupportedFormat = "UNSUPPORTED_FORMAT"
	ErrorNotAuthenticated  = "NOT_AUTHENTICATED"
	ErrorRequestFailed     = "REQUEST_FAILED"
)

// UploadResult is the outcome of uploading one file.
type UploadResult struct {
	Path       string       `json:"path"`
	Status     UploadStatus `json:"status"`
	StatusCode int          `json:"status_code,omitempty"`
	ErrorCode  string       `json:"error_code,omitempty"`
	Message    string       `json:"message,omitempty"`
	UploadID   int64        `json:"upload_id,omitempty"`
}

// OK reports whether the file is now present on the service.
func (r UploadResult) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusDuplicate
}

// Classify maps an upload response status to a result. Only the status code
// is consulted.
func Classify(statusCode int) UploadResult {
	switch statusCode {
	case http.StatusCreated, http.StatusAccepted:
		return UploadResult{Status: StatusSuccess, StatusCode: statusCode}
	case http.StatusConflict:
		return UploadResult{Status: StatusDuplicate, StatusCode: statusCode, Message: "activity already exists"}
	default:
		return UploadResult{
			Status:     StatusFailed,
			StatusCode: statusCode,
			ErrorCode:  fmt.Sprintf("ERROR_%d", statusCode),
		}
	}
}

func failed(path, code, msg string) UploadResult {
	return UploadResult{Path: path, Status: StatusFailed, ErrorCode: code, Message: msg}
}
