package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hayashishungenn/garmin-weight-sync/internal/fsutil"
)

const (
	CodeEndpointUnreachable = "E_ENDPOINT_UNREACHABLE"
	CodeAuthInvalid         = "E_AUTH_INVALID"
	CodeBucketNotFound      = "E_BUCKET_NOT_FOUND"
	CodePermissionDenied    = "E_PERMISSION_DENIED"
	CodeTimeout             = "E_TIMEOUT"
	CodeArchiveWriteFailed  = "E_ARCHIVE_WRITE_FAILED"
)

// ArchiveError wraps object store failures with retryability hints.
type ArchiveError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *ArchiveError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *ArchiveError) Unwrap() error         { return e.Err }
func (e *ArchiveError) CodeValue() string     { return e.Code }
func (e *ArchiveError) RetryableStatus() bool { return e.Retryable }

func wrapError(code string, retryable bool, err error) *ArchiveError {
	return &ArchiveError{Code: code, Retryable: retryable, Err: err}
}

// Archive keeps a copy of every encoded artifact.
type Archive interface {
	Put(ctx context.Context, key string, data []byte) error
	// URI names where key is stored.
	URI(key string) string
}

// LocalArchive stores copies under a directory, optionally below a prefix.
type LocalArchive struct {
	Root   string
	Prefix string
}

// Put implements Archive.
func (a *LocalArchive) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.Root == "" {
		return wrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	full := filepath.Join(a.Root, filepath.FromSlash(objectKey(a.Prefix, key)))
	if err := fsutil.WriteFileAtomic(full, data, 0o644); err != nil {
		return wrapError(CodeArchiveWriteFailed, true, err)
	}
	return nil
}

// URI implements Archive.
func (a *LocalArchive) URI(key string) string {
	return "file://" + filepath.ToSlash(filepath.Join(a.Root, filepath.FromSlash(objectKey(a.Prefix, key))))
}

// objectKey joins prefix and key with forward slashes.
func objectKey(prefix, key string) string {
	joined := path.Join(strings.Trim(prefix, "/"), key)
	return strings.TrimPrefix(joined, "/")
}
