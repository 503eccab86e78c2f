package uploader

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/tapedeck/lode"
)

// ErrUploadFailed matches every *UploadError via errors.Is.
var ErrUploadFailed = errors.New("upload failed")

// ErrUploadInProgress is the cause of an *UploadError for an artifact whose
// name is already being uploaded. Its local copy is untouched.
var ErrUploadInProgress = errors.New("upload already in progress")

// UploadError reports a failed handoff. The local copy at LocalPath is
// retained for a later retry.
type UploadError struct {
	// Name is the artifact name.
	Name string
	// LocalPath is the retained local copy, empty if materialization failed.
	LocalPath string
	// Err is the underlying storage error.
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Name, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *UploadError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrUploadFailed.
func (e *UploadError) Is(target error) bool {
	return target == ErrUploadFailed
}

// Retryable reports whether a later retry may succeed.
func (e *UploadError) Retryable() bool {
	return e.LocalPath != "" && lode.IsRetryable(e.Err)
}
