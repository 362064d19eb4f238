package objectstore

import (
	"errors"
	"fmt"
)

// Backend names.
const (
	BackendS3 = "s3"
	BackendFS = "fs"
)

// Sentinel errors for classifying store failures.
var (
	ErrNotFound          = errors.New("object not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrBucketNotFound    = errors.New("bucket not found")
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrUnavailable       = errors.New("object store unavailable")
	ErrThrottled         = errors.New("request throttled")
	ErrInvalidKey        = errors.New("invalid object key")
	ErrArtifactTooLarge  = errors.New("artifact exceeds size limit")
	ErrFetchFailed       = errors.New("artifact fetch failed")
)

// StoreError wraps a backend failure with the operation and object it concerned.
type StoreError struct {
	Op      string
	Backend string
	Bucket  string
	Key     string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s %s/%s: %v", e.Backend, e.Op, e.Bucket, e.Key, e.Err)
	}

	return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, e.Bucket, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrThrottled)
}
