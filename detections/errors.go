package detections

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrTimeout        = errors.New("processing timeout")
	ErrPoolClosed     = errors.New("session pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// InvalidImageError reports an upload that could not be decoded as an image.
type InvalidImageError struct {
	Cause error
}

func (e *InvalidImageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid image: %v", e.Cause)
	}
	return "invalid image"
}

func (e *InvalidImageError) Unwrap() error { return e.Cause }

// ModelNotReadyError means predict ran without a usable model. After a successful
// bootstrap this indicates a programming error, not a transient condition.
type ModelNotReadyError struct {
	Reason string
}

func (e *ModelNotReadyError) Error() string {
	return "model not ready: " + e.Reason
}

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error { return e.Cause }
