package export

import (
	"errors"
)

// Precondition and terminal errors reported by an export.
var (
	// ErrFileAlreadyExists is reported when the output path is occupied.
	ErrFileAlreadyExists = errors.New("output file already exists")
	// ErrEmptyTracks is reported when the asset has no video track.
	ErrEmptyTracks = errors.New("asset has no video tracks")
	// ErrFailed is reported when the pipeline fails after it started.
	// The concrete error is a *FailedError carrying the engine's cause.
	ErrFailed = errors.New("export failed")
)

// FailedError is a pipeline failure. It matches ErrFailed with errors.Is and
// unwraps to the reader or writer error that caused it, if any.
type FailedError struct {
	// Stage is the component that failed: "reader", "writer" or "setup".
	Stage string
	Cause error
}

func (e *FailedError) Error() string {
	if e.Cause == nil {
		return ErrFailed.Error() + ": " + e.Stage + " failed"
	}
	return ErrFailed.Error() + ": " + e.Stage + ": " + e.Cause.Error()
}

// Is reports whether target is ErrFailed.
func (e *FailedError) Is(target error) bool {
	return target == ErrFailed
}

// Unwrap returns the underlying cause.
func (e *FailedError) Unwrap() error {
	return e.Cause
}
