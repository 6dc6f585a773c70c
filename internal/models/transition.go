package models

import "fmt"

// CanTransition reports whether a scene may move from one status to another.
//
// Same-status moves are allowed only where a writer needs to refresh a row
// without changing its state: QUEUED -> QUEUED when the reconciliation sweep
// re-issues a job, and PROCESSING -> PROCESSING for worker heartbeats and for
// resuming a scene whose previous worker died.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusUploaded:
		return to == StatusQueued
	case StatusQueued:
		return to == StatusQueued || to == StatusProcessing
	case StatusProcessing:
		switch to {
		case StatusProcessing, StatusComplete, StatusQueued, StatusFailed:
			return true
		}
		return false
	default:
		return false
	}
}

// ValidateTransition returns ErrInvalidTransition if from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
