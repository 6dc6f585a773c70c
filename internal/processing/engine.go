// Package processing defines the contract between the worker pool and the
// code that validates and converts an uploaded scene.
//
// Engines must be safe to run more than once for the same scene: a worker
// that dies mid-run leaves its job to be redelivered, so any artifact an
// engine writes has to be written under a deterministic key and overwritten
// on repeat.
package processing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/splatbox/backend/internal/models"
)

// Input identifies the scene to process.
type Input struct {
	SceneID uuid.UUID
	BlobKey string
	Format  models.Format
}

// Result is a successful run.
type Result struct {
	ArtifactKey string
	Summary     string
}

// Engine processes one scene.
type Engine interface {
	Process(ctx context.Context, in Input) (*Result, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, in Input) (*Result, error)

func (f EngineFunc) Process(ctx context.Context, in Input) (*Result, error) { return f(ctx, in) }

// Kind classifies a processing failure.
type Kind string

const (
	Transient Kind = "transient"
	Permanent Kind = "permanent"
)

// Failure is a classified processing error.
type Failure struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s failure: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s failure: %s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// TransientError wraps err as a retryable failure.
func TransientError(reason string, err error) error {
	return &Failure{Kind: Transient, Reason: reason, Err: err}
}

// PermanentError wraps err as a terminal failure.
func PermanentError(reason string, err error) error {
	return &Failure{Kind: Permanent, Reason: reason, Err: err}
}

// IsPermanent reports whether err is classified permanent. Unclassified errors are transient.
func IsPermanent(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == Permanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
