package models

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a scene.
type Status string

const (
	StatusUploaded   Status = "UPLOADED"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusQueued, StatusProcessing, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Format is a declared scene format.
type Format string

const (
	FormatSplat Format = "splat"
	FormatGLB   Format = "glb"
	FormatGLTF  Format = "gltf"
)

// AllowedFormats maps each accepted format to the content type stored with its blob.
var AllowedFormats = map[Format]string{
	FormatSplat: "application/octet-stream",
	FormatGLB:   "model/gltf-binary",
	FormatGLTF:  "model/gltf+json",
}

// ParseFormat normalizes a format name (case-insensitive, optional leading dot).
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")))
	if _, ok := AllowedFormats[f]; !ok {
		return "", ErrUnsupportedFormat
	}
	return f, nil
}

// FormatFromFilename returns the format implied by the filename suffix.
func FormatFromFilename(filename string) (Format, error) {
	ext := path.Ext(filename)
	if ext == "" {
		return "", ErrUnsupportedFormat
	}
	return ParseFormat(ext)
}

// ContentType returns the MIME type used when storing blobs of this format.
func (f Format) ContentType() string {
	if ct, ok := AllowedFormats[f]; ok {
		return ct
	}
	return "application/octet-stream"
}

// SceneRecord is one uploaded scene asset and its processing state.
type SceneRecord struct {
	ID                 uuid.UUID `json:"id"`
	ContentFingerprint string    `json:"content_fingerprint"`
	OriginalFilename   string    `json:"original_filename"`
	DeclaredFormat     Format    `json:"declared_format"`
	BlobKey            string    `json:"blob_key"`
	SizeBytes          int64     `json:"size_bytes"`
	Status             Status    `json:"status"`
	AttemptCount       int       `json:"attempt_count"`
	LastError          *string   `json:"last_error,omitempty"`
	ArtifactKey        *string   `json:"artifact_key,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with r.
func (r *SceneRecord) Clone() *SceneRecord {
	cp := *r
	if r.LastError != nil {
		v := *r.LastError
		cp.LastError = &v
	}
	if r.ArtifactKey != nil {
		v := *r.ArtifactKey
		cp.ArtifactKey = &v
	}
	return &cp
}
