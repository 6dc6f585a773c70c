package processing

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/splatbox/backend/internal/models"
	"github.com/splatbox/backend/pkg/storage"
)

const (
	glbMagic       = 0x46546C67 // "glTF"
	glbChunkJSON   = 0x4E4F534A // "JSON"
	glbHeaderSize  = 12
	glbChunkHeader = 8

	// SplatRecordSize is one gaussian: position (3 x f32), scale (3 x f32), RGBA (4 x u8), rotation (4 x u8).
	SplatRecordSize = 32

	validatorVersion = "validator/1"
)

var (
	errMalformed   = errors.New("malformed payload")
	errUnsupported = errors.New("unsupported asset version")
)

// Manifest is the derived artifact written for every successfully processed scene.
type Manifest struct {
	SceneID      string        `json:"scene_id"`
	Format       models.Format `json:"format"`
	SourceKey    string        `json:"source_key"`
	SizeBytes    int           `json:"size_bytes"`
	AssetVersion string        `json:"asset_version,omitempty"`
	Generator    string        `json:"generator,omitempty"`
	Scenes       int           `json:"scenes,omitempty"`
	Nodes        int           `json:"nodes,omitempty"`
	Meshes       int           `json:"meshes,omitempty"`
	SplatCount   int           `json:"splat_count,omitempty"`
	ProcessedBy  string        `json:"processed_by"`
}

type gltfDocument struct {
	Asset struct {
		Version    string `json:"version"`
		MinVersion string `json:"minVersion"`
		Generator  string `json:"generator"`
	} `json:"asset"`
	Scenes []json.RawMessage `json:"scenes"`
	Nodes  []json.RawMessage `json:"nodes"`
	Meshes []json.RawMessage `json:"meshes"`
}

// Validator checks that a stored scene is well-formed for its declared format
// and writes a JSON manifest next to it. The manifest key and content depend
// only on the scene, so repeated runs overwrite the same object.
type Validator struct {
	blobs  storage.BlobStore
	logger *zap.Logger
}

// NewValidator creates the validating engine.
func NewValidator(blobs storage.BlobStore, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{blobs: blobs, logger: logger}
}

// Process validates the source blob and stores the manifest.
func (v *Validator) Process(ctx context.Context, in Input) (*Result, error) {
	data, err := v.blobs.Get(ctx, in.BlobKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, PermanentError("source blob missing", err)
		}
		return nil, TransientError("read source blob", err)
	}

	m := Manifest{
		SceneID:     in.SceneID.String(),
		Format:      in.Format,
		SourceKey:   in.BlobKey,
		SizeBytes:   len(data),
		ProcessedBy: validatorVersion,
	}
	switch in.Format {
	case models.FormatGLB:
		err = inspectGLB(data, &m)
	case models.FormatGLTF:
		err = inspectGLTF(data, &m)
	case models.FormatSplat:
		err = inspectSplat(data, &m)
	default:
		err = fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, in.Format)
	}
	if err != nil {
		return nil, PermanentError("invalid "+string(in.Format), err)
	}

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, PermanentError("encode manifest", err)
	}
	key := storage.ArtifactKey(in.SceneID.String())
	if err := v.blobs.Put(ctx, key, "application/json", body); err != nil {
		return nil, TransientError("write manifest", err)
	}

	v.logger.Debug("scene validated", zap.String("scene_id", m.SceneID), zap.String("format", string(in.Format)), zap.String("artifact_key", key))
	return &Result{ArtifactKey: key, Summary: summarize(m)}, nil
}

func summarize(m Manifest) string {
	if m.Format == models.FormatSplat {
		return fmt.Sprintf("%d gaussians", m.SplatCount)
	}
	return fmt.Sprintf("glTF %s: %d scenes, %d nodes, %d meshes", m.AssetVersion, m.Scenes, m.Nodes, m.Meshes)
}

func inspectGLB(data []byte, m *Manifest) error {
	if len(data) < glbHeaderSize+glbChunkHeader {
		return fmt.Errorf("%w: glb shorter than header", errMalformed)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != glbMagic {
		return fmt.Errorf("%w: bad glb magic", errMalformed)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != 2 {
		return fmt.Errorf("%w: glb container version %d", errUnsupported, v)
	}
	if total := binary.LittleEndian.Uint32(data[8:12]); int(total) != len(data) {
		return fmt.Errorf("%w: glb length %d does not match payload %d", errMalformed, total, len(data))
	}
	chunkLen := int(binary.LittleEndian.Uint32(data[12:16]))
	if binary.LittleEndian.Uint32(data[16:20]) != glbChunkJSON {
		return fmt.Errorf("%w: first glb chunk is not JSON", errMalformed)
	}
	start := glbHeaderSize + glbChunkHeader
	if chunkLen <= 0 || start+chunkLen > len(data) {
		return fmt.Errorf("%w: glb JSON chunk out of bounds", errMalformed)
	}
	// The JSON chunk is padded with trailing spaces to a 4-byte boundary.
	return inspectGLTF(bytes.TrimRight(data[start:start+chunkLen], " \x00"), m)
}

func inspectGLTF(data []byte, m *Manifest) error {
	var doc gltfDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if doc.Asset.Version == "" {
		return fmt.Errorf("%w: missing asset.version", errMalformed)
	}
	if !strings.HasPrefix(doc.Asset.Version, "2.") {
		return fmt.Errorf("%w: %s", errUnsupported, doc.Asset.Version)
	}
	m.AssetVersion = doc.Asset.Version
	m.Generator = doc.Asset.Generator
	m.Scenes = len(doc.Scenes)
	m.Nodes = len(doc.Nodes)
	m.Meshes = len(doc.Meshes)
	return nil
}

func inspectSplat(data []byte, m *Manifest) error {
	if len(data) == 0 || len(data)%SplatRecordSize != 0 {
		return fmt.Errorf("%w: splat size %d is not a multiple of %d", errMalformed, len(data), SplatRecordSize)
	}
	for off := 0; off < len(data); off += SplatRecordSize {
		for i := 0; i < 6; i++ {
			f := math.Float32frombits(binary.LittleEndian.Uint32(data[off+4*i:]))
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				return fmt.Errorf("%w: non-finite value in gaussian %d", errMalformed, off/SplatRecordSize)
			}
		}
	}
	m.SplatCount = len(data) / SplatRecordSize
	return nil
}
