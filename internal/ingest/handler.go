package ingest

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/splatbox/backend/internal/models"
	"github.com/splatbox/backend/internal/scenes"
	"github.com/splatbox/backend/pkg/response"
	"github.com/splatbox/backend/pkg/storage"
)

// SceneView is the status query representation of a scene.
type SceneView struct {
	SceneID          uuid.UUID     `json:"scene_id"`
	Status           models.Status `json:"status"`
	AttemptCount     int           `json:"attempt_count"`
	LastError        *string       `json:"last_error,omitempty"`
	ArtifactKey      *string       `json:"artifact_key,omitempty"`
	ArtifactURL      string        `json:"artifact_url,omitempty"`
	Format           models.Format `json:"format"`
	OriginalFilename string        `json:"original_filename"`
	SizeBytes        int64         `json:"size_bytes"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func viewOf(rec *models.SceneRecord) SceneView {
	return SceneView{
		SceneID:          rec.ID,
		Status:           rec.Status,
		AttemptCount:     rec.AttemptCount,
		LastError:        rec.LastError,
		ArtifactKey:      rec.ArtifactKey,
		Format:           rec.DeclaredFormat,
		OriginalFilename: rec.OriginalFilename,
		SizeBytes:        rec.SizeBytes,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}

// Handler serves the scene HTTP endpoints.
type Handler struct {
	gateway *Gateway
	reader  scenes.Reader
	events  scenes.Subscriber // optional: nil disables the event stream
	logger  *zap.Logger

	presigner  storage.Presigner
	presignTTL time.Duration
}

// NewHandler creates the scene handler. reader serves status queries and may be a cache.
func NewHandler(gateway *Gateway, reader scenes.Reader, events scenes.Subscriber, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gateway: gateway, reader: reader, events: events, logger: logger}
}

// SetPresigner enables artifact_url on completed scenes, valid for ttl.
func (h *Handler) SetPresigner(p storage.Presigner, ttl time.Duration) {
	h.presigner = p
	h.presignTTL = ttl
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/scenes", h.Upload)
	r.GET("/scenes/:id", h.Get)
	r.GET("/scenes/:id/events", h.Events)
}

// Upload handles POST /scenes. Multipart form: file (required), format (optional, must agree with the suffix).
func (h *Handler) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "multipart field \"file\" is required")
		return
	}
	if fh.Size > h.gateway.MaxUploadBytes() {
		response.PayloadTooLarge(c, models.ErrPayloadTooLarge.Error())
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.logger.Error("open upload", zap.Error(err))
		response.Internal(c, "failed to read upload")
		return
	}
	defer f.Close()

	sub, err := h.gateway.Submit(c.Request.Context(), fh.Filename, c.PostForm("format"), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if sub.Duplicate {
		response.OK(c, sub)
		return
	}
	response.Accepted(c, sub)
}

// Get handles GET /scenes/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid scene id")
		return
	}
	rec, err := h.reader.GetByID(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	view := viewOf(rec)
	if h.presigner != nil && rec.Status == models.StatusComplete && rec.ArtifactKey != nil {
		link, err := h.presigner.PresignGet(c.Request.Context(), *rec.ArtifactKey, h.presignTTL)
		if err != nil {
			h.logger.Warn("presign artifact", zap.String("scene_id", rec.ID.String()), zap.Error(err))
		} else {
			view.ArtifactURL = link
		}
	}
	response.OK(c, view)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrUnsupportedFormat):
		response.BadRequest(c, "unsupported format: allowed are splat, glb, gltf")
	case errors.Is(err, models.ErrEmptyPayload), errors.Is(err, models.ErrInvalidArgument):
		response.BadRequest(c, err.Error())
	case errors.Is(err, models.ErrPayloadTooLarge):
		response.PayloadTooLarge(c, err.Error())
	case errors.Is(err, models.ErrNotFound):
		response.NotFound(c, "scene not found")
	case errors.Is(err, models.ErrStorageUnavailable):
		response.ServiceUnavailable(c, "storage unavailable")
	case errors.Is(err, models.ErrQueueUnavailable):
		response.ServiceUnavailable(c, "queue unavailable")
	default:
		h.logger.Error("scene request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, "internal error")
	}
}
