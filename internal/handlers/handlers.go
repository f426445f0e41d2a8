package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/faceswap/internal/blobstore"
	"github.com/example/faceswap/internal/ingest"
	"github.com/example/faceswap/internal/registry"
	"github.com/example/faceswap/internal/usecase"
)

// MaxUploadSize is the default per-file upload limit.
const MaxUploadSize = ingest.DefaultMaxSize

// multipartOverhead is the room left for form boundaries and headers.
const multipartOverhead = 64 << 10

// Images stores and serves input images.
type Images interface {
	Upload(ctx context.Context, collection blobstore.Collection, filename string, data []byte) (blobstore.Metadata, error)
	Open(ctx context.Context, collection blobstore.Collection, id string) (*blobstore.Blob, error)
	List(ctx context.Context, collection blobstore.Collection) ([]blobstore.Metadata, error)
	Ping(ctx context.Context) error
}

// Swaps runs swap requests.
type Swaps interface {
	SubmitSwap(ctx context.Context, sourceID, targetID string) (*registry.SwapResult, error)
}

// Results serves recorded swap outcomes.
type Results interface {
	Get(ctx context.Context, id string) (*registry.SwapResult, error)
	Payload(ctx context.Context, id string) (*registry.Payload, error)
	List(ctx context.Context) ([]registry.SwapResult, error)
	ByPair(ctx context.Context, sourceID, targetID string) ([]registry.SwapResult, error)
	Summary(ctx context.Context) (*registry.Summary, error)
}

// Services bundles what the routes depend on.
type Services struct {
	Images        Images
	Swaps         Swaps
	Results       Results
	Logger        *zap.Logger
	MaxUploadSize int64
}

type imageResponse struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type faceSwapRequest struct {
	SourceImageID string `json:"source_image_id" binding:"required"`
	TargetImageID string `json:"target_image_id" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. A nil
// authMiddleware leaves the mutating routes open.
func RegisterRoutes(router *gin.Engine, svc Services, authMiddleware gin.HandlerFunc) {
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	if svc.MaxUploadSize <= 0 {
		svc.MaxUploadSize = MaxUploadSize
	}
	h := &handler{svc: svc, logger: svc.Logger.Named("http")}

	router.Use(requestLogger(h.logger), corsMiddleware())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "FaceSwap API is running", "status": "healthy"})
	})
	router.GET("/api/health", h.health)

	guarded := router.Group("/api")
	if authMiddleware != nil {
		guarded.Use(authMiddleware)
	}
	guarded.POST("/upload/source", h.upload(blobstore.CollectionSource))
	guarded.POST("/upload/target", h.upload(blobstore.CollectionTarget))
	guarded.POST("/faceswap", h.faceSwap)

	api := router.Group("/api")
	api.GET("/target-images", h.listImages(blobstore.CollectionTarget))
	api.GET("/target-images/:id", h.image(blobstore.CollectionTarget))
	api.GET("/source-images/:id", h.image(blobstore.CollectionSource))
	api.GET("/results", h.listResults)
	api.GET("/results/:id", h.downloadResult)
	api.GET("/results/:id/metadata", h.resultMetadata)
	api.GET("/metrics", h.metrics)
}

type handler struct {
	svc    Services
	logger *zap.Logger
}

func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.svc.Images.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error(), "timestamp": time.Now().UTC()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

func (h *handler) upload(collection blobstore.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.svc.MaxUploadSize+multipartOverhead)

		file, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if file.Size > h.svc.MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		meta, err := h.svc.Images.Upload(c.Request.Context(), collection, file.Filename, data)
		if err != nil {
			status := uploadStatus(err)
			if status >= http.StatusInternalServerError {
				h.logger.Error("upload failed", zap.String("collection", string(collection)), zap.Error(err))
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toImageResponse(meta))
	}
}

func (h *handler) listImages(collection blobstore.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		images, err := h.svc.Images.List(c.Request.Context(), collection)
		if err != nil {
			h.logger.Error("list images failed", zap.String("collection", string(collection)), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list images"})
			return
		}
		out := make([]imageResponse, 0, len(images))
		for _, meta := range images {
			out = append(out, toImageResponse(meta))
		}
		c.JSON(http.StatusOK, out)
	}
}

func (h *handler) image(collection blobstore.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		blob, err := h.svc.Images.Open(c.Request.Context(), collection, c.Param("id"))
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
				return
			}
			h.logger.Error("read image failed", zap.String("collection", string(collection)), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", blob.Filename))
		c.Data(http.StatusOK, blob.MediaType, blob.Data)
	}
}

func (h *handler) faceSwap(c *gin.Context) {
	var req faceSwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_image_id and target_image_id are required"})
		return
	}

	result, err := h.svc.Swaps.SubmitSwap(c.Request.Context(), req.SourceImageID, req.TargetImageID)
	if err != nil {
		kind := usecase.KindOf(err)
		body := gin.H{"error": err.Error(), "error_kind": kind}
		if result != nil {
			body["swap_id"] = result.ID
		}
		c.JSON(swapStatus(kind), body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"result_id": result.ID,
		"result":    result,
		"message":   "Face swap completed successfully",
	})
}

func (h *handler) listResults(c *gin.Context) {
	sourceID, targetID := c.Query("source_id"), c.Query("target_id")
	var (
		results []registry.SwapResult
		err     error
	)
	switch {
	case sourceID == "" && targetID == "":
		results, err = h.svc.Results.List(c.Request.Context())
	case sourceID != "" && targetID != "":
		results, err = h.svc.Results.ByPair(c.Request.Context(), sourceID, targetID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_id and target_id must be given together"})
		return
	}
	if err != nil {
		h.logger.Error("list results failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list results"})
		return
	}
	if results == nil {
		results = []registry.SwapResult{}
	}
	c.JSON(http.StatusOK, results)
}

func (h *handler) downloadResult(c *gin.Context) {
	payload, err := h.svc.Results.Payload(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.resultError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", payload.Filename))
	c.Data(http.StatusOK, payload.MediaType, payload.Data)
}

func (h *handler) resultMetadata(c *gin.Context) {
	result, err := h.svc.Results.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.resultError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.svc.Results.Summary(c.Request.Context())
	if err != nil {
		h.logger.Error("metrics summary failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) resultError(c *gin.Context, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	h.logger.Error("result lookup failed", zap.String("id", c.Param("id")), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
}

func toImageResponse(meta blobstore.Metadata) imageResponse {
	return imageResponse{
		ID:          meta.ID,
		Filename:    meta.Filename,
		ContentType: meta.MediaType,
		Size:        meta.Size,
		UploadedAt:  meta.CreatedAt,
	}
}

func uploadStatus(err error) int {
	switch {
	case errors.Is(err, ingest.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingest.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ingest.ErrEmpty), errors.Is(err, ingest.ErrCollection):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func swapStatus(kind usecase.ErrorKind) int {
	switch kind {
	case usecase.KindInputNotFound:
		return http.StatusNotFound
	case usecase.KindProviderRejected:
		return http.StatusUnprocessableEntity
	case usecase.KindProviderProtocol:
		return http.StatusBadGateway
	case usecase.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case usecase.KindProviderTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
