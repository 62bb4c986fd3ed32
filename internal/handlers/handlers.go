// Package handlers exposes the quality service over HTTP.
package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/nfiq2-service/internal/auth"
	"github.com/example/nfiq2-service/internal/nfiq2"
	"github.com/example/nfiq2-service/internal/usecase"
)

// MaxUploadSize is the default largest accepted image, in bytes.
const MaxUploadSize = 10 << 20

// multipartOverhead allows for boundaries and part headers around the image.
const multipartOverhead = 1 << 20

// QualityService is the workflow behind the routes.
type QualityService interface {
	Assess(ctx context.Context, clientID string, image []byte) (*usecase.Assessment, error)
	GetResult(ctx context.Context, clientID, requestID string) (*usecase.Assessment, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Option customises the routes.
type Option func(*routes)

// WithMaxUploadSize overrides MaxUploadSize.
func WithMaxUploadSize(n int64) Option {
	return func(r *routes) {
		if n > 0 {
			r.maxUpload = n
		}
	}
}

// WithLogger sets the logger used for failed requests.
func WithLogger(logger *zap.Logger) Option {
	return func(r *routes) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type routes struct {
	svc       QualityService
	maxUpload int64
	logger    *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Everything under
// /v1 sits behind authMiddleware.
func RegisterRoutes(router *gin.Engine, svc QualityService, authMiddleware gin.HandlerFunc, opts ...Option) {
	r := &routes{svc: svc, maxUpload: MaxUploadSize, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	if authMiddleware != nil {
		v1.Use(authMiddleware)
	}
	v1.POST("/quality", r.assess)
	v1.GET("/quality/:id", r.getResult)
	v1.GET("/metrics", r.metrics)
}

func (r *routes) assess(c *gin.Context) {
	clientID, ok := auth.ClientID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, r.maxUpload+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > r.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	if !isImageType(file.Header.Get("Content-Type")) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
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

	assessment, err := r.svc.Assess(c.Request.Context(), clientID, data)
	if err != nil {
		r.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, assessment)
}

func (r *routes) getResult(c *gin.Context) {
	clientID, ok := auth.ClientID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	requestID := strings.TrimSpace(c.Param("id"))
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	assessment, err := r.svc.GetResult(c.Request.Context(), clientID, requestID)
	if errors.Is(err, usecase.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	if err != nil {
		r.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, assessment)
}

func (r *routes) metrics(c *gin.Context) {
	summary, err := r.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		r.logger.Error("failed to aggregate metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (r *routes) fail(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, body)
}

// errorResponse maps a workflow error to an HTTP status and JSON body.
func errorResponse(err error) (int, gin.H) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, gin.H{"error": "assessment timed out"}
	}

	switch nfiq2.KindOf(err) {
	case nfiq2.KindComputeFailed:
		code, _ := nfiq2.CodeOf(err)
		if code == nfiq2.BoundaryCode {
			return http.StatusUnprocessableEntity, gin.H{"error": "image could not be prepared for scoring", "code": code}
		}
		return http.StatusBadGateway, gin.H{"error": "quality engine failed", "code": code}
	case nfiq2.KindCreateFailed, nfiq2.KindNullContext:
		return http.StatusServiceUnavailable, gin.H{"error": "quality engine unavailable"}
	}
	return http.StatusInternalServerError, gin.H{"error": "internal error"}
}

func isImageType(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}
