package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pdfcast/internal/logging"
	"pdfcast/internal/models"
	"pdfcast/internal/pipeline"
	"pdfcast/internal/usage"
)

const serviceName = "pdfcast"

type Ingester interface {
	Ingest(ctx context.Context, filename, declaredType string, r io.Reader) (models.Document, error)
}

type DocumentCatalog interface {
	Latest() (models.Document, error)
	Count() int
}

type ArtifactCatalog interface {
	Latest() (models.AudioArtifact, error)
	Get(name string) (models.AudioArtifact, error)
}

// Runner executes the pipeline, fully or up to an intermediate stage.
type Runner interface {
	Run(ctx context.Context) pipeline.Outcome
	Classify(ctx context.Context) pipeline.Outcome
	Summarize(ctx context.Context) pipeline.Outcome
}

type JobRunner interface {
	Do(ctx context.Context, name string, fn func(ctx context.Context)) error
}

type UsageReporter interface {
	Report(ctx context.Context, windowDays int) (usage.Report, error)
}

// Deps collects what the HTTP surface needs.
type Deps struct {
	Ingest          Ingester
	Documents       DocumentCatalog
	Artifacts       ArtifactCatalog
	Pipeline        Runner
	Workers         JobRunner
	Usage           UsageReporter
	MaxUploadBytes  int64
	DefaultWindow   int
	PipelineTimeout time.Duration
	AllowedOrigins  []string
	Logger          *slog.Logger
}

// Handler wires HTTP routes to the ingestion service, the pipeline and the usage ledger.
type Handler struct {
	ingest          Ingester
	documents       DocumentCatalog
	artifacts       ArtifactCatalog
	pipeline        Runner
	workers         JobRunner
	usage           UsageReporter
	maxUploadBytes  int64
	defaultWindow   int
	pipelineTimeout time.Duration
	allowedOrigins  []string
	logger          *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	window := deps.DefaultWindow
	if window <= 0 {
		window = 7
	}
	return &Handler{
		ingest:          deps.Ingest,
		documents:       deps.Documents,
		artifacts:       deps.Artifacts,
		pipeline:        deps.Pipeline,
		workers:         deps.Workers,
		usage:           deps.Usage,
		maxUploadBytes:  deps.MaxUploadBytes,
		defaultWindow:   window,
		pipelineTimeout: deps.PipelineTimeout,
		allowedOrigins:  deps.AllowedOrigins,
		logger:          logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware(h.allowedOrigins))
	router.GET("/", h.health)

	api := router.Group("/api")
	api.POST("/documents", h.uploadDocument)
	api.GET("/documents/latest", h.latestDocument)
	api.GET("/documents/latest/classification", h.classifyLatest)
	api.GET("/documents/latest/summary", h.summarizeLatest)
	api.POST("/audiobooks", h.createAudiobook)
	api.GET("/audiobooks/latest/download", h.downloadLatest)
	api.GET("/audiobooks/latest/play", h.playLatest)
	api.GET("/audiobooks/:filename/download", h.downloadByName)
	api.GET("/usage", h.usageReport)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": serviceName, "status": "active"})
}

func (h *Handler) uploadDocument(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		// multipart overhead on top of the file itself
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)
	}
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	defer f.Close()

	doc, err := h.ingest.Ingest(c.Request.Context(), file.Filename, file.Header.Get("Content-Type"), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":   "file uploaded",
		"filename":  doc.Name,
		"size":      doc.Size,
		"size_mb":   doc.SizeMiB(),
		"pages":     doc.PageCount,
		"mime_type": doc.MimeType,
	})
}

func (h *Handler) latestDocument(c *gin.Context) {
	doc, err := h.documents.Latest()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"filename":    doc.Name,
		"path":        doc.StoredPath,
		"size":        doc.Size,
		"size_mb":     doc.SizeMiB(),
		"pages":       doc.PageCount,
		"received_at": doc.ReceivedAt,
		"total_files": h.documents.Count(),
	})
}

func (h *Handler) classifyLatest(c *gin.Context) {
	out, ok := h.runPipeline(c, "classify", h.pipeline.Classify)
	if !ok {
		return
	}
	doc, class := out.Document, out.Classification
	c.JSON(http.StatusOK, gin.H{
		"filename":        doc.Name,
		"is_target_genre": class.IsTargetGenre,
		"raw_response":    class.RawText,
		"analysis_details": gin.H{
			"file_size_mb": doc.SizeMiB(),
			"pages":        doc.PageCount,
		},
	})
}

func (h *Handler) summarizeLatest(c *gin.Context) {
	out, ok := h.runPipeline(c, "summarize", h.pipeline.Summarize)
	if !ok {
		return
	}
	doc, summary := out.Document, out.Summary
	c.JSON(http.StatusOK, gin.H{
		"filename":        doc.Name,
		"is_target_genre": summary.IsTargetGenre,
		"summary":         summary.Text,
		"word_count":      summary.WordCount,
		"file_analyzed":   doc.Name,
		"file_size_mb":    doc.SizeMiB(),
	})
}

func (h *Handler) createAudiobook(c *gin.Context) {
	out, ok := h.runPipeline(c, "audiobook", h.pipeline.Run)
	if !ok {
		return
	}
	artifact, summary := out.Artifact, out.Summary
	c.JSON(http.StatusCreated, gin.H{
		"message":         "audiobook created",
		"source_document": out.Document.Name,
		"audio_file":      artifact.Name,
		"audio_path":      artifact.StoredPath,
		"text_length":     len([]rune(summary.Text)),
		"word_count":      summary.WordCount,
		"download_url":    downloadURL(artifact.Name),
	})
}

// runPipeline executes stage on the worker pool and writes the error response
// itself when the run did not complete.
func (h *Handler) runPipeline(c *gin.Context, name string, stage func(context.Context) pipeline.Outcome) (pipeline.Outcome, bool) {
	var out pipeline.Outcome
	err := h.workers.Do(c.Request.Context(), name, func(ctx context.Context) {
		if h.pipelineTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.pipelineTimeout)
			defer cancel()
		}
		out = stage(ctx)
	})
	if err != nil {
		// the job may still be running and own out
		h.writeError(c, err)
		return pipeline.Outcome{}, false
	}
	if !out.OK() {
		h.writeOutcome(c, out)
		return out, false
	}
	return out, true
}

func (h *Handler) downloadLatest(c *gin.Context) {
	artifact, err := h.artifacts.Latest()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.FileAttachment(artifact.StoredPath, artifact.Name)
}

func (h *Handler) playLatest(c *gin.Context) {
	artifact, err := h.artifacts.Latest()
	if err != nil {
		h.writeError(c, err)
		return
	}
	if artifact.MimeType != "" {
		c.Header("Content-Type", artifact.MimeType)
	}
	c.File(artifact.StoredPath)
}

func (h *Handler) downloadByName(c *gin.Context) {
	name := c.Param("filename")
	if name == "" || filepath.Base(name) != name {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}
	artifact, err := h.artifacts.Get(name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.FileAttachment(artifact.StoredPath, artifact.Name)
}

func (h *Handler) usageReport(c *gin.Context) {
	days := h.defaultWindow
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > usage.MaxWindowDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("days must be an integer between 0 and %d", usage.MaxWindowDays)})
			return
		}
		days = n
	}
	rep, err := h.usage.Report(c.Request.Context(), days)
	if err != nil {
		h.logger.Error("usage report failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage report unavailable"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func downloadURL(name string) string {
	return "/api/audiobooks/" + url.PathEscape(name) + "/download"
}
