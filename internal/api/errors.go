package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pdfcast/internal/models"
	"pdfcast/internal/pipeline"
	"pdfcast/internal/worker"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		notFound   *models.NotFoundError
		validation *models.ValidationError
		inference  *models.InferenceError
		synthesis  *models.SynthesisError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, worker.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.As(err, &inference), errors.As(err, &synthesis):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	switch status {
	case http.StatusBadRequest:
		body["rejected"] = true
	case http.StatusTooManyRequests:
		body["error"] = "server is busy, please retry"
	case http.StatusInternalServerError:
		h.logger.Error("request failed", "path", c.FullPath(), "err", err)
	}
	c.JSON(status, body)
}

// writeOutcome reports a run that stopped before completing.
func (h *Handler) writeOutcome(c *gin.Context, out pipeline.Outcome) {
	body := gin.H{
		"error":  out.Reason,
		"stage":  out.FailedAt,
		"status": out.Verdict,
	}
	if out.Err != nil && out.Verdict != pipeline.Rejected {
		body["error"] = out.Reason + ": " + out.Err.Error()
	}
	if out.Document != nil {
		body["filename"] = out.Document.Name
	}

	status := statusFor(out.Err)
	switch out.Verdict {
	case pipeline.Rejected:
		status = http.StatusBadRequest
		body["rejected"] = true
		if out.Classification != nil {
			body["is_target_genre"] = out.Classification.IsTargetGenre
			body["raw_response"] = out.Classification.RawText
		}
	case pipeline.Cancelled:
		status = http.StatusRequestTimeout
	}
	c.JSON(status, body)
}
