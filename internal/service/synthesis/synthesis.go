package synthesis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"pdfcast/internal/logging"
	"pdfcast/internal/models"
)

// Audio is a synthesized clip ready to be stored.
type Audio struct {
	Data     []byte
	MimeType string
	Ext      string
}

// Engine is the external text-to-speech capability.
type Engine interface {
	Speak(ctx context.Context, text string) (Audio, error)
}

// Gateway submits the full text in one call and classifies failures as *models.SynthesisError.
type Gateway struct {
	engine Engine
	logger *slog.Logger
}

func NewGateway(engine Engine, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gateway{engine: engine, logger: logger}
}

func (g *Gateway) Synthesize(ctx context.Context, text string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, &models.SynthesisError{Err: errors.New("no text to synthesize")}
	}
	start := time.Now()
	audio, err := g.engine.Speak(ctx, text)
	if err != nil {
		g.logger.Warn("speech synthesis failed", "chars", len(text), "err", err)
		return Audio{}, &models.SynthesisError{Err: err}
	}
	if len(audio.Data) == 0 {
		return Audio{}, &models.SynthesisError{Err: errors.New("engine returned no audio")}
	}
	g.logger.Debug("speech synthesized", "chars", len(text), "bytes", len(audio.Data), "elapsed", time.Since(start))
	return audio, nil
}
