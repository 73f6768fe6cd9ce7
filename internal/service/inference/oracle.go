package inference

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"pdfcast/internal/config"
	"pdfcast/internal/models"
)

// Request is one oracle call: a prompt applied to a document.
type Request struct {
	Model    string
	Prompt   string
	Document models.Document
}

// Response carries the oracle text and, when the provider reports it, consumption.
type Response struct {
	Text  string
	Usage *models.TokenUsage
}

// Oracle is the external classify/summarize capability.
type Oracle interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// NewOracle builds the backend named by cfg.Inference.Provider.
func NewOracle(ctx context.Context, cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (Oracle, error) {
	provider := cfg.Inference.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	switch provider {
	case "gemini":
		return NewGeminiOracle(ctx, provCfg, httpClient)
	case "openai", "claude":
		return NewEinoOracle(ctx, provider, provCfg, logger)
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}
