package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"pdfcast/internal/config"
	"pdfcast/internal/models"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiOracle sends the PDF bytes inline alongside the prompt.
type GeminiOracle struct {
	client *genai.Client
	model  string
}

func NewGeminiOracle(ctx context.Context, provCfg config.ProviderConfig, httpClient *http.Client) (*GeminiOracle, error) {
	if provCfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      provCfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: provCfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := provCfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiOracle{client: client, model: model}, nil
}

func (o *GeminiOracle) Generate(ctx context.Context, req Request) (Response, error) {
	data, err := os.ReadFile(req.Document.StoredPath)
	if err != nil {
		return Response{}, fmt.Errorf("read document: %w", err)
	}
	mimeType := req.Document.MimeType
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	model := req.Model
	if model == "" {
		model = o.model
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, mimeType),
			genai.NewPartFromText(req.Prompt),
		}, genai.RoleUser),
	}
	result, err := o.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return Response{}, fmt.Errorf("generate content: %w", err)
	}
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return Response{}, errors.New("empty response from Gemini")
	}

	var text strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
	}
	resp := Response{Text: strings.TrimSpace(text.String())}
	if meta := result.UsageMetadata; meta != nil {
		resp.Usage = &models.TokenUsage{
			InputUnits:  int64(meta.PromptTokenCount),
			OutputUnits: int64(meta.CandidatesTokenCount),
		}
	}
	return resp, nil
}
