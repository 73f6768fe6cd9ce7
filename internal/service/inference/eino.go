package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pdfcast/internal/config"
	"pdfcast/internal/logging"
	"pdfcast/internal/models"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const maxDocumentRunes = 200000

// TextLoader extracts readable text from a stored document.
type TextLoader interface {
	Load(ctx context.Context, src document.Source, opts ...document.LoaderOption) ([]*schema.Document, error)
}

// EinoOracle serves text-only chat models: the document is converted to text first.
type EinoOracle struct {
	chat   model.BaseChatModel
	loader TextLoader
	logger *slog.Logger
}

func NewEinoOracle(ctx context.Context, provider string, provCfg config.ProviderConfig, logger *slog.Logger) (*EinoOracle, error) {
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("%s api key is required", provider)
	}
	var (
		chat model.BaseChatModel
		err  error
	)
	switch provider {
	case "openai":
		chat, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chat, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 4096,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	loader, err := NewDocumentLoader(ctx)
	if err != nil {
		return nil, err
	}
	return NewEinoOracleWith(chat, loader, logger), nil
}

// NewEinoOracleWith assembles an oracle from prebuilt parts.
func NewEinoOracleWith(chat model.BaseChatModel, loader TextLoader, logger *slog.Logger) *EinoOracle {
	if logger == nil {
		logger = logging.Discard()
	}
	return &EinoOracle{chat: chat, loader: loader, logger: logger}
}

// NewDocumentLoader builds a file loader that parses PDFs and falls back to plain text.
func NewDocumentLoader(ctx context.Context) (*file.FileLoader, error) {
	pdfParser, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: false})
	if err != nil {
		return nil, fmt.Errorf("init pdf parser: %w", err)
	}
	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers:        map[string]parser.Parser{".pdf": pdfParser},
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init document parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      extParser,
	})
	if err != nil {
		return nil, fmt.Errorf("init document loader: %w", err)
	}
	return loader, nil
}

func (o *EinoOracle) Generate(ctx context.Context, req Request) (Response, error) {
	text, err := o.documentText(ctx, req.Document)
	if err != nil {
		return Response{}, err
	}
	messages := []*schema.Message{
		schema.SystemMessage(strings.TrimSpace(req.Prompt)),
		schema.UserMessage("Document \"" + req.Document.Name + "\":\n\n" + text),
	}
	// Model overrides are ignored here; the chat model is bound at construction.
	out, err := o.chat.Generate(ctx, messages)
	if err != nil {
		return Response{}, fmt.Errorf("generate: %w", err)
	}
	if out == nil {
		return Response{}, errors.New("empty response from chat model")
	}
	resp := Response{Text: strings.TrimSpace(out.Content)}
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		resp.Usage = &models.TokenUsage{
			InputUnits:  int64(out.ResponseMeta.Usage.PromptTokens),
			OutputUnits: int64(out.ResponseMeta.Usage.CompletionTokens),
		}
	}
	return resp, nil
}

func (o *EinoOracle) documentText(ctx context.Context, doc models.Document) (string, error) {
	docs, err := o.loader.Load(ctx, document.Source{URI: doc.StoredPath})
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	var builder strings.Builder
	for _, d := range docs {
		content := strings.TrimSpace(d.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return "", errors.New("document has no readable text content")
	}
	if runes := []rune(text); len(runes) > maxDocumentRunes {
		o.logger.Warn("document text truncated", "name", doc.Name, "runes", len(runes))
		text = string(runes[:maxDocumentRunes])
	}
	return text, nil
}
