package inference

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"pdfcast/internal/logging"
	"pdfcast/internal/models"
)

const classifyPrompt = `Please analyze the content of the PDF.
Determine if this is a research paper or not.

Look for these characteristics of research papers:
- Abstract section
- Introduction, methodology, results, conclusion sections
- References/bibliography
- Academic writing style
- Citations and references to other papers

Respond with ONLY:
- "YES" if it is a research paper
- "NO" if it is not a research paper`

const researchSummaryPrompt = `Please summarize the content of this research paper in a way that would suit an audiobook.
The summary should be engaging, clear and concise, highlighting the key points and findings.

Guidelines:
- Do not use AI terms like "this is a research paper" or "as an AI model"
- Summarize like a human narrator would, straightforward and conversational
- Explain scientific terms clearly and simply, with examples where they help
- Cover: background, methodology, key findings, conclusions, and implications
- Structure it with clear sections and smooth transitions for audio listening`

const generalSummaryPrompt = `Please summarize the content of this document in a way that would suit an audiobook.
The summary should be engaging, clear and concise, highlighting the main topics and key information.

Guidelines:
- Do not mention that this is an AI summary
- Summarize like a human narrator would, straightforward and conversational
- Break complex topics down into simple language
- Walk through the main topics in a logical order
- Focus on the most important information and practical insights`

// UsageRecorder receives the consumption of every oracle call and buckets it
// into its own current day.
type UsageRecorder interface {
	Record(ctx context.Context, input, output int64)
}

// Models picks per-operation model overrides; empty means the oracle default.
type Models struct {
	Classify  string
	Summarize string
}

// Gateway is the classify/summarize boundary. Each operation calls the oracle
// exactly once and reports its consumption; failures are never retried.
type Gateway struct {
	oracle Oracle
	usage  UsageRecorder
	models Models
	logger *slog.Logger
}

func NewGateway(oracle Oracle, usage UsageRecorder, m Models, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gateway{
		oracle: oracle,
		usage:  usage,
		models: m,
		logger: logger,
	}
}

// Classify asks the oracle whether doc is a research paper.
func (g *Gateway) Classify(ctx context.Context, doc models.Document) (models.ClassificationResult, error) {
	resp, err := g.call(ctx, "classify", Request{Model: g.models.Classify, Prompt: classifyPrompt, Document: doc})
	if err != nil {
		return models.ClassificationResult{}, err
	}
	return models.ClassificationResult{
		DocumentName:  doc.Name,
		IsTargetGenre: isAffirmative(resp.Text),
		RawText:       resp.Text,
	}, nil
}

// Summarize produces narration text; isTargetGenre only selects the prompt.
func (g *Gateway) Summarize(ctx context.Context, doc models.Document, isTargetGenre bool) (models.Summary, error) {
	prompt := generalSummaryPrompt
	if isTargetGenre {
		prompt = researchSummaryPrompt
	}
	resp, err := g.call(ctx, "summarize", Request{Model: g.models.Summarize, Prompt: prompt, Document: doc})
	if err != nil {
		return models.Summary{}, err
	}
	return models.Summary{
		DocumentName:  doc.Name,
		IsTargetGenre: isTargetGenre,
		Text:          resp.Text,
		WordCount:     len(strings.Fields(resp.Text)),
	}, nil
}

func (g *Gateway) call(ctx context.Context, op string, req Request) (Response, error) {
	start := time.Now()
	resp, err := g.oracle.Generate(ctx, req)
	if err != nil {
		g.logger.Warn("oracle call failed", "op", op, "document", req.Document.Name, "err", err)
		return Response{}, &models.InferenceError{Op: op, Err: err}
	}
	var in, out int64
	if resp.Usage != nil {
		in, out = resp.Usage.InputUnits, resp.Usage.OutputUnits
	}
	if g.usage != nil {
		// the call already happened, so its cost is recorded even if ctx is now cancelled
		g.usage.Record(context.WithoutCancel(ctx), in, out)
	}
	g.logger.Debug("oracle call done", "op", op, "document", req.Document.Name,
		"input_units", in, "output_units", out, "elapsed", time.Since(start))
	return resp, nil
}

// isAffirmative reports whether the reply opens with the word YES.
func isAffirmative(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	word := strings.TrimFunc(fields[0], func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	return strings.EqualFold(word, "YES")
}
