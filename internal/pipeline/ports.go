package pipeline

import (
	"context"

	"pdfcast/internal/models"
	"pdfcast/internal/service/synthesis"
)

// DocumentSource selects the document a run works on.
type DocumentSource interface {
	Latest() (models.Document, error)
}

// Inference classifies and summarizes documents.
type Inference interface {
	Classify(ctx context.Context, doc models.Document) (models.ClassificationResult, error)
	Summarize(ctx context.Context, doc models.Document, isTargetGenre bool) (models.Summary, error)
}

// Synthesizer turns narration text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (synthesis.Audio, error)
}

// ArtifactSink stores audio bytes and registers the resulting artifact.
type ArtifactSink interface {
	Put(name, sourceName, mimeType string, data []byte) (models.AudioArtifact, error)
}
