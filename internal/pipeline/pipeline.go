package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"pdfcast/internal/logging"
	"pdfcast/internal/models"
)

// Deps wires the collaborators a run coordinates.
type Deps struct {
	Documents DocumentSource
	Inference Inference
	Synthesis Synthesizer
	Artifacts ArtifactSink
	// AllowGeneralSummaries summarizes non-target documents with the general
	// prompt instead of stopping at the gate.
	AllowGeneralSummaries bool
	Logger                *slog.Logger
}

// Orchestrator drives select -> classify -> gate -> summarize -> synthesize -> register.
// It holds no run state; concurrent runs only share the collaborators.
type Orchestrator struct {
	documents    DocumentSource
	inference    Inference
	synthesis    Synthesizer
	artifacts    ArtifactSink
	allowGeneral bool
	logger       *slog.Logger
}

func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		documents:    deps.Documents,
		inference:    deps.Inference,
		synthesis:    deps.Synthesis,
		artifacts:    deps.Artifacts,
		allowGeneral: deps.AllowGeneralSummaries,
		logger:       logger,
	}
}

// Run executes every stage and registers the audio artifact.
func (o *Orchestrator) Run(ctx context.Context) Outcome {
	return o.run(ctx, Done)
}

// Classify stops after classifying the latest document.
func (o *Orchestrator) Classify(ctx context.Context) Outcome {
	return o.run(ctx, Gating)
}

// Summarize stops after the summary, so nothing is synthesized.
func (o *Orchestrator) Summarize(ctx context.Context) Outcome {
	return o.run(ctx, Synthesizing)
}

// run walks the stages in order and returns as soon as stage `until` is reached.
func (o *Orchestrator) run(ctx context.Context, until State) Outcome {
	var out Outcome

	if o.cancelled(ctx, &out, SelectingDocument, nil) {
		return out
	}
	doc, err := o.documents.Latest()
	if err != nil {
		return o.abort(out, SelectingDocument, Failed, ReasonNoDocument, err)
	}
	out.Document = &doc
	runLog := o.logger.With("document", doc.Name)

	if o.cancelled(ctx, &out, Classifying, nil) {
		return out
	}
	runLog.Debug("pipeline stage", "state", Classifying)
	class, err := o.inference.Classify(ctx, doc)
	if err != nil {
		if o.cancelled(ctx, &out, Classifying, err) {
			return out
		}
		return o.abort(out, Classifying, Failed, ReasonClassifyFailed, err)
	}
	out.Classification = &class
	if until == Gating {
		return o.done(out)
	}

	if !class.IsTargetGenre && !o.allowGeneral {
		runLog.Info("pipeline gated", "raw", class.RawText)
		return o.abort(out, Gating, Rejected, ReasonNotTarget, &models.ValidationError{Reason: ReasonNotTarget})
	}

	if o.cancelled(ctx, &out, Summarizing, nil) {
		return out
	}
	runLog.Debug("pipeline stage", "state", Summarizing)
	summary, err := o.inference.Summarize(ctx, doc, class.IsTargetGenre)
	if err != nil {
		if o.cancelled(ctx, &out, Summarizing, err) {
			return out
		}
		return o.abort(out, Summarizing, Failed, ReasonSummarizeFail, err)
	}
	out.Summary = &summary
	if until == Synthesizing {
		return o.done(out)
	}

	if o.cancelled(ctx, &out, Synthesizing, nil) {
		return out
	}
	runLog.Debug("pipeline stage", "state", Synthesizing)
	audio, err := o.synthesis.Synthesize(ctx, summary.Text)
	if err != nil {
		if o.cancelled(ctx, &out, Synthesizing, err) {
			return out
		}
		return o.abort(out, Synthesizing, Failed, ReasonSynthesisFail, err)
	}
	if o.cancelled(ctx, &out, Synthesizing, nil) {
		return out
	}
	artifact, err := o.artifacts.Put(ArtifactName(doc.Name, audio.Ext), doc.Name, audio.MimeType, audio.Data)
	if err != nil {
		return o.abort(out, Synthesizing, Failed, ReasonStoreFailed, err)
	}
	out.Artifact = &artifact
	runLog.Info("pipeline completed", "artifact", artifact.Name, "words", summary.WordCount)
	return o.done(out)
}

func (o *Orchestrator) done(out Outcome) Outcome {
	out.Verdict = Completed
	out.State = Done
	return out
}

func (o *Orchestrator) abort(out Outcome, at State, verdict Verdict, reason string, err error) Outcome {
	out.Verdict = verdict
	out.State = Aborted
	out.FailedAt = at
	out.Reason = reason
	out.Err = err
	if verdict == Failed {
		o.logger.Warn("pipeline aborted", "stage", at, "reason", reason, "err", err)
	}
	return out
}

// cancelled aborts out when ctx is done or stageErr stems from cancellation.
func (o *Orchestrator) cancelled(ctx context.Context, out *Outcome, at State, stageErr error) bool {
	err := ctx.Err()
	if err == nil && stageErr != nil &&
		(errors.Is(stageErr, context.Canceled) || errors.Is(stageErr, context.DeadlineExceeded)) {
		err = stageErr
	}
	if err == nil {
		return false
	}
	*out = o.abort(*out, at, Cancelled, ReasonCancelled, err)
	o.logger.Info("pipeline cancelled", "stage", at)
	return true
}

// ArtifactName derives "audiobook_<document base><ext>".
func ArtifactName(documentName, ext string) string {
	base := strings.TrimSuffix(documentName, filepath.Ext(documentName))
	if ext == "" {
		ext = ".wav"
	}
	return "audiobook_" + base + ext
}
