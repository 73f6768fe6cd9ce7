package pipeline

import "pdfcast/internal/models"

// State is a step of the run state machine.
type State string

const (
	SelectingDocument State = "selecting_document"
	Classifying       State = "classifying"
	Gating            State = "gating"
	Summarizing       State = "summarizing"
	Synthesizing      State = "synthesizing"
	Done              State = "done"
	Aborted           State = "aborted"
)

// Verdict tells policy rejections, failures and cancellations apart.
type Verdict string

const (
	Completed Verdict = "completed"
	Rejected  Verdict = "rejected"
	Failed    Verdict = "failed"
	Cancelled Verdict = "cancelled"
)

const (
	ReasonNoDocument     = "no document"
	ReasonClassifyFailed = "classification failed"
	ReasonNotTarget      = "not target genre: summarization skipped to conserve budget"
	ReasonSummarizeFail  = "summarization failed"
	ReasonSynthesisFail  = "synthesis failed"
	ReasonStoreFailed    = "artifact registration failed"
	ReasonCancelled      = "cancelled"
)

// Outcome is the tagged result of a run. Pointers are set for every stage that completed.
type Outcome struct {
	Verdict  Verdict
	State    State
	FailedAt State
	Reason   string
	Err      error

	Document       *models.Document
	Classification *models.ClassificationResult
	Summary        *models.Summary
	Artifact       *models.AudioArtifact
}

func (o Outcome) OK() bool {
	return o.Verdict == Completed
}
