package models

import "fmt"

// NotFoundError means no document or artifact exists yet.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s found", e.Resource)
}

// ValidationError is a policy rejection: wrong content type on ingestion,
// or a document that fails the target-genre gate.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// InferenceError wraps a failed classify/summarize oracle call.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// SynthesisError wraps a failed text-to-speech oracle call.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// LedgerIOError wraps a usage ledger storage failure.
type LedgerIOError struct {
	Op  string
	Err error
}

func (e *LedgerIOError) Error() string {
	return fmt.Sprintf("usage ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerIOError) Unwrap() error { return e.Err }
