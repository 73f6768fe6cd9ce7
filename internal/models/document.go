package models

import (
	"math"
	"time"
)

// Document is an uploaded source file. It is never mutated after registration.
type Document struct {
	Name       string    `json:"name"`
	StoredPath string    `json:"stored_path"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	PageCount  int       `json:"page_count"`
	ReceivedAt time.Time `json:"received_at"`
}

// SizeMiB reports the size in MiB rounded to two decimals.
func (d Document) SizeMiB() float64 {
	return RoundMiB(d.Size)
}

// RoundMiB converts bytes to MiB rounded to two decimals.
func RoundMiB(size int64) float64 {
	return math.Round(float64(size)/(1024*1024)*100) / 100
}

// ClassificationResult is the oracle verdict for one document.
type ClassificationResult struct {
	DocumentName  string `json:"document_name"`
	IsTargetGenre bool   `json:"is_target_genre"`
	RawText       string `json:"raw_text"`
}

// Summary is the narrative text produced for a document that passed the gate.
type Summary struct {
	DocumentName  string `json:"document_name"`
	IsTargetGenre bool   `json:"is_target_genre"`
	Text          string `json:"text"`
	WordCount     int    `json:"word_count"`
}
