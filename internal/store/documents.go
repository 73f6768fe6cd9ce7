package store

import (
	"time"

	"pdfcast/internal/models"
)

// DocumentStore tracks uploaded source documents.
type DocumentStore struct {
	reg *registry[models.Document]
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		reg: newRegistry("document",
			func(d models.Document) string { return d.Name },
			func(d models.Document) time.Time { return d.ReceivedAt },
		),
	}
}

// Register adds doc. Names are unique within the store.
func (s *DocumentStore) Register(doc models.Document) error {
	return s.reg.register(doc)
}

// Latest returns the most recently received document, or a *models.NotFoundError.
func (s *DocumentStore) Latest() (models.Document, error) {
	return s.reg.latest()
}

func (s *DocumentStore) Count() int {
	return s.reg.count()
}
