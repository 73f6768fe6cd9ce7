package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pdfcast/internal/models"
)

// ArtifactStore tracks synthesized audio files kept under dir.
type ArtifactStore struct {
	dir string
	now func() time.Time
	reg *registry[models.AudioArtifact]
}

func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{
		dir: dir,
		now: time.Now,
		reg: newRegistry("audio file",
			func(a models.AudioArtifact) string { return a.Name },
			func(a models.AudioArtifact) time.Time { return a.CreatedAt },
		),
	}
}

// Register adds an artifact whose bytes are already on disk.
func (s *ArtifactStore) Register(artifact models.AudioArtifact) error {
	return s.reg.register(artifact)
}

// Put writes data under a unique name derived from name and registers the result.
// Nothing is registered if the write fails.
func (s *ArtifactStore) Put(name, sourceName, mimeType string, data []byte) (models.AudioArtifact, error) {
	f, finalName, err := CreateUnique(s.dir, name)
	if err != nil {
		return models.AudioArtifact{}, err
	}
	path := filepath.Join(s.dir, finalName)
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return models.AudioArtifact{}, fmt.Errorf("write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return models.AudioArtifact{}, fmt.Errorf("close audio file: %w", err)
	}

	artifact := models.AudioArtifact{
		Name:       finalName,
		StoredPath: path,
		SourceName: sourceName,
		MimeType:   mimeType,
		Size:       int64(len(data)),
		CreatedAt:  s.now(),
	}
	if err := s.reg.register(artifact); err != nil {
		os.Remove(path)
		return models.AudioArtifact{}, err
	}
	return artifact, nil
}

// Latest returns the most recently created artifact, or a *models.NotFoundError.
func (s *ArtifactStore) Latest() (models.AudioArtifact, error) {
	return s.reg.latest()
}

// Get looks an artifact up by its file name.
func (s *ArtifactStore) Get(name string) (models.AudioArtifact, error) {
	return s.reg.get(name)
}

func (s *ArtifactStore) Count() int {
	return s.reg.count()
}
