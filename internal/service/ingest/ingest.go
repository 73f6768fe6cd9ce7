package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pdfcast/internal/logging"
	"pdfcast/internal/models"
	"pdfcast/internal/store"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const pdfMime = "application/pdf"

// PageCounter returns the number of pages in a PDF, failing for malformed input.
type PageCounter func(rs io.ReadSeeker) (int, error)

// Service validates incoming documents, stores them on disk and registers them.
type Service struct {
	dir      string
	maxBytes int64
	docs     *store.DocumentStore
	pages    PageCounter
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(dir string, maxBytes int64, docs *store.DocumentStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		dir:      dir,
		maxBytes: maxBytes,
		docs:     docs,
		pages:    countPages,
		now:      time.Now,
		logger:   logger,
	}
}

func countPages(rs io.ReadSeeker) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(rs, conf)
}

// Ingest accepts a named blob. declaredType may be empty; when set it must be application/pdf.
// Policy rejections are returned as *models.ValidationError.
func (s *Service) Ingest(ctx context.Context, filename, declaredType string, r io.Reader) (models.Document, error) {
	if err := ctx.Err(); err != nil {
		return models.Document{}, err
	}
	if declaredType != "" && !isPDFType(declaredType) {
		return models.Document{}, &models.ValidationError{Reason: "only PDF files are allowed"}
	}
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return models.Document{}, &models.ValidationError{Reason: "file name is required"}
	}
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		name += ".pdf"
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return models.Document{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return models.Document{}, &models.ValidationError{Reason: fmt.Sprintf("file exceeds %d bytes", s.maxBytes)}
	}
	if sniffed := http.DetectContentType(data); sniffed != pdfMime {
		return models.Document{}, &models.ValidationError{Reason: "only PDF files are allowed"}
	}
	pageCount, err := s.pages(bytes.NewReader(data))
	if err != nil {
		return models.Document{}, &models.ValidationError{Reason: fmt.Sprintf("unreadable PDF: %v", err)}
	}

	f, finalName, err := store.CreateUnique(s.dir, name)
	if err != nil {
		return models.Document{}, err
	}
	path := filepath.Join(s.dir, finalName)
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return models.Document{}, fmt.Errorf("save document: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return models.Document{}, fmt.Errorf("save document: %w", err)
	}

	doc := models.Document{
		Name:       finalName,
		StoredPath: path,
		MimeType:   pdfMime,
		Size:       int64(len(data)),
		PageCount:  pageCount,
		ReceivedAt: s.now(),
	}
	if err := s.docs.Register(doc); err != nil {
		os.Remove(path)
		return models.Document{}, fmt.Errorf("register document: %w", err)
	}
	s.logger.Info("document ingested", "name", doc.Name, "size", doc.Size, "pages", doc.PageCount)
	return doc, nil
}

// IngestFile ingests a file already on disk, e.g. one dropped into the inbox.
func (s *Service) IngestFile(ctx context.Context, path string) (models.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Document{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return s.Ingest(ctx, filepath.Base(path), "", f)
}

func isPDFType(value string) bool {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return false
	}
	return mediaType == pdfMime
}
