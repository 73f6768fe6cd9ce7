package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"pdfcast/internal/config"
	"pdfcast/internal/models"
	"pdfcast/internal/pipeline"
	"pdfcast/internal/service/ingest"
	"pdfcast/internal/service/synthesis"
	"pdfcast/internal/storage"
	"pdfcast/internal/store"
	"pdfcast/internal/testutil"
	"pdfcast/internal/usage"
	"pdfcast/internal/worker"
)

type stubInference struct {
	mu             sync.Mutex
	target         bool
	classifyErr    error
	summaryText    string
	summarizeCalls int
}

func (s *stubInference) Classify(_ context.Context, doc models.Document) (models.ClassificationResult, error) {
	if s.classifyErr != nil {
		return models.ClassificationResult{}, s.classifyErr
	}
	raw := "NO"
	if s.target {
		raw = "YES"
	}
	return models.ClassificationResult{DocumentName: doc.Name, IsTargetGenre: s.target, RawText: raw}, nil
}

func (s *stubInference) Summarize(_ context.Context, doc models.Document, isTarget bool) (models.Summary, error) {
	s.mu.Lock()
	s.summarizeCalls++
	s.mu.Unlock()
	text := s.summaryText
	if text == "" {
		text = "Hello world"
	}
	return models.Summary{DocumentName: doc.Name, IsTargetGenre: isTarget, Text: text, WordCount: len(strings.Fields(text))}, nil
}

func (s *stubInference) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summarizeCalls
}

type stubSynthesizer struct{}

func (stubSynthesizer) Synthesize(_ context.Context, text string) (synthesis.Audio, error) {
	return synthesis.Audio{Data: synthesis.WAV([]byte(text), 24000, 1, 16), MimeType: "audio/wav", Ext: ".wav"}, nil
}

type busyWorkers struct{}

func (busyWorkers) Do(context.Context, string, func(context.Context)) error {
	return worker.ErrDispatcherBusy
}

type testServer struct {
	router    *gin.Engine
	inference *stubInference
	ledger    *usage.Ledger
	docs      *store.DocumentStore
}

type serverOption func(*Deps)

func newTestServer(t *testing.T, inf *stubInference, opts ...serverOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Open("sqlite3", &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	ledger, err := usage.NewLedger(db, "sqlite3", usage.WithLocation(time.UTC))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	docs := store.NewDocumentStore()
	artifacts := store.NewArtifactStore(t.TempDir())
	dispatcher := worker.NewDispatcher(worker.Config{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dispatcher.Close(ctx)
	})

	deps := Deps{
		Ingest:    ingest.NewService(t.TempDir(), 1<<20, docs, nil),
		Documents: docs,
		Artifacts: artifacts,
		Pipeline: pipeline.New(pipeline.Deps{
			Documents: docs,
			Inference: inf,
			Synthesis: stubSynthesizer{},
			Artifacts: artifacts,
		}),
		Workers:        dispatcher,
		Usage:          usage.NewReporter(ledger, 1000, nil, 0, nil),
		MaxUploadBytes: 1 << 20,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	for _, opt := range opts {
		opt(&deps)
	}

	router := gin.New()
	NewHandler(deps).RegisterRoutes(router)
	return &testServer{router: router, inference: inf, ledger: ledger, docs: docs}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func uploadFile(t *testing.T, router *gin.Engine, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d (want %d), body: %s", rec.Code, want, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubInference{target: true})
	rec := doJSONRequest(t, srv.router, http.MethodGet, "/", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var body map[string]string
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body["status"] != "active" || body["service"] != serviceName {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t, &stubInference{target: true})

	upResp := uploadFile(t, srv.router, "paper.pdf", "application/pdf", testutil.MinimalPDF(2))
	assertStatus(t, upResp, http.StatusCreated)
	var upBody struct {
		Filename string `json:"filename"`
		Pages    int    `json:"pages"`
	}
	decodeJSON(t, upResp.Body.Bytes(), &upBody)
	if upBody.Filename != "paper.pdf" || upBody.Pages != 2 {
		t.Fatalf("unexpected upload body %s", upResp.Body.String())
	}

	latest := doJSONRequest(t, srv.router, http.MethodGet, "/api/documents/latest", nil, nil)
	assertStatus(t, latest, http.StatusOK)
	var latestBody struct {
		Filename   string  `json:"filename"`
		SizeMB     float64 `json:"size_mb"`
		TotalFiles int     `json:"total_files"`
	}
	decodeJSON(t, latest.Body.Bytes(), &latestBody)
	if latestBody.Filename != "paper.pdf" || latestBody.TotalFiles != 1 {
		t.Fatalf("unexpected latest body %s", latest.Body.String())
	}

	classResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/documents/latest/classification", nil, nil)
	assertStatus(t, classResp, http.StatusOK)
	var classBody struct {
		IsTarget bool   `json:"is_target_genre"`
		Raw      string `json:"raw_response"`
	}
	decodeJSON(t, classResp.Body.Bytes(), &classBody)
	if !classBody.IsTarget || classBody.Raw != "YES" {
		t.Fatalf("unexpected classification %s", classResp.Body.String())
	}

	sumResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/documents/latest/summary", nil, nil)
	assertStatus(t, sumResp, http.StatusOK)
	var sumBody struct {
		Summary   string `json:"summary"`
		WordCount int    `json:"word_count"`
	}
	decodeJSON(t, sumResp.Body.Bytes(), &sumBody)
	if sumBody.Summary != "Hello world" || sumBody.WordCount != 2 {
		t.Fatalf("unexpected summary %s", sumResp.Body.String())
	}

	bookResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/audiobooks", nil, nil)
	assertStatus(t, bookResp, http.StatusCreated)
	var bookBody struct {
		Source      string `json:"source_document"`
		AudioFile   string `json:"audio_file"`
		TextLength  int    `json:"text_length"`
		WordCount   int    `json:"word_count"`
		DownloadURL string `json:"download_url"`
	}
	decodeJSON(t, bookResp.Body.Bytes(), &bookBody)
	if bookBody.Source != "paper.pdf" || bookBody.AudioFile != "audiobook_paper.wav" {
		t.Fatalf("unexpected audiobook body %s", bookResp.Body.String())
	}
	if bookBody.TextLength != len("Hello world") || bookBody.WordCount != 2 {
		t.Fatalf("unexpected lengths %s", bookResp.Body.String())
	}
	if bookBody.DownloadURL != "/api/audiobooks/audiobook_paper.wav/download" {
		t.Fatalf("download url = %q", bookBody.DownloadURL)
	}

	dl := doJSONRequest(t, srv.router, http.MethodGet, bookBody.DownloadURL, nil, nil)
	assertStatus(t, dl, http.StatusOK)
	if cd := dl.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Fatalf("expected attachment disposition, got %q", cd)
	}
	if !bytes.HasPrefix(dl.Body.Bytes(), []byte("RIFF")) {
		t.Fatalf("downloaded body is not a wav file")
	}

	latestDL := doJSONRequest(t, srv.router, http.MethodGet, "/api/audiobooks/latest/download", nil, nil)
	assertStatus(t, latestDL, http.StatusOK)
	if !strings.Contains(latestDL.Header().Get("Content-Disposition"), "audiobook_paper.wav") {
		t.Fatalf("latest download names the wrong file: %q", latestDL.Header().Get("Content-Disposition"))
	}

	play := doJSONRequest(t, srv.router, http.MethodGet, "/api/audiobooks/latest/play", nil, nil)
	assertStatus(t, play, http.StatusOK)
	if cd := play.Header().Get("Content-Disposition"); cd != "" {
		t.Fatalf("inline playback must not set a disposition, got %q", cd)
	}
	if ct := play.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("play content type = %q", ct)
	}
}

func TestSecondAudiobookGetsEscapedDownloadURL(t *testing.T) {
	srv := newTestServer(t, &stubInference{target: true})
	assertStatus(t, uploadFile(t, srv.router, "paper.pdf", "application/pdf", testutil.MinimalPDF(1)), http.StatusCreated)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/audiobooks", nil, nil), http.StatusCreated)

	second := doJSONRequest(t, srv.router, http.MethodPost, "/api/audiobooks", nil, nil)
	assertStatus(t, second, http.StatusCreated)
	var body struct {
		AudioFile   string `json:"audio_file"`
		DownloadURL string `json:"download_url"`
	}
	decodeJSON(t, second.Body.Bytes(), &body)
	if body.AudioFile != "audiobook_paper (1).wav" {
		t.Fatalf("audio file = %q", body.AudioFile)
	}
	if body.DownloadURL != "/api/audiobooks/audiobook_paper%20%281%29.wav/download" {
		t.Fatalf("download url = %q", body.DownloadURL)
	}
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, body.DownloadURL, nil, nil), http.StatusOK)
}

func TestNotFoundBeforeUpload(t *testing.T) {
	srv := newTestServer(t, &stubInference{target: true})
	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/documents/latest"},
		{http.MethodGet, "/api/documents/latest/classification"},
		{http.MethodGet, "/api/documents/latest/summary"},
		{http.MethodPost, "/api/audiobooks"},
		{http.MethodGet, "/api/audiobooks/latest/download"},
		{http.MethodGet, "/api/audiobooks/latest/play"},
		{http.MethodGet, "/api/audiobooks/missing.wav/download"},
	} {
		rec := doJSONRequest(t, srv.router, tc.method, tc.path, nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: status %d, body %s", tc.method, tc.path, rec.Code, rec.Body.String())
		}
	}
	rep, err := srv.ledger.Today(context.Background())
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	if rep.TotalUnits != 0 {
		t.Fatalf("ledger written without a document: %+v", rep)
	}
}

func TestGateRejectionIsDistinctFromFailure(t *testing.T) {
	inf := &stubInference{target: false}
	srv := newTestServer(t, inf)
	assertStatus(t, uploadFile(t, srv.router, "novel.pdf", "application/pdf", testutil.MinimalPDF(1)), http.StatusCreated)

	for _, path := range []string{"/api/documents/latest/summary", "/api/audiobooks"} {
		method := http.MethodGet
		if path == "/api/audiobooks" {
			method = http.MethodPost
		}
		rec := doJSONRequest(t, srv.router, method, path, nil, nil)
		assertStatus(t, rec, http.StatusBadRequest)
		var body struct {
			Rejected bool   `json:"rejected"`
			Error    string `json:"error"`
			Filename string `json:"filename"`
		}
		decodeJSON(t, rec.Body.Bytes(), &body)
		if !body.Rejected || body.Error != pipeline.ReasonNotTarget || body.Filename != "novel.pdf" {
			t.Fatalf("%s: unexpected rejection body %s", path, rec.Body.String())
		}
	}
	if inf.calls() != 0 {
		t.Fatalf("summarize called %d times for a gated document", inf.calls())
	}

	// classification alone is not gated
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/documents/latest/classification", nil, nil), http.StatusOK)
}

func TestUploadRejectsNonPDF(t *testing.T) {
	srv := newTestServer(t, &stubInference{target: true})

	rec := uploadFile(t, srv.router, "notes.txt", "text/plain", []byte("plain text"))
	assertStatus(t, rec, http.StatusBadRequest)
	var body struct {
		Rejected bool `json:"rejected"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if !body.Rejected {
		t.Fatalf("expected policy rejection, got %s", rec.Body.String())
	}

	spoofed := uploadFile(t, srv.router, "fake.pdf", "application/pdf", []byte("not really a pdf"))
	assertStatus(t, spoofed, http.StatusBadRequest)

	if srv.docs.Count() != 0 {
		t.Fatalf("rejected uploads were registered")
	}
}

func TestUploadRequiresFile(t *testing.T) {
	srv := newTestServer(t, &stubInference{target: true})
	rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/documents", map[string]string{"x": "y"}, nil)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestBusyDispatcherAnswers429(t *testing.T) {
	srv := newTestServer(t, &stubInference{target: true}, func(d *Deps) { d.Workers = busyWorkers{} })
	assertStatus(t, uploadFile(t, srv.router, "paper.pdf", "application/pdf", testutil.MinimalPDF(1)), http.StatusCreated)
	rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/audiobooks", nil, nil)
	assertStatus(t, rec, http.StatusTooManyRequests)
}

func TestInferenceFailureIsBadGateway(t *testing.T) {
	inf := &stubInference{classifyErr: &models.InferenceError{Op: "classify", Err: errors.New("quota exhausted")}}
	srv := newTestServer(t, inf)
	assertStatus(t, uploadFile(t, srv.router, "paper.pdf", "application/pdf", testutil.MinimalPDF(1)), http.StatusCreated)

	rec := doJSONRequest(t, srv.router, http.MethodPost, "/api/audiobooks", nil, nil)
	assertStatus(t, rec, http.StatusBadGateway)
	if !strings.Contains(rec.Body.String(), "quota exhausted") {
		t.Fatalf("expected underlying cause in body, got %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"rejected"`) {
		t.Fatalf("failure reported as rejection: %s", rec.Body.String())
	}
}

func TestUsageReport(t *testing.T) {
	srv := newTestServer(t, &stubInference{target: true})
	ctx := context.Background()
	now := time.Now()
	srv.ledger.Accumulate(ctx, now, 100, 50)
	srv.ledger.Accumulate(ctx, now.AddDate(0, 0, -3), 10, 10)
	srv.ledger.Accumulate(ctx, now.AddDate(0, 0, -20), 500, 500)

	rec := doJSONRequest(t, srv.router, http.MethodGet, "/api/usage", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Today struct {
			Total int64 `json:"total_tokens"`
		} `json:"today"`
		History        []models.UsageRecord `json:"history"`
		TotalAllTime   int64                `json:"total_all_time"`
		DailyLimit     int64                `json:"daily_limit"`
		LimitRemaining int64                `json:"limit_remaining"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Today.Total != 150 || len(body.History) != 2 || body.TotalAllTime != 170 {
		t.Fatalf("unexpected usage body %s", rec.Body.String())
	}
	if body.DailyLimit != 1000 || body.LimitRemaining != 830 {
		t.Fatalf("unexpected limits %s", rec.Body.String())
	}

	wide := doJSONRequest(t, srv.router, http.MethodGet, "/api/usage?days=30", nil, nil)
	assertStatus(t, wide, http.StatusOK)
	decodeJSON(t, wide.Body.Bytes(), &body)
	if len(body.History) != 3 || body.LimitRemaining != 0 {
		t.Fatalf("unexpected 30 day usage %s", wide.Body.String())
	}

	for _, bad := range []string{"-1", "abc", "3661", "4611686018427387904", "99999999999999999999"} {
		assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/usage?days="+bad, nil, nil), http.StatusBadRequest)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &stubInference{target: true})

	allowed := doJSONRequest(t, srv.router, http.MethodOptions, "/api/audiobooks", nil, map[string]string{"Origin": "http://localhost:3000"})
	assertStatus(t, allowed, http.StatusNoContent)
	if got := allowed.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow origin = %q", got)
	}

	denied := doJSONRequest(t, srv.router, http.MethodOptions, "/api/audiobooks", nil, map[string]string{"Origin": "http://evil.example"})
	assertStatus(t, denied, http.StatusForbidden)

	simple := doJSONRequest(t, srv.router, http.MethodGet, "/", nil, map[string]string{"Origin": "http://evil.example"})
	assertStatus(t, simple, http.StatusOK)
	if got := simple.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin received allow header %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{&models.NotFoundError{Resource: "document"}, http.StatusNotFound},
		{&models.ValidationError{Reason: "nope"}, http.StatusBadRequest},
		{worker.ErrDispatcherBusy, http.StatusTooManyRequests},
		{worker.ErrDispatcherClosed, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusRequestTimeout},
		{fmt.Errorf("run: %w", context.DeadlineExceeded), http.StatusRequestTimeout},
		{&models.InferenceError{Op: "summarize", Err: errors.New("boom")}, http.StatusBadGateway},
		{&models.SynthesisError{Err: errors.New("boom")}, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	} {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
