package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/noteloom/noteloom/config"
	"github.com/noteloom/noteloom/internal/blob"
	"github.com/noteloom/noteloom/internal/llm"
	"github.com/noteloom/noteloom/internal/pipeline"
	"github.com/noteloom/noteloom/internal/queue/streams"
	"github.com/noteloom/noteloom/internal/store"
	"github.com/noteloom/noteloom/internal/vector"
)

type stubProvider struct {
	generateText string
	embedVec     []float32
}

func (s *stubProvider) Generate(ctx context.Context, prompt string, maxTokens int) (llm.Result, error) {
	return llm.Result{Text: s.generateText, Provider: "stub", Model: "stub-1"}, nil
}

func (s *stubProvider) GenerateStream(ctx context.Context, prompt string, maxTokens int, emit func(string) error) (llm.Result, error) {
	if err := emit(s.generateText); err != nil {
		return llm.Result{}, err
	}
	return llm.Result{Text: s.generateText, Provider: "stub", Model: "stub-1"}, nil
}

func (s *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.embedVec
	}
	return out, nil
}

func (s *stubProvider) Name() string { return "stub" }

type docsEnv struct {
	e     *echo.Echo
	mock  sqlmock.Sqlmock
	redis *redis.Client
}

// fakeQdrant answers search requests with the provided matches and accepts
// point deletes.
func fakeQdrant(t *testing.T, matches []map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/points/search") {
			_ = json.NewEncoder(w).Encode(map[string]any{"result": matches})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDocsApp(t *testing.T, qdrantURL string) docsEnv {
	return newDocsAppUploads(t, qdrantURL, config.UploadsConfig{MaxSizeBytes: 1 << 20})
}

func newDocsAppUploads(t *testing.T, qdrantURL string, uploads config.UploadsConfig) docsEnv {
	t.Helper()
	st, mock := newMockStore(t)
	pub, rdb := newTestPublisher(t)

	bs, err := blob.New(t.TempDir())
	if err != nil {
		t.Fatalf("blob.New: %v", err)
	}
	vec, err := vector.New(config.VectorConfig{URL: qdrantURL, Collection: "chunks", Dimensions: 3})
	if err != nil {
		t.Fatalf("vector.New: %v", err)
	}
	provider := &stubProvider{generateText: "Paris is the capital.", embedVec: []float32{0.1, 0.2, 0.3}}
	pipe := &pipeline.Pipeline{
		Store:    st,
		Blob:     bs,
		Vector:   vec,
		Provider: provider,
		Embedder: provider,
		Cfg:      config.PipelineConfig{RetrievalTopK: 5},
		Retry:    pipeline.RetryPolicy{MaxAttempts: 1},
	}

	e := echo.New()
	h := &DocumentsHandler{
		Store:     st,
		Blob:      bs,
		Publisher: pub,
		Pipe:      pipe,
		Uploads:   uploads,
	}
	h.Register(e.Group("/api/documents"), testSecret)
	return docsEnv{e: e, mock: mock, redis: rdb}
}

func multipartBody(t *testing.T, filename string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestDocumentsRequireAuth(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = doRequest(t, env.e, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d", rec.Code)
	}
}

func TestUploadUnsupportedType(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	body, ctype := multipartBody(t, "malware.exe", []byte("MZ"), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestUploadInvalidStyle(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	body, ctype := multipartBody(t, "doc.txt", []byte("hello"), map[string]string{"note_style": "florid"})
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestUploadEmptyFile(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	body, ctype := multipartBody(t, "blank.txt", nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestUploadWithoutSizeCapKeepsContent(t *testing.T) {
	env := newDocsAppUploads(t, "http://unused", config.UploadsConfig{})

	content := []byte("forty bytes of document text, more or less")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE user_id=\$1 AND content_hash=\$2`).
		WithArgs("user-1", hash).
		WillReturnError(sql.ErrNoRows)
	env.mock.ExpectQuery(`INSERT INTO documents`).
		WithArgs("user-1", hash+".txt", "notes.txt", hash, int64(len(content)),
			sqlmock.AnyArg(), store.StatusUploaded, store.StyleBalanced, "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))

	body, ctype := multipartBody(t, "notes.txt", content, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUploadAccepted(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE user_id=\$1 AND content_hash=\$2`).
		WillReturnError(sql.ErrNoRows)
	env.mock.ExpectQuery(`INSERT INTO documents`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))

	body, ctype := multipartBody(t, "notes.txt", []byte("some document text"), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DocumentID != "doc-1" || resp.Status != store.StatusUploaded || resp.Duplicate {
		t.Errorf("resp = %+v", resp)
	}

	n, err := env.redis.XLen(context.Background(), streams.StreamIngest).Result()
	if err != nil || n != 1 {
		t.Errorf("ingest stream length = %d (%v), want 1", n, err)
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUploadDuplicate(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE user_id=\$1 AND content_hash=\$2`).
		WillReturnRows(documentRow(store.Document{ID: "doc-1", UserID: "user-1", Status: store.StatusCompleted}))

	body, ctype := multipartBody(t, "notes.txt", []byte("same bytes as before"), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Duplicate || resp.DocumentID != "doc-1" {
		t.Errorf("resp = %+v", resp)
	}

	n, _ := env.redis.XLen(context.Background(), streams.StreamIngest).Result()
	if n != 0 {
		t.Errorf("duplicate upload must not enqueue work, stream length = %d", n)
	}
}

func TestGetDocumentNotOwned(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE id=\$1 AND user_id=\$2`).
		WithArgs("doc-9", "user-1").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/documents/doc-9", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatusReportsCounts(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE id=\$1 AND user_id=\$2`).
		WillReturnRows(documentRow(store.Document{ID: "doc-1", UserID: "user-1", Status: store.StatusSummarizing}))
	env.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM chunks`).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	env.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM summaries`).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	req := httptest.NewRequest(http.MethodGet, "/api/documents/doc-1/status", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != store.StatusSummarizing || resp.Chunks != 12 || resp.Summaries != 7 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRetryCompletedDocumentConflicts(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE id=\$1 AND user_id=\$2`).
		WillReturnRows(documentRow(store.Document{ID: "doc-1", UserID: "user-1", Status: store.StatusCompleted}))

	req := httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/retry", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRetryStalledProcessingDocument(t *testing.T) {
	// A worker that died after claiming ingest leaves the document parked
	// in processing with no chunks; retry must still rewind it.
	env := newDocsApp(t, "http://unused")
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE id=\$1 AND user_id=\$2`).
		WillReturnRows(documentRow(store.Document{ID: "doc-1", UserID: "user-1", Status: store.StatusProcessing}))
	env.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM chunks`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	env.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM summaries`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	env.mock.ExpectExec(`UPDATE documents SET status=\$2`).
		WithArgs("doc-1", store.StatusUploaded).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/retry", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	n, _ := env.redis.XLen(context.Background(), streams.StreamIngest).Result()
	if n != 1 {
		t.Errorf("ingest stream length = %d, want 1", n)
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRetryRewindsToIngest(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE id=\$1 AND user_id=\$2`).
		WillReturnRows(documentRow(store.Document{ID: "doc-1", UserID: "user-1", Status: store.StatusFailed}))
	env.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM chunks`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	env.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM summaries`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	env.mock.ExpectExec(`UPDATE documents SET status=\$2`).
		WithArgs("doc-1", store.StatusUploaded).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/retry", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	n, _ := env.redis.XLen(context.Background(), streams.StreamIngest).Result()
	if n != 1 {
		t.Errorf("ingest stream length = %d, want 1", n)
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRetryRewindsToSynthesis(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE id=\$1 AND user_id=\$2`).
		WillReturnRows(documentRow(store.Document{ID: "doc-1", UserID: "user-1", Status: store.StatusFailed}))
	env.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM chunks`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	env.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM summaries`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	env.mock.ExpectExec(`UPDATE documents SET status=\$2`).
		WithArgs("doc-1", store.StatusSummarizing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/retry", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	n, _ := env.redis.XLen(context.Background(), streams.StreamSynthesize).Result()
	if n != 1 {
		t.Errorf("synthesize stream length = %d, want 1", n)
	}
}

func TestAskNotReady(t *testing.T) {
	env := newDocsApp(t, "http://unused")
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE id=\$1 AND user_id=\$2`).
		WillReturnRows(documentRow(store.Document{ID: "doc-1", UserID: "user-1", Status: store.StatusUploaded}))

	req := httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/ask",
		strings.NewReader(`{"question":"what is this about?"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAskNoContext(t *testing.T) {
	srv := fakeQdrant(t, nil)
	env := newDocsApp(t, srv.URL)
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE id=\$1 AND user_id=\$2`).
		WillReturnRows(documentRow(store.Document{ID: "doc-1", UserID: "user-1", Status: store.StatusCompleted}))

	req := httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/ask",
		strings.NewReader(`{"question":"what is the capital of France?"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var ans pipeline.Answer
	if err := json.Unmarshal(rec.Body.Bytes(), &ans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ans.ContextFound {
		t.Error("ContextFound = true with no matching chunks")
	}
	if ans.Answer == "" {
		t.Error("expected a fallback answer")
	}
}

func TestAskAnswersFromRetrievedChunks(t *testing.T) {
	srv := fakeQdrant(t, []map[string]any{
		{"score": 0.92, "payload": map[string]any{"document_id": "doc-1", "ordinal": 0, "text": "Paris is the capital of France."}},
	})
	env := newDocsApp(t, srv.URL)
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE id=\$1 AND user_id=\$2`).
		WillReturnRows(documentRow(store.Document{ID: "doc-1", UserID: "user-1", Status: store.StatusCompleted}))

	req := httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/ask",
		strings.NewReader(`{"question":"what is the capital of France?"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var ans pipeline.Answer
	if err := json.Unmarshal(rec.Body.Bytes(), &ans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ans.ContextFound || ans.Answer != "Paris is the capital." {
		t.Errorf("answer = %+v", ans)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].Ordinal != 0 {
		t.Errorf("sources = %+v", ans.Sources)
	}
}

func TestAskStreamEmitsSSE(t *testing.T) {
	srv := fakeQdrant(t, []map[string]any{
		{"score": 0.92, "payload": map[string]any{"document_id": "doc-1", "ordinal": 0, "text": "Paris is the capital of France."}},
	})
	env := newDocsApp(t, srv.URL)
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE id=\$1 AND user_id=\$2`).
		WillReturnRows(documentRow(store.Document{ID: "doc-1", UserID: "user-1", Status: store.StatusCompleted}))

	req := httptest.NewRequest(http.MethodPost, "/api/documents/doc-1/ask/stream",
		strings.NewReader(`{"question":"what is the capital of France?"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: delta") || !strings.Contains(body, "event: done") {
		t.Errorf("body = %s", body)
	}
}

func TestDeleteDocument(t *testing.T) {
	srv := fakeQdrant(t, nil)
	env := newDocsApp(t, srv.URL)
	env.mock.ExpectQuery(`SELECT .+ FROM documents WHERE id=\$1 AND user_id=\$2`).
		WillReturnRows(documentRow(store.Document{ID: "doc-1", UserID: "user-1", Status: store.StatusCompleted, StoragePath: "ab/abcd.txt"}))
	env.mock.ExpectExec(`DELETE FROM documents WHERE id=\$1 AND user_id=\$2`).
		WithArgs("doc-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodDelete, "/api/documents/doc-1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "user-1"))
	rec := doRequest(t, env.e, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if err := env.mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
