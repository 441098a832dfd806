package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/noteloom/noteloom/internal/queue/streams"
	"github.com/noteloom/noteloom/internal/runtime"
	"github.com/noteloom/noteloom/internal/store"
)

var testSecret = []byte("test-secret-key")

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &store.Store{DB: db}, mock
}

func newTestPublisher(t *testing.T) (*streams.Publisher, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return streams.NewPublisher(client), client
}

func testToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := runtime.SignJWT(userID, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	return tok
}

func doRequest(t *testing.T, e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

var documentColumns = []string{
	"id", "user_id", "filename", "original_filename", "content_hash",
	"size_bytes", "storage_path", "status", "error", "note_style",
	"instructions", "created_at", "updated_at",
}

func documentRow(d store.Document) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(documentColumns).AddRow(
		d.ID, d.UserID, d.Filename, d.OriginalFilename, d.ContentHash,
		d.SizeBytes, d.StoragePath, d.Status, d.Error, d.NoteStyle,
		d.Instructions, now, now)
}
