package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Store wraps the Postgres connection. All access goes through parameterized
// queries; foreign keys cascade deletes from documents to their artifacts.
type Store struct {
	DB *sql.DB
}

// Document lifecycle statuses. A stage task only runs when the document sits
// in that stage's expected predecessor status.
const (
	StatusUploaded    = "uploaded"
	StatusProcessing  = "processing"
	StatusIndexed     = "indexed"
	StatusSummarizing = "summarizing"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// Note styles a document can request at upload time.
const (
	StyleConcise  = "concise"
	StyleBalanced = "balanced"
	StyleDetailed = "detailed"
)

// ValidStyle reports whether s is a recognised note style.
func ValidStyle(s string) bool {
	switch s {
	case StyleConcise, StyleBalanced, StyleDetailed:
		return true
	}
	return false
}

// Document is one uploaded file and its processing lifecycle record.
type Document struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	ContentHash      string    `json:"content_hash"`
	SizeBytes        int64     `json:"size_bytes"`
	StoragePath      string    `json:"-"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
	NoteStyle        string    `json:"note_style"`
	Instructions     string    `json:"instructions,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Chunk is one token window of a document's extracted text.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	PageStart  int    `json:"page_start,omitempty"`
	PageEnd    int    `json:"page_end,omitempty"`
}

// Summary is the per-chunk LLM output, one-to-one with Chunk.
type Summary struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	ChunkID    string    `json:"chunk_id"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	TokensUsed int       `json:"tokens_used"`
	CreatedAt  time.Time `json:"created_at"`
}

// Note is the final synthesized artifact, at most one per document.
type Note struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	Text       string                 `json:"text"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Provider   string                 `json:"provider"`
	Model      string                 `json:"model"`
	TokensUsed int                    `json:"tokens_used"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// New builds a Store from DATABASE_URL or POSTGRES_* env vars.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Document operations

func (s *Store) CreateDocument(ctx context.Context, d Document) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO documents (user_id, filename, original_filename, content_hash, size_bytes, storage_path, status, note_style, instructions)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		d.UserID, d.Filename, d.OriginalFilename, d.ContentHash, d.SizeBytes, d.StoragePath, StatusUploaded, d.NoteStyle, d.Instructions).Scan(&id)
	return id, err
}

// GetDocumentByHash finds an owner's document with identical content, used to
// short-circuit duplicate uploads.
func (s *Store) GetDocumentByHash(ctx context.Context, userID, hash string) (Document, bool, error) {
	d, err := s.scanDocument(s.DB.QueryRowContext(ctx,
		documentSelect+` WHERE user_id=$1 AND content_hash=$2`, userID, hash))
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return d, true, nil
}

// GetDocument fetches a document scoped to its owner. A foreign id yields
// sql.ErrNoRows, which the API maps to not-found.
func (s *Store) GetDocument(ctx context.Context, id, userID string) (Document, error) {
	return s.scanDocument(s.DB.QueryRowContext(ctx,
		documentSelect+` WHERE id=$1 AND user_id=$2`, id, userID))
}

// GetDocumentAny fetches a document without owner scoping, for worker tasks
// that already carry a trusted document reference.
func (s *Store) GetDocumentAny(ctx context.Context, id string) (Document, error) {
	return s.scanDocument(s.DB.QueryRowContext(ctx, documentSelect+` WHERE id=$1`, id))
}

func (s *Store) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.DB.QueryContext(ctx, documentSelect+` WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := s.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const documentSelect = `SELECT id, user_id, filename, original_filename, content_hash, size_bytes, storage_path, status, COALESCE(error,''), note_style, COALESCE(instructions,''), created_at, updated_at FROM documents`

type rowScanner interface{ Scan(dest ...interface{}) error }

func (s *Store) scanDocument(r rowScanner) (Document, error) {
	var d Document
	err := r.Scan(&d.ID, &d.UserID, &d.Filename, &d.OriginalFilename, &d.ContentHash, &d.SizeBytes,
		&d.StoragePath, &d.Status, &d.Error, &d.NoteStyle, &d.Instructions, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// AdvanceDocumentStatus moves the document from an expected status to the
// next one. It returns false without touching the row when the current status
// differs — the sole ordering guard between pipeline stages.
func (s *Store) AdvanceDocumentStatus(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE documents SET status=$3, error=NULL, updated_at=NOW() WHERE id=$1 AND status=$2`, id, from, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetDocumentStatus forces a status without a guard; used by the explicit
// retry operation to rewind into a stage.
func (s *Store) SetDocumentStatus(ctx context.Context, id, status string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE documents SET status=$2, error=NULL, updated_at=NOW() WHERE id=$1`, id, status)
	return err
}

// MarkDocumentFailed terminates a non-completed document with a stored,
// human-readable message.
func (s *Store) MarkDocumentFailed(ctx context.Context, id, msg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE documents SET status=$2, error=$3, updated_at=NOW() WHERE id=$1 AND status NOT IN ($4,$2)`,
		id, StatusFailed, msg, StatusCompleted)
	return err
}

// DeleteDocument removes the document row; chunks, summaries and the note go
// with it via ON DELETE CASCADE. Returns false when the id is not owned by
// userID.
func (s *Store) DeleteDocument(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM documents WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Chunk operations

// ReplaceChunks atomically swaps the document's chunk set. Re-running the
// ingest stage therefore never leaves duplicate or gapped ordinals.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id=$1`, documentID); err != nil {
		return err
	}
	for i := range chunks {
		err := tx.QueryRowContext(ctx, `
INSERT INTO chunks (document_id, ordinal, text, token_count, page_start, page_end)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			documentID, chunks[i].Ordinal, chunks[i].Text, chunks[i].TokenCount, chunks[i].PageStart, chunks[i].PageEnd).Scan(&chunks[i].ID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, document_id, ordinal, text, token_count, page_start, page_end
FROM chunks WHERE document_id=$1 ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Text, &c.TokenCount, &c.PageStart, &c.PageEnd); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id=$1`, documentID).Scan(&n)
	return n, err
}

// Summary operations

func (s *Store) InsertSummary(ctx context.Context, sum Summary) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO summaries (document_id, chunk_id, ordinal, text, provider, model, tokens_used)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sum.DocumentID, sum.ChunkID, sum.Ordinal, sum.Text, sum.Provider, sum.Model, sum.TokensUsed)
	return err
}

// DeleteSummaries clears the document's summaries ahead of a summarize-stage
// re-run, keeping summaries one-to-one with chunks.
func (s *Store) DeleteSummaries(ctx context.Context, documentID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM summaries WHERE document_id=$1`, documentID)
	return err
}

func (s *Store) ListSummaries(ctx context.Context, documentID string) ([]Summary, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, document_id, chunk_id, ordinal, text, provider, model, tokens_used, created_at
FROM summaries WHERE document_id=$1 ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var m Summary
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.ChunkID, &m.Ordinal, &m.Text, &m.Provider, &m.Model, &m.TokensUsed, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CountSummaries(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM summaries WHERE document_id=$1`, documentID).Scan(&n)
	return n, err
}

// Note operations

// UpsertNote creates the document's note or replaces it on regeneration.
// UNIQUE(document_id) keeps the at-most-one-note invariant.
func (s *Store) UpsertNote(ctx context.Context, n Note) (Note, error) {
	meta := n.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return Note{}, fmt.Errorf("marshal note metadata: %w", err)
	}
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO notes (document_id, text, metadata, provider, model, tokens_used)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (document_id) DO UPDATE SET
  text        = EXCLUDED.text,
  metadata    = EXCLUDED.metadata,
  provider    = EXCLUDED.provider,
  model       = EXCLUDED.model,
  tokens_used = EXCLUDED.tokens_used,
  updated_at  = NOW()
RETURNING id, created_at, updated_at`,
		n.DocumentID, n.Text, metaBytes, n.Provider, n.Model, n.TokensUsed).
		Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	return n, err
}

func (s *Store) GetNoteByDocument(ctx context.Context, documentID string) (Note, error) {
	var n Note
	var metaBytes []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT id, document_id, text, metadata, provider, model, tokens_used, created_at, updated_at
FROM notes WHERE document_id=$1`, documentID).
		Scan(&n.ID, &n.DocumentID, &n.Text, &metaBytes, &n.Provider, &n.Model, &n.TokensUsed, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	if len(metaBytes) > 0 {
		_ = json.Unmarshal(metaBytes, &n.Metadata)
	}
	return n, nil
}

// NoteSearchEntry is the slice of a note the full-text index stores.
type NoteSearchEntry struct {
	DocumentID string
	UserID     string
	Filename   string
	Text       string
	UpdatedAt  time.Time
}

// ListNotesUpdatedSince returns notes written or regenerated at or after
// the given time, oldest first. The API server uses it to pull fresh
// notes into its search index; the bound is inclusive so rows sharing a
// timestamp with the high-water mark are never skipped.
func (s *Store) ListNotesUpdatedSince(ctx context.Context, since time.Time) ([]NoteSearchEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT n.document_id, d.user_id, d.original_filename, n.text, n.updated_at
FROM notes n JOIN documents d ON d.id = n.document_id
WHERE n.updated_at >= $1 ORDER BY n.updated_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NoteSearchEntry
	for rows.Next() {
		var e NoteSearchEntry
		if err := rows.Scan(&e.DocumentID, &e.UserID, &e.Filename, &e.Text, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListStaleFailedDocuments returns failed documents older than the TTL, for
// the periodic cleanup sweep.
func (s *Store) ListStaleFailedDocuments(ctx context.Context, olderThan time.Time) ([]Document, error) {
	rows, err := s.DB.QueryContext(ctx,
		documentSelect+` WHERE status=$1 AND updated_at < $2 ORDER BY updated_at`, StatusFailed, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := s.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
