package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/noteloom/noteloom/internal/search"
	"github.com/noteloom/noteloom/internal/store"
)

type NotesHandler struct {
	Store  *store.Store
	Search *search.Index

	// The search index is owned by this process and filled lazily from
	// Postgres: before each query, notes updated since the last refresh
	// are (re)indexed. indexedAt is the high-water mark.
	mu        sync.Mutex
	indexedAt time.Time
}

// Register mounts note routes on the documents group and the search route
// on the notes group.
func (h *NotesHandler) Register(docs, notes *echo.Group, secret []byte) {
	docs.GET("/:id/note", h.note)
	docs.GET("/:id/note/download", h.download)

	notes.Use(withAuth(secret))
	notes.GET("/search", h.search)
}

func (h *NotesHandler) loadNote(c echo.Context) (store.Document, store.Note, error) {
	doc, err := h.Store.GetDocument(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, store.Note{}, echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return store.Document{}, store.Note{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	note, err := h.Store.GetNoteByDocument(c.Request().Context(), doc.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, store.Note{}, echo.NewHTTPError(http.StatusNotFound, "note not ready")
		}
		return store.Document{}, store.Note{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return doc, note, nil
}

func (h *NotesHandler) note(c echo.Context) error {
	_, note, err := h.loadNote(c)
	if err != nil {
		return err
	}
	switch c.QueryParam("format") {
	case "", "json":
		return c.JSON(http.StatusOK, note)
	case "html":
		html, err := renderHTML(note.Text)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.HTML(http.StatusOK, html)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be json or html")
	}
}

func (h *NotesHandler) download(c echo.Context) error {
	doc, note, err := h.loadNote(c)
	if err != nil {
		return err
	}
	base := strings.TrimSuffix(doc.OriginalFilename, "."+extOf(doc.OriginalFilename))
	switch c.QueryParam("format") {
	case "", "markdown":
		body := markdownWithFrontmatter(doc, note)
		c.Response().Header().Set(echo.HeaderContentDisposition,
			fmt.Sprintf("attachment; filename=%q", base+".md"))
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(body))
	case "pdf":
		html, err := renderHTML(note.Text)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		pdf, err := renderPDF(c.Request().Context(), printableDocument(base, html))
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		c.Response().Header().Set(echo.HeaderContentDisposition,
			fmt.Sprintf("attachment; filename=%q", base+".pdf"))
		return c.Blob(http.StatusOK, "application/pdf", pdf)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be markdown or pdf")
	}
}

func (h *NotesHandler) search(c echo.Context) error {
	q := c.QueryParam("q")
	if strings.TrimSpace(q) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1-100")
		}
		k = n
	}
	if err := h.refreshIndex(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	hits, err := h.Search.Search(userID(c), q, k)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"query": q, "hits": hits})
}

// refreshIndex pulls notes updated since the last refresh into the search
// index. Indexing is idempotent per document, so the inclusive bound at
// the high-water mark is harmless.
func (h *NotesHandler) refreshIndex(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries, err := h.Store.ListNotesUpdatedSince(ctx, h.indexedAt)
	if err != nil {
		return fmt.Errorf("refresh search index: %w", err)
	}
	for _, e := range entries {
		err := h.Search.Index(search.NoteDoc{
			DocumentID: e.DocumentID,
			UserID:     e.UserID,
			Filename:   e.Filename,
			Text:       e.Text,
		})
		if err != nil {
			return fmt.Errorf("refresh search index: %w", err)
		}
		if e.UpdatedAt.After(h.indexedAt) {
			h.indexedAt = e.UpdatedAt
		}
	}
	return nil
}

func markdownWithFrontmatter(doc store.Document, note store.Note) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "source: %s\n", doc.OriginalFilename)
	fmt.Fprintf(&b, "style: %s\n", doc.NoteStyle)
	fmt.Fprintf(&b, "generated: %s\n", note.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	b.WriteString("---\n\n")
	b.WriteString(note.Text)
	b.WriteString("\n")
	return b.String()
}

func extOf(filename string) string {
	if i := strings.LastIndex(filename, "."); i >= 0 {
		return filename[i+1:]
	}
	return ""
}
