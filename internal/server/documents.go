package server

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lib/pq"

	"github.com/noteloom/noteloom/config"
	"github.com/noteloom/noteloom/internal/blob"
	"github.com/noteloom/noteloom/internal/extract"
	"github.com/noteloom/noteloom/internal/metrics"
	"github.com/noteloom/noteloom/internal/pipeline"
	"github.com/noteloom/noteloom/internal/queue/streams"
	"github.com/noteloom/noteloom/internal/store"
)

type DocumentsHandler struct {
	Store     *store.Store
	Blob      *blob.Store
	Publisher *streams.Publisher
	Pipe      *pipeline.Pipeline
	Uploads   config.UploadsConfig
}

func (h *DocumentsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(withAuth(secret))
	g.POST("", h.upload)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/status", h.status)
	g.DELETE("/:id", h.remove)
	g.POST("/:id/retry", h.retry)
	g.POST("/:id/ask", h.ask)
	g.POST("/:id/ask/stream", h.askStream)
}

func userID(c echo.Context) string {
	if v, ok := c.Get("user_id").(string); ok {
		return v
	}
	return ""
}

// loadOwned fetches a document scoped to the caller, mapping missing or
// foreign rows to 404 so ids are not probeable across accounts.
func (h *DocumentsHandler) loadOwned(c echo.Context) (store.Document, error) {
	doc, err := h.Store.GetDocument(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return store.Document{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return doc, nil
}

func (h *DocumentsHandler) upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "file field is required")
	}
	if !extract.SupportedExtension(fh.Filename) {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported file type")
	}
	if h.Uploads.MaxSizeBytes > 0 && fh.Size > h.Uploads.MaxSizeBytes {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %d bytes", h.Uploads.MaxSizeBytes))
	}

	style := c.FormValue("note_style")
	if style == "" {
		style = store.StyleBalanced
	}
	if !store.ValidStyle(style) {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "invalid note_style")
	}
	instructions := c.FormValue("instructions")

	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer src.Close()
	var reader io.Reader = src
	if h.Uploads.MaxSizeBytes > 0 {
		reader = io.LimitReader(src, h.Uploads.MaxSizeBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Uploads.MaxSizeBytes > 0 && int64(len(data)) > h.Uploads.MaxSizeBytes {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %d bytes", h.Uploads.MaxSizeBytes))
	}
	if len(data) == 0 {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "file is empty")
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	uid := userID(c)
	ctx := c.Request().Context()

	// Same bytes from the same user short-circuit to the existing document.
	if existing, found, err := h.Store.GetDocumentByHash(ctx, uid, hash); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if found {
		metrics.Uploads.WithLabelValues("duplicate").Inc()
		return c.JSON(http.StatusOK, UploadResponse{DocumentID: existing.ID, Status: existing.Status, Duplicate: true})
	}

	rel, err := h.Blob.Put(uid, hash, pipeline.Ext(fh.Filename), data)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	id, err := h.Store.CreateDocument(ctx, store.Document{
		UserID:           uid,
		Filename:         hash + "." + pipeline.Ext(fh.Filename),
		OriginalFilename: fh.Filename,
		ContentHash:      hash,
		SizeBytes:        int64(len(data)),
		StoragePath:      rel,
		Status:           store.StatusUploaded,
		NoteStyle:        style,
		Instructions:     instructions,
	})
	if err != nil {
		// A concurrent upload of the same bytes can land first.
		if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
			if existing, found, lookupErr := h.Store.GetDocumentByHash(ctx, uid, hash); lookupErr == nil && found {
				metrics.Uploads.WithLabelValues("duplicate").Inc()
				return c.JSON(http.StatusOK, UploadResponse{DocumentID: existing.ID, Status: existing.Status, Duplicate: true})
			}
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	_, err = h.Publisher.PublishDocument(ctx, streams.StreamIngest, streams.EventDocumentIngest,
		streams.DocumentEvent{DocumentID: id, UserID: uid})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	metrics.Uploads.WithLabelValues("accepted").Inc()
	return c.JSON(http.StatusAccepted, UploadResponse{DocumentID: id, Status: store.StatusUploaded})
}

func (h *DocumentsHandler) list(c echo.Context) error {
	docs, err := h.Store.ListDocuments(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *DocumentsHandler) get(c echo.Context) error {
	doc, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *DocumentsHandler) status(c echo.Context) error {
	doc, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	chunks, err := h.Store.CountChunks(ctx, doc.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	sums, err := h.Store.CountSummaries(ctx, doc.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, StatusResponse{
		DocumentID: doc.ID,
		Status:     doc.Status,
		Error:      doc.Error,
		Chunks:     chunks,
		Summaries:  sums,
	})
}

func (h *DocumentsHandler) remove(c echo.Context) error {
	doc, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	h.Pipe.Purge(ctx, doc)
	if _, err := h.Store.DeleteDocument(ctx, doc.ID, userID(c)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// retry rewinds a document to the earliest stage whose output is missing
// and re-queues it. Besides failed documents this also covers ones stuck
// mid-pipeline, e.g. after a worker died between claiming a stage and
// finishing it.
func (h *DocumentsHandler) retry(c echo.Context) error {
	doc, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	if doc.Status == store.StatusCompleted {
		return echo.NewHTTPError(http.StatusConflict, "completed documents cannot be retried")
	}
	ctx := c.Request().Context()
	chunks, err := h.Store.CountChunks(ctx, doc.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	sums, err := h.Store.CountSummaries(ctx, doc.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	var status, stream, event string
	switch {
	case chunks == 0:
		status, stream, event = store.StatusUploaded, streams.StreamIngest, streams.EventDocumentIngest
	case sums == 0:
		status, stream, event = store.StatusIndexed, streams.StreamSummarize, streams.EventDocumentSummarize
	default:
		status, stream, event = store.StatusSummarizing, streams.StreamSynthesize, streams.EventDocumentSynthesize
	}
	if err := h.Store.SetDocumentStatus(ctx, doc.ID, status); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	_, err = h.Publisher.PublishDocument(ctx, stream, event,
		streams.DocumentEvent{DocumentID: doc.ID, UserID: doc.UserID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, UploadResponse{DocumentID: doc.ID, Status: status})
}

func (h *DocumentsHandler) ask(c echo.Context) error {
	doc, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	if doc.Status != store.StatusCompleted && doc.Status != store.StatusIndexed &&
		doc.Status != store.StatusSummarizing {
		return echo.NewHTTPError(http.StatusConflict, "document is not ready for questions")
	}
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}
	answer, err := h.Pipe.Ask(c.Request().Context(), doc, req.Question)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, answer)
}

// askStream answers over Server-Sent Events: delta events while the model
// streams, then one done event carrying the full result.
func (h *DocumentsHandler) askStream(c echo.Context) error {
	doc, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	if doc.Status != store.StatusCompleted && doc.Status != store.StatusIndexed &&
		doc.Status != store.StatusSummarizing {
		return echo.NewHTTPError(http.StatusConflict, "document is not ready for questions")
	}
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	answer, err := h.Pipe.AskStream(c.Request().Context(), doc, req.Question, func(delta string) error {
		if err := writeSSE(res, "delta", map[string]string{"text": delta}); err != nil {
			return err
		}
		res.Flush()
		return nil
	})
	if err != nil {
		_ = writeSSE(res, "error", map[string]string{"error": err.Error()})
		res.Flush()
		return nil
	}
	_ = writeSSE(res, "done", answer)
	res.Flush()
	return nil
}
