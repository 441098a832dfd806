package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noteloom/noteloom/config"
)

// Point is one chunk projected into the index. The relational store stays
// authoritative; the index holds a deletable denormalized copy.
type Point struct {
	DocumentID string
	UserID     string
	Ordinal    int
	Text       string
	Vector     []float32
}

// ID returns the point key: a UUID derived deterministically from the
// document id and ordinal, so re-ingesting overwrites rather than duplicates.
// Qdrant accepts only UUID or integer ids.
func (p Point) ID() string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", p.DocumentID, p.Ordinal))).String()
}

// Match is a similarity-search hit ranked by the index's own distance metric.
type Match struct {
	DocumentID string
	Ordinal    int
	Text       string
	Score      float64
}

// Filter restricts a query to a document or owner scope.
type Filter struct {
	DocumentID string
	UserID     string
}

// Index is a minimal REST client to Qdrant. It assumes cosine distance and
// creates the collection if missing.
type Index struct {
	url        string
	apiKey     string
	collection string
	dimensions int
	client     *http.Client
}

// New creates a Qdrant index client.
func New(cfg config.VectorConfig) (*Index, error) {
	if cfg.URL == "" {
		return nil, errors.New("vector.url not configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Index{
		url:        strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// EnsureCollection creates the collection if it does not exist. Idempotent.
func (ix *Index) EnsureCollection(ctx context.Context) error {
	if ix.dimensions <= 0 {
		return errors.New("invalid vector dimensions")
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     ix.dimensions,
			"distance": "Cosine",
		},
	}
	// Qdrant answers 409 when the collection already exists
	err := ix.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", ix.collection), body, nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusConflict {
		return nil
	}
	return err
}

// Upsert writes points with their chunk text and scope metadata as payload.
func (ix *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	pts := make([]map[string]any, len(points))
	for i, p := range points {
		if len(p.Vector) == 0 {
			return fmt.Errorf("point %s has no vector", p.ID())
		}
		pts[i] = map[string]any{
			"id":     p.ID(),
			"vector": p.Vector,
			"payload": map[string]any{
				"document_id": p.DocumentID,
				"user_id":     p.UserID,
				"ordinal":     p.Ordinal,
				"text":        p.Text,
			},
		}
	}
	body := map[string]any{"points": pts}
	return ix.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", ix.collection), body, nil)
}

// Query runs one similarity search restricted by the filter and returns the
// top-k matches. An empty result is not an error.
func (ix *Index) Query(ctx context.Context, vec []float32, k int, f Filter) ([]Match, error) {
	if k <= 0 {
		k = 5
	}
	req := map[string]any{
		"vector":       vec,
		"limit":        k,
		"with_payload": true,
	}
	if must := filterClauses(f); len(must) > 0 {
		req["filter"] = map[string]any{"must": must}
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := ix.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", ix.collection), req, &resp); err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		m := Match{Score: r.Score}
		if v, ok := r.Payload["document_id"].(string); ok {
			m.DocumentID = v
		}
		if v, ok := r.Payload["ordinal"].(float64); ok {
			m.Ordinal = int(v)
		}
		if v, ok := r.Payload["text"].(string); ok {
			m.Text = v
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// DeleteByDocument removes every point owned by the document.
func (ix *Index) DeleteByDocument(ctx context.Context, documentID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": filterClauses(Filter{DocumentID: documentID}),
		},
	}
	return ix.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", ix.collection), body, nil)
}

func filterClauses(f Filter) []map[string]any {
	var must []map[string]any
	if f.DocumentID != "" {
		must = append(must, map[string]any{
			"key":   "document_id",
			"match": map[string]any{"value": f.DocumentID},
		})
	}
	if f.UserID != "" {
		must = append(must, map[string]any{
			"key":   "user_id",
			"match": map[string]any{"value": f.UserID},
		})
	}
	return must
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant returned status %d: %s", e.code, e.body)
}

func (ix *Index) do(ctx context.Context, method, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, ix.url+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ix.apiKey != "" {
		req.Header.Set("api-key", ix.apiKey)
	}
	resp, err := ix.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
