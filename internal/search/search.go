// Package search maintains a full-text index over synthesized notes so
// users can find notes by keyword across all their documents.
package search

import (
	"fmt"
	"os"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"
)

// NoteDoc is the indexed representation of a note.
type NoteDoc struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	Filename   string `json:"filename"`
	Text       string `json:"text"`
}

// Hit is a single search result.
type Hit struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Fragment   string  `json:"fragment"`
	Score      float64 `json:"score"`
}

type Index struct {
	idx bleve.Index
}

func noteMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	userField := bleve.NewTextFieldMapping()
	userField.Analyzer = keyword.Name
	doc.AddFieldMappingsAt("user_id", userField)

	textField := bleve.NewTextFieldMapping()
	doc.AddFieldMappingsAt("text", textField)
	doc.AddFieldMappingsAt("filename", bleve.NewTextFieldMapping())

	m.DefaultMapping = doc
	return m
}

// Open opens the index at path, creating it if it does not exist.
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("open search index: %w", err)
		}
		idx, err = bleve.New(path, noteMapping())
		if err != nil {
			return nil, fmt.Errorf("create search index: %w", err)
		}
	}
	return &Index{idx: idx}, nil
}

// OpenInMemory builds an ephemeral index, used in tests.
func OpenInMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(noteMapping())
	if err != nil {
		return nil, fmt.Errorf("create search index: %w", err)
	}
	return &Index{idx: idx}, nil
}

// Index adds or replaces the note for a document.
func (i *Index) Index(doc NoteDoc) error {
	if doc.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	return i.idx.Index(doc.DocumentID, doc)
}

// Delete removes a document's note from the index. Missing entries are ignored.
func (i *Index) Delete(documentID string) error {
	return i.idx.Delete(documentID)
}

// Search returns the top k notes owned by userID matching the query string.
func (i *Index) Search(userID, q string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	owner := bleve.NewTermQuery(userID)
	owner.SetField("user_id")
	text := bleve.NewQueryStringQuery(q)
	query := bleve.NewConjunctionQuery(owner, text)

	req := bleve.NewSearchRequestOptions(query, k, 0, false)
	req.Fields = []string{"filename"}
	req.Highlight = bleve.NewHighlightWithStyle("html")
	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	out := make([]Hit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		h := Hit{DocumentID: hit.ID, Score: hit.Score}
		if v, ok := hit.Fields["filename"].(string); ok {
			h.Filename = v
		}
		if frags, ok := hit.Fragments["text"]; ok && len(frags) > 0 {
			h.Fragment = frags[0]
		}
		out = append(out, h)
	}
	return out, nil
}

// Close releases the underlying index.
func (i *Index) Close() error {
	return i.idx.Close()
}
