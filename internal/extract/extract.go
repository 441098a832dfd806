// Package extract turns uploaded document bytes into plain text, keeping
// per-page boundaries where the source format has them.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// Page holds the cleaned text of one source page. Formats without pages yield
// a single Page numbered 1.
type Page struct {
	Number int
	Text   string
}

// ErrUnsupportedType is returned for file extensions the extractor does not handle.
var ErrUnsupportedType = errors.New("unsupported file type")

// SupportedExtension reports whether the extractor handles the file's extension.
func SupportedExtension(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf", ".txt", ".md", ".html", ".htm":
		return true
	}
	return false
}

// Extract produces the page sequence for the document, dispatching on the
// file extension.
func Extract(data []byte, filename string) ([]Page, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return extractPDF(data)
	case ".txt", ".md":
		return singlePage(string(data))
	case ".html", ".htm":
		return extractHTML(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(filename))
	}
}

// Text joins all pages into one string.
func Text(pages []Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func extractPDF(data []byte) ([]Page, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	var pages []Page
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			// a single damaged page should not sink the document
			continue
		}
		text = Clean(text)
		if text == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	if len(pages) == 0 {
		return nil, errors.New("no extractable text; pdf may be image-based")
	}
	return pages, nil
}

func extractHTML(data []byte) ([]Page, error) {
	u, _ := url.Parse("file:///upload.html")
	article, err := readability.FromReader(bytes.NewReader(data), u)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return singlePage(article.TextContent)
}

func singlePage(text string) ([]Page, error) {
	text = Clean(text)
	if text == "" {
		return nil, errors.New("document is empty")
	}
	return []Page{{Number: 1, Text: text}}, nil
}

var (
	multiSpace   = regexp.MustCompile(`[ \t]+`)
	multiNewline = regexp.MustCompile(`\n{3,}`)
)

// Clean normalizes whitespace and strips control characters.
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, text)
	text = multiSpace.ReplaceAllString(text, " ")
	text = multiNewline.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
