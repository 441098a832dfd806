// Package pipeline implements the three background stages that turn an
// uploaded file into chunks, summaries and a synthesized note, plus the
// retrieval path used for question answering.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noteloom/noteloom/config"
	"github.com/noteloom/noteloom/internal/blob"
	"github.com/noteloom/noteloom/internal/extract"
	"github.com/noteloom/noteloom/internal/llm"
	"github.com/noteloom/noteloom/internal/metrics"
	"github.com/noteloom/noteloom/internal/queue/streams"
	"github.com/noteloom/noteloom/internal/search"
	"github.com/noteloom/noteloom/internal/store"
	"github.com/noteloom/noteloom/internal/vector"
)

// embedBatchSize caps how many chunk texts go into one embeddings request.
const embedBatchSize = 64

// Pipeline carries the dependencies shared by all stages.
type Pipeline struct {
	Store     *store.Store
	Blob      *blob.Store
	Vector    *vector.Index
	Provider  llm.Provider
	Embedder  llm.Provider
	Publisher *streams.Publisher
	Search    *search.Index
	Logger    *log.Logger
	Cfg       config.PipelineConfig
	Retry     RetryPolicy
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// Ingest extracts text from the stored file, splits it into token windows,
// embeds them and stores both rows and vectors. On success the document
// moves uploaded -> processing -> indexed and a summarize event is queued.
func (p *Pipeline) Ingest(ctx context.Context, ev streams.DocumentEvent) error {
	started := time.Now()
	ok, err := p.Store.AdvanceDocumentStatus(ctx, ev.DocumentID, store.StatusUploaded, store.StatusProcessing)
	if err != nil {
		return fmt.Errorf("ingest advance: %w", err)
	}
	if !ok {
		metrics.StageRuns.WithLabelValues("ingest", "skipped").Inc()
		p.logf("[PIPELINE] ingest skipped document=%s: not in uploaded", ev.DocumentID)
		return nil
	}

	err = p.runIngest(ctx, ev)
	p.finishStage(ctx, "ingest", ev.DocumentID, started, err)
	return err
}

func (p *Pipeline) runIngest(ctx context.Context, ev streams.DocumentEvent) error {
	doc, err := p.Store.GetDocumentAny(ctx, ev.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	data, err := p.Blob.Get(doc.StoragePath)
	if err != nil {
		return fmt.Errorf("read stored file: %w", err)
	}

	pages, err := extract.Extract(data, doc.OriginalFilename)
	if err != nil {
		return err
	}
	text := extract.Text(pages)
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("document contains no extractable text")
	}

	chunker, err := NewChunker(p.Cfg.ChunkSize, p.Cfg.ChunkOverlap)
	if err != nil {
		return err
	}
	chunks := chunker.Split(text)
	if len(chunks) == 0 {
		return fmt.Errorf("document produced no chunks")
	}

	spans := pageSpans(pages)
	rows := make([]store.Chunk, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		first, last := spans.locate(c.ByteStart, c.ByteEnd)
		rows[i] = store.Chunk{
			DocumentID: doc.ID,
			Ordinal:    c.Ordinal,
			Text:       c.Text,
			TokenCount: c.TokenCount,
			PageStart:  first,
			PageEnd:    last,
		}
		texts[i] = c.Text
	}

	points := make([]vector.Point, 0, len(chunks))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		var vecs [][]float32
		err := p.Retry.Do(ctx, func() error {
			var embedErr error
			vecs, embedErr = p.Embedder.Embed(ctx, texts[start:end])
			return embedErr
		})
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		metrics.LLMCalls.WithLabelValues(p.Embedder.Name(), "embed").Inc()
		if len(vecs) != end-start {
			return fmt.Errorf("embed chunks: got %d vectors for %d texts", len(vecs), end-start)
		}
		for i, v := range vecs {
			points = append(points, vector.Point{
				DocumentID: doc.ID,
				UserID:     doc.UserID,
				Ordinal:    rows[start+i].Ordinal,
				Text:       rows[start+i].Text,
				Vector:     v,
			})
		}
	}

	if err := p.Vector.Upsert(ctx, points); err != nil {
		return fmt.Errorf("store vectors: %w", err)
	}
	if err := p.Store.ReplaceChunks(ctx, doc.ID, rows); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}

	ok, err := p.Store.AdvanceDocumentStatus(ctx, doc.ID, store.StatusProcessing, store.StatusIndexed)
	if err != nil {
		return fmt.Errorf("ingest finish: %w", err)
	}
	if !ok {
		p.logf("[PIPELINE] ingest raced document=%s: no longer processing", doc.ID)
		return nil
	}
	p.logf("[PIPELINE] ingest done document=%s chunks=%d", doc.ID, len(rows))

	_, err = p.Publisher.PublishDocument(ctx, streams.StreamSummarize, streams.EventDocumentSummarize,
		streams.DocumentEvent{DocumentID: doc.ID, UserID: doc.UserID})
	if err != nil {
		return fmt.Errorf("queue summarize: %w", err)
	}
	return nil
}

// Summarize generates one summary per chunk with bounded concurrency.
// The document moves indexed -> summarizing and a synthesize event is queued.
func (p *Pipeline) Summarize(ctx context.Context, ev streams.DocumentEvent) error {
	started := time.Now()
	ok, err := p.Store.AdvanceDocumentStatus(ctx, ev.DocumentID, store.StatusIndexed, store.StatusSummarizing)
	if err != nil {
		return fmt.Errorf("summarize advance: %w", err)
	}
	if !ok {
		metrics.StageRuns.WithLabelValues("summarize", "skipped").Inc()
		p.logf("[PIPELINE] summarize skipped document=%s: not in indexed", ev.DocumentID)
		return nil
	}

	err = p.runSummarize(ctx, ev)
	p.finishStage(ctx, "summarize", ev.DocumentID, started, err)
	return err
}

func (p *Pipeline) runSummarize(ctx context.Context, ev streams.DocumentEvent) error {
	doc, err := p.Store.GetDocumentAny(ctx, ev.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	chunks, err := p.Store.ListChunks(ctx, ev.DocumentID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks to summarize")
	}

	// Re-runs replace the whole summary set so ordinals stay one-to-one
	// with chunks.
	if err := p.Store.DeleteSummaries(ctx, ev.DocumentID); err != nil {
		return fmt.Errorf("clear summaries: %w", err)
	}

	limit := p.Cfg.SummaryConcurrency
	if limit < 1 {
		limit = 1
	}
	results := make([]store.Summary, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			var res llm.Result
			err := p.Retry.Do(gctx, func() error {
				var genErr error
				res, genErr = p.Provider.Generate(gctx, summaryPrompt(chunk.Text, doc.NoteStyle), 0)
				return genErr
			})
			if err != nil {
				return fmt.Errorf("summarize chunk %d: %w", chunk.Ordinal, err)
			}
			metrics.LLMCalls.WithLabelValues(res.Provider, "generate").Inc()
			metrics.LLMTokens.WithLabelValues(res.Provider).Add(float64(res.TokensUsed))
			results[i] = store.Summary{
				DocumentID: ev.DocumentID,
				ChunkID:    chunk.ID,
				Ordinal:    chunk.Ordinal,
				Text:       strings.TrimSpace(res.Text),
				Provider:   res.Provider,
				Model:      res.Model,
				TokensUsed: res.TokensUsed,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, sum := range results {
		if err := p.Store.InsertSummary(ctx, sum); err != nil {
			return fmt.Errorf("store summary %d: %w", sum.Ordinal, err)
		}
	}
	p.logf("[PIPELINE] summarize done document=%s summaries=%d", ev.DocumentID, len(results))

	_, err = p.Publisher.PublishDocument(ctx, streams.StreamSynthesize, streams.EventDocumentSynthesize,
		streams.DocumentEvent{DocumentID: ev.DocumentID, UserID: ev.UserID})
	if err != nil {
		return fmt.Errorf("queue synthesize: %w", err)
	}
	return nil
}

// Synthesize merges the ordered chunk summaries into one Markdown note.
// Large documents reduce hierarchically in fixed-size groups first. The
// document moves summarizing -> completed; the API process picks the
// note up into its search index from Postgres.
func (p *Pipeline) Synthesize(ctx context.Context, ev streams.DocumentEvent) error {
	started := time.Now()
	doc, err := p.Store.GetDocumentAny(ctx, ev.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status != store.StatusSummarizing {
		metrics.StageRuns.WithLabelValues("synthesize", "skipped").Inc()
		p.logf("[PIPELINE] synthesize skipped document=%s status=%s", doc.ID, doc.Status)
		return nil
	}

	err = p.runSynthesize(ctx, doc)
	p.finishStage(ctx, "synthesize", ev.DocumentID, started, err)
	return err
}

func (p *Pipeline) runSynthesize(ctx context.Context, doc store.Document) error {
	sums, err := p.Store.ListSummaries(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list summaries: %w", err)
	}
	if len(sums) == 0 {
		return fmt.Errorf("no summaries to synthesize")
	}

	texts := make([]string, len(sums))
	for i, s := range sums {
		texts[i] = s.Text
	}

	reduced := false
	if len(texts) > p.Cfg.SynthesisDirectMax {
		reduced = true
		texts, err = p.reduceSummaries(ctx, texts)
		if err != nil {
			return err
		}
	}

	var res llm.Result
	prompt := synthesisPrompt(doc.OriginalFilename, doc.NoteStyle, doc.Instructions, texts)
	err = p.Retry.Do(ctx, func() error {
		var genErr error
		res, genErr = p.Provider.Generate(ctx, prompt, 0)
		return genErr
	})
	if err != nil {
		return fmt.Errorf("synthesize note: %w", err)
	}
	metrics.LLMCalls.WithLabelValues(res.Provider, "generate").Inc()
	metrics.LLMTokens.WithLabelValues(res.Provider).Add(float64(res.TokensUsed))

	noteText := strings.TrimSpace(res.Text)
	tokens := res.TokensUsed
	if !validMarkdown(noteText) {
		// One corrective pass; if the model still returns flat text we
		// keep it rather than failing the whole document.
		var fixed llm.Result
		err := p.Retry.Do(ctx, func() error {
			var genErr error
			fixed, genErr = p.Provider.Generate(ctx, correctiveMarkdownPrompt(noteText), 0)
			return genErr
		})
		if err == nil && validMarkdown(strings.TrimSpace(fixed.Text)) {
			noteText = strings.TrimSpace(fixed.Text)
			tokens += fixed.TokensUsed
			metrics.LLMCalls.WithLabelValues(fixed.Provider, "generate").Inc()
		} else {
			p.logf("[PIPELINE] synthesize document=%s: keeping unstructured note after corrective pass", doc.ID)
		}
	}

	note := store.Note{
		DocumentID: doc.ID,
		Text:       noteText,
		Provider:   res.Provider,
		Model:      res.Model,
		TokensUsed: tokens,
		Metadata: map[string]interface{}{
			"style":         doc.NoteStyle,
			"summary_count": len(sums),
			"hierarchical":  reduced,
		},
	}
	if _, err := p.Store.UpsertNote(ctx, note); err != nil {
		return fmt.Errorf("store note: %w", err)
	}

	ok, err := p.Store.AdvanceDocumentStatus(ctx, doc.ID, store.StatusSummarizing, store.StatusCompleted)
	if err != nil {
		return fmt.Errorf("synthesize finish: %w", err)
	}
	if !ok {
		p.logf("[PIPELINE] synthesize raced document=%s: no longer summarizing", doc.ID)
		return nil
	}

	p.logf("[PIPELINE] synthesize done document=%s", doc.ID)
	return nil
}

// reduceSummaries collapses summaries in order-preserving groups until the
// count fits a single synthesis prompt.
func (p *Pipeline) reduceSummaries(ctx context.Context, texts []string) ([]string, error) {
	group := p.Cfg.SynthesisGroupSize
	if group < 2 {
		group = 2
	}
	for len(texts) > p.Cfg.SynthesisDirectMax {
		var next []string
		for start := 0; start < len(texts); start += group {
			end := start + group
			if end > len(texts) {
				end = len(texts)
			}
			var res llm.Result
			err := p.Retry.Do(ctx, func() error {
				var genErr error
				res, genErr = p.Provider.Generate(ctx, groupReducePrompt(texts[start:end]), 0)
				return genErr
			})
			if err != nil {
				return nil, fmt.Errorf("reduce summaries: %w", err)
			}
			metrics.LLMCalls.WithLabelValues(res.Provider, "generate").Inc()
			metrics.LLMTokens.WithLabelValues(res.Provider).Add(float64(res.TokensUsed))
			next = append(next, strings.TrimSpace(res.Text))
		}
		texts = next
	}
	return texts, nil
}

// Answer holds a question answering result.
type Answer struct {
	Answer       string         `json:"answer"`
	ContextFound bool           `json:"context_found"`
	Sources      []vector.Match `json:"sources,omitempty"`
}

// Ask retrieves the most relevant chunks of a document and answers the
// question from them. When retrieval finds nothing the model is not called.
func (p *Pipeline) Ask(ctx context.Context, doc store.Document, question string) (Answer, error) {
	matches, err := p.retrieve(ctx, doc, question)
	if err != nil {
		metrics.Questions.WithLabelValues("error").Inc()
		return Answer{}, err
	}
	if len(matches) == 0 {
		metrics.Questions.WithLabelValues("no_context").Inc()
		return Answer{Answer: noContextAnswer, ContextFound: false}, nil
	}

	passages := make([]string, len(matches))
	for i, m := range matches {
		passages[i] = m.Text
	}
	var res llm.Result
	err = p.Retry.Do(ctx, func() error {
		var genErr error
		res, genErr = p.Provider.Generate(ctx, answerPrompt(question, passages), 0)
		return genErr
	})
	if err != nil {
		metrics.Questions.WithLabelValues("error").Inc()
		return Answer{}, fmt.Errorf("answer question: %w", err)
	}
	metrics.LLMCalls.WithLabelValues(res.Provider, "generate").Inc()
	metrics.LLMTokens.WithLabelValues(res.Provider).Add(float64(res.TokensUsed))
	metrics.Questions.WithLabelValues("answered").Inc()
	return Answer{Answer: strings.TrimSpace(res.Text), ContextFound: true, Sources: matches}, nil
}

// AskStream behaves like Ask but emits answer deltas as they arrive.
func (p *Pipeline) AskStream(ctx context.Context, doc store.Document, question string, emit func(delta string) error) (Answer, error) {
	matches, err := p.retrieve(ctx, doc, question)
	if err != nil {
		metrics.Questions.WithLabelValues("error").Inc()
		return Answer{}, err
	}
	if len(matches) == 0 {
		metrics.Questions.WithLabelValues("no_context").Inc()
		if err := emit(noContextAnswer); err != nil {
			return Answer{}, err
		}
		return Answer{Answer: noContextAnswer, ContextFound: false}, nil
	}

	passages := make([]string, len(matches))
	for i, m := range matches {
		passages[i] = m.Text
	}
	res, err := p.Provider.GenerateStream(ctx, answerPrompt(question, passages), 0, emit)
	if err != nil {
		metrics.Questions.WithLabelValues("error").Inc()
		return Answer{}, fmt.Errorf("answer question: %w", err)
	}
	metrics.LLMCalls.WithLabelValues(res.Provider, "generate").Inc()
	metrics.LLMTokens.WithLabelValues(res.Provider).Add(float64(res.TokensUsed))
	metrics.Questions.WithLabelValues("answered").Inc()
	return Answer{Answer: strings.TrimSpace(res.Text), ContextFound: true, Sources: matches}, nil
}

func (p *Pipeline) retrieve(ctx context.Context, doc store.Document, question string) ([]vector.Match, error) {
	var vecs [][]float32
	err := p.Retry.Do(ctx, func() error {
		var embedErr error
		vecs, embedErr = p.Embedder.Embed(ctx, []string{question})
		return embedErr
	})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed question: got %d vectors", len(vecs))
	}
	metrics.LLMCalls.WithLabelValues(p.Embedder.Name(), "embed").Inc()

	matches, err := p.Vector.Query(ctx, vecs[0], p.Cfg.RetrievalTopK, vector.Filter{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	return matches, nil
}

// Purge removes every artifact of a document outside Postgres: vectors,
// the stored file and the search entry. Row deletion cascades separately.
func (p *Pipeline) Purge(ctx context.Context, doc store.Document) {
	if err := p.Vector.DeleteByDocument(ctx, doc.ID); err != nil {
		p.logf("[PIPELINE] purge vectors document=%s: %v", doc.ID, err)
	}
	if err := p.Blob.Delete(doc.StoragePath); err != nil {
		p.logf("[PIPELINE] purge file document=%s: %v", doc.ID, err)
	}
	if p.Search != nil {
		if err := p.Search.Delete(doc.ID); err != nil {
			p.logf("[PIPELINE] purge search document=%s: %v", doc.ID, err)
		}
	}
}

// finishStage records metrics and marks the document failed on a fatal
// stage error, unless the failure came from the caller's context.
func (p *Pipeline) finishStage(ctx context.Context, stage, documentID string, started time.Time, err error) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	if err == nil {
		metrics.StageRuns.WithLabelValues(stage, "ok").Inc()
		return
	}
	metrics.StageRuns.WithLabelValues(stage, "failed").Inc()
	p.logf("[PIPELINE] %s failed document=%s: %v", stage, documentID, err)

	// The stage context may already be dead; use a short detached one so
	// the failure is still recorded.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if markErr := p.Store.MarkDocumentFailed(markCtx, documentID, err.Error()); markErr != nil {
		p.logf("[PIPELINE] mark failed document=%s: %v", documentID, markErr)
	}
}

type pageSpan struct {
	number int
	start  int
	end    int
}

type pageLocator []pageSpan

// pageSpans computes byte ranges of each page inside the joined text, in
// the same order and with the same separator extract.Text uses.
func pageSpans(pages []extract.Page) pageLocator {
	spans := make(pageLocator, 0, len(pages))
	offset := 0
	for i, pg := range pages {
		if i > 0 {
			offset += len(pageSeparator)
		}
		spans = append(spans, pageSpan{number: pg.Number, start: offset, end: offset + len(pg.Text)})
		offset += len(pg.Text)
	}
	return spans
}

func (l pageLocator) locate(byteStart, byteEnd int) (first, last int) {
	for _, s := range l {
		if s.end <= byteStart {
			continue
		}
		if s.start >= byteEnd {
			break
		}
		if first == 0 {
			first = s.number
		}
		last = s.number
	}
	return first, last
}

const pageSeparator = "\n\n"

// Ext reports the lowercase extension of a filename, shared by upload
// validation and blob naming.
func Ext(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}
