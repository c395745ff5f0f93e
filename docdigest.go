// Package docdigest turns a parsed document into retrieval-ready summaries:
// narrative text, tables with their lead-in context, and images paired with
// their captions by page geometry.
package docdigest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/docdigest/categorize"
	"github.com/brunobiangulo/docdigest/llm"
	"github.com/brunobiangulo/docdigest/parser"
	"github.com/brunobiangulo/docdigest/retrieval"
	"github.com/brunobiangulo/docdigest/spatial"
	"github.com/brunobiangulo/docdigest/store"
	"github.com/brunobiangulo/docdigest/summarize"
)

// Engine is the main entry point.
type Engine interface {
	// Process extracts, categorizes, pairs and summarizes a document.
	// Extraction failure aborts the run. Per-item model failures only
	// show up as sentinel summaries. When ctx ends mid-run the partial
	// result is returned together with ctx's error.
	Process(ctx context.Context, path string, opts ...ProcessOption) (*Result, error)

	// Search runs a hybrid full-text and vector search over stored summaries.
	Search(ctx context.Context, query string, opts ...SearchOption) ([]Hit, error)

	// Runs lists stored runs, newest first.
	Runs(ctx context.Context) ([]Run, error)

	// RunSummaries returns the stored summaries of one run.
	RunSummaries(ctx context.Context, runID string) ([]StoredSummary, error)

	// DeleteRun removes a run and everything stored for it.
	DeleteRun(ctx context.Context, runID string) error

	// Close cleanly shuts down the engine.
	Close() error
}

// Run and StoredSummary are the persisted forms of a processed document.
type (
	Run           = store.Run
	StoredSummary = store.Summary
)

// Result is the outcome of Process. Summary slices are aligned 1:1 with
// Texts, Tables and Bundles.
type Result struct {
	RunID       string `json:"run_id,omitempty"`
	Path        string `json:"path"`
	Format      string `json:"format"`
	ParseMethod string `json:"parse_method"`

	Texts          []string                `json:"texts"`
	Tables         []string                `json:"tables"`
	TextSummaries  []string                `json:"text_summaries"`
	TableSummaries []string                `json:"table_summaries"`
	Bundles        []spatial.CaptionBundle `json:"-"`
	ImageSummaries []ImageSummary          `json:"image_summaries"`

	// Failures holds the sentinel of every item without model output.
	Failures []string `json:"failures,omitempty"`

	Stats Stats `json:"stats"`
}

// ImageSummary is the summary of one caption bundle.
type ImageSummary struct {
	Key        spatial.GeometryKey `json:"key"`
	PageNumber int                 `json:"page_number"`
	Caption    string              `json:"caption,omitempty"`
	Summary    string              `json:"summary"`
	OK         bool                `json:"ok"`
}

// Stats counts what happened during a run.
type Stats struct {
	Elements     int           `json:"elements"`
	SkippedPages int           `json:"skipped_by_page"`
	Images       int           `json:"images"`
	Bundles      int           `json:"bundles"`
	Captioned    int           `json:"captioned"`
	Orphans      int           `json:"orphans"`
	Generated    int           `json:"generated"`
	Failed       int           `json:"failed"`
	Exhausted    int           `json:"exhausted"`
	Canceled     int           `json:"canceled"`
	Retries      int           `json:"retries"`
	Model        string        `json:"model"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// Hit is one search result.
type Hit struct {
	store.SearchResult
	Snippet string   `json:"snippet,omitempty"`
	Methods []string `json:"methods,omitempty"`
}

// Option configures New.
type Option func(*engineOptions)

type engineOptions struct {
	model      summarize.Model
	provider   llm.Provider
	embedder   llm.Provider
	registerer prometheus.Registerer
	parsers    *parser.Registry
}

// WithModel bypasses provider construction and summarizes with m.
func WithModel(m summarize.Model) Option {
	return func(o *engineOptions) { o.model = m }
}

// WithProvider uses p instead of building one from Config.Model.
func WithProvider(p llm.Provider) Option {
	return func(o *engineOptions) { o.provider = p }
}

// WithEmbedder uses p instead of building one from Config.Embedding.
func WithEmbedder(p llm.Provider) Option {
	return func(o *engineOptions) { o.embedder = p }
}

// WithRegisterer registers summarization metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registerer = reg }
}

// WithParsers replaces the default parser registry.
func WithParsers(r *parser.Registry) Option {
	return func(o *engineOptions) { o.parsers = r }
}

// ProcessOption configures a single Process call.
type ProcessOption func(*processOptions)

type processOptions struct {
	maxPages int
	persist  bool
}

// WithMaxPages overrides Config.MaxPages for this run.
func WithMaxPages(n int) ProcessOption {
	return func(o *processOptions) { o.maxPages = n }
}

// WithoutStore skips persistence for this run.
func WithoutStore() ProcessOption {
	return func(o *processOptions) { o.persist = false }
}

// SearchOption configures a single Search call.
type SearchOption func(*retrieval.SearchOptions)

// WithMaxResults sets the maximum number of hits.
func WithMaxResults(n int) SearchOption {
	return func(o *retrieval.SearchOptions) { o.MaxResults = n }
}

// WithKind restricts hits to "text", "table" or "image" summaries.
func WithKind(kind string) SearchOption {
	return func(o *retrieval.SearchOptions) { o.Kind = kind }
}

// WithRunID restricts hits to one run.
func WithRunID(id string) SearchOption {
	return func(o *retrieval.SearchOptions) { o.RunID = id }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg        Config
	personas   summarize.Personas
	store      *store.Store
	parsers    *parser.Registry
	summarizer *summarize.Engine
	embedder   llm.Provider
	retriever  *retrieval.Engine
}

// New creates an engine from cfg.
func New(cfg Config, opts ...Option) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}

	model := o.model
	if model == nil {
		provider := o.provider
		if provider == nil {
			if cfg.Model.Provider == "gemini" && cfg.Model.APIKey == "" {
				return nil, fmt.Errorf("%w: GEMINI_API_KEY is not set", ErrInvalidConfig)
			}
			var err error
			provider, err = llm.NewProvider(cfg.Model)
			if err != nil {
				return nil, fmt.Errorf("creating model provider: %w", err)
			}
		}
		model = &summarize.ProviderModel{
			Provider:    provider,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxOutputTokens,
		}
	}

	embedder := o.embedder
	if embedder == nil && cfg.Embedding.Provider != "" {
		var err error
		embedder, err = llm.NewProvider(cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}

	var metrics *summarize.Metrics
	if o.registerer != nil {
		metrics = summarize.NewMetrics(o.registerer)
	}

	parsers := o.parsers
	if parsers == nil {
		parsers = parser.NewRegistry()
	}

	e := &engine{
		cfg:      cfg,
		personas: cfg.personas(),
		parsers:  parsers,
		embedder: embedder,
		summarizer: summarize.NewEngine(model,
			summarize.WithPolicy(cfg.retryPolicy()),
			summarize.WithLimiter(summarize.NewLimiter(cfg.RequestsPerMinute)),
			summarize.WithMetrics(metrics),
		),
	}

	if !cfg.SkipStore {
		s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		e.store = s

		var emb retrieval.Embedder
		if embedder != nil {
			emb = embedder
		}
		e.retriever = retrieval.New(s, emb, retrieval.DefaultConfig())
	}

	return e, nil
}

// Process runs the full pipeline for one document.
func (e *engine) Process(ctx context.Context, path string, opts ...ProcessOption) (*Result, error) {
	o := &processOptions{maxPages: e.cfg.MaxPages, persist: e.store != nil}
	for _, opt := range opts {
		opt(o)
	}

	start := time.Now()
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	filename := filepath.Base(absPath)

	p, format, err := e.parsers.ForPath(absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	slog.Info("process: extracting elements", "file", filename, "format", format)
	parsed, err := p.Parse(ctx, absPath)
	if err != nil {
		slog.Error("process: extraction failed", "file", filename, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	slog.Info("process: extraction complete",
		"file", filename, "method", parsed.Method, "elements", len(parsed.Elements),
		"elapsed", time.Since(start).Round(time.Millisecond))

	cat := categorize.Categorize(parsed.Elements, o.maxPages)
	slog.Info("process: categorization complete",
		"texts", len(cat.Texts), "tables", len(cat.Tables), "skipped", cat.Skipped)

	// Images are paired across the whole stream; the page limit only
	// applies to text and tables.
	index := spatial.BuildIndex(parsed.Elements)
	bundles := spatial.GenerateBundles(parsed.Elements, index.Payloads()).Ordered()
	captioned := 0
	for _, b := range bundles {
		if !b.Orphan() {
			captioned++
		}
	}
	images := countImages(parsed.Elements)
	slog.Info("process: image pairing complete",
		"images", images, "with_payload", index.Len(), "bundles", len(bundles), "captioned", captioned)

	res := &Result{
		Path:        absPath,
		Format:      format,
		ParseMethod: parsed.Method,
		Texts:       cat.Texts,
		Tables:      cat.Tables,
		Bundles:     bundles,
		Stats: Stats{
			Elements:     len(parsed.Elements),
			SkippedPages: cat.Skipped,
			Images:       images,
			Bundles:      len(bundles),
			Captioned:    captioned,
			Orphans:      len(bundles) - captioned,
			Model:        e.cfg.Model.Model,
		},
	}

	batches, runErr := e.summarizeAll(ctx, cat, bundles)
	res.TextSummaries = batches[0].Results
	res.TableSummaries = batches[1].Results
	res.ImageSummaries = make([]ImageSummary, len(bundles))
	for i, b := range bundles {
		res.ImageSummaries[i] = ImageSummary{
			Key:        b.Key,
			PageNumber: b.PageNumber,
			Caption:    b.CaptionText,
			Summary:    batches[2].Results[i],
			OK:         batches[2].OK[i],
		}
	}
	for _, b := range batches {
		for i, ok := range b.OK {
			if !ok {
				res.Failures = append(res.Failures, b.Results[i])
			}
		}
		res.Stats.Generated += b.Generated
		res.Stats.Failed += b.Failed
		res.Stats.Exhausted += b.Exhausted
		res.Stats.Canceled += b.Skipped
		res.Stats.Retries += b.Retries
	}

	if o.persist && e.store != nil {
		// Partial runs are kept, so persistence outlives cancellation.
		runID, err := e.persist(context.WithoutCancel(ctx), res, batches, runErr == nil)
		if err != nil {
			slog.Warn("process: persisting run failed (non-fatal)", "file", filename, "error", err)
		} else {
			res.RunID = runID
		}
	}

	res.Stats.Elapsed = time.Since(start)
	slog.Info("process: run complete",
		"file", filename,
		"run_id", res.RunID,
		"generated", res.Stats.Generated,
		"failed", res.Stats.Failed,
		"canceled", res.Stats.Canceled,
		"elapsed", res.Stats.Elapsed.Round(time.Millisecond))

	return res, runErr
}

// summarizeAll runs the text, table and image batches. The returned slice
// always holds three aligned batches, even when ctx ends.
func (e *engine) summarizeAll(ctx context.Context, cat categorize.Result, bundles []spatial.CaptionBundle) ([3]*summarize.Batch, error) {
	stages := [3]struct {
		kind   summarize.Kind
		items  []summarize.Item
		prompt summarize.PromptFunc
	}{
		{summarize.KindText, summarize.TextItems(cat.Texts), summarize.TextPrompt(e.personas.Text)},
		{summarize.KindTable, summarize.TableItems(cat.Tables), summarize.TablePrompt(e.personas.Table)},
		{summarize.KindImage, summarize.ImageItems(bundles), summarize.ImagePrompt(e.personas.Image)},
	}

	var out [3]*summarize.Batch

	if e.cfg.ParallelStages {
		g, gctx := errgroup.WithContext(ctx)
		for i, st := range stages {
			g.Go(func() error {
				b, err := e.summarizer.Summarize(gctx, st.kind, st.items, st.prompt)
				out[i] = b
				return err
			})
		}
		return out, g.Wait()
	}

	var firstErr error
	for i, st := range stages {
		b, err := e.summarizer.Summarize(ctx, st.kind, st.items, st.prompt)
		out[i] = b
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}

// persist stores the run and its summaries, then embeds the successful
// summaries when an embedder is configured.
func (e *engine) persist(ctx context.Context, res *Result, batches [3]*summarize.Batch, complete bool) (string, error) {
	runID, err := e.store.InsertRun(ctx, store.Run{
		Path:        res.Path,
		Filename:    filepath.Base(res.Path),
		Format:      res.Format,
		ParseMethod: res.ParseMethod,
		Model:       res.Stats.Model,
		Texts:       len(res.Texts),
		Tables:      len(res.Tables),
		Bundles:     len(res.Bundles),
	})
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}

	var rows []store.Summary
	for i, text := range res.Texts {
		rows = append(rows, summaryRow(runID, batches[0], i, text))
	}
	for i, table := range res.Tables {
		rows = append(rows, summaryRow(runID, batches[1], i, table))
	}
	for i, b := range res.Bundles {
		row := summaryRow(runID, batches[2], i, b.CaptionText)
		row.PageNumber = b.PageNumber
		row.GeometryKey = b.Key.String()
		rows = append(rows, row)
	}

	ids, err := e.store.InsertSummaries(ctx, rows)
	if err != nil {
		return runID, fmt.Errorf("inserting summaries: %w", err)
	}

	status := store.StatusComplete
	if !complete {
		status = store.StatusPartial
	}
	if err := e.store.FinishRun(ctx, runID, res.Stats.Generated, res.Stats.Failed, status); err != nil {
		return runID, fmt.Errorf("finishing run: %w", err)
	}

	if e.embedder != nil && complete {
		if err := e.embedSummaries(ctx, rows, ids); err != nil {
			slog.Warn("process: embedding summaries failed (non-fatal)", "run_id", runID, "error", err)
		}
	}
	return runID, nil
}

func summaryRow(runID string, b *summarize.Batch, i int, content string) store.Summary {
	return store.Summary{
		RunID:    runID,
		Kind:     string(b.Kind),
		Position: i,
		Label:    b.Labels[i],
		Content:  content,
		Summary:  b.Results[i],
		OK:       b.OK[i],
	}
}

// maxEmbedChars is the maximum character length for a single text sent to the
// embedding model.
const maxEmbedChars = 24000

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}

// embedSummaries embeds successful summaries in batches. A failed batch
// falls back to one request per summary so a single bad text does not
// lose the rest.
func (e *engine) embedSummaries(ctx context.Context, rows []store.Summary, ids []int64) error {
	const batchSize = 32

	var texts []string
	var targets []int64
	for i, r := range rows {
		if r.OK {
			texts = append(texts, truncateForEmbed(r.Summary))
			targets = append(targets, ids[i])
		}
	}
	if len(texts) == 0 {
		return nil
	}

	failed := 0
	save := func(id int64, emb []float32) {
		if len(emb) == 0 {
			failed++
			return
		}
		if err := e.store.InsertEmbedding(ctx, id, emb); err != nil {
			slog.Warn("process: storing embedding failed", "summary_id", id, "error", err)
			failed++
		}
	}

	for i := 0; i < len(texts); i += batchSize {
		end := min(i+batchSize, len(texts))

		embeddings, err := e.embedder.Embed(ctx, texts[i:end])
		if err == nil && len(embeddings) == end-i {
			for j, emb := range embeddings {
				save(targets[i+j], emb)
			}
			continue
		}

		slog.Warn("process: embedding batch failed, falling back to individual",
			"batch_start", i, "batch_end", end, "error", err)
		for j := i; j < end; j++ {
			single, serr := e.embedder.Embed(ctx, texts[j:j+1])
			if serr != nil || len(single) == 0 {
				slog.Warn("process: embedding single summary failed", "summary_id", targets[j], "error", serr)
				failed++
				continue
			}
			save(targets[j], single[0])
		}
	}

	if failed == len(texts) {
		return fmt.Errorf("all %d summaries failed embedding", len(texts))
	}
	if failed > 0 {
		slog.Warn("process: some embeddings failed", "failed", failed, "total", len(texts))
	}
	return nil
}

// Search runs hybrid retrieval over stored summaries.
func (e *engine) Search(ctx context.Context, query string, opts ...SearchOption) ([]Hit, error) {
	if e.store == nil {
		return nil, ErrStoreDisabled
	}

	var so retrieval.SearchOptions
	for _, opt := range opts {
		opt(&so)
	}

	results, trace, err := e.retriever.Search(ctx, query, so)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	words := significantWords(query)
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			SearchResult: r,
			Snippet:      hitSnippet(r.Content, r.Summary, words),
			Methods:      trace.PerResult[r.SummaryID].Methods,
		}
	}
	return hits, nil
}

// Runs lists stored runs, newest first.
func (e *engine) Runs(ctx context.Context) ([]Run, error) {
	if e.store == nil {
		return nil, ErrStoreDisabled
	}
	return e.store.ListRuns(ctx)
}

// RunSummaries returns the stored summaries of one run.
func (e *engine) RunSummaries(ctx context.Context, runID string) ([]StoredSummary, error) {
	if e.store == nil {
		return nil, ErrStoreDisabled
	}
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	return e.store.GetRunSummaries(ctx, runID)
}

// DeleteRun removes a run with its summaries and embeddings.
func (e *engine) DeleteRun(ctx context.Context, runID string) error {
	if e.store == nil {
		return ErrStoreDisabled
	}
	if err := e.store.DeleteRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return err
	}
	return nil
}

// Close shuts down the engine.
func (e *engine) Close() error {
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// countImages counts image elements that have page geometry, with or
// without a payload.
func countImages(elements []parser.Element) int {
	n := 0
	for _, el := range elements {
		if el.Category != parser.CategoryImage {
			continue
		}
		if _, ok := spatial.ElementKey(el); ok {
			n++
		}
	}
	return n
}
