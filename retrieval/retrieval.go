// Package retrieval searches stored summaries by fusing full-text and
// vector rankings.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/brunobiangulo/docdigest/store"
)

// ---------------------------------------------------------------------------
// Identifier detection for query routing.
// Queries naming figures, tables or codes are better served by exact
// matches, so FTS weight is boosted and vector weight reduced.
// ---------------------------------------------------------------------------
var identifierPatterns = []*regexp.Regexp{
	// Figure and table references: Figure 3, Fig. 2a, Table IV, Exhibit 12
	regexp.MustCompile(`(?i)\b(?:fig(?:ure)?\.?|table|exhibit|chart)\s*(?:\d+[a-z]?|[ivx]+)\b`),
	// Codes: E1375, E-1306, ISO-9001
	regexp.MustCompile(`\b[A-Z]{1,4}-?\d{3,6}\b`),
	// Fiscal periods: Q3 2024, FY2023, H1
	regexp.MustCompile(`(?i)\b(?:Q[1-4]|H[12]|FY)\s*'?\d{0,4}\b`),
	// Percentages and amounts: 12.5%, $4.2
	regexp.MustCompile(`\d+(?:\.\d+)?\s*%|\$\s*\d`),
}

// detectIdentifiers returns true if the query contains at least one
// structured identifier.
func detectIdentifiers(query string) bool {
	for _, p := range identifierPatterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}

// Backend is the storage the engine searches.
type Backend interface {
	VectorSearch(ctx context.Context, queryEmbedding []float32, k int) ([]store.SearchResult, error)
	FTSSearch(ctx context.Context, query string, limit int) ([]store.SearchResult, error)
}

// Embedder turns the query into a vector. llm.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds retrieval engine configuration.
type Config struct {
	WeightVector float64
	WeightFTS    float64
}

// DefaultConfig weights both methods equally.
func DefaultConfig() Config {
	return Config{WeightVector: 1.0, WeightFTS: 1.0}
}

// SearchOptions configures a single search operation.
type SearchOptions struct {
	MaxResults int
	WeightVec  float64
	WeightFTS  float64
	Kind       string // restrict to "text", "table" or "image"
	RunID      string // restrict to one run
}

// SearchTrace records the full breakdown of a hybrid search operation.
type SearchTrace struct {
	VecResults          int                       `json:"vec_results"`
	FTSResults          int                       `json:"fts_results"`
	FusedResults        int                       `json:"fused_results"`
	VecWeight           float64                   `json:"vec_weight"`
	FTSWeight           float64                   `json:"fts_weight"`
	IdentifiersDetected bool                      `json:"identifiers_detected"`
	MaxRequested        int                       `json:"max_requested"`
	FTSQuery            string                    `json:"fts_query"`
	ElapsedMs           int64                     `json:"elapsed_ms"`
	PerResult           map[int64]FusedResultInfo `json:"per_result,omitempty"`
}

// Engine performs hybrid retrieval combining vector and FTS search.
type Engine struct {
	backend  Backend
	embedder Embedder
	cfg      Config
}

// New creates a retrieval engine. A nil embedder disables vector search.
func New(b Backend, embedder Embedder, cfg Config) *Engine {
	return &Engine{backend: b, embedder: embedder, cfg: cfg}
}

// Search runs vector and FTS search concurrently and fuses them with RRF.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]store.SearchResult, *SearchTrace, error) {
	if opts.MaxResults == 0 {
		opts.MaxResults = 20
	}
	if opts.WeightVec == 0 {
		opts.WeightVec = e.cfg.WeightVector
	}
	if opts.WeightFTS == 0 {
		opts.WeightFTS = e.cfg.WeightFTS
	}

	trace := &SearchTrace{
		VecWeight: opts.WeightVec,
		FTSWeight: opts.WeightFTS,
	}

	if detectIdentifiers(query) {
		slog.Debug("retrieval: identifiers detected in query, boosting FTS weight",
			"query", query,
			"original_fts", opts.WeightFTS,
			"original_vec", opts.WeightVec)
		opts.WeightFTS *= 2.0
		opts.WeightVec *= 0.5
		trace.IdentifiersDetected = true
		trace.VecWeight = opts.WeightVec
		trace.FTSWeight = opts.WeightFTS
	}

	ftsQuery := sanitizeFTSQuery(query)
	trace.FTSQuery = ftsQuery

	// Filters apply after each search, so over-fetch.
	fetch := opts.MaxResults
	if opts.Kind != "" || opts.RunID != "" {
		fetch *= 4
	}

	slog.Debug("retrieval: starting hybrid search",
		"query_len", len(query), "max_results", opts.MaxResults,
		"weights", fmt.Sprintf("vec=%.1f fts=%.1f", opts.WeightVec, opts.WeightFTS))
	searchStart := time.Now()

	type result struct {
		results []store.SearchResult
		err     error
	}

	vecCh := make(chan result, 1)
	ftsCh := make(chan result, 1)

	go func() {
		r, err := e.vectorSearch(ctx, query, fetch)
		vecCh <- result{r, err}
	}()

	go func() {
		if ftsQuery == "" {
			ftsCh <- result{}
			return
		}
		r, err := e.backend.FTSSearch(ctx, ftsQuery, fetch)
		ftsCh <- result{r, err}
	}()

	vecRes := <-vecCh
	ftsRes := <-ftsCh

	if vecRes.err != nil {
		slog.Warn("retrieval: vector search failed", "error", vecRes.err)
	}
	if ftsRes.err != nil {
		slog.Warn("retrieval: fts search failed", "error", ftsRes.err)
	}

	vecResults := filter(vecRes.results, opts)
	ftsResults := filter(ftsRes.results, opts)
	trace.VecResults = len(vecResults)
	trace.FTSResults = len(ftsResults)

	fused, infoMap := fuseRRF(vecResults, ftsResults, opts.WeightVec, opts.WeightFTS, opts.MaxResults)

	trace.FusedResults = len(fused)
	trace.MaxRequested = opts.MaxResults
	trace.PerResult = infoMap
	trace.ElapsedMs = time.Since(searchStart).Milliseconds()

	slog.Debug("retrieval: search complete",
		"vec_results", trace.VecResults, "fts_results", trace.FTSResults,
		"fused", trace.FusedResults,
		"elapsed", time.Since(searchStart).Round(time.Millisecond))

	if len(fused) == 0 {
		// If all methods failed, return the first error
		if vecRes.err != nil && e.embedder != nil {
			return nil, trace, fmt.Errorf("vector search: %w", vecRes.err)
		}
		if ftsRes.err != nil {
			return nil, trace, fmt.Errorf("fts search: %w", ftsRes.err)
		}
	}

	return fused, trace, nil
}

// vectorSearch embeds the query and searches vec_summaries.
func (e *Engine) vectorSearch(ctx context.Context, query string, k int) ([]store.SearchResult, error) {
	if e.embedder == nil {
		return nil, nil
	}
	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return e.backend.VectorSearch(ctx, embeddings[0], k)
}

func filter(results []store.SearchResult, opts SearchOptions) []store.SearchResult {
	if opts.Kind == "" && opts.RunID == "" {
		return results
	}
	out := results[:0:0]
	for _, r := range results {
		if opts.Kind != "" && r.Kind != opts.Kind {
			continue
		}
		if opts.RunID != "" && r.RunID != opts.RunID {
			continue
		}
		out = append(out, r)
	}
	return out
}
