package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/brunobiangulo/docdigest/store"
)

func TestFuseRRF(t *testing.T) {
	vec := []store.SearchResult{
		{SummaryID: 1, Summary: "a"},
		{SummaryID: 2, Summary: "b"},
	}
	fts := []store.SearchResult{
		{SummaryID: 2, Summary: "b"},
		{SummaryID: 3, Summary: "c"},
	}

	results, infoMap := fuseRRF(vec, fts, 1.0, 1.0, 10)

	if len(results) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(results))
	}
	if info := infoMap[2]; len(info.Methods) != 2 || info.VecRank != 2 || info.FTSRank != 1 {
		t.Errorf("summary 2 info = %+v", info)
	}

	// Summary 2: vec rank 1 -> 1/62, fts rank 0 -> 1/61
	// Summary 1: vec rank 0 -> 1/61
	// Summary 3: fts rank 1 -> 1/62
	want := []struct {
		id    int64
		score float64
	}{
		{2, 1.0/62.0 + 1.0/61.0},
		{1, 1.0 / 61.0},
		{3, 1.0 / 62.0},
	}
	const eps = 1e-9
	for i, w := range want {
		if results[i].SummaryID != w.id {
			t.Errorf("position %d: got summary %d, want %d", i, results[i].SummaryID, w.id)
		}
		if diff := results[i].Score - w.score; diff < -eps || diff > eps {
			t.Errorf("summary %d score: got %f, want %f", w.id, results[i].Score, w.score)
		}
	}
}

func TestFuseRRFTiesKeepFirstSeen(t *testing.T) {
	vec := []store.SearchResult{{SummaryID: 7}}
	fts := []store.SearchResult{{SummaryID: 3}}
	for i := 0; i < 20; i++ {
		results, _ := fuseRRF(vec, fts, 1.0, 1.0, 10)
		if results[0].SummaryID != 7 || results[1].SummaryID != 3 {
			t.Fatalf("tie order changed: %d, %d", results[0].SummaryID, results[1].SummaryID)
		}
	}
}

func TestFuseRRFMaxResults(t *testing.T) {
	vec := []store.SearchResult{{SummaryID: 1}, {SummaryID: 2}, {SummaryID: 3}}
	results, _ := fuseRRF(vec, nil, 1.0, 1.0, 2)
	if len(results) != 2 {
		t.Errorf("expected 2 results with maxResults=2, got %d", len(results))
	}
}

func TestFuseRRFEmptyInputs(t *testing.T) {
	results, _ := fuseRRF(nil, nil, 1.0, 1.0, 10)
	if len(results) != 0 {
		t.Errorf("expected 0 results for empty inputs, got %d", len(results))
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "quarterly revenue growth", `"quarterly revenue growth" OR quarterly OR revenue OR growth`},
		{"single word", "revenue", "revenue"},
		{"special characters removed", `"net income" + (margin)*`, `"net income margin" OR net OR income OR margin`},
		{"operators lowered", "cash AND debt", `"cash and debt" OR cash OR debt`},
		{"only short words", "a to be", `"a to be"`},
		{"empty after cleaning", "?!*", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeFTSQuery(tt.input)
			if got != tt.want {
				t.Errorf("sanitizeFTSQuery(%q) = %q, want %q", tt.input, got, tt.want)
			}
			for _, ch := range []string{"*", "(", ")", "+", "^", ":"} {
				if strings.Contains(got, ch) {
					t.Errorf("sanitized query still contains %q: %s", ch, got)
				}
			}
		})
	}
}

func TestDetectIdentifiers(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"what does Figure 3 show", true},
		{"revenue in Q3 2024", true},
		{"margin above 12.5%", true},
		{"part E-1306 failures", true},
		{"how did costs develop", false},
	}
	for _, tt := range tests {
		if got := detectIdentifiers(tt.query); got != tt.want {
			t.Errorf("detectIdentifiers(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestIsStopWord(t *testing.T) {
	for _, w := range []string{"the", "The", "about"} {
		if !isStopWord(w) {
			t.Errorf("%q should be a stop word", w)
		}
	}
	if isStopWord("revenue") {
		t.Error("revenue is not a stop word")
	}
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

type mockBackend struct {
	vec      []store.SearchResult
	fts      []store.SearchResult
	vecErr   error
	ftsErr   error
	ftsQuery string
	vecCalls int
}

func (m *mockBackend) VectorSearch(_ context.Context, _ []float32, _ int) ([]store.SearchResult, error) {
	m.vecCalls++
	return m.vec, m.vecErr
}

func (m *mockBackend) FTSSearch(_ context.Context, query string, _ int) ([]store.SearchResult, error) {
	m.ftsQuery = query
	return m.fts, m.ftsErr
}

type mockEmbedder struct{ err error }

func (m mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func TestSearchHybrid(t *testing.T) {
	b := &mockBackend{
		vec: []store.SearchResult{{SummaryID: 1, Kind: "image"}, {SummaryID: 2, Kind: "text"}},
		fts: []store.SearchResult{{SummaryID: 2, Kind: "text"}},
	}
	e := New(b, mockEmbedder{}, DefaultConfig())

	results, trace, err := e.Search(context.Background(), "cost trends", SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].SummaryID != 2 {
		t.Errorf("unexpected results: %+v", results)
	}
	if trace.VecResults != 2 || trace.FTSResults != 1 || trace.FusedResults != 2 {
		t.Errorf("trace = %+v", trace)
	}
	if b.ftsQuery != `"cost trends" OR cost OR trends` {
		t.Errorf("fts query = %q", b.ftsQuery)
	}
}

func TestSearchWithoutEmbedder(t *testing.T) {
	b := &mockBackend{fts: []store.SearchResult{{SummaryID: 4}}}
	e := New(b, nil, DefaultConfig())

	results, _, err := e.Search(context.Background(), "revenue", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || b.vecCalls != 0 {
		t.Errorf("results %d, vector calls %d", len(results), b.vecCalls)
	}
}

func TestSearchIdentifierBoost(t *testing.T) {
	e := New(&mockBackend{}, nil, DefaultConfig())
	_, trace, err := e.Search(context.Background(), "Figure 2 revenue", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !trace.IdentifiersDetected || trace.FTSWeight != 2.0 || trace.VecWeight != 0.5 {
		t.Errorf("trace = %+v", trace)
	}
}

func TestSearchFilters(t *testing.T) {
	b := &mockBackend{fts: []store.SearchResult{
		{SummaryID: 1, Kind: "text", RunID: "r1"},
		{SummaryID: 2, Kind: "image", RunID: "r1"},
		{SummaryID: 3, Kind: "image", RunID: "r2"},
	}}
	e := New(b, nil, DefaultConfig())

	results, _, err := e.Search(context.Background(), "chart", SearchOptions{Kind: "image", RunID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].SummaryID != 2 {
		t.Errorf("unexpected filtered results: %+v", results)
	}
}

func TestSearchAllMethodsFail(t *testing.T) {
	b := &mockBackend{ftsErr: errors.New("fts5: syntax error")}
	e := New(b, mockEmbedder{err: errors.New("embed down")}, DefaultConfig())

	_, _, err := e.Search(context.Background(), "revenue", SearchOptions{})
	if err == nil || !strings.Contains(err.Error(), "vector search") {
		t.Errorf("err = %v, want vector search error", err)
	}
}

func TestSearchPartialFailure(t *testing.T) {
	b := &mockBackend{fts: []store.SearchResult{{SummaryID: 9}}}
	e := New(b, mockEmbedder{err: errors.New("embed down")}, DefaultConfig())

	results, _, err := e.Search(context.Background(), "revenue", SearchOptions{})
	if err != nil || len(results) != 1 {
		t.Errorf("Search = %v, %v", results, err)
	}
}
