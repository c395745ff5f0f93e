//go:build cgo

package docdigest

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/brunobiangulo/docdigest/llm"
	"github.com/brunobiangulo/docdigest/store"
	"github.com/brunobiangulo/docdigest/summarize"
)

// keywordEmbedder maps texts mentioning "revenue" to one axis and
// everything else to another.
type keywordEmbedder struct{}

func (keywordEmbedder) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not a chat model")
}

func (keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(strings.ToLower(t), "revenue") {
			out[i] = []float32{1, 0, 0, 0}
		} else {
			out[i] = []float32{0, 1, 0, 0}
		}
	}
	return out, nil
}

func storeConfig(t *testing.T) Config {
	t.Helper()
	cfg := testConfig()
	cfg.SkipStore = false
	cfg.DBPath = filepath.Join(t.TempDir(), "docdigest.db")
	cfg.EmbeddingDim = 4
	return cfg
}

func newStoreEngine(t *testing.T, m summarize.Model, opts ...Option) Engine {
	t.Helper()
	e, err := New(storeConfig(t), append([]Option{WithModel(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestStoreBacked_PersistsRun(t *testing.T) {
	e := newStoreEngine(t, &echoModel{})
	ctx := context.Background()

	res, err := e.Process(ctx, writeFixture(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.RunID == "" {
		t.Fatal("expected a run ID")
	}

	runs, err := e.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	r := runs[0]
	if r.ID != res.RunID || r.Status != store.StatusComplete || r.Filename != "report.json" {
		t.Errorf("run = %+v", r)
	}
	if r.Texts != 2 || r.Tables != 1 || r.Bundles != 3 || r.Generated != 6 || r.Failed != 0 {
		t.Errorf("run counts = %+v", r)
	}

	rows, err := e.RunSummaries(ctx, res.RunID)
	if err != nil {
		t.Fatalf("RunSummaries: %v", err)
	}
	wantKinds := []string{"text", "text", "table", "image", "image", "image"}
	if len(rows) != len(wantKinds) {
		t.Fatalf("got %d rows, want %d", len(rows), len(wantKinds))
	}
	for i, want := range wantKinds {
		if rows[i].Kind != want {
			t.Errorf("row %d kind = %q, want %q", i, rows[i].Kind, want)
		}
	}
	img := rows[3]
	if img.GeometryKey != res.ImageSummaries[0].Key.String() || img.PageNumber != 1 {
		t.Errorf("image row = %+v", img)
	}
	if img.Content != "Figure 1: Sales by region" || img.Summary != res.ImageSummaries[0].Summary {
		t.Errorf("image row content = %q, summary = %q", img.Content, img.Summary)
	}
	if !strings.HasPrefix(img.Label, "page 1 (p1[") {
		t.Errorf("image label = %q", img.Label)
	}
}

func TestStoreBacked_FailedSummariesStored(t *testing.T) {
	e := newStoreEngine(t, &echoModel{failOn: "Revenue"})
	ctx := context.Background()

	res, err := e.Process(ctx, writeFixture(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	rows, err := e.RunSummaries(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].OK || rows[0].Summary != summarize.ErrorSentinel(summarize.KindText, "1") {
		t.Errorf("failed row = %+v", rows[0])
	}

	runs, _ := e.Runs(ctx)
	if runs[0].Failed != 1 || runs[0].Generated != 5 {
		t.Errorf("run counts = %+v", runs[0])
	}
}

func TestStoreBacked_CanceledRunIsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newStoreEngine(t, &echoModel{onCall: func(int) { cancel() }})

	res, err := e.Process(ctx, writeFixture(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.RunID == "" {
		t.Fatal("partial run was not persisted")
	}

	runs, err := e.Runs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if runs[0].Status != store.StatusPartial {
		t.Errorf("status = %q, want partial", runs[0].Status)
	}
}

func TestStoreBacked_WithoutStoreOption(t *testing.T) {
	e := newStoreEngine(t, &echoModel{})
	ctx := context.Background()

	res, err := e.Process(ctx, writeFixture(t), WithoutStore())
	if err != nil {
		t.Fatal(err)
	}
	if res.RunID != "" {
		t.Errorf("RunID = %q, want empty", res.RunID)
	}
	if runs, _ := e.Runs(ctx); len(runs) != 0 {
		t.Errorf("got %d runs, want none", len(runs))
	}
}

func TestStoreBacked_SearchFTS(t *testing.T) {
	e := newStoreEngine(t, &echoModel{})
	ctx := context.Background()

	res, err := e.Process(ctx, writeFixture(t))
	if err != nil {
		t.Fatal(err)
	}

	hits, err := e.Search(ctx, "revenue")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	h := hits[0]
	if h.RunID != res.RunID || h.Kind != "text" || h.Filename != "report.json" {
		t.Errorf("hit = %+v", h.SearchResult)
	}
	if h.Snippet != "Revenue grew in every region." {
		t.Errorf("snippet = %q", h.Snippet)
	}
	if !slices.Equal(h.Methods, []string{"fts"}) {
		t.Errorf("methods = %v, want [fts]", h.Methods)
	}

	if _, err := e.Search(ctx, "revenue", WithKind("image")); !errors.Is(err, ErrNoResults) {
		t.Errorf("kind filter err = %v, want ErrNoResults", err)
	}
	if _, err := e.Search(ctx, "revenue", WithRunID("other")); !errors.Is(err, ErrNoResults) {
		t.Errorf("run filter err = %v, want ErrNoResults", err)
	}
	hits, err = e.Search(ctx, "revenue", WithRunID(res.RunID), WithMaxResults(5))
	if err != nil || len(hits) != 1 {
		t.Errorf("run-scoped search = %d hits, err %v", len(hits), err)
	}
}

func TestStoreBacked_SearchHybrid(t *testing.T) {
	e := newStoreEngine(t, &echoModel{}, WithEmbedder(keywordEmbedder{}))
	ctx := context.Background()

	if _, err := e.Process(ctx, writeFixture(t)); err != nil {
		t.Fatal(err)
	}

	hits, err := e.Search(ctx, "revenue")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) < 2 {
		t.Fatalf("got %d hits, want vector neighbours as well", len(hits))
	}
	top := hits[0]
	if top.Content != "Revenue grew in every region." {
		t.Errorf("top hit content = %q", top.Content)
	}
	if !slices.Contains(top.Methods, "vector") || !slices.Contains(top.Methods, "fts") {
		t.Errorf("top hit methods = %v, want vector and fts", top.Methods)
	}
}

func TestStoreBacked_DeleteRun(t *testing.T) {
	e := newStoreEngine(t, &echoModel{})
	ctx := context.Background()

	res, err := e.Process(ctx, writeFixture(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteRun(ctx, res.RunID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := e.RunSummaries(ctx, res.RunID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("RunSummaries err = %v, want ErrRunNotFound", err)
	}
	if err := e.DeleteRun(ctx, res.RunID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("second DeleteRun err = %v, want ErrRunNotFound", err)
	}
	if _, err := e.Search(ctx, "revenue"); !errors.Is(err, ErrNoResults) {
		t.Errorf("Search after delete err = %v, want ErrNoResults", err)
	}
}
