package docdigest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brunobiangulo/docdigest/llm"
	"github.com/brunobiangulo/docdigest/summarize"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// echoModel summarizes by echoing the first prompt part. Prompts containing
// failOn fail permanently, prompts containing limitOn stay rate limited.
type echoModel struct {
	failOn  string
	limitOn string
	onCall  func(n int)

	mu      sync.Mutex
	prompts []string
	calls   atomic.Int32
}

func (m *echoModel) Generate(_ context.Context, p summarize.Prompt) (string, error) {
	n := int(m.calls.Add(1))
	if m.onCall != nil {
		defer m.onCall(n)
	}
	text := p.Text()
	m.mu.Lock()
	m.prompts = append(m.prompts, text)
	m.mu.Unlock()

	switch {
	case m.failOn != "" && strings.Contains(text, m.failOn):
		return "", errors.New("model exploded")
	case m.limitOn != "" && strings.Contains(text, m.limitOn):
		return "", &llm.RateLimitError{URL: "test"}
	}
	return "summary of " + strings.TrimSpace(p.Parts[0].Text), nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SkipStore = true
	cfg.MaxPages = 3
	cfg.MaxAttempts = 2
	cfg.BaseDelay = Duration(time.Millisecond)
	return cfg
}

// writeFixture writes an unstructured element file with two narrative
// texts, a table with a short lead-in, a captioned image on page 1, an
// orphan image on page 2 and an image plus text on page 5.
func writeFixture(t *testing.T) string {
	t.Helper()
	payload := base64.StdEncoding.EncodeToString([]byte("not really a png"))
	img := func(id string, page int, x0, y0, x1, y1 float64) string {
		return fmt.Sprintf(`{"type": "Image", "element_id": %q, "text": "", "metadata": {"page_number": %d,
	    "coordinates": {"points": [[%g, %g], [%g, %g], [%g, %g], [%g, %g]]},
	    "image_base64": %q, "image_mime_type": "image/png"}}`,
			id, page, x0, y0, x0, y1, x1, y1, x1, y0, payload)
	}

	doc := `[
	  {"type": "Title", "element_id": "a", "text": "Annual report", "metadata": {"page_number": 1}},
	  {"type": "NarrativeText", "element_id": "b", "text": "Revenue grew in every region.", "metadata": {"page_number": 1}},
	  {"type": "NarrativeText", "element_id": "c", "text": "Table 1 shows costs.", "metadata": {"page_number": 1}},
	  {"type": "Table", "element_id": "d", "text": "a b", "metadata": {"page_number": 1,
	    "text_as_html": "<table><tr><td>a</td><td>b</td></tr></table>"}},
	  ` + img("e", 1, 0, 30, 60, 90) + `,
	  {"type": "FigureCaption", "element_id": "f", "text": "Figure 1: Sales by region", "metadata": {"page_number": 1,
	    "coordinates": {"points": [[0, 95], [0, 100], [60, 100], [60, 95]]}}},
	  ` + img("g", 2, 10, 10, 20, 20) + `,
	  ` + img("h", 5, 10, 10, 20, 20) + `,
	  {"type": "NarrativeText", "element_id": "i", "text": "Appendix text.", "metadata": {"page_number": 5}}
	]`

	path := filepath.Join(t.TempDir(), "report.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestEngine(t *testing.T, cfg Config, m summarize.Model) Engine {
	t.Helper()
	e, err := New(cfg, WithModel(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// ---------------------------------------------------------------------------
// Process
// ---------------------------------------------------------------------------

func TestProcess_ImageCountIncludesMissingPayloads(t *testing.T) {
	doc := `[
	  {"type": "Image", "element_id": "a", "text": "", "metadata": {"page_number": 1,
	    "coordinates": {"points": [[0, 0], [0, 10], [10, 10], [10, 0]]},
	    "image_path": "figures/missing.png"}},
	  {"type": "FigureCaption", "element_id": "b", "text": "Figure 1: lost", "metadata": {"page_number": 1,
	    "coordinates": {"points": [[0, 12], [0, 14], [10, 14], [10, 12]]}}}
	]`
	path := filepath.Join(t.TempDir(), "missing.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := newTestEngine(t, testConfig(), &echoModel{}).Process(context.Background(), path)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	st := res.Stats
	if st.Images != 1 || st.Bundles != 1 || st.Orphans != 1 || st.Captioned != 0 {
		t.Errorf("images = %d, bundles = %d, orphans = %d, captioned = %d, want 1, 1, 1, 0",
			st.Images, st.Bundles, st.Orphans, st.Captioned)
	}
}

func TestProcess_AlignedOutputs(t *testing.T) {
	m := &echoModel{}
	e := newTestEngine(t, testConfig(), m)

	res, err := e.Process(context.Background(), writeFixture(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	wantTexts := []string{"Revenue grew in every region.", "Table 1 shows costs."}
	if len(res.Texts) != len(wantTexts) {
		t.Fatalf("texts = %v, want %v", res.Texts, wantTexts)
	}
	for i, want := range wantTexts {
		if res.Texts[i] != want {
			t.Errorf("text %d = %q, want %q", i, res.Texts[i], want)
		}
		if res.TextSummaries[i] != "summary of "+want {
			t.Errorf("text summary %d = %q", i, res.TextSummaries[i])
		}
	}

	wantTable := "Table 1 shows costs.\n\n<table><tr><td>a</td><td>b</td></tr></table>"
	if len(res.Tables) != 1 || res.Tables[0] != wantTable {
		t.Fatalf("tables = %q, want [%q]", res.Tables, wantTable)
	}
	if len(res.TableSummaries) != 1 {
		t.Fatalf("table summaries = %d, want 1", len(res.TableSummaries))
	}

	if len(res.Bundles) != 3 || len(res.ImageSummaries) != 3 {
		t.Fatalf("bundles = %d, image summaries = %d, want 3", len(res.Bundles), len(res.ImageSummaries))
	}
	first := res.ImageSummaries[0]
	if first.Caption != "Figure 1: Sales by region" || first.PageNumber != 1 || !first.OK {
		t.Errorf("first image summary = %+v", first)
	}
	if first.Summary != "summary of Image on page 1. Caption: Figure 1: Sales by region" {
		t.Errorf("first image summary text = %q", first.Summary)
	}
	for i, want := range []int{2, 5} {
		got := res.ImageSummaries[i+1]
		if got.PageNumber != want || got.Caption != "" {
			t.Errorf("orphan %d = %+v, want page %d without caption", i, got, want)
		}
	}

	st := res.Stats
	if st.Elements != 9 || st.SkippedPages != 2 {
		t.Errorf("elements = %d, skipped = %d, want 9 and 2", st.Elements, st.SkippedPages)
	}
	if st.Images != 3 || st.Captioned != 1 || st.Orphans != 2 {
		t.Errorf("images = %d, captioned = %d, orphans = %d", st.Images, st.Captioned, st.Orphans)
	}
	if st.Generated != 6 || st.Failed != 0 || st.Canceled != 0 {
		t.Errorf("generated = %d, failed = %d, canceled = %d", st.Generated, st.Failed, st.Canceled)
	}
	if got := int(m.calls.Load()); got != 6 {
		t.Errorf("model calls = %d, want 6", got)
	}
	if res.RunID != "" {
		t.Errorf("RunID = %q, want empty without a store", res.RunID)
	}
}

func TestProcess_MaxPagesOverride(t *testing.T) {
	e := newTestEngine(t, testConfig(), &echoModel{})

	res, err := e.Process(context.Background(), writeFixture(t), WithMaxPages(0))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(res.Texts) != 3 || res.Stats.SkippedPages != 0 {
		t.Errorf("texts = %v, skipped = %d; want 3 texts with no limit", res.Texts, res.Stats.SkippedPages)
	}
}

func TestProcess_FailureIsIsolated(t *testing.T) {
	e := newTestEngine(t, testConfig(), &echoModel{failOn: "Revenue"})

	res, err := e.Process(context.Background(), writeFixture(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if want := summarize.ErrorSentinel(summarize.KindText, "1"); res.TextSummaries[0] != want {
		t.Errorf("text summary 0 = %q, want %q", res.TextSummaries[0], want)
	}
	if res.TextSummaries[1] != "summary of Table 1 shows costs." {
		t.Errorf("text summary 1 = %q", res.TextSummaries[1])
	}
	if res.Stats.Failed != 1 || res.Stats.Generated != 5 {
		t.Errorf("failed = %d, generated = %d; want 1 and 5", res.Stats.Failed, res.Stats.Generated)
	}
}

func TestProcess_RateLimitExhausted(t *testing.T) {
	m := &echoModel{limitOn: "Table 1"}
	e := newTestEngine(t, testConfig(), m)

	res, err := e.Process(context.Background(), writeFixture(t))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if want := summarize.ExhaustedSentinel(summarize.KindText, "2"); res.TextSummaries[1] != want {
		t.Errorf("text summary 1 = %q, want %q", res.TextSummaries[1], want)
	}
	if want := summarize.ExhaustedSentinel(summarize.KindTable, "1"); res.TableSummaries[0] != want {
		t.Errorf("table summary = %q, want %q", res.TableSummaries[0], want)
	}
	// Two items rate limited, two attempts each.
	if res.Stats.Exhausted != 2 || res.Stats.Retries != 2 {
		t.Errorf("exhausted = %d, retries = %d; want 2 and 2", res.Stats.Exhausted, res.Stats.Retries)
	}
	if got := int(m.calls.Load()); got != 8 {
		t.Errorf("model calls = %d, want 8", got)
	}
}

func TestProcess_CanceledKeepsAlignment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &echoModel{onCall: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	e := newTestEngine(t, testConfig(), m)

	res, err := e.Process(ctx, writeFixture(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res == nil {
		t.Fatal("expected a partial result")
	}
	if len(res.TextSummaries) != 2 || len(res.TableSummaries) != 1 || len(res.ImageSummaries) != 3 {
		t.Fatalf("summaries not aligned: %d/%d/%d", len(res.TextSummaries), len(res.TableSummaries), len(res.ImageSummaries))
	}
	if res.TextSummaries[0] != "summary of Revenue grew in every region." {
		t.Errorf("text summary 0 = %q", res.TextSummaries[0])
	}
	if want := summarize.SkippedSentinel(summarize.KindText, "2"); res.TextSummaries[1] != want {
		t.Errorf("text summary 1 = %q, want %q", res.TextSummaries[1], want)
	}
	if res.Stats.Generated != 1 || res.Stats.Canceled != 5 {
		t.Errorf("generated = %d, canceled = %d; want 1 and 5", res.Stats.Generated, res.Stats.Canceled)
	}
	if got := int(m.calls.Load()); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
}

func TestProcess_ParallelStagesMatchSequential(t *testing.T) {
	path := writeFixture(t)

	seq, err := newTestEngine(t, testConfig(), &echoModel{}).Process(context.Background(), path)
	if err != nil {
		t.Fatalf("sequential Process: %v", err)
	}

	cfg := testConfig()
	cfg.ParallelStages = true
	par, err := newTestEngine(t, cfg, &echoModel{}).Process(context.Background(), path)
	if err != nil {
		t.Fatalf("parallel Process: %v", err)
	}

	equal := func(name string, a, b []string) {
		if strings.Join(a, "|") != strings.Join(b, "|") {
			t.Errorf("%s differ: %q vs %q", name, a, b)
		}
	}
	equal("text summaries", seq.TextSummaries, par.TextSummaries)
	equal("table summaries", seq.TableSummaries, par.TableSummaries)
	for i := range seq.ImageSummaries {
		if seq.ImageSummaries[i] != par.ImageSummaries[i] {
			t.Errorf("image summary %d differs: %+v vs %+v", i, seq.ImageSummaries[i], par.ImageSummaries[i])
		}
	}
}

func TestProcess_UnsupportedFormat(t *testing.T) {
	e := newTestEngine(t, testConfig(), &echoModel{})

	_, err := e.Process(context.Background(), "slides.pptx")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestProcess_ExtractionFailed(t *testing.T) {
	m := &echoModel{}
	e := newTestEngine(t, testConfig(), m)

	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := e.Process(context.Background(), path)
	if !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("err = %v, want ErrExtractionFailed", err)
	}
	if res != nil {
		t.Error("expected no result on extraction failure")
	}
	if m.calls.Load() != 0 {
		t.Error("model must not be called when extraction fails")
	}
}

func TestProcess_CustomPersonas(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	m := modelFunc(func(_ context.Context, p summarize.Prompt) (string, error) {
		mu.Lock()
		seen = append(seen, p.System)
		mu.Unlock()
		return "ok", nil
	})

	cfg := testConfig()
	cfg.Personas = summarize.Personas{Table: "table persona"}
	e := newTestEngine(t, cfg, m)

	if _, err := e.Process(context.Background(), writeFixture(t)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Two texts, one table, three images, in that order.
	want := []string{
		summarize.DefaultTextPersona, summarize.DefaultTextPersona,
		"table persona",
		summarize.DefaultImagePersona, summarize.DefaultImagePersona, summarize.DefaultImagePersona,
	}
	if len(seen) != len(want) {
		t.Fatalf("got %d calls, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("call %d persona = %q, want %q", i, seen[i], want[i])
		}
	}
}

type modelFunc func(context.Context, summarize.Prompt) (string, error)

func (f modelFunc) Generate(ctx context.Context, p summarize.Prompt) (string, error) {
	return f(ctx, p)
}

// ---------------------------------------------------------------------------
// New / store-less engine
// ---------------------------------------------------------------------------

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = 2
	if _, err := New(cfg, WithModel(&echoModel{})); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestNew_GeminiRequiresKey(t *testing.T) {
	cfg := testConfig()
	cfg.Model = llm.Config{Provider: "gemini"}
	if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestStoreDisabled(t *testing.T) {
	e := newTestEngine(t, testConfig(), &echoModel{})
	ctx := context.Background()

	if _, err := e.Search(ctx, "revenue"); !errors.Is(err, ErrStoreDisabled) {
		t.Errorf("Search err = %v", err)
	}
	if _, err := e.Runs(ctx); !errors.Is(err, ErrStoreDisabled) {
		t.Errorf("Runs err = %v", err)
	}
	if _, err := e.RunSummaries(ctx, "x"); !errors.Is(err, ErrStoreDisabled) {
		t.Errorf("RunSummaries err = %v", err)
	}
	if err := e.DeleteRun(ctx, "x"); !errors.Is(err, ErrStoreDisabled) {
		t.Errorf("DeleteRun err = %v", err)
	}
}

func TestTruncateForEmbed(t *testing.T) {
	short := "a short summary"
	if got := truncateForEmbed(short); got != short {
		t.Errorf("short text changed: %q", got)
	}
	long := strings.Repeat("word ", maxEmbedChars)
	got := truncateForEmbed(long)
	if len(got) > maxEmbedChars {
		t.Errorf("len = %d, want <= %d", len(got), maxEmbedChars)
	}
	if strings.HasSuffix(got, " ") {
		t.Error("expected cut on a word boundary")
	}
}
