// Package summarize drives a model over batches of text, table and image
// items. Every item is isolated: a failure only affects its own slot, and
// the output is always aligned 1:1 with the input.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/brunobiangulo/docdigest/retry"
)

var errEmptyCompletion = errors.New("model returned an empty completion")

// ErrorSentinel fills the slot of an item that failed permanently.
func ErrorSentinel(kind Kind, label string) string {
	return fmt.Sprintf("Error summarizing %s %s.", kind, label)
}

// ExhaustedSentinel fills the slot of an item that stayed rate limited.
func ExhaustedSentinel(kind Kind, label string) string {
	return fmt.Sprintf("Failed to summarize %s %s after multiple retries.", kind, label)
}

// SkippedSentinel fills the slots left when the batch is canceled.
func SkippedSentinel(kind Kind, label string) string {
	return fmt.Sprintf("Skipped summarizing %s %s: canceled.", kind, label)
}

// Batch is the aligned result of one Summarize call.
type Batch struct {
	Kind    Kind
	Labels  []string // item labels, in input order
	Results []string // one per input item, summary or sentinel
	OK      []bool   // OK[i] reports whether Results[i] is model output

	Generated int // items with a summary
	Failed    int // items with an error or exhausted sentinel
	Exhausted int // subset of Failed that ran out of attempts
	Skipped   int // items not attempted because the context ended
	Retries   int // backoff retries across the batch
}

// Engine summarizes items one at a time with a shared model, backoff
// policy and rate limiter. An Engine may be used by several goroutines;
// each Summarize call is sequential.
type Engine struct {
	model   Model
	policy  retry.Policy
	limiter *rate.Limiter
	metrics *Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the backoff policy (default retry.DefaultPolicy).
func WithPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLimiter paces every model attempt through l.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithMetrics records outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an Engine around model.
func NewEngine(model Model, opts ...Option) *Engine {
	e := &Engine{model: model, policy: retry.DefaultPolicy()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewLimiter returns a limiter allowing perMinute requests per minute, or
// nil (unlimited) when perMinute <= 0.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Summarize processes items in order. The returned batch always has
// len(items) results. When ctx ends mid-batch, the remaining slots get the
// skipped sentinel and ctx's error is returned alongside the batch.
func (e *Engine) Summarize(ctx context.Context, kind Kind, items []Item, prompt PromptFunc) (*Batch, error) {
	b := &Batch{
		Kind:    kind,
		Labels:  make([]string, len(items)),
		Results: make([]string, len(items)),
		OK:      make([]bool, len(items)),
	}
	for i, it := range items {
		b.Labels[i] = it.Label
	}

	slog.Info("summarize: starting batch", "kind", kind, "items", len(items))
	start := time.Now()

	for i, it := range items {
		if err := ctx.Err(); err != nil {
			b.skipFrom(i, items)
			return b, err
		}

		itemStart := time.Now()
		p, err := prompt(it)
		if err != nil {
			slog.Error("summarize: building prompt failed", "kind", kind, "item", it.Label, "error", err)
			b.fail(i, ErrorSentinel(kind, it.Label))
			e.metrics.observe(kind, "failed", time.Since(itemStart).Seconds())
			continue
		}

		policy := e.policy
		onRetry := e.policy.OnRetry
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			if onRetry != nil {
				onRetry(attempt, delay, err)
			}
			b.Retries++
			e.metrics.retried(kind)
			slog.Warn("summarize: rate limit hit",
				"kind", kind, "item", it.Label, "attempt", attempt, "delay", delay)
		}

		res := policy.Do(ctx, func(ctx context.Context) (string, error) {
			if err := e.pace(ctx); err != nil {
				return "", err
			}
			text, err := e.model.Generate(ctx, p)
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(text) == "" {
				return "", errEmptyCompletion
			}
			return text, nil
		})

		outcome := res.Outcome
		if outcome != retry.Succeeded && ctx.Err() != nil {
			outcome = retry.Canceled
		}

		switch outcome {
		case retry.Succeeded:
			b.Results[i] = res.Text
			b.OK[i] = true
			b.Generated++
			slog.Debug("summarize: item done", "kind", kind, "item", it.Label, "attempts", res.Attempts)
		case retry.Exhausted:
			slog.Error("summarize: max retries exceeded", "kind", kind, "item", it.Label,
				"attempts", res.Attempts, "error", res.Err)
			b.fail(i, ExhaustedSentinel(kind, it.Label))
			b.Exhausted++
		case retry.Failed:
			slog.Error("summarize: model call failed", "kind", kind, "item", it.Label, "error", res.Err)
			b.fail(i, ErrorSentinel(kind, it.Label))
		case retry.Canceled:
			b.skipFrom(i, items)
			e.metrics.observe(kind, outcome.String(), time.Since(itemStart).Seconds())
			return b, ctx.Err()
		}
		e.metrics.observe(kind, outcome.String(), time.Since(itemStart).Seconds())
	}

	slog.Info("summarize: batch complete",
		"kind", kind,
		"items", len(items),
		"generated", b.Generated,
		"failed", b.Failed,
		"retries", b.Retries,
		"elapsed", time.Since(start),
	)
	return b, nil
}

// pace blocks until the limiter grants a token. The wait ends only when
// the token is due or ctx is done, so a deadline surfaces as ctx.Err().
func (e *Engine) pace(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	r := e.limiter.Reserve()
	if !r.OK() {
		return errors.New("summarize: limiter burst is zero")
	}
	if err := retry.Sleep(ctx, r.Delay()); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

func (b *Batch) fail(i int, sentinel string) {
	b.Results[i] = sentinel
	b.Failed++
}

func (b *Batch) skipFrom(i int, items []Item) {
	for j := i; j < len(items); j++ {
		b.Results[j] = SkippedSentinel(b.Kind, items[j].Label)
		b.Skipped++
	}
	slog.Warn("summarize: batch canceled", "kind", b.Kind, "skipped", b.Skipped)
}
