package summarize

import (
	"context"
	"errors"
	"strings"

	"github.com/brunobiangulo/docdigest/llm"
)

// ErrVisionUnsupported is returned when a prompt carries an image but the
// configured provider cannot accept images.
var ErrVisionUnsupported = errors.New("summarize: provider does not support images")

// Prompt is what one model call receives: a system instruction (the
// persona for the content class) and the user content parts.
type Prompt struct {
	System string
	Parts  []llm.ContentPart
}

// HasImages reports whether any part is an image.
func (p Prompt) HasImages() bool {
	for _, part := range p.Parts {
		if part.ImageURL != nil {
			return true
		}
	}
	return false
}

// Text joins the text parts.
func (p Prompt) Text() string {
	var texts []string
	for _, part := range p.Parts {
		if part.ImageURL == nil && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Model performs exactly one generation attempt. Implementations return an
// error satisfying retry.RateLimiter for rate limits and any other error
// for permanent failures.
type Model interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// ProviderModel adapts an llm.Provider to Model, routing prompts with
// images through llm.VisionProvider.
type ProviderModel struct {
	Provider    llm.Provider
	Model       string // optional override of the provider's model
	Temperature float64
	MaxTokens   int
}

func (m *ProviderModel) Generate(ctx context.Context, p Prompt) (string, error) {
	if p.HasImages() {
		vp, ok := m.Provider.(llm.VisionProvider)
		if !ok {
			return "", ErrVisionUnsupported
		}
		var msgs []llm.VisionMessage
		if p.System != "" {
			msgs = append(msgs, llm.VisionMessage{Role: "system", Content: []llm.ContentPart{llm.TextPart(p.System)}})
		}
		msgs = append(msgs, llm.VisionMessage{Role: "user", Content: p.Parts})

		resp, err := vp.ChatWithImages(ctx, llm.VisionChatRequest{
			Model:       m.Model,
			Messages:    msgs,
			Temperature: m.Temperature,
			MaxTokens:   m.MaxTokens,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	var msgs []llm.Message
	if p.System != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: p.System})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: p.Text()})

	resp, err := m.Provider.Chat(ctx, llm.ChatRequest{
		Model:       m.Model,
		Messages:    msgs,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
