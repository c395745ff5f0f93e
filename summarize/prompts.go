package summarize

import (
	"errors"
	"fmt"

	"github.com/brunobiangulo/docdigest/llm"
	"github.com/brunobiangulo/docdigest/spatial"
)

// Default personas, one per content class.
const (
	DefaultTextPersona = "You are a financial genius tasked with summarizing text for retrieval. " +
		"These summaries will be embedded and used to retrieve the raw text. " +
		"Give a summary of the text covering the key aspects from the context ignoring any irrelevant information."

	DefaultTablePersona = "You are a financial genius tasked with summarizing tables for retrieval. " +
		"The summary should specify what the table represents and not give details on the numbers. " +
		"Tables are represented in HTML or Markdown text format. The first line is present in the table. " +
		"Review and utilize the line items if present in the table while generating the summary."

	DefaultImagePersona = "You are a highly skilled image analysis and summarization specialist. " +
		"Your task is to provide a detailed summary of what the image is about, leveraging its caption if present, " +
		"or analyzing the image content if no caption is provided. " +
		"The summary should start with 'This context is coming from image: '"
)

const imageInstruction = "Please analyze the image and its caption (if any) and provide a detailed summary. " +
	"Start the summary with 'This context is coming from image: '."

var errEmptyItem = errors.New("nothing to summarize")

// Personas holds the system instruction for each content class.
type Personas struct {
	Text  string `json:"text" yaml:"text"`
	Table string `json:"table" yaml:"table"`
	Image string `json:"image" yaml:"image"`
}

// DefaultPersonas returns the built-in personas.
func DefaultPersonas() Personas {
	return Personas{Text: DefaultTextPersona, Table: DefaultTablePersona, Image: DefaultImagePersona}
}

// PromptFunc builds the prompt for one item.
type PromptFunc func(Item) (Prompt, error)

// TextPrompt sends the text as the only user part.
func TextPrompt(persona string) PromptFunc {
	return func(it Item) (Prompt, error) {
		if it.Text == "" {
			return Prompt{}, errEmptyItem
		}
		return Prompt{System: persona, Parts: []llm.ContentPart{llm.TextPart(it.Text)}}, nil
	}
}

// TablePrompt sends the table markup (with any prepended context) as the
// only user part.
func TablePrompt(persona string) PromptFunc {
	return TextPrompt(persona)
}

// ImagePrompt sends a page/caption preamble, the image inline and a closing
// instruction. Bundles without payload are summarized from the caption
// alone.
func ImagePrompt(persona string) PromptFunc {
	return func(it Item) (Prompt, error) {
		if it.Base64 == "" && it.Caption == "" {
			return Prompt{}, errEmptyItem
		}
		caption := it.Caption
		if caption == "" {
			caption = "No caption provided."
		}

		parts := []llm.ContentPart{llm.TextPart(fmt.Sprintf("Image on page %d. Caption: %s\n", it.PageNumber, caption))}
		if it.Base64 != "" {
			mime := it.MIMEType
			if mime == "" {
				mime = "image/jpeg"
			}
			parts = append(parts, llm.ImagePart(mime, it.Base64))
		}
		parts = append(parts, llm.TextPart(imageInstruction))
		return Prompt{System: persona, Parts: parts}, nil
	}
}

// Kind is a content class.
type Kind string

const (
	KindText  Kind = "text"
	KindTable Kind = "table"
	KindImage Kind = "image"
)

// Item is one unit to summarize.
type Item struct {
	Kind  Kind
	Label string // identifies the item in sentinels and logs

	Text string // text or table markup

	// Image items only.
	Key        spatial.GeometryKey
	Base64     string
	MIMEType   string
	Caption    string
	PageNumber int
}

// TextItems wraps text units, labelled by 1-based position.
func TextItems(texts []string) []Item {
	return stringItems(KindText, texts)
}

// TableItems wraps table units, labelled by 1-based position.
func TableItems(tables []string) []Item {
	return stringItems(KindTable, tables)
}

func stringItems(kind Kind, units []string) []Item {
	items := make([]Item, len(units))
	for i, u := range units {
		items[i] = Item{Kind: kind, Label: fmt.Sprintf("%d", i+1), Text: u}
	}
	return items
}

// ImageItems wraps caption bundles in bundle order.
func ImageItems(bundles []spatial.CaptionBundle) []Item {
	items := make([]Item, len(bundles))
	for i, b := range bundles {
		items[i] = Item{
			Kind:       KindImage,
			Label:      fmt.Sprintf("page %d (%s)", b.PageNumber, b.Key),
			Key:        b.Key,
			Base64:     b.Base64,
			MIMEType:   b.MIMEType,
			Caption:    b.CaptionText,
			PageNumber: b.PageNumber,
		}
	}
	return items
}
