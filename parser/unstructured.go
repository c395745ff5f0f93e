package parser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// UnstructuredParser reads the element JSON written by an unstructured
// partition run (partition_pdf(..., extract_image_block_types=[...]) followed
// by elements_to_json). Image payloads are taken from metadata.image_base64
// when present, otherwise read from metadata.image_path.
type UnstructuredParser struct{}

func (p *UnstructuredParser) SupportedFormats() []string { return []string{"json"} }

type unstructuredElement struct {
	Type      string               `json:"type"`
	ElementID string               `json:"element_id"`
	Text      string               `json:"text"`
	Metadata  unstructuredMetadata `json:"metadata"`
}

type unstructuredMetadata struct {
	PageNumber    int                      `json:"page_number"`
	Coordinates   *unstructuredCoordinates `json:"coordinates"`
	ImagePath     string                   `json:"image_path"`
	ImageBase64   string                   `json:"image_base64"`
	ImageMIMEType string                   `json:"image_mime_type"`
	TextAsHTML    string                   `json:"text_as_html"`
}

type unstructuredCoordinates struct {
	Points any    `json:"points"`
	System string `json:"system"`
}

func (p *UnstructuredParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading element JSON: %w", err)
	}

	var raw []unstructuredElement
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding element JSON: %w", err)
	}

	baseDir := filepath.Dir(path)
	elements := make([]Element, 0, len(raw))
	for i, r := range raw {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		el := Element{
			ID:          r.ElementID,
			Category:    categoryFromType(r.Type),
			Type:        r.Type,
			PageNumber:  r.Metadata.PageNumber,
			Text:        r.Text,
			TableMarkup: r.Metadata.TextAsHTML,
		}

		if r.Metadata.Coordinates != nil {
			pts, err := ToPoints(r.Metadata.Coordinates.Points)
			if err != nil {
				slog.Warn("parser: unusable coordinates, element kept without geometry",
					"index", i, "type", r.Type, "page", el.PageNumber, "error", err)
			} else {
				el.BoundingBox = pts
			}
		}

		if el.Category == CategoryImage {
			resolveImagePayload(&el, r.Metadata, baseDir)
		}
		elements = append(elements, el)
	}

	return &ParseResult{
		Elements: elements,
		Method:   "unstructured",
		Metadata: map[string]string{"source": filepath.Base(path)},
	}, nil
}

func resolveImagePayload(el *Element, md unstructuredMetadata, baseDir string) {
	switch {
	case md.ImageBase64 != "":
		data, err := base64.StdEncoding.DecodeString(md.ImageBase64)
		if err != nil {
			slog.Warn("parser: invalid inline image payload", "page", el.PageNumber, "error", err)
			return
		}
		el.ImageBytes = data
	case md.ImagePath != "":
		imgPath := md.ImagePath
		if !filepath.IsAbs(imgPath) {
			imgPath = filepath.Join(baseDir, imgPath)
		}
		data, err := os.ReadFile(imgPath)
		if err != nil {
			slog.Warn("parser: image path not found or unreadable",
				"page", el.PageNumber, "path", imgPath, "error", err)
			return
		}
		el.ImagePath = imgPath
		el.ImageBytes = data
	default:
		slog.Warn("parser: image element without payload", "page", el.PageNumber)
		return
	}

	el.ImageMIME = md.ImageMIMEType
	if el.ImageMIME == "" {
		el.ImageMIME = DetectMIME(el.ImageBytes, el.ImagePath)
	}
}

func categoryFromType(t string) Category {
	switch t {
	case "CompositeElement":
		return CategoryCompositeText
	case "NarrativeText":
		return CategoryNarrativeText
	case "ListItem":
		return CategoryListItem
	case "UncategorizedText", "Text":
		return CategoryUncategorizedText
	case "Table":
		return CategoryTable
	case "Image", "Picture", "Figure":
		return CategoryImage
	case "FigureCaption", "Caption":
		return CategoryCaption
	default:
		return CategoryOther
	}
}
