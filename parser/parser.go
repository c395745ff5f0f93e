package parser

import (
	"context"
	"math"
)

// Category classifies a parsed element.
type Category string

const (
	CategoryCompositeText     Category = "CompositeElement"
	CategoryNarrativeText     Category = "NarrativeText"
	CategoryListItem          Category = "ListItem"
	CategoryUncategorizedText Category = "UncategorizedText"
	CategoryTable             Category = "Table"
	CategoryImage             Category = "Image"
	CategoryCaption           Category = "FigureCaption"
	CategoryOther             Category = "Other"
)

// IsTextLike reports whether elements of this category carry running text
// that is summarized on its own.
func (c Category) IsTextLike() bool {
	switch c {
	case CategoryCompositeText, CategoryNarrativeText, CategoryListItem, CategoryUncategorizedText:
		return true
	}
	return false
}

// Point is a 2D coordinate in the source document's coordinate system.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance to another point.
func (p Point) Distance(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Element is one parsed content unit. Optional data is expressed by zero
// values: a nil BoundingBox means the source reported no geometry, a nil
// ImageBytes means no payload could be resolved.
type Element struct {
	ID          string   `json:"id,omitempty"`
	Category    Category `json:"category"`
	Type        string   `json:"type,omitempty"` // raw type name reported by the source
	PageNumber  int      `json:"page_number"`
	BoundingBox []Point  `json:"bounding_box,omitempty"`
	Text        string   `json:"text"`
	ImageBytes  []byte   `json:"-"`
	ImagePath   string   `json:"image_path,omitempty"`
	ImageMIME   string   `json:"image_mime,omitempty"`
	TableMarkup string   `json:"table_markup,omitempty"`
}

// HasGeometry reports whether the element can take part in spatial matching.
func (e Element) HasGeometry() bool {
	return e.PageNumber > 0 && len(e.BoundingBox) > 0
}

// HasPayload reports whether binary image data was resolved for the element.
func (e Element) HasPayload() bool {
	return len(e.ImageBytes) > 0
}

// ParseResult is what a parser produces from a document file.
type ParseResult struct {
	Elements []Element // Elements in reading order
	Method   string    // "unstructured", "native"
	Metadata map[string]string
}

// Parser turns a document file into a stream of typed elements.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}
