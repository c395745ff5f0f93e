// Package spatial pairs captions with images by bounding-box geometry and
// provides the key space the pipeline stages use to agree on "the same
// visual region" without sharing element references.
package spatial

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/brunobiangulo/docdigest/parser"
)

// GeometryKey identifies a region as (page, polygon). It is a comparable
// value type, so it can be used directly as a map key. Two keys are equal
// iff the page numbers and every polygon point are exactly equal.
type GeometryKey struct {
	Page int
	box  string
}

// NewGeometryKey canonicalizes a polygon into a key. It reports false when
// the page is not positive or the polygon is empty.
func NewGeometryKey(page int, box []parser.Point) (GeometryKey, bool) {
	if page <= 0 || len(box) == 0 {
		return GeometryKey{}, false
	}
	parts := make([]string, len(box))
	for i, p := range box {
		parts[i] = formatCoord(p.X) + "," + formatCoord(p.Y)
	}
	return GeometryKey{Page: page, box: strings.Join(parts, ";")}, true
}

// KeyOf builds a key from any coordinate container accepted by
// CanonicalBox.
func KeyOf(page int, coords any) (GeometryKey, error) {
	box, err := CanonicalBox(coords)
	if err != nil {
		return GeometryKey{}, err
	}
	key, ok := NewGeometryKey(page, box)
	if !ok {
		return GeometryKey{}, fmt.Errorf("no usable geometry on page %d", page)
	}
	return key, nil
}

// ElementKey returns the key of an element with geometry.
func ElementKey(el parser.Element) (GeometryKey, bool) {
	return NewGeometryKey(el.PageNumber, el.BoundingBox)
}

// CanonicalBox coerces list-of-lists, array-of-arrays, decoded JSON and
// []parser.Point containers to the same point sequence.
func CanonicalBox(coords any) ([]parser.Point, error) {
	return parser.ToPoints(coords)
}

// IsZero reports whether k is the zero key.
func (k GeometryKey) IsZero() bool {
	return k.Page == 0 && k.box == ""
}

// Points decodes the polygon back from the key.
func (k GeometryKey) Points() []parser.Point {
	if k.box == "" {
		return nil
	}
	pairs := strings.Split(k.box, ";")
	pts := make([]parser.Point, 0, len(pairs))
	for _, pair := range pairs {
		xs, ys, _ := strings.Cut(pair, ",")
		x, _ := strconv.ParseFloat(xs, 64)
		y, _ := strconv.ParseFloat(ys, 64)
		pts = append(pts, parser.Point{X: x, Y: y})
	}
	return pts
}

func (k GeometryKey) String() string {
	return fmt.Sprintf("p%d[%s]", k.Page, k.box)
}

// MarshalText encodes the key as its String form, so keys serialize as
// JSON strings and map keys.
func (k GeometryKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func formatCoord(v float64) string {
	if v == 0 {
		v = 0 // fold -0
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
