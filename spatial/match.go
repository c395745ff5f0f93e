package spatial

import (
	"math"

	"github.com/brunobiangulo/docdigest/parser"
)

// ImageRecord is an image element whose payload was resolved, keyed by its
// geometry. Records are created once by BuildIndex and read-only afterwards.
type ImageRecord struct {
	Key         GeometryKey
	Base64      string
	PageNumber  int
	BoundingBox []parser.Point
	MIMEType    string
}

// Center returns the midpoint of the polygon's min/max X and Y.
func Center(box []parser.Point) (parser.Point, bool) {
	if len(box) == 0 {
		return parser.Point{}, false
	}
	minX, maxX := box[0].X, box[0].X
	minY, maxY := box[0].Y, box[0].Y
	for _, p := range box[1:] {
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	return parser.Point{X: (minX + maxX) / 2, Y: (minY + maxY) / 2}, true
}

// FindClosest returns the candidate on the caption's page whose center is
// nearest the caption's center. Candidates on other pages are never
// considered. Equidistant candidates resolve to the first one in input
// order; that tie-break is arbitrary, not a ranking.
func FindClosest(caption parser.Element, candidates []ImageRecord) (ImageRecord, bool) {
	if !caption.HasGeometry() {
		return ImageRecord{}, false
	}
	origin, ok := Center(caption.BoundingBox)
	if !ok {
		return ImageRecord{}, false
	}

	best := -1
	bestDist := math.Inf(1)
	for i, c := range candidates {
		if c.PageNumber != caption.PageNumber {
			continue
		}
		center, ok := Center(c.BoundingBox)
		if !ok {
			continue
		}
		if d := origin.Distance(center); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return ImageRecord{}, false
	}
	return candidates[best], true
}
