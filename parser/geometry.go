package parser

import (
	"fmt"
	"math"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// ToPoints coerces the coordinate containers produced by element sources
// into a polygon. It accepts []Point, [][]float64, [][2]float64 and the
// []any-of-[]any shape produced by decoding JSON, so the same region always
// yields the same point sequence whatever container carried it.
func ToPoints(v any) ([]Point, error) {
	switch pts := v.(type) {
	case nil:
		return nil, nil
	case []Point:
		out := make([]Point, len(pts))
		copy(out, pts)
		return checkPoints(out)
	case [][2]float64:
		out := make([]Point, len(pts))
		for i, p := range pts {
			out[i] = Point{X: p[0], Y: p[1]}
		}
		return checkPoints(out)
	case [][]float64:
		out := make([]Point, len(pts))
		for i, p := range pts {
			if len(p) != 2 {
				return nil, fmt.Errorf("point %d has %d coordinates, want 2", i, len(p))
			}
			out[i] = Point{X: p[0], Y: p[1]}
		}
		return checkPoints(out)
	case []any:
		out := make([]Point, len(pts))
		for i, raw := range pts {
			pair, ok := raw.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("point %d is not a coordinate pair: %v", i, raw)
			}
			x, okx := toFloat(pair[0])
			y, oky := toFloat(pair[1])
			if !okx || !oky {
				return nil, fmt.Errorf("point %d has non-numeric coordinates: %v", i, raw)
			}
			out[i] = Point{X: x, Y: y}
		}
		return checkPoints(out)
	default:
		return nil, fmt.Errorf("unsupported coordinate container %T", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func checkPoints(pts []Point) ([]Point, error) {
	for i, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return nil, fmt.Errorf("point %d is not finite: (%v, %v)", i, p.X, p.Y)
		}
	}
	return pts, nil
}

// RectPoints returns the four corners of an axis-aligned rectangle in the
// order unstructured reports them: top-left, bottom-left, bottom-right,
// top-right.
func RectPoints(x0, y0, x1, y1 float64) []Point {
	return []Point{{x0, y0}, {x0, y1}, {x1, y1}, {x1, y0}}
}

// DetectMIME sniffs the image type from its bytes, falling back to the
// file extension when sniffing is inconclusive.
func DetectMIME(data []byte, path string) string {
	if len(data) > 0 {
		if ct := http.DetectContentType(data); strings.HasPrefix(ct, "image/") {
			return ct
		}
	}
	if ext := filepath.Ext(path); ext != "" {
		if ct := mime.TypeByExtension(strings.ToLower(ext)); strings.HasPrefix(ct, "image/") {
			return ct
		}
	}
	return "image/jpeg"
}
