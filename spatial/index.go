package spatial

import (
	"encoding/base64"
	"log/slog"

	"github.com/brunobiangulo/docdigest/parser"
)

// Index maps geometry keys to image records. It is built once by
// BuildIndex and never mutated afterwards, so it is safe to share between
// goroutines.
type Index struct {
	order   []GeometryKey
	records map[GeometryKey]ImageRecord
}

// BuildIndex creates one ImageRecord per Image element that has geometry
// and a non-empty payload. Images without either are logged and left out.
func BuildIndex(elements []parser.Element) *Index {
	idx := &Index{records: make(map[GeometryKey]ImageRecord)}
	for i, el := range elements {
		if el.Category != parser.CategoryImage {
			continue
		}
		key, ok := ElementKey(el)
		if !ok {
			slog.Warn("spatial: image without geometry, not indexed", "index", i, "page", el.PageNumber)
			continue
		}
		if !el.HasPayload() {
			slog.Warn("spatial: image payload missing, not indexed", "key", key.String())
			continue
		}
		if _, dup := idx.records[key]; dup {
			slog.Debug("spatial: duplicate image region, keeping first", "key", key.String())
			continue
		}
		idx.order = append(idx.order, key)
		idx.records[key] = ImageRecord{
			Key:         key,
			Base64:      base64.StdEncoding.EncodeToString(el.ImageBytes),
			PageNumber:  el.PageNumber,
			BoundingBox: el.BoundingBox,
			MIMEType:    el.ImageMIME,
		}
	}
	return idx
}

// Len returns the number of indexed images.
func (x *Index) Len() int { return len(x.order) }

// Records returns the records in element order.
func (x *Index) Records() []ImageRecord {
	out := make([]ImageRecord, len(x.order))
	for i, k := range x.order {
		out[i] = x.records[k]
	}
	return out
}

// Payload returns the base64 payload for key.
func (x *Index) Payload(key GeometryKey) (string, bool) {
	r, ok := x.records[key]
	return r.Base64, ok
}

// Payloads returns a copy of the key to base64 payload mapping.
func (x *Index) Payloads() map[GeometryKey]string {
	out := make(map[GeometryKey]string, len(x.records))
	for k, r := range x.records {
		out[k] = r.Base64
	}
	return out
}
