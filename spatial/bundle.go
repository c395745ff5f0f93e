package spatial

import (
	"log/slog"

	"github.com/brunobiangulo/docdigest/parser"
)

// CaptionBundle merges an image region with its matched caption. Base64 is
// empty when the payload could not be extracted. Captioned is set when a
// caption element claimed the image, even if its text is empty.
type CaptionBundle struct {
	Key         GeometryKey
	Base64      string
	CaptionText string
	Captioned   bool
	PageNumber  int
	MIMEType    string
}

// Orphan reports whether no caption was matched to the image.
func (b CaptionBundle) Orphan() bool { return !b.Captioned }

// Bundles is an insertion-ordered GeometryKey to CaptionBundle map.
type Bundles struct {
	keys []GeometryKey
	m    map[GeometryKey]CaptionBundle
}

func newBundles() *Bundles {
	return &Bundles{m: make(map[GeometryKey]CaptionBundle)}
}

// put inserts or replaces b, keeping the original position on replace.
func (bs *Bundles) put(b CaptionBundle) {
	if _, ok := bs.m[b.Key]; !ok {
		bs.keys = append(bs.keys, b.Key)
	}
	bs.m[b.Key] = b
}

// Len returns the number of bundles, one per distinct image region.
func (bs *Bundles) Len() int { return len(bs.keys) }

// Get returns the bundle for key.
func (bs *Bundles) Get(key GeometryKey) (CaptionBundle, bool) {
	b, ok := bs.m[key]
	return b, ok
}

// Keys returns the bundle keys in insertion order.
func (bs *Bundles) Keys() []GeometryKey {
	out := make([]GeometryKey, len(bs.keys))
	copy(out, bs.keys)
	return out
}

// Ordered returns the bundles in insertion order: captioned bundles in
// caption stream order, then orphans in image stream order.
func (bs *Bundles) Ordered() []CaptionBundle {
	out := make([]CaptionBundle, len(bs.keys))
	for i, k := range bs.keys {
		out[i] = bs.m[k]
	}
	return out
}

// GenerateBundles pairs every caption with its nearest same-page image and
// then gives every unclaimed image an orphan bundle, so each image region
// appears in exactly one bundle. payloads maps image keys to base64 data
// (see Index.Payloads). A caption whose matched image has no payload is
// dropped with a warning; elements lacking geometry are skipped.
func GenerateBundles(elements []parser.Element, payloads map[GeometryKey]string) *Bundles {
	var images []ImageRecord
	var captions []parser.Element
	for i, el := range elements {
		switch el.Category {
		case parser.CategoryImage:
			key, ok := ElementKey(el)
			if !ok {
				slog.Warn("spatial: skipping image without geometry", "index", i, "page", el.PageNumber)
				continue
			}
			images = append(images, ImageRecord{
				Key:         key,
				Base64:      payloads[key],
				PageNumber:  el.PageNumber,
				BoundingBox: el.BoundingBox,
				MIMEType:    el.ImageMIME,
			})
		case parser.CategoryCaption:
			if !el.HasGeometry() {
				slog.Warn("spatial: skipping caption without geometry", "index", i, "page", el.PageNumber)
				continue
			}
			captions = append(captions, el)
		}
	}

	bundles := newBundles()
	for _, caption := range captions {
		img, ok := FindClosest(caption, images)
		if !ok {
			slog.Debug("spatial: no image on caption page", "page", caption.PageNumber)
			continue
		}
		payload, ok := payloads[img.Key]
		if !ok {
			slog.Warn("spatial: caption dropped, image has no payload",
				"key", img.Key.String(), "caption", caption.Text)
			continue
		}
		if prev, claimed := bundles.Get(img.Key); claimed {
			slog.Debug("spatial: image matched by several captions, keeping the last",
				"key", img.Key.String(), "previous", prev.CaptionText)
		}
		bundles.put(CaptionBundle{
			Key:         img.Key,
			Base64:      payload,
			CaptionText: caption.Text,
			Captioned:   true,
			PageNumber:  img.PageNumber,
			MIMEType:    img.MIMEType,
		})
	}

	for _, img := range images {
		if _, claimed := bundles.Get(img.Key); claimed {
			continue
		}
		bundles.put(CaptionBundle{
			Key:        img.Key,
			Base64:     img.Base64,
			PageNumber: img.PageNumber,
			MIMEType:   img.MIMEType,
		})
	}
	return bundles
}
