package parser

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser extracts elements natively from a PDF: text blocks with their
// bounding boxes from glyph positions, and image placements from the page
// content stream. Coordinates are PDF user space (origin bottom-left).
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	var elements []Element

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		pageElements, err := pageTextBlocks(page, i)
		if err != nil {
			// Skip text on pages that fail to extract; images may still work.
			slog.Warn("parser: pdf text extraction failed", "page", i, "error", err)
		}
		pageElements = append(pageElements, pageImages(page, i)...)

		// Reading order: top of the page first.
		sort.SliceStable(pageElements, func(a, b int) bool {
			return boxTop(pageElements[a].BoundingBox) > boxTop(pageElements[b].BoundingBox)
		})
		elements = append(elements, pageElements...)
	}

	return &ParseResult{
		Elements: elements,
		Method:   "native",
		Metadata: map[string]string{"pages": fmt.Sprintf("%d", totalPages)},
	}, nil
}

type textLine struct {
	y, size    float64
	minX, maxX float64
	text       string
}

// pageTextBlocks groups glyphs into lines by baseline and lines into blocks
// by vertical proximity.
func pageTextBlocks(page pdf.Page, pageNum int) (elements []Element, err error) {
	defer func() {
		if r := recover(); r != nil {
			elements = nil
			err = fmt.Errorf("%v", r)
		}
	}()

	content := page.Content()
	if len(content.Text) == 0 {
		return nil, nil
	}

	byRow := make(map[int64][]pdf.Text)
	for _, t := range content.Text {
		row := int64(math.Round(t.Y))
		byRow[row] = append(byRow[row], t)
	}

	lines := make([]textLine, 0, len(byRow))
	for _, glyphs := range byRow {
		sort.Slice(glyphs, func(a, b int) bool { return glyphs[a].X < glyphs[b].X })
		var sb strings.Builder
		ln := textLine{y: glyphs[0].Y, minX: glyphs[0].X, maxX: glyphs[0].X}
		prevEnd := glyphs[0].X
		for j, g := range glyphs {
			if j > 0 && g.X-prevEnd > 0.25*g.FontSize && !strings.HasSuffix(sb.String(), " ") {
				sb.WriteByte(' ')
			}
			sb.WriteString(g.S)
			prevEnd = g.X + g.W
			ln.maxX = math.Max(ln.maxX, g.X+g.W)
			ln.size = math.Max(ln.size, g.FontSize)
		}
		ln.text = strings.TrimSpace(sb.String())
		if ln.text != "" {
			lines = append(lines, ln)
		}
	}
	sort.Slice(lines, func(a, b int) bool { return lines[a].y > lines[b].y })

	var block []textLine
	flush := func() {
		if len(block) == 0 {
			return
		}
		elements = append(elements, blockElement(block, pageNum))
		block = nil
	}

	for _, ln := range lines {
		if len(block) > 0 {
			prev := block[len(block)-1]
			gap := prev.y - ln.y
			if gap > 1.6*math.Max(prev.size, ln.size) || isLikelyHeading(ln.text) ||
				isLikelyHeading(prev.text) || captionPattern.MatchString(ln.text) {
				flush()
			}
		}
		block = append(block, ln)
	}
	flush()
	return elements, nil
}

func blockElement(block []textLine, pageNum int) Element {
	minX, maxX := block[0].minX, block[0].maxX
	top := block[0].y + block[0].size
	bottom := block[len(block)-1].y
	texts := make([]string, len(block))
	for i, ln := range block {
		minX = math.Min(minX, ln.minX)
		maxX = math.Max(maxX, ln.maxX)
		texts[i] = ln.text
	}
	text := strings.Join(texts, "\n")

	category, typ := classifyBlock(text)
	return Element{
		Category:    category,
		Type:        typ,
		PageNumber:  pageNum,
		BoundingBox: RectPoints(minX, top, maxX, bottom),
		Text:        text,
	}
}

var (
	captionPattern = regexp.MustCompile(`(?i)^(figure|fig\.|chart|exhibit|image|figura)\s*[0-9ivx]`)
	bulletPattern  = regexp.MustCompile(`^(?:[•▪◦‣\-–*]|\(?[a-z0-9]{1,2}[.)])\s+`)
)

func classifyBlock(text string) (Category, string) {
	switch {
	case captionPattern.MatchString(text):
		return CategoryCaption, "FigureCaption"
	case isLikelyHeading(text):
		return CategoryOther, "Title"
	case bulletPattern.MatchString(text):
		return CategoryListItem, "ListItem"
	default:
		return CategoryNarrativeText, "NarrativeText"
	}
}

func isLikelyHeading(line string) bool {
	if line == "" || strings.Contains(line, "\n") {
		return false
	}
	// All caps and short
	if len(line) < 100 && len(line) > 2 && line == strings.ToUpper(line) && line != strings.ToLower(line) {
		return true
	}
	if len(line) < 120 {
		// Numbered section like "1.", "1.1", "3.9.1"
		if line[0] >= '0' && line[0] <= '9' && strings.Contains(line[:min(10, len(line))], ".") &&
			!strings.HasSuffix(line, ".") {
			return true
		}
		lower := strings.ToLower(line)
		for _, prefix := range []string{"section ", "chapter ", "part ", "appendix "} {
			if strings.HasPrefix(lower, prefix) {
				return true
			}
		}
	}
	return false
}

// affine is a PDF transformation matrix [a b c d e f].
type affine [6]float64

var identity = affine{1, 0, 0, 1, 0, 0}

// then returns the matrix applying m first, then n.
func (m affine) then(n affine) affine {
	return affine{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

func (m affine) apply(x, y float64) (float64, float64) {
	return m[0]*x + m[2]*y + m[4], m[1]*x + m[3]*y + m[5]
}

// pageImages walks the content stream tracking the graphics state so every
// painted image XObject gets the bounding box of its placement.
func pageImages(page pdf.Page, pageNum int) (elements []Element) {
	contents := page.V.Key("Contents")
	if contents.IsNull() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("parser: pdf image scan aborted", "page", pageNum, "error", fmt.Sprint(r))
		}
	}()

	xobjects := page.Resources().Key("XObject")
	ctm := identity
	var stack []affine

	pdf.Interpret(contents, func(stk *pdf.Stack, op string) {
		n := stk.Len()
		args := make([]pdf.Value, n)
		for i := n - 1; i >= 0; i-- {
			args[i] = stk.Pop()
		}
		switch op {
		case "q":
			stack = append(stack, ctm)
		case "Q":
			if len(stack) > 0 {
				ctm = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			}
		case "cm":
			if len(args) != 6 {
				return
			}
			var m affine
			for i := range m {
				m[i] = args[i].Float64()
			}
			ctm = m.then(ctm)
		case "Do":
			if len(args) != 1 {
				return
			}
			xobj := xobjects.Key(args[0].Name())
			if xobj.Key("Subtype").Name() != "Image" {
				return
			}
			elements = append(elements, imageElement(xobj, ctm, pageNum))
		}
	})
	return elements
}

func imageElement(xobj pdf.Value, ctm affine, pageNum int) Element {
	// Images are painted into the unit square of the current CTM.
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range [][2]float64{{0, 0}, {0, 1}, {1, 1}, {1, 0}} {
		x, y := ctm.apply(c[0], c[1])
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}

	el := Element{
		Category:    CategoryImage,
		Type:        "Image",
		PageNumber:  pageNum,
		BoundingBox: RectPoints(minX, maxY, maxX, minY),
	}
	data, err := decodeImageXObject(xobj)
	if err != nil {
		slog.Debug("parser: pdf image payload not decodable", "page", pageNum, "error", err)
		return el
	}
	el.ImageBytes = data
	el.ImageMIME = "image/png"
	return el
}

// decodeImageXObject re-encodes 8-bit DeviceRGB/DeviceGray images stored
// raw or Flate-compressed as PNG.
func decodeImageXObject(xobj pdf.Value) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoding image stream: %v", r)
		}
	}()

	filter := xobj.Key("Filter")
	if !filter.IsNull() && filter.Name() != "FlateDecode" {
		return nil, fmt.Errorf("unsupported image filter %v", filter)
	}
	if bpc := xobj.Key("BitsPerComponent").Int64(); bpc != 8 {
		return nil, fmt.Errorf("unsupported bits per component %d", bpc)
	}

	w := int(xobj.Key("Width").Int64())
	h := int(xobj.Key("Height").Int64())
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", w, h)
	}

	var channels int
	switch xobj.Key("ColorSpace").Name() {
	case "DeviceRGB":
		channels = 3
	case "DeviceGray":
		channels = 1
	default:
		return nil, fmt.Errorf("unsupported colour space %v", xobj.Key("ColorSpace"))
	}

	rc := xobj.Reader()
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if len(raw) < w*h*channels {
		return nil, fmt.Errorf("image stream truncated: %d bytes for %dx%dx%d", len(raw), w, h, channels)
	}

	var img image.Image
	if channels == 1 {
		gray := image.NewGray(image.Rect(0, 0, w, h))
		copy(gray.Pix, raw[:w*h])
		img = gray
	} else {
		rgba := image.NewRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < w*h; i++ {
			rgba.Set(i%w, i/w, color.RGBA{raw[3*i], raw[3*i+1], raw[3*i+2], 0xff})
		}
		img = rgba
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func boxTop(box []Point) float64 {
	top := math.Inf(-1)
	for _, p := range box {
		top = math.Max(top, p.Y)
	}
	return top
}
