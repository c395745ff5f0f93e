package parser

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TextParser handles plain text (.txt) files, such as pdftotext output.
// Blank lines separate blocks and form feeds separate pages. Plain text
// has no geometry, so its captions never pair with images.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt"} }

func (p *TextParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	var elements []Element
	for i, page := range strings.Split(string(data), "\f") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, block := range splitBlocks(page) {
			category, typ := classifyBlock(block)
			elements = append(elements, Element{
				Category:   category,
				Type:       typ,
				PageNumber: i + 1,
				Text:       block,
			})
		}
	}

	return &ParseResult{Elements: elements, Method: "native"}, nil
}

// splitBlocks splits text at blank lines, trimming each block.
func splitBlocks(text string) []string {
	var blocks []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, strings.Join(cur, "\n"))
			cur = cur[:0]
		}
	}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return blocks
}
