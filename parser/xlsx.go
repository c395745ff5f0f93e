package parser

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXParser emits, per worksheet, a short title element followed by a
// Table element holding the sheet as HTML markup. The sheet index (1-based)
// stands in for the page number.
type XLSXParser struct{}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx"} }

func (p *XLSXParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var elements []Element
	for i, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			slog.Warn("parser: skipping unreadable sheet", "sheet", sheet, "error", err)
			continue
		}
		if len(rows) == 0 {
			continue
		}

		elements = append(elements,
			Element{
				Category:   CategoryNarrativeText,
				Type:       "Title",
				PageNumber: i + 1,
				Text:       sheet,
			},
			Element{
				Category:    CategoryTable,
				Type:        "Table",
				PageNumber:  i + 1,
				Text:        rowsText(rows),
				TableMarkup: rowsHTML(rows),
			},
		)
	}

	if len(elements) == 0 {
		return nil, fmt.Errorf("no data found in XLSX")
	}

	return &ParseResult{
		Elements: elements,
		Method:   "native",
		Metadata: map[string]string{"sheets": fmt.Sprintf("%d", len(f.GetSheetList()))},
	}, nil
}

func rowsHTML(rows [][]string) string {
	var b strings.Builder
	b.WriteString("<table>")
	for _, row := range rows {
		b.WriteString("<tr>")
		for _, cell := range row {
			b.WriteString("<td>")
			b.WriteString(html.EscapeString(cell))
			b.WriteString("</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String()
}

func rowsText(rows [][]string) string {
	var b strings.Builder
	for _, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String()
}
