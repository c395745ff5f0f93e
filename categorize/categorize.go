// Package categorize splits a parsed element stream into the text and
// table units that are summarized independently.
package categorize

import (
	"unicode/utf8"

	"github.com/brunobiangulo/docdigest/parser"
)

// TableContextLimit is the length (in characters) below which the text run
// immediately preceding a table is treated as that table's caption and
// prepended to its markup.
const TableContextLimit = 200

// TableContextSeparator joins a prepended text run and the table markup.
const TableContextSeparator = "\n\n"

// Result holds the categorized units in stream order.
type Result struct {
	Texts  []string
	Tables []string

	Processed int // elements within the page limit
	Skipped   int // elements beyond the page limit
}

// Categorize partitions elements into texts and tables. Elements on pages
// beyond maxPage are skipped; maxPage <= 0 means no limit. A table picks up
// the element right before it in the original stream as context when that
// element is text-like and shorter than TableContextLimit.
func Categorize(elements []parser.Element, maxPage int) Result {
	var res Result
	for i, el := range elements {
		if maxPage > 0 && el.PageNumber > maxPage {
			res.Skipped++
			continue
		}
		res.Processed++

		switch {
		case el.Category.IsTextLike():
			res.Texts = append(res.Texts, el.Text)
		case el.Category == parser.CategoryTable:
			res.Tables = append(res.Tables, tableUnit(el, elements, i))
		}
	}
	return res
}

func tableUnit(table parser.Element, elements []parser.Element, i int) string {
	markup := table.TableMarkup
	if markup == "" {
		markup = table.Text
	}
	if i == 0 {
		return markup
	}
	prev := elements[i-1]
	if prev.Category.IsTextLike() && utf8.RuneCountInString(prev.Text) < TableContextLimit {
		return prev.Text + TableContextSeparator + markup
	}
	return markup
}
