package docdigest

import (
	"strings"
	"unicode"
)

// snippetMaxLen is the approximate maximum character length for a snippet.
const snippetMaxLen = 300

// hitSnippet picks the passage of a search hit that best matches the query:
// first from the source content, then from the summary. A hit that matches
// on neither falls back to the opening of its summary.
func hitSnippet(content, summary string, queryWords map[string]bool) string {
	if s := extractSnippet(content, queryWords); s != "" {
		return s
	}
	if s := extractSnippet(summary, queryWords); s != "" {
		return s
	}
	return leadSnippet(summary)
}

// extractSnippet returns the sentence with the most query words, joined
// with the following sentence when both fit in snippetMaxLen. Ties go to
// the earliest sentence. Returns "" when no sentence matches.
func extractSnippet(content string, queryWords map[string]bool) string {
	if len(queryWords) == 0 || content == "" {
		return ""
	}

	sentences := splitSentences(content)
	best, bestScore := -1, 0
	scores := make([]int, len(sentences))
	for i, s := range sentences {
		for w := range significantWords(s) {
			if queryWords[w] {
				scores[i]++
			}
		}
		if scores[i] > bestScore {
			best, bestScore = i, scores[i]
		}
	}
	if best < 0 {
		return ""
	}

	out := sentences[best]
	if best+1 < len(sentences) && scores[best+1] > 0 {
		if joined := out + " " + sentences[best+1]; len(joined) <= snippetMaxLen {
			out = joined
		}
	}
	return clip(out)
}

// leadSnippet returns the opening of text, clipped to snippetMaxLen.
func leadSnippet(text string) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}
	return clip(sentences[0])
}

// clip shortens s to snippetMaxLen on a word boundary.
func clip(s string) string {
	if len(s) <= snippetMaxLen {
		return s
	}
	cut := strings.LastIndexByte(s[:snippetMaxLen-3], ' ')
	if cut <= 0 {
		cut = snippetMaxLen - 3
	}
	return strings.TrimRightFunc(s[:cut], unicode.IsSpace) + "..."
}

// significantWords returns the lowercased words of text with at least four
// characters, minus stop words.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 && !stopWords[w] {
			words[w] = true
		}
	}
	return words
}

// splitSentences splits text after '.', '?' or '!' when followed by
// whitespace or the end of text. Newlines inside a sentence are folded.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			sentences = append(sentences, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r == '.' || r == '?' || r == '!' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return sentences
}

var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true,
	"have": true, "been": true, "were": true, "they": true,
	"their": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "there": true,
	"these": true, "those": true, "then": true, "than": true,
	"them": true, "what": true, "when": true, "where": true,
	"your": true, "more": true, "some": true, "such": true,
	"only": true, "also": true, "very": true, "just": true,
	"into": true, "over": true, "each": true, "does": true,
	"most": true, "after": true, "before": true, "other": true,
	"being": true, "same": true, "both": true, "between": true,
	"summary": true, "summarize": true,
}
