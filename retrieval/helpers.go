package retrieval

import (
	"strings"
)

var ftsReplacer = strings.NewReplacer(
	"\"", "",
	"*", "",
	"(", "",
	")", "",
	"+", "",
	"-", " ",
	"^", "",
	":", "",
	"?", "",
	"[", "",
	"]", "",
	"{", "",
	"}", "",
	"!", "",
	".", "",
	",", "",
	";", "",
	"'", "",
)

// sanitizeFTSQuery strips FTS5 syntax characters and builds an OR query
// of the full phrase plus each significant word. Returns "" when nothing
// searchable is left.
func sanitizeFTSQuery(query string) string {
	words := strings.Fields(ftsReplacer.Replace(query))
	if len(words) == 0 {
		return ""
	}

	// Bare words could be read as FTS5 operators.
	for i, w := range words {
		switch strings.ToUpper(w) {
		case "AND", "OR", "NOT", "NEAR":
			words[i] = strings.ToLower(w)
		}
	}

	var parts []string
	if len(words) > 1 {
		parts = append(parts, "\""+strings.Join(words, " ")+"\"")
	}
	for _, w := range words {
		if len(w) > 2 && !isStopWord(w) {
			parts = append(parts, w)
		}
	}

	if len(parts) == 0 {
		return "\"" + strings.Join(words, " ") + "\""
	}
	return strings.Join(parts, " OR ")
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "must": true,
	"shall": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "what": true, "which": true, "who": true, "whom": true,
	"where": true, "when": true, "how": true, "why": true, "not": true,
	"no": true, "nor": true, "if": true, "then": true, "than": true,
	"so": true, "as": true, "about": true, "into": true, "between": true,
}

func isStopWord(w string) bool {
	return stopWords[strings.ToLower(w)]
}
