package matching

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const minTokenRunes = 2

// Generic venue words that say nothing about which restaurant a page is for.
var stopWords = map[string]struct{}{
	"restaurant":  {},
	"restaurants": {},
	"restaurante": {},
	"ristorante":  {},
	"resto":       {},
	"cafe":        {},
	"caffe":       {},
	"coffee":      {},
	"bistro":      {},
	"brasserie":   {},
	"trattoria":   {},
	"taverna":     {},
	"bar":         {},
	"grill":       {},
	"kitchen":     {},
	"eatery":      {},
	"food":        {},
	"the":         {},
	"and":         {},
	"of":          {},
	"de":          {},
	"la":          {},
	"le":          {},
	"el":          {},
	"il":          {},
	"di":          {},
	"du":          {},
	"מסעדה":       {},
	"מסעדת":       {},
	"קפה":         {},
	"בר":          {},
	"מטבח":        {},
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return folded
}

func splitWords(s string) []string {
	folded := strings.ToLower(foldAccents(s))
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// NameTokens returns the significant, accent-folded tokens of a restaurant
// name, title or slug. Order follows first appearance; duplicates are dropped.
func NameTokens(s string) []string {
	words := splitWords(s)
	out := make([]string, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, word := range words {
		if utf8.RuneCountInString(word) < minTokenRunes {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		out = append(out, word)
	}
	return out
}

// TokensOverlap reports whether any requested token equals, contains, or is
// contained by any candidate token.
func TokensOverlap(requested, candidate []string) bool {
	for _, want := range requested {
		for _, have := range candidate {
			if want == have || strings.Contains(have, want) || strings.Contains(want, have) {
				return true
			}
		}
	}
	return false
}

// Slugify lowercases, folds accents and joins the words of s with dashes.
func Slugify(s string) string {
	return strings.Join(splitWords(s), "-")
}

func cityKey(city string) string {
	return strings.Join(splitWords(city), " ")
}
