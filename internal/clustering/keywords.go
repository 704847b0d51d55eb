package clustering

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxKeywords     = 25
	minKeywordLen   = 3
	keywordBodyScan = 4000
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a about above after again against all also am an and any are as at be because been before being
		below between both but by can could did do does doing down during each few for from further had has
		have having he her here hers herself him himself his how i if in into is it its itself just me more
		most my myself no nor not now of off on once only or other our ours ourselves out over own same she
		should so some such than that the their theirs them themselves then there these they this those
		through to too under until up very was we were what when where which while who whom why will with
		would you your yours yourself yourselves said new one two year years first last week
		today yesterday tomorrow according told people time like get got make made may might must many much
		still even well back way us via per amid`) {
		stopwords[w] = struct{}{}
	}
}

// keywords returns the significant terms of an article: every title term
// plus the most frequent body terms, folded and stripped of accents.
func keywords(title, body string) map[string]struct{} {
	body = truncate(body, keywordBodyScan)
	out := make(map[string]struct{}, maxKeywords)
	for _, t := range terms(title) {
		if len(out) >= maxKeywords {
			return out
		}
		out[t] = struct{}{}
	}

	freq := make(map[string]int)
	for _, t := range terms(body) {
		freq[t]++
	}
	ranked := make([]string, 0, len(freq))
	for t := range freq {
		if _, seen := out[t]; !seen {
			ranked = append(ranked, t)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if freq[ranked[i]] != freq[ranked[j]] {
			return freq[ranked[i]] > freq[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	for _, t := range ranked {
		if len(out) >= maxKeywords {
			break
		}
		out[t] = struct{}{}
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func terms(s string) []string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, cases.Fold().String(s))
	if err != nil {
		folded = strings.ToLower(s)
	}
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < minKeywordLen || isNumeric(f) {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// overlap counts terms present in both sets.
func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for t := range a {
		if _, ok := b[t]; ok {
			n++
		}
	}
	return n
}
