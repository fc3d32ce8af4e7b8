package extension

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// maxExtraWords bounds how much longer than the keyword a spoken
	// utterance may be and still count as the keyword.
	maxExtraWords = 2
)

// KeywordMatcher decides whether an utterance is one of a fixed set of
// keywords. Typed text must equal a keyword (case-insensitive, trimmed).
// Speech recognition output is matched phonetically: Double Metaphone codes
// must overlap and the Jaro-Winkler score must reach the phonetic threshold,
// or, without a code overlap, the higher fuzzy threshold.
//
// A KeywordMatcher is read-only after construction and safe for concurrent
// use.
type KeywordMatcher struct {
	keywords          []string
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// MatcherOption configures a [KeywordMatcher].
type MatcherOption func(*KeywordMatcher)

// WithPhoneticThreshold sets the minimum score for phonetic candidates.
// Default: 0.70.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *KeywordMatcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum score when no phonetic code overlaps.
// Default: 0.85.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *KeywordMatcher) { m.fuzzyThreshold = threshold }
}

// NewKeywordMatcher returns a matcher for keywords. Empty keywords are
// ignored.
func NewKeywordMatcher(keywords []string, opts ...MatcherOption) *KeywordMatcher {
	m := &KeywordMatcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, k := range keywords {
		if k = normalize(k); k != "" {
			m.keywords = append(m.keywords, k)
		}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Keywords returns the normalized keyword list.
func (m *KeywordMatcher) Keywords() []string { return m.keywords }

// Match reports whether text is a keyword. spoken selects phonetic matching.
func (m *KeywordMatcher) Match(text string, spoken bool) bool {
	text = normalize(text)
	if text == "" {
		return false
	}
	for _, k := range m.keywords {
		if text == k {
			return true
		}
	}
	if !spoken {
		return false
	}

	tokens := strings.Fields(text)
	codes := codesForTokens(tokens)
	for _, k := range m.keywords {
		kTokens := strings.Fields(k)
		if len(tokens) > len(kTokens)+maxExtraWords {
			continue
		}
		score := bestJWScore(tokens, kTokens, text, k)
		if codesOverlap(codes, codesForTokens(kTokens)) {
			if score >= m.phoneticThreshold {
				return true
			}
		} else if score >= m.fuzzyThreshold {
			return true
		}
	}
	return false
}

// normalize lower-cases s, drops punctuation speech recognizers append and
// collapses whitespace.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', ';', ':', '"', '\'':
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// codesForTokens returns the union of Double Metaphone codes of tokens,
// excluding empty codes.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings and every token pair.
func bestJWScore(inputTokens, keywordTokens []string, inputFull, keywordFull string) float64 {
	score := matchr.JaroWinkler(inputFull, keywordFull, false)

	if len(inputTokens) > 1 || len(keywordTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(keywordTokens, ""), false); s > score {
			score = s
		}
	}
	for _, it := range inputTokens {
		for _, kt := range keywordTokens {
			if s := matchr.JaroWinkler(it, kt, false); s > score {
				score = s
			}
		}
	}
	return score
}
