package compare

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/kljensen/snowball/english"
	"golang.org/x/text/cases"
)

const (
	successBonus   = 0.2
	failurePenalty = 0.5
)

var (
	successIndicators = []string{"success", "succeeded", "completed", "achieved", "passed", "logged in", "login", "dashboard", "welcome"}
	failureIndicators = []string{"failed", "error", "exception", "timeout", "timed out", "not found", "invalid", "denied", "unable to"}

	stopwords = map[string]bool{
		"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "been": true,
		"by": true, "for": true, "has": true, "have": true, "in": true, "into": true, "is": true, "it": true,
		"of": true, "on": true, "or": true, "should": true, "that": true, "the": true, "this": true,
		"to": true, "was": true, "were": true, "will": true, "with": true,
	}

	// Stems that name the same outcome. Applied to content terms only, so
	// "logged out" is not read as the "login" indicator.
	synonyms = map[string]string{
		"succeed": "success",
		"login":   "log",
		"logon":   "log",
	}
)

// ErrNoContentTerms is returned when the expected outcome has nothing to match on.
var ErrNoContentTerms = errors.New("expected outcome has no content terms")

type indicator struct {
	label string
	stems []string
}

// KeywordMatcher scores stemmed term coverage of the expected text within the
// observed summary, adjusted by success and failure indicator phrases. It is
// deterministic and makes no external calls.
type KeywordMatcher struct {
	success []indicator
	failure []indicator
}

// NewKeywordMatcher builds the matcher with the default indicator phrases.
func NewKeywordMatcher() *KeywordMatcher {
	return &KeywordMatcher{
		success: indicators(successIndicators),
		failure: indicators(failureIndicators),
	}
}

// Name implements Matcher.
func (m *KeywordMatcher) Name() string { return "keyword" }

// Match implements Matcher.
func (m *KeywordMatcher) Match(_ context.Context, expected, actual string) (Match, error) {
	expectedWords := tokenize(expected)
	actualWords := tokenize(actual)
	expectedStems := stemAll(expectedWords)
	actualStems := stemAll(actualWords)

	terms := contentTerms(expectedWords)
	if len(terms) == 0 {
		return Match{}, ErrNoContentTerms
	}

	present := make(map[string]bool, len(actualStems))
	for _, s := range actualStems {
		present[canonical(s)] = true
	}
	var matched, missing []string
	for _, term := range terms {
		if present[term] {
			matched = append(matched, term)
		} else {
			missing = append(missing, term)
		}
	}

	coverage := float64(len(matched)) / float64(len(terms))
	score := coverage
	var notes []string
	notes = append(notes, fmt.Sprintf("matched %d/%d expected terms", len(matched), len(terms)))
	if len(matched) > 0 {
		notes = append(notes, "matched: "+strings.Join(matched, ", "))
	}
	if len(missing) > 0 {
		notes = append(notes, "missing: "+strings.Join(missing, ", "))
	}

	for _, ind := range m.success {
		if containsPhrase(actualStems, ind.stems) {
			score += successBonus
			notes = append(notes, "success indicator: "+ind.label)
			break
		}
	}
	for _, ind := range m.failure {
		if containsPhrase(actualStems, ind.stems) && !containsPhrase(expectedStems, ind.stems) {
			score -= failurePenalty
			notes = append(notes, "failure indicator: "+ind.label)
			break
		}
	}

	return Match{Confidence: clamp(score), Evidence: strings.Join(notes, "; ") + "."}, nil
}

// tokenize case-folds s and splits it into letter and digit runs.
func tokenize(s string) []string {
	return strings.FieldsFunc(cases.Fold().String(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func stem(word string) string {
	return english.Stem(word, false)
}

// canonical maps a stem onto the term it is compared as.
func canonical(s string) string {
	if c, ok := synonyms[s]; ok {
		return c
	}
	return s
}

func stemAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = stem(w)
	}
	return out
}

func contentTerms(words []string) []string {
	seen := make(map[string]bool, len(words))
	var terms []string
	for _, w := range words {
		if len([]rune(w)) < 2 || stopwords[w] {
			continue
		}
		term := canonical(stem(w))
		if seen[term] {
			continue
		}
		seen[term] = true
		terms = append(terms, term)
	}
	slices.Sort(terms)
	return terms
}

func indicators(phrases []string) []indicator {
	out := make([]indicator, len(phrases))
	for i, p := range phrases {
		out[i] = indicator{label: p, stems: stemAll(tokenize(p))}
	}
	return out
}

func containsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		if slices.Equal(tokens[i:i+len(phrase)], phrase) {
			return true
		}
	}
	return false
}
