// Package moderation screens outgoing chat messages before they reach the
// broadcast hub. It combines a word/phrase blocklist with pattern-based spam
// detection. All checks are synchronous and in-process; a rejected message is
// answered to the sender only and never persisted.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of screening one message.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_term" or "spam_pattern"
	Term    string // the matching term or pattern name
}

// Filter holds the blocklist. Single words are matched per token after
// normalization; multi-word phrases are matched as substrings of the
// normalized text. A Filter is immutable after construction and safe for
// concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// defaultTerms is the built-in blocklist. Deployments extend it via
// NewFilterWithTerms.
var defaultTerms = []string{
	"spam",
	"free money",
	"click here",
}

// NewFilter creates a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter from an explicit term list. Terms
// containing whitespace become phrase matches, the rest word matches.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		norm := normalize(term)
		if norm == "" {
			continue
		}
		if strings.ContainsRune(norm, ' ') {
			f.phrases = append(f.phrases, norm)
		} else {
			f.words[norm] = struct{}{}
		}
	}
	return f
}

// Check screens text against the blocklist and the spam patterns. The first
// match wins; a clean message returns the zero FilterResult.
func (f *Filter) Check(text string) FilterResult {
	norm := normalize(text)

	for _, token := range strings.Fields(norm) {
		if _, ok := f.words[token]; ok {
			return FilterResult{Blocked: true, Reason: "blocked_term", Term: token}
		}
	}

	for _, phrase := range f.phrases {
		if containsPhrase(norm, phrase) {
			return FilterResult{Blocked: true, Reason: "blocked_term", Term: phrase}
		}
	}

	return f.checkSpamPatterns(text)
}

// normalize lowercases text and strips punctuation so that "BadWord!" matches
// the blocklist entry "badword". Letters, digits, and spaces survive; every
// other rune becomes a space so punctuation still separates tokens.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// containsPhrase reports whether phrase appears in norm on token boundaries,
// so the phrase "free money" does not match inside "carefree moneybox".
func containsPhrase(norm, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(norm[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		startOK := start == 0 || norm[start-1] == ' '
		endOK := end == len(norm) || norm[end] == ' '
		if startOK && endOK {
			return true
		}
		idx = start + 1
	}
}
