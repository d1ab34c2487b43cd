// Package intent classifies conversational input with a fixed table of
// keyword heuristics. It never calls a model.
package intent

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Intent is the detected purpose of a user message.
type Intent string

const (
	Greeting      Intent = "GREETING"
	Farewell      Intent = "FAREWELL"
	Clarification Intent = "CLARIFICATION"
	Summary       Intent = "SUMMARY"
	Question      Intent = "QUESTION"
	Navigation    Intent = "NAVIGATION"
	Unknown       Intent = "UNKNOWN"
)

// All lists every intent in rule order.
var All = []Intent{Greeting, Farewell, Clarification, Summary, Question, Navigation, Unknown}

const (
	baseConfidence    = 0.5
	maxConfidence     = 0.9
	questionMarkFloor = 0.7
	unknownConfidence = 0.3
)

type matchKind int

const (
	prefix matchKind = iota
	substring
	// token matches anywhere, but only on whole tokens.
	token
)

type rule struct {
	intent   Intent
	kind     matchKind
	patterns []string
}

// Rules run in this order; the first match wins. QUESTION is handled apart
// because it also looks at tokens and the trailing "?".
var (
	headRules = []rule{
		{Greeting, prefix, []string{"good morning", "good afternoon", "good evening", "greetings", "hello", "hey", "hi"}},
		{Farewell, prefix, []string{"thank you", "goodbye", "farewell", "see you", "thanks", "bye"}},
		{Clarification, substring, []string{"what do you mean", "explain more", "more detail", "elaborate", "clarify"}},
		{Summary, substring, []string{"summarize", "summarise", "key points", "overview", "summary", "recap", "tl;dr"}},
	}
	navigationRule = rule{Navigation, token, []string{"go to", "jump to", "previous", "back to", "next", "slide"}}

	interrogatives = map[string]bool{
		"what": true, "why": true, "how": true, "when": true, "where": true, "who": true, "which": true,
		"can": true, "could": true, "would": true, "is": true, "are": true, "does": true, "do": true,
	}
)

// Result is a classification with its confidence in [0,1].
type Result struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Normalize lower-cases input, trims it and collapses whitespace runs.
func Normalize(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(input)), " ")
}

// Classify returns the first matching intent for input.
func Classify(input string) Result {
	text := Normalize(input)
	if text == "" {
		return Result{Intent: Unknown, Confidence: unknownConfidence}
	}
	total := utf8.RuneCountInString(text)

	for _, r := range headRules {
		if m, ok := r.match(text); ok {
			return Result{Intent: r.intent, Confidence: confidence(m, total)}
		}
	}

	endsWithQ := strings.HasSuffix(text, "?")
	if kw, ok := firstInterrogative(text); ok {
		c := confidence(kw, total)
		if endsWithQ && c < questionMarkFloor {
			c = questionMarkFloor
		}
		return Result{Intent: Question, Confidence: c}
	}
	if endsWithQ {
		return Result{Intent: Question, Confidence: questionMarkFloor}
	}

	if m, ok := navigationRule.match(text); ok {
		return Result{Intent: Navigation, Confidence: confidence(m, total)}
	}
	return Result{Intent: Unknown, Confidence: unknownConfidence}
}

func confidence(match string, total int) float64 {
	c := baseConfidence + float64(utf8.RuneCountInString(match))/float64(total)
	return min(c, maxConfidence)
}

func (r rule) match(text string) (string, bool) {
	for _, p := range r.patterns {
		switch r.kind {
		case prefix:
			if strings.HasPrefix(text, p) && boundaryAt(text, len(p)) {
				return p, true
			}
		case substring:
			if strings.Contains(text, p) {
				return p, true
			}
		case token:
			if containsToken(text, p) {
				return p, true
			}
		}
	}
	return "", false
}

// containsToken reports whether p occurs in text with token boundaries on
// both sides.
func containsToken(text, p string) bool {
	for off := 0; off < len(text); {
		i := strings.Index(text[off:], p)
		if i < 0 {
			return false
		}
		i += off
		if boundaryBefore(text, i) && boundaryAt(text, i+len(p)) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		off = i + size
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// boundaryAt reports whether byte offset i in text ends a token.
func boundaryAt(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func firstInterrogative(text string) (string, bool) {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	for _, w := range words {
		if interrogatives[w] {
			return w, true
		}
	}
	return "", false
}
