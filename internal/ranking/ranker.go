// Package ranking scores slides by relevance to a free-text query.
package ranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/lectern/internal/provider"
	"github.com/kalambet/lectern/internal/slide"
)

const (
	defaultTimeout = 5 * time.Second
	maxResults     = 3

	titleWeight = 3
	bodyWeight  = 2
)

// Score is the relevance of one slide in [0,1].
type Score struct {
	SlideOrdinal int     `json:"slideOrdinal"`
	Score        float64 `json:"score"`
}

// TextGenerator is the slice of the provider router the ranker needs.
type TextGenerator interface {
	GenerateText(ctx context.Context, req provider.TextRequest) (provider.Result, error)
}

// Ranker asks a model for relevance scores and falls back to keyword overlap
// when the model fails, times out or answers with something unparseable.
type Ranker struct {
	gen     TextGenerator
	timeout time.Duration
}

// New returns a Ranker. gen may be nil, in which case only the keyword
// strategy runs. A non-positive timeout selects 5s.
func New(gen TextGenerator, timeout time.Duration) *Ranker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Ranker{gen: gen, timeout: timeout}
}

// Rank returns at most three slides with a positive score, best first, ties
// by ordinal.
func (r *Ranker) Rank(ctx context.Context, query string, slides []slide.Summary) []Score {
	if strings.TrimSpace(query) == "" || len(slides) == 0 {
		return nil
	}
	if r.gen != nil {
		scores, err := r.rankLLM(ctx, query, slides)
		if err == nil {
			return finish(scores)
		}
		slog.Debug("ranking: model strategy failed, using keywords", "error", err)
	}
	return finish(Keyword(query, slides))
}

func (r *Ranker) rankLLM(ctx context.Context, query string, slides []slide.Summary) ([]Score, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.gen.GenerateText(ctx, buildPrompt(query, slides))
	if err != nil {
		return nil, err
	}
	return parseScores(res.Text, slides)
}

func buildPrompt(query string, slides []slide.Summary) provider.TextRequest {
	var sb strings.Builder
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nSlides:\n")
	for _, s := range slides {
		summary := s.Summary
		if summary == "" {
			summary = s.FullText
		}
		fmt.Fprintf(&sb, "%d. %s: %s\n", s.Ordinal, s.Title, summary)
	}
	return provider.TextRequest{
		SystemPrompt: `Rate how relevant each slide is to the query on a scale of 0.0 to 1.0. ` +
			`Respond with only a JSON object: {"slides":[{"ordinal":<int>,"score":<float>}]}. ` +
			`Omit slides that are not relevant.`,
		Messages:  []provider.Message{{Role: "user", Content: sb.String()}},
		MaxTokens: 200,
		JSON:      true,
	}
}

// parseScores extracts scores from a model reply. Models wrap JSON in code
// fences or add filler, so the fences are stripped and the outermost braces
// taken before decoding. Unknown ordinals are dropped and scores clamped.
func parseScores(resp string, slides []slide.Summary) ([]Score, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Slides []struct {
			Ordinal int     `json:"ordinal"`
			Score   float64 `json:"score"`
		} `json:"slides"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal scores: %w", err)
	}

	known := make(map[int]bool, len(slides))
	for _, sl := range slides {
		known[sl.Ordinal] = true
	}
	best := make(map[int]float64)
	for _, e := range obj.Slides {
		if !known[e.Ordinal] {
			continue
		}
		sc := min(max(e.Score, 0), 1)
		if sc > best[e.Ordinal] {
			best[e.Ordinal] = sc
		}
	}
	out := make([]Score, 0, len(best))
	for ord, sc := range best {
		out = append(out, Score{SlideOrdinal: ord, Score: sc})
	}
	return out, nil
}

// Keyword scores slides by query token overlap: 3 per token found in the
// title, 2 per token found in the summary or text, normalized by 5 times the
// token count.
func Keyword(query string, slides []slide.Summary) []Score {
	tokens := Tokens(query)
	if len(tokens) == 0 {
		return nil
	}
	denom := float64((titleWeight + bodyWeight) * len(tokens))

	out := make([]Score, 0, len(slides))
	for _, s := range slides {
		title := strings.ToLower(s.Title)
		body := strings.ToLower(s.Summary + " " + s.FullText)
		raw := 0
		for _, tok := range tokens {
			if strings.Contains(title, tok) {
				raw += titleWeight
			}
			if strings.Contains(body, tok) {
				raw += bodyWeight
			}
		}
		out = append(out, Score{SlideOrdinal: s.Ordinal, Score: float64(raw) / denom})
	}
	return out
}

// Tokens returns the distinct lower-cased alphanumeric words of q longer
// than three runes, in first-seen order.
func Tokens(q string) []string {
	words := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	var out []string
	for _, w := range words {
		if len([]rune(w)) <= 3 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func finish(scores []Score) []Score {
	kept := make([]Score, 0, len(scores))
	for _, s := range scores {
		if s.Score > 0 {
			kept = append(kept, s)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].SlideOrdinal < kept[j].SlideOrdinal
	})
	if len(kept) > maxResults {
		kept = kept[:maxResults]
	}
	return kept
}
