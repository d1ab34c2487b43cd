// Package prompt builds the text-generation requests for narration and
// conversation.
package prompt

import (
	"fmt"
	"strings"

	"github.com/kalambet/lectern/internal/intent"
	"github.com/kalambet/lectern/internal/provider"
	"github.com/kalambet/lectern/internal/slide"
)

const (
	defaultMaxTokens     = 4000
	defaultHistoryK      = 3
	narrationTemperature = 0.4
)

// Exchange is one past user message and the reply to it.
type Exchange struct {
	User      string
	Assistant string
}

// Composer assembles conversation prompts from slide context, recent history
// and the user input, keeping the estimate under MaxTokens.
type Composer struct {
	MaxTokens int
	HistoryK  int
}

// New creates a Composer. Non-positive values select the defaults (4000
// tokens, last 3 exchanges).
func New(maxTokens, historyK int) *Composer {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if historyK <= 0 {
		historyK = defaultHistoryK
	}
	return &Composer{MaxTokens: maxTokens, HistoryK: historyK}
}

// Conversation builds the request for one conversational turn. Over budget,
// the oldest history goes first, then slide full texts from the longest down.
// The summaries and the input itself are always kept.
func (c *Composer) Conversation(in intent.Intent, slides []slide.Summary, history []Exchange, input string) provider.TextRequest {
	if len(history) > c.HistoryK {
		history = history[len(history)-c.HistoryK:]
	}
	withText := make([]bool, len(slides))
	for i, s := range slides {
		withText[i] = strings.TrimSpace(s.FullText) != ""
	}

	for {
		req := build(in, slides, withText, history, input)
		if EstimateRequest(req) <= c.MaxTokens {
			return req
		}
		if len(history) > 0 {
			history = history[1:]
			continue
		}
		i := longestText(slides, withText)
		if i < 0 {
			return req
		}
		withText[i] = false
	}
}

func build(in intent.Intent, slides []slide.Summary, withText []bool, history []Exchange, input string) provider.TextRequest {
	var sb strings.Builder
	sb.WriteString(SystemPrompt(in))
	if len(slides) > 0 {
		sb.WriteString("\n\n[Slides]\n")
		for i, s := range slides {
			sb.WriteString(RenderSlide(s))
			if withText[i] {
				sb.WriteString("\n")
				sb.WriteString(strings.TrimSpace(s.FullText))
			}
			sb.WriteString("\n")
		}
	}

	msgs := make([]provider.Message, 0, 2*len(history)+1)
	for _, h := range history {
		msgs = append(msgs,
			provider.Message{Role: "user", Content: h.User},
			provider.Message{Role: "assistant", Content: h.Assistant},
		)
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: input})

	return provider.TextRequest{
		SystemPrompt: strings.TrimRight(sb.String(), "\n"),
		Messages:     msgs,
	}
}

// RenderSlide formats the one-line slide context entry.
func RenderSlide(s slide.Summary) string {
	summary := s.Summary
	if summary == "" {
		summary = firstLine(s.FullText)
	}
	return fmt.Sprintf("[Slide %d] %s: %s", s.Ordinal, s.Title, summary)
}

func longestText(slides []slide.Summary, withText []bool) int {
	best, bestLen := -1, 0
	for i, s := range slides {
		if withText[i] && len(s.FullText) > bestLen {
			best, bestLen = i, len(s.FullText)
		}
	}
	return best
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// NarrationPrompt builds the request that turns a slide and its visual
// description into spoken narration.
func NarrationPrompt(s slide.Slide, description string) provider.TextRequest {
	var sb strings.Builder
	if s.TotalCount > 0 {
		fmt.Fprintf(&sb, "Slide %d of %d.\n", s.Ordinal, s.TotalCount)
	} else {
		fmt.Fprintf(&sb, "Slide %d.\n", s.Ordinal)
	}
	if s.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", s.Title)
	}
	if body := slide.PlainText(s.BodyText); body != "" {
		fmt.Fprintf(&sb, "Text: %s\n", body)
	}
	if description != "" {
		fmt.Fprintf(&sb, "What the slide shows: %s\n", description)
	}
	if s.Ordinal == 1 {
		sb.WriteString("This is the opening slide; introduce the topic.\n")
	} else if s.TotalCount > 0 && s.Ordinal == s.TotalCount {
		sb.WriteString("This is the closing slide; wrap up the presentation.\n")
	}
	sb.WriteString("\nWrite the narration.")

	temperature := narrationTemperature
	return provider.TextRequest{
		SystemPrompt: narrationSystem,
		Messages:     []provider.Message{{Role: "user", Content: sb.String()}},
		MaxTokens:    300,
		Temperature:  &temperature,
	}
}

// EstimateTokens approximates the token count at 4 chars per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateRequest sums the estimate over the system prompt and every message.
func EstimateRequest(req provider.TextRequest) int {
	n := EstimateTokens(req.SystemPrompt)
	for _, m := range req.Messages {
		n += EstimateTokens(m.Content)
	}
	return n
}
