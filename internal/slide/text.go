package slide

import (
	"io"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// PlainText strips markup from slide body text produced by converters that
// emit HTML fragments. Plain input is returned with whitespace collapsed.
func PlainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return collapseSpace(s)
	}
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return collapseSpace(sb.String())
			}
			return collapseSpace(s)
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "li", "div", "h1", "h2", "h3", "h4":
				sb.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if n := string(name); (n == "script" || n == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// firstSentence returns a short summary: the first sentence of s, capped at
// 200 runes.
func firstSentence(s string) string {
	s = collapseSpace(s)
	if i := strings.IndexAny(s, ".!?"); i >= 0 {
		s = s[:i+1]
	}
	r := []rune(s)
	if len(r) > 200 {
		return string(r[:200])
	}
	return s
}
