package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/lectern/internal/apperr"
	"github.com/kalambet/lectern/internal/provider"
	"github.com/kalambet/lectern/internal/ranking"
	"github.com/kalambet/lectern/internal/session"
	"github.com/kalambet/lectern/internal/slide"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPServer_RegistersTools(t *testing.T) {
	s := newTestServer(t)
	srv := NewMCPServer(s.deps, "test")

	resp := srv.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"narrate_slide", "ask_question", "rank_slides", "session_analytics"} {
		if !strings.Contains(string(b), `"`+name+`"`) {
			t.Errorf("tool %q not listed in %s", name, b)
		}
	}
}

func TestMCPTool_NarrateSlide(t *testing.T) {
	s := newTestServer(t)
	handler := mcpNarrateSlide(s.deps)

	result, err := handler(context.Background(), makeCallToolRequest("narrate_slide", map[string]any{
		"slide_id":   "s1",
		"ordinal":    1,
		"title":      "Wind energy",
		"body":       "Wind supplies power.",
		"asset_hash": "deck1",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var resp narrateResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.NarrationText != "text from m" || resp.AudioRef == "" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestMCPTool_NarrateSlide_Invalid(t *testing.T) {
	s := newTestServer(t)
	handler := mcpNarrateSlide(s.deps)

	result, err := handler(context.Background(), makeCallToolRequest("narrate_slide", map[string]any{}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing slide_id")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("narrate_slide", map[string]any{"slide_id": "s1"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "ordinal") {
		t.Fatalf("expected ordinal validation error, got %q", toolText(t, result))
	}
}

func TestMCPTool_AskQuestion(t *testing.T) {
	s := newTestServer(t)
	handler := mcpAskQuestion(s.deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask_question", map[string]any{
		"session_id": "mcp-1",
		"question":   "What is wind efficiency?",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}
	var resp chatResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Intent != "QUESTION" || resp.Confidence < 0.7 {
		t.Errorf("unexpected classification %s/%v", resp.Intent, resp.Confidence)
	}

	a, err := s.deps.Sessions.Analytics("mcp-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.TurnCount != 1 {
		t.Errorf("turn count = %d, want 1", a.TurnCount)
	}
}

func TestMCPTool_AskQuestion_ProviderFailure(t *testing.T) {
	s := newTestServer(t)
	s.backend.TextFn = func(context.Context, provider.TextRequest) (string, error) {
		return "", errors.New("down")
	}
	result, err := mcpAskQuestion(s.deps)(context.Background(), makeCallToolRequest("ask_question", map[string]any{
		"session_id": "mcp-2",
		"question":   "Why?",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError || toolText(t, result) != apperr.FallbackMessage {
		t.Fatalf("expected fallback error result, got %q", toolText(t, result))
	}
}

func TestMCPTool_RankSlides(t *testing.T) {
	s := newTestServer(t)
	slides := []slide.Summary{
		{Ordinal: 1, Title: "Solar power", Summary: "Panels convert sunlight."},
		{Ordinal: 2, Title: "Wind turbine blades", Summary: "Blade length drives output."},
	}
	if _, err := s.deps.Sessions.Init(context.Background(), "rank-1", slides); err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(slides)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"session context", map[string]any{"query": "wind turbine blades", "session_id": "rank-1"}},
		{"explicit slides", map[string]any{"query": "wind turbine blades", "slides": string(raw)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := mcpRankSlides(s.deps)(context.Background(), makeCallToolRequest("rank_slides", tt.args))
			if err != nil {
				t.Fatal(err)
			}
			if result.IsError {
				t.Fatalf("unexpected error result: %s", toolText(t, result))
			}
			var scores []ranking.Score
			if err := json.Unmarshal([]byte(toolText(t, result)), &scores); err != nil {
				t.Fatal(err)
			}
			if len(scores) == 0 || scores[0].SlideOrdinal != 2 {
				t.Fatalf("expected slide 2 first, got %+v", scores)
			}
		})
	}
}

func TestMCPTool_RankSlides_NeedsSlides(t *testing.T) {
	s := newTestServer(t)
	result, _ := mcpRankSlides(s.deps)(context.Background(), makeCallToolRequest("rank_slides", map[string]any{"query": "x"}))
	if !result.IsError {
		t.Fatal("expected error without session_id or slides")
	}
	result, _ = mcpRankSlides(s.deps)(context.Background(), makeCallToolRequest("rank_slides", map[string]any{"query": "x", "slides": "{"}))
	if !result.IsError {
		t.Fatal("expected error for malformed slides")
	}
}

func TestMCPTool_SessionAnalytics(t *testing.T) {
	s := newTestServer(t)
	handler := mcpSessionAnalytics(s.deps)

	result, _ := handler(context.Background(), makeCallToolRequest("session_analytics", map[string]any{"session_id": "ghost"}))
	if !result.IsError {
		t.Fatal("expected error for unknown session")
	}

	if _, err := s.deps.Sessions.Ask(context.Background(), "an-1", "hello there", session.AskOptions{}); err != nil {
		t.Fatal(err)
	}
	result, _ = handler(context.Background(), makeCallToolRequest("session_analytics", map[string]any{"session_id": "an-1"}))
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}
	var a session.Analytics
	if err := json.Unmarshal([]byte(toolText(t, result)), &a); err != nil {
		t.Fatal(err)
	}
	if a.TurnCount != 1 || a.IntentDistribution["GREETING"] != 1 {
		t.Errorf("unexpected analytics %+v", a)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	s := newTestServer(t)
	ask := mcpAskQuestion(s.deps)
	narrate := mcpNarrateSlide(s.deps)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := ask(context.Background(), makeCallToolRequest("ask_question", map[string]any{
				"session_id": "shared",
				"question":   "What is this?",
			}))
			if err == nil && res.IsError {
				err = errors.New(res.Content[0].(mcp.TextContent).Text)
			}
			if err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			res, err := narrate(context.Background(), makeCallToolRequest("narrate_slide", map[string]any{
				"slide_id": "c1", "ordinal": 1, "title": "Same slide", "asset_hash": "deck",
			}))
			if err == nil && res.IsError {
				err = errors.New(res.Content[0].(mcp.TextContent).Text)
			}
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
	a, err := s.deps.Sessions.Analytics("shared")
	if err != nil {
		t.Fatal(err)
	}
	if a.TurnCount != 5 {
		t.Errorf("turn count = %d, want 5", a.TurnCount)
	}
}
