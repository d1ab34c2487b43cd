package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/lectern/internal/apperr"
	"github.com/kalambet/lectern/internal/session"
	"github.com/kalambet/lectern/internal/slide"
)

// NewMCPServer creates an MCP server exposing narration, Q&A and ranking as
// tools. It shares Deps with the HTTP handler.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"lectern",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("lectern narrates presentation slides and answers audience questions about them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("narrate_slide",
			mcp.WithDescription("Generate (or reuse) the spoken narration for one slide and return its text and audio reference."),
			mcp.WithString("slide_id", mcp.Description("Slide identifier"), mcp.Required()),
			mcp.WithNumber("ordinal", mcp.Description("1-based slide position"), mcp.Required()),
			mcp.WithNumber("total", mcp.Description("Number of slides in the deck")),
			mcp.WithString("title", mcp.Description("Slide title")),
			mcp.WithString("body", mcp.Description("Slide body text")),
			mcp.WithString("asset_hash", mcp.Description("Content hash of the source presentation")),
		),
		mcpNarrateSlide(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Ask a question within a conversation session. The session is created on first use."),
			mcp.WithString("session_id", mcp.Description("Conversation session id"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The listener's question"), mcp.Required()),
			mcp.WithBoolean("generate_audio", mcp.Description("Also synthesize the answer (default false)")),
		),
		mcpAskQuestion(deps),
	)

	s.AddTool(
		mcp.NewTool("rank_slides",
			mcp.WithDescription("Rank slides by relevance to a query. Uses the session's slide context, or an explicit list."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session whose slide context is ranked")),
			mcp.WithString("slides", mcp.Description("JSON array of {ordinal, title, summary, fullText} used when no session is given")),
		),
		mcpRankSlides(deps),
	)

	s.AddTool(
		mcp.NewTool("session_analytics",
			mcp.WithDescription("Return turn counts, latency and intent distribution for a session."),
			mcp.WithString("session_id", mcp.Description("Conversation session id"), mcp.Required()),
		),
		mcpSessionAnalytics(deps),
	)

	return s
}

func mcpNarrateSlide(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("slide_id")
		if err != nil {
			return mcpError("slide_id is required"), nil
		}
		sl := slide.Slide{
			ID:              id,
			Ordinal:         req.GetInt("ordinal", 0),
			TotalCount:      req.GetInt("total", 0),
			Title:           req.GetString("title", ""),
			BodyText:        req.GetString("body", ""),
			SourceAssetHash: req.GetString("asset_hash", ""),
		}
		if err := sl.Validate(); err != nil {
			return mcpError(err.Error()), nil
		}

		rec, ok := readyNarration(ctx, deps, sl)
		if !ok {
			rec, err = deps.Narrator.Narrate(ctx, sl)
			if err != nil {
				return mcpError(toolFailure("narration", err)), nil
			}
		}
		return mcpJSON(narrationBody(rec, ok))
	}
}

func mcpAskQuestion(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		turn, err := deps.Sessions.Ask(ctx, id, question, session.AskOptions{
			GenerateAudio: req.GetBool("generate_audio", false),
		})
		if err != nil {
			return mcpError(toolFailure("answer", err)), nil
		}
		return mcpJSON(chatResponse{
			Message:        turn.ResponseText,
			AudioRef:       turn.ResponseAudioRef,
			AudioURL:       audioURL(turn.ResponseAudioRef),
			Intent:         turn.DetectedIntent,
			Confidence:     turn.Confidence,
			RelevantSlides: turn.RelevantSlides,
			ResponseTimeMs: turn.LatencyMs,
			Timestamp:      turn.Timestamp,
		})
	}
}

func mcpRankSlides(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		var slides []slide.Summary
		if id := req.GetString("session_id", ""); id != "" {
			s, err := deps.Sessions.Get(id)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			slides = s.SlideContext
		} else if raw := req.GetString("slides", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &slides); err != nil {
				return mcpError(fmt.Sprintf("slides must be a JSON array: %v", err)), nil
			}
		} else {
			return mcpError("either session_id or slides is required"), nil
		}

		return mcpJSON(deps.Ranker.Rank(ctx, query, slides))
	}
}

func mcpSessionAnalytics(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		a, err := deps.Sessions.Analytics(id)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(a)
	}
}

// toolFailure hides provider detail behind the fallback message.
func toolFailure(what string, err error) string {
	switch apperr.CodeOf(err) {
	case apperr.CodeProviderFailure, apperr.CodeProviderUnavailable:
		return apperr.FallbackMessage
	case apperr.CodeInvalidInput:
		return err.Error()
	}
	return fmt.Sprintf("%s failed: %v", what, strings.TrimSpace(err.Error()))
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
