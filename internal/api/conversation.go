package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/lectern/internal/apperr"
	"github.com/kalambet/lectern/internal/intent"
	"github.com/kalambet/lectern/internal/ranking"
	"github.com/kalambet/lectern/internal/session"
	"github.com/kalambet/lectern/internal/slide"
)

type contextRequest struct {
	SessionID    string          `json:"sessionId"`
	SlideContext []slide.Summary `json:"slideContext"`
	// Slides is summarized when SlideContext is absent.
	Slides []slide.Slide `json:"slides"`
}

func (c contextRequest) summaries() []slide.Summary {
	if len(c.SlideContext) > 0 || len(c.Slides) == 0 {
		return c.SlideContext
	}
	return slide.Summarize(c.Slides)
}

func handleSessionInit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contextRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id := strings.TrimSpace(req.SessionID)
		if id == "" {
			id = uuid.New().String()
		}

		s, err := deps.Sessions.Init(r.Context(), id, req.summaries())
		if err != nil {
			writeAppError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId":  s.ID,
			"createdAt":  s.CreatedAt,
			"state":      s.State,
			"slideCount": len(s.SlideContext),
		})
	}
}

func handleUpdateContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contextRequest
		if !decodeBody(w, r, &req) {
			return
		}
		s, err := deps.Sessions.UpdateContext(r.Context(), chi.URLParam(r, "id"), req.summaries())
		if err != nil {
			writeAppError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId":  s.ID,
			"updatedAt":  s.LastActiveAt,
			"slideCount": len(s.SlideContext),
		})
	}
}

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Options   struct {
		GenerateAudio bool     `json:"generateAudio"`
		MaxTokens     int      `json:"maxTokens"`
		Temperature   *float64 `json:"temperature"`
	} `json:"options"`
}

type chatResponse struct {
	Message        string          `json:"message"`
	AudioRef       string          `json:"audioRef,omitempty"`
	AudioURL       string          `json:"audioUrl,omitempty"`
	Intent         intent.Intent   `json:"intent"`
	Confidence     float64         `json:"confidence"`
	RelevantSlides []ranking.Score `json:"relevantSlides"`
	ResponseTimeMs int64           `json:"responseTimeMs"`
	Timestamp      time.Time       `json:"timestamp"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !decodeBody(w, r, &req) {
			return
		}

		turn, err := deps.Sessions.Ask(r.Context(), req.SessionID, req.Message, session.AskOptions{
			GenerateAudio: req.Options.GenerateAudio,
			MaxTokens:     req.Options.MaxTokens,
			Temperature:   req.Options.Temperature,
		})
		if err != nil {
			writeAppError(w, err, apperr.FallbackMessage)
			return
		}

		writeJSON(w, http.StatusOK, chatResponse{
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

func handleAnalytics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Sessions.Analytics(chi.URLParam(r, "id"))
		if err != nil {
			writeAppError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		turns, err := deps.Sessions.History(chi.URLParam(r, "id"))
		if err != nil {
			writeAppError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, turns)
	}
}
