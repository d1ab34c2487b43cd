// Package api exposes the narration, pre-generation, conversation and audio
// delivery operations over HTTP, and the same operations as MCP tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/lectern/internal/apperr"
	"github.com/kalambet/lectern/internal/audiocache"
	"github.com/kalambet/lectern/internal/health"
	"github.com/kalambet/lectern/internal/observe"
	"github.com/kalambet/lectern/internal/pregen"
	"github.com/kalambet/lectern/internal/provider"
	"github.com/kalambet/lectern/internal/ranking"
	"github.com/kalambet/lectern/internal/session"
	"github.com/kalambet/lectern/internal/slide"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Narrator produces the narration record of a slide.
type Narrator interface {
	Narrate(ctx context.Context, sl slide.Slide) (slide.NarrationRecord, error)
}

// SlideRanker orders slide summaries by relevance to a query.
type SlideRanker interface {
	Rank(ctx context.Context, query string, slides []slide.Summary) []ranking.Score
}

// Deps holds the services behind the HTTP and MCP surfaces.
type Deps struct {
	Narrator  Narrator
	Scheduler *pregen.Scheduler
	Sessions  *session.Manager
	Cache     *audiocache.Cache
	Router    *provider.Router
	Ranker    SlideRanker
	Metrics   *observe.Metrics // optional
	Health    *health.Handler  // optional
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(deps.Metrics))
	r.Use(middleware.Recoverer)

	if deps.Health != nil {
		deps.Health.Mount(r)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/narrate", handleNarrate(deps))
	r.Post("/pregenerate-audio", handlePregenerate(deps))
	r.Get("/pregenerate-audio/status", handlePregenStatus(deps))
	r.Post("/presentation/advance", handleAdvance(deps))

	r.Route("/conversation", func(r chi.Router) {
		r.Post("/session/init", handleSessionInit(deps))
		r.Post("/chat", handleChat(deps))
		r.Put("/session/{id}/context", handleUpdateContext(deps))
		r.Get("/session/{id}/analytics", handleAnalytics(deps))
		r.Get("/session/{id}/history", handleHistory(deps))
	})

	r.Get("/audio/{ref}", handleAudio(deps))
	r.Post("/cleanup", handleCleanup(deps))

	r.Get("/providers", handleListProviders(deps))
	r.Put("/providers/{capability}/active", handleSetActive(deps))

	return r
}

// decodeBody reads a JSON request body of at most maxRequestBodySize bytes.
// An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body exceeds %d bytes", tooBig.Limit)
		return false
	}
	httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// writeAppError maps err to its HTTP status and error envelope. A non-empty
// fallback is added as the top-level message for provider failures, so
// clients always have something to show the listener.
func writeAppError(w http.ResponseWriter, err error, fallback string) {
	code := apperr.CodeOf(err)
	status := apperr.HTTPStatus(code)

	msg := err.Error()
	if code == apperr.CodeInternal {
		slog.Error("request failed", "error", err)
		msg = "internal error"
	}

	body := map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errorType(status),
			"code":    code,
		},
	}
	if fallback != "" && (code == apperr.CodeProviderFailure || code == apperr.CodeProviderUnavailable) {
		body["message"] = fallback
	}
	writeJSON(w, status, body)
}

func errorType(status int) string {
	switch {
	case status >= 500:
		return "api_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	default:
		return "invalid_request_error"
	}
}
