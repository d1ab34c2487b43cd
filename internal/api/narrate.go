package api

import (
	"context"
	"net/http"
	"time"

	"github.com/kalambet/lectern/internal/apperr"
	"github.com/kalambet/lectern/internal/pregen"
	"github.com/kalambet/lectern/internal/slide"
)

type slideRequest struct {
	Slide *slide.Slide `json:"slide"`
}

type narrateResponse struct {
	NarrationText string `json:"narrationText"`
	AudioRef      string `json:"audioRef"`
	AudioURL      string `json:"audioUrl,omitempty"`
	SlideID       string `json:"slideId"`
	GeneratedBy   string `json:"generatedBy"`
	Cached        bool   `json:"cached"`
}

func audioURL(ref string) string {
	if ref == "" {
		return ""
	}
	return "/audio/" + ref
}

func readSlide(w http.ResponseWriter, r *http.Request) (slide.Slide, bool) {
	var req slideRequest
	if !decodeBody(w, r, &req) {
		return slide.Slide{}, false
	}
	if req.Slide == nil {
		writeAppError(w, apperr.InvalidInput("slide is required"), "")
		return slide.Slide{}, false
	}
	if err := req.Slide.Validate(); err != nil {
		writeAppError(w, err, "")
		return slide.Slide{}, false
	}
	return *req.Slide, true
}

func handleNarrate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sl, ok := readSlide(w, r)
		if !ok {
			return
		}

		if rec, ok := readyNarration(r.Context(), deps, sl); ok {
			writeJSON(w, http.StatusOK, narrationBody(rec, true))
			return
		}

		start := time.Now()
		rec, err := deps.Narrator.Narrate(r.Context(), sl)
		if err != nil {
			writeAppError(w, err, apperr.FallbackMessage)
			return
		}
		// A record older than this request was reused rather than generated.
		writeJSON(w, http.StatusOK, narrationBody(rec, rec.CreatedAt.Before(start)))
	}
}

// readyNarration returns the pregenerated record for sl while its audio is
// still cached. A READY job whose audio was swept is treated as absent.
func readyNarration(ctx context.Context, deps Deps, sl slide.Slide) (slide.NarrationRecord, bool) {
	if deps.Scheduler == nil {
		return slide.NarrationRecord{}, false
	}
	rec, ok := deps.Scheduler.Ready(sl.Key())
	if !ok {
		return slide.NarrationRecord{}, false
	}
	if rec.AudioRef != "" && deps.Cache != nil {
		if _, err := deps.Cache.Lookup(ctx, rec.AudioRef); err != nil {
			return slide.NarrationRecord{}, false
		}
	}
	return rec, true
}

func narrationBody(rec slide.NarrationRecord, cached bool) narrateResponse {
	return narrateResponse{
		NarrationText: rec.Text,
		AudioRef:      rec.AudioRef,
		AudioURL:      audioURL(rec.AudioRef),
		SlideID:       rec.SlideID,
		GeneratedBy:   rec.GeneratedBy,
		Cached:        cached,
	}
}

type pregenerateResponse struct {
	SlideID       string          `json:"slideId"`
	AudioRef      string          `json:"audioRef"`
	NarrationText string          `json:"narrationText"`
	Status        pregen.Status   `json:"status"`
	Priority      pregen.Priority `json:"priority"`
	Error         string          `json:"error,omitempty"`
}

func handlePregenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sl, ok := readSlide(w, r)
		if !ok {
			return
		}

		job, err := deps.Scheduler.Pregenerate(r.Context(), sl)
		if err != nil && job.Status != pregen.Failed {
			writeAppError(w, err, "")
			return
		}

		resp := pregenerateResponse{
			SlideID:  job.SlideID,
			Status:   job.Status,
			Priority: job.Priority,
			Error:    job.Error,
		}
		if job.Record != nil {
			resp.AudioRef = job.Record.AudioRef
			resp.NarrationText = job.Record.Text
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handlePregenStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Scheduler.Jobs())
	}
}

type advanceRequest struct {
	Slides       []slide.Slide `json:"slides"`
	CurrentIndex *int          `json:"currentIndex"`
}

func handleAdvance(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req advanceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Slides) == 0 {
			writeAppError(w, apperr.InvalidInput("slides is required"), "")
			return
		}
		if req.CurrentIndex == nil {
			writeAppError(w, apperr.InvalidInput("currentIndex is required"), "")
			return
		}
		if i := *req.CurrentIndex; i < 0 || i >= len(req.Slides) {
			writeAppError(w, apperr.InvalidInput("currentIndex %d out of range [0, %d)", i, len(req.Slides)), "")
			return
		}

		issues := deps.Scheduler.Advance(r.Context(), req.Slides, *req.CurrentIndex)
		if issues == nil {
			issues = []pregen.Issue{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"scheduled": issues})
	}
}
