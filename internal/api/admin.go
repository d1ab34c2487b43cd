package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/lectern/internal/apperr"
	"github.com/kalambet/lectern/internal/audiocache"
	"github.com/kalambet/lectern/internal/pregen"
	"github.com/kalambet/lectern/internal/provider"
)

type cleanupRequest struct {
	// ExpiredOnly limits cleanup to entries and sessions past their TTL.
	ExpiredOnly bool `json:"expiredOnly"`
}

type cleanupResponse struct {
	Removed         int `json:"removed"`
	AudioRemoved    int `json:"audioRemoved"`
	SessionsRemoved int `json:"sessionsRemoved"`
	JobsRemoved     int `json:"jobsRemoved"`
}

func handleCleanup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cleanupRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ctx := r.Context()

		var resp cleanupResponse
		var err error
		if req.ExpiredOnly {
			resp.AudioRemoved, err = deps.Cache.Sweep(ctx)
			resp.SessionsRemoved = deps.Sessions.Sweep(ctx)
			resp.JobsRemoved = PruneJobs(ctx, deps)
		} else {
			resp.AudioRemoved, err = deps.Cache.Clear(ctx)
			resp.SessionsRemoved = deps.Sessions.Clear(ctx)
			resp.JobsRemoved = deps.Scheduler.Reset()
		}
		if err != nil {
			writeAppError(w, err, "")
			return
		}
		resp.Removed = resp.AudioRemoved + resp.SessionsRemoved + resp.JobsRemoved
		writeJSON(w, http.StatusOK, resp)
	}
}

// PruneJobs drops finished pregeneration jobs that can no longer be served:
// failed ones and ready ones whose audio has left the cache.
func PruneJobs(ctx context.Context, deps Deps) int {
	if deps.Scheduler == nil {
		return 0
	}
	gone := make(map[string]bool)
	if deps.Cache != nil {
		for _, j := range deps.Scheduler.Jobs() {
			if j.Status != pregen.Ready || j.Record == nil || j.Record.AudioRef == "" {
				continue
			}
			if _, err := deps.Cache.Lookup(ctx, j.Record.AudioRef); errors.Is(err, audiocache.ErrMiss) {
				gone[j.SlideKey] = true
			}
		}
	}
	return deps.Scheduler.Prune(func(j pregen.Job) bool {
		return j.Status == pregen.Failed || gone[j.SlideKey]
	})
}

// RunJobPruner calls PruneJobs every interval until ctx is cancelled.
func RunJobPruner(ctx context.Context, deps Deps, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := PruneJobs(ctx, deps); n > 0 {
				slog.Debug("pregen: pruned jobs", "count", n)
			}
		}
	}
}

type capabilityView struct {
	Capability provider.Capability `json:"capability"`
	Active     string              `json:"active"`
	Order      []string            `json:"order"`
}

func handleListProviders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := make([]capabilityView, 0, len(provider.Capabilities))
		for _, c := range provider.Capabilities {
			order := deps.Router.Order(c)
			if order == nil {
				order = []string{}
			}
			caps = append(caps, capabilityView{Capability: c, Active: deps.Router.Active(c), Order: order})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"providers":    deps.Router.Descriptors(),
			"capabilities": caps,
		})
	}
}

func handleSetActive(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := provider.ParseCapability(chi.URLParam(r, "capability"))
		if err != nil {
			writeAppError(w, apperr.InvalidInput("%v", err), "")
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Router.SetActive(c, strings.TrimSpace(req.ID)); err != nil {
			writeAppError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, capabilityView{Capability: c, Active: deps.Router.Active(c), Order: deps.Router.Order(c)})
	}
}
