package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/lectern/internal/apperr"
	"github.com/kalambet/lectern/internal/audiocache"
)

// handleAudio streams a cached entry. Range, If-None-Match and
// If-Modified-Since are handled by http.ServeContent.
func handleAudio(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "ref")
		e, err := deps.Cache.Lookup(r.Context(), ref)
		if err != nil {
			if errors.Is(err, audiocache.ErrMiss) {
				err = apperr.Wrap(apperr.CodeNotFound, err, "unknown audio ref %q", ref)
			}
			writeAppError(w, err, "")
			return
		}

		h := w.Header()
		h.Set("Content-Type", e.MimeType)
		h.Set("ETag", `"`+e.Fingerprint+`"`)
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d, immutable", int(deps.Cache.TTL().Seconds())))
		if e.Synthetic {
			h.Set("X-Audio-Synthetic", "true")
		}
		http.ServeContent(w, r, "", e.CreatedAt, bytes.NewReader(e.Data))
	}
}
