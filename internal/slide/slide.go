// Package slide holds the presentation data model and the collaborators that
// produce it: the document converter, the file hasher and the image store.
package slide

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/kalambet/lectern/internal/apperr"
)

// Slide is one page of a converted presentation. It is immutable once
// produced; narration is attached by appending NarrationRecords.
type Slide struct {
	ID              string `json:"id"`
	Ordinal         int    `json:"ordinal"`
	TotalCount      int    `json:"totalCount"`
	Title           string `json:"title"`
	BodyText        string `json:"bodyText"`
	ImageRef        string `json:"imageRef,omitempty"`
	SourceAssetRef  string `json:"sourceAssetRef,omitempty"`
	SourceAssetHash string `json:"sourceAssetHash,omitempty"`
}

// Validate reports an invalid_input error for slides the pipeline cannot use.
func (s Slide) Validate() error {
	if s.ID == "" {
		return apperr.InvalidInput("slide id is required")
	}
	if s.Ordinal < 1 {
		return apperr.InvalidInput("slide ordinal must be >= 1, got %d", s.Ordinal)
	}
	if s.TotalCount > 0 && s.Ordinal > s.TotalCount {
		return apperr.InvalidInput("slide ordinal %d exceeds total count %d", s.Ordinal, s.TotalCount)
	}
	return nil
}

// AssetHash returns the content hash of the originating asset. Slides without
// a precomputed hash fall back to hashing the asset reference.
func (s Slide) AssetHash() string {
	if s.SourceAssetHash != "" {
		return s.SourceAssetHash
	}
	if s.SourceAssetRef == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s.SourceAssetRef))
	return hex.EncodeToString(sum[:])
}

// Key identifies the slide across requests and presentations. Slides that
// carry no asset identity are namespaced by their content instead, so equal
// ids from different decks never share a key.
func (s Slide) Key() string {
	ns := s.AssetHash()
	if ns == "" {
		ns = "content:" + s.ContentHash()
	}
	return ns + "#" + s.ID
}

// ContentHash hashes everything that influences the narration of the slide,
// so an identical re-upload maps to the same value.
func (s Slide) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(s.AssetHash()))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(s.Ordinal)))
	h.Write([]byte{0})
	h.Write([]byte(s.Title))
	h.Write([]byte{0})
	h.Write([]byte(s.BodyText))
	return hex.EncodeToString(h.Sum(nil))
}

// Summary is the per-slide context held by a conversation session.
type Summary struct {
	Ordinal  int    `json:"ordinal"`
	Title    string `json:"title"`
	Summary  string `json:"summary,omitempty"`
	FullText string `json:"fullText,omitempty"`
}

// Summarize converts a deck into session slide context.
func Summarize(deck []Slide) []Summary {
	out := make([]Summary, len(deck))
	for i, s := range deck {
		out[i] = Summary{
			Ordinal:  s.Ordinal,
			Title:    s.Title,
			Summary:  firstSentence(s.BodyText),
			FullText: s.BodyText,
		}
	}
	return out
}

// NarrationRecord attaches generated narration and its audio to a slide.
type NarrationRecord struct {
	ID               string    `json:"id"`
	SlideID          string    `json:"slideId"`
	SlideKey         string    `json:"slideKey"`
	ContentHash      string    `json:"contentHash"`
	Text             string    `json:"text"`
	AudioFingerprint string    `json:"audioFingerprint"`
	AudioRef         string    `json:"audioRef"`
	GeneratedBy      string    `json:"generatedBy"`
	CreatedAt        time.Time `json:"createdAt"`
}
