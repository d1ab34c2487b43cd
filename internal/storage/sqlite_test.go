package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/lectern/internal/slide"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent opens the same database twice and checks the
// migration is not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()
	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)
	for _, idx := range []string{"idx_narrations_content_hash", "idx_narrations_slide_key", "idx_audio_entries_created", "idx_turns_session_ts"} {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("index %s missing", idx)
		}
	}
}

func TestPing(t *testing.T) {
	if err := openTestStore(t).Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNarrations_LatestByContentHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, text := range []string{"first", "second"} {
		err := s.SaveNarration(ctx, slide.NarrationRecord{
			ID:               fmt.Sprintf("n%d", i),
			SlideID:          "s1",
			SlideKey:         "hash#s1",
			ContentHash:      "content-a",
			Text:             text,
			AudioFingerprint: "fp" + text,
			AudioRef:         "fp" + text,
			GeneratedBy:      "mock",
			CreatedAt:        base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("SaveNarration: %v", err)
		}
	}

	got, err := s.LatestNarration(ctx, "content-a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "second" || !got.CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("latest = %+v", got)
	}

	if _, err := s.LatestNarration(ctx, "content-b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := s.ListNarrations(ctx, "hash#s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Text != "second" {
		t.Errorf("list = %+v", list)
	}
}

func TestSaveNarration_RequiresID(t *testing.T) {
	if err := openTestStore(t).SaveNarration(context.Background(), slide.NarrationRecord{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestAudioEntries_CRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	for _, e := range []AudioEntry{
		{Fingerprint: "old", Path: "/a/old", Size: 10, MimeType: "audio/mpeg", CreatedAt: old},
		{Fingerprint: "new", Path: "/a/new", Size: 20, MimeType: "audio/wav", Synthetic: true, CreatedAt: fresh},
	} {
		if err := s.PutAudioEntry(ctx, e); err != nil {
			t.Fatalf("PutAudioEntry: %v", err)
		}
	}

	e, err := s.GetAudioEntry(ctx, "new")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Synthetic || e.Size != 20 || e.MimeType != "audio/wav" {
		t.Errorf("entry = %+v", e)
	}

	if err := s.PutAudioEntry(ctx, AudioEntry{Fingerprint: "new", Path: "/a/new", Size: 30, MimeType: "audio/mpeg", CreatedAt: fresh}); err != nil {
		t.Fatal(err)
	}
	if e, _ := s.GetAudioEntry(ctx, "new"); e.Size != 30 || e.Synthetic {
		t.Errorf("upsert not applied: %+v", e)
	}

	stale, err := s.ListAudioEntries(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].Fingerprint != "old" {
		t.Errorf("stale = %+v", stale)
	}
	all, _ := s.ListAudioEntries(ctx, time.Time{})
	if len(all) != 2 {
		t.Errorf("expected 2 entries, got %d", len(all))
	}

	if err := s.DeleteAudioEntry(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAudioEntry(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := s.GetAudioEntry(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTurns_ChronologicalOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Sub-second timestamps that would missort with a trimmed format.
	stamps := []time.Time{base, base.Add(500 * time.Millisecond), base.Add(time.Second)}
	for i, ts := range stamps {
		if err := s.SaveTurn(ctx, Turn{
			ID:           fmt.Sprintf("t%d", i),
			SessionID:    "sess",
			Timestamp:    ts,
			UserInput:    fmt.Sprintf("q%d", i),
			Intent:       "QUESTION",
			Confidence:   0.8,
			ResponseText: "a",
		}); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}

	turns, err := s.ListTurns(ctx, "sess", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, tr := range turns {
		if tr.UserInput != fmt.Sprintf("q%d", i) {
			t.Errorf("turn %d = %q", i, tr.UserInput)
		}
		if tr.RelevantSlides != "[]" {
			t.Errorf("relevant slides default = %q", tr.RelevantSlides)
		}
	}

	n, err := s.DeleteTurnsBefore(ctx, base.Add(750*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
}
