package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/lectern/internal/slide"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding narration records, the on-disk audio
// index and the conversation turn log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "lectern.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// --- Narrations ---

// SaveNarration appends a narration record. Records are never updated.
func (s *Store) SaveNarration(ctx context.Context, r slide.NarrationRecord) error {
	if r.ID == "" {
		return errors.New("narration id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO narrations (id, slide_id, slide_key, content_hash, text, audio_fingerprint, audio_ref, generated_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SlideID, r.SlideKey, r.ContentHash, r.Text, r.AudioFingerprint, r.AudioRef, r.GeneratedBy,
		formatTime(r.CreatedAt),
	)
	return err
}

const narrationColumns = `id, slide_id, slide_key, content_hash, text, audio_fingerprint, audio_ref, generated_by, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanNarration(row scanner) (slide.NarrationRecord, error) {
	var r slide.NarrationRecord
	var createdAt string
	if err := row.Scan(&r.ID, &r.SlideID, &r.SlideKey, &r.ContentHash, &r.Text, &r.AudioFingerprint, &r.AudioRef, &r.GeneratedBy, &createdAt); err != nil {
		return slide.NarrationRecord{}, err
	}
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return slide.NarrationRecord{}, err
	}
	r.CreatedAt = t
	return r, nil
}

// LatestNarration returns the newest record for contentHash.
func (s *Store) LatestNarration(ctx context.Context, contentHash string) (slide.NarrationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+narrationColumns+`
		FROM narrations WHERE content_hash = ? ORDER BY created_at DESC LIMIT 1`, contentHash)
	r, err := scanNarration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return slide.NarrationRecord{}, ErrNotFound
	}
	return r, err
}

// ListNarrations returns the records of slideKey, newest first.
func (s *Store) ListNarrations(ctx context.Context, slideKey string, limit int) ([]slide.NarrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+narrationColumns+`
		FROM narrations WHERE slide_key = ? ORDER BY created_at DESC LIMIT ?`, slideKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []slide.NarrationRecord
	for rows.Next() {
		r, err := scanNarration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Audio index ---

// PutAudioEntry inserts or replaces the index row for e.Fingerprint.
func (s *Store) PutAudioEntry(ctx context.Context, e AudioEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audio_entries (fingerprint, path, size, mime_type, synthetic, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			path = excluded.path, size = excluded.size, mime_type = excluded.mime_type,
			synthetic = excluded.synthetic, created_at = excluded.created_at`,
		e.Fingerprint, e.Path, e.Size, e.MimeType, e.Synthetic, formatTime(e.CreatedAt),
	)
	return err
}

const audioColumns = `fingerprint, path, size, mime_type, synthetic, created_at`

func scanAudio(row scanner) (AudioEntry, error) {
	var e AudioEntry
	var createdAt string
	if err := row.Scan(&e.Fingerprint, &e.Path, &e.Size, &e.MimeType, &e.Synthetic, &createdAt); err != nil {
		return AudioEntry{}, err
	}
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return AudioEntry{}, err
	}
	e.CreatedAt = t
	return e, nil
}

func (s *Store) GetAudioEntry(ctx context.Context, fingerprint string) (AudioEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+audioColumns+` FROM audio_entries WHERE fingerprint = ?`, fingerprint)
	e, err := scanAudio(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AudioEntry{}, ErrNotFound
	}
	return e, err
}

func (s *Store) DeleteAudioEntry(ctx context.Context, fingerprint string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audio_entries WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAudioEntries returns index rows created before cutoff, oldest first. A
// zero cutoff returns every row.
func (s *Store) ListAudioEntries(ctx context.Context, cutoff time.Time) ([]AudioEntry, error) {
	query := `SELECT ` + audioColumns + ` FROM audio_entries`
	var args []any
	if !cutoff.IsZero() {
		query += ` WHERE created_at < ?`
		args = append(args, formatTime(cutoff))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AudioEntry
	for rows.Next() {
		e, err := scanAudio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Turns ---

// SaveTurn appends one conversation turn.
func (s *Store) SaveTurn(ctx context.Context, t Turn) error {
	slides := t.RelevantSlides
	if slides == "" {
		slides = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, ts, user_input, intent, confidence, response_text, audio_ref, relevant_slides, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, formatTime(t.Timestamp), t.UserInput, t.Intent, t.Confidence,
		t.ResponseText, t.AudioRef, slides, t.LatencyMs,
	)
	return err
}

// ListTurns returns up to limit turns of sessionID in chronological order.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, ts, user_input, intent, confidence, response_text, audio_ref, relevant_slides, latency_ms
		FROM turns WHERE session_id = ? ORDER BY ts ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var ts string
		if err := rows.Scan(&t.ID, &t.SessionID, &ts, &t.UserInput, &t.Intent, &t.Confidence,
			&t.ResponseText, &t.AudioRef, &t.RelevantSlides, &t.LatencyMs); err != nil {
			return nil, err
		}
		if t.Timestamp, err = parseTime("ts", ts); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTurnsBefore removes turns older than cutoff and returns the count.
func (s *Store) DeleteTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE ts < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
