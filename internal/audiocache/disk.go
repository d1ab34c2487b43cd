package audiocache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/lectern/internal/storage"
)

// Index records where DiskStore files live. *storage.Store implements it.
type Index interface {
	PutAudioEntry(ctx context.Context, e storage.AudioEntry) error
	GetAudioEntry(ctx context.Context, fingerprint string) (storage.AudioEntry, error)
	DeleteAudioEntry(ctx context.Context, fingerprint string) error
	ListAudioEntries(ctx context.Context, cutoff time.Time) ([]storage.AudioEntry, error)
}

// DiskStore writes audio bytes to one file per fingerprint under dir and keeps
// the metadata in the SQLite index, so cached audio survives restarts.
type DiskStore struct {
	dir   string
	index Index
}

// NewDiskStore creates dir if needed.
func NewDiskStore(dir string, index Index) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audio directory: %w", err)
	}
	return &DiskStore{dir: dir, index: index}, nil
}

func (d *DiskStore) path(fp string) string {
	return filepath.Join(d.dir, fp)
}

func (d *DiskStore) Get(ctx context.Context, fp string) (*Entry, error) {
	row, err := d.index.GetAudioEntry(ctx, fp)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(row.Path)
	if errors.Is(err, os.ErrNotExist) {
		// The file vanished under us; drop the stale index row.
		_ = d.index.DeleteAudioEntry(ctx, fp)
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", row.Path, err)
	}
	return &Entry{
		Fingerprint: fp,
		Data:        data,
		Size:        int64(len(data)),
		MimeType:    row.MimeType,
		CreatedAt:   row.CreatedAt,
		Synthetic:   row.Synthetic,
	}, nil
}

// Put writes the file through a temp file and rename, then records it.
func (d *DiskStore) Put(ctx context.Context, e *Entry) error {
	tmp, err := os.CreateTemp(d.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(e.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	p := d.path(e.Fingerprint)
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return d.index.PutAudioEntry(ctx, storage.AudioEntry{
		Fingerprint: e.Fingerprint,
		Path:        p,
		Size:        e.Size,
		MimeType:    e.MimeType,
		Synthetic:   e.Synthetic,
		CreatedAt:   e.CreatedAt,
	})
}

func (d *DiskStore) Delete(ctx context.Context, fp string) error {
	err := d.index.DeleteAudioEntry(ctx, fp)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	if err := os.Remove(d.path(fp)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("audiocache: removing audio file", "fingerprint", fp, "error", err)
	}
	return nil
}

func (d *DiskStore) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	return d.remove(ctx, cutoff)
}

func (d *DiskStore) Clear(ctx context.Context) (int, error) {
	return d.remove(ctx, time.Time{})
}

func (d *DiskStore) remove(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := d.index.ListAudioEntries(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		if err := d.Delete(ctx, r.Fingerprint); err != nil && !errors.Is(err, ErrMiss) {
			return n, err
		}
		n++
	}
	return n, nil
}
