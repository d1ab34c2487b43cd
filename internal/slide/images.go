package slide

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ErrImageNotFound is returned when an image reference cannot be resolved.
var ErrImageNotFound = errors.New("image not found")

// ImageStore resolves the opaque imageRef of a slide to image bytes.
type ImageStore interface {
	Load(ctx context.Context, ref string) ([]byte, string, error)
}

// DirImageStore serves images from files under Root.
type DirImageStore struct {
	Root string
}

// Load implements ImageStore. References escaping Root are rejected.
func (d DirImageStore) Load(_ context.Context, ref string) ([]byte, string, error) {
	if ref == "" || d.Root == "" {
		return nil, "", ErrImageNotFound
	}
	root, err := filepath.Abs(d.Root)
	if err != nil {
		return nil, "", fmt.Errorf("resolving image root: %w", err)
	}
	path := filepath.Join(root, filepath.Clean("/"+ref))
	if !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return nil, "", ErrImageNotFound
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrImageNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading image %s: %w", ref, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
