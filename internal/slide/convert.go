package slide

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Page is one converted page of a source document.
type Page struct {
	Ordinal  int
	ImageRef string
	Text     string
}

// Converter turns a source document into an ordered list of page images.
type Converter interface {
	Convert(ctx context.Context, sourcePath string) ([]Page, error)
}

// runFunc executes an external command. Swapped out in tests.
type runFunc func(ctx context.Context, name string, args ...string) error

func execRun(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// CommandConverter converts presentations with LibreOffice (to PDF) and
// poppler's pdftoppm (to PNG pages). Page text comes from the PDF itself.
type CommandConverter struct {
	OutDir   string
	Soffice  string
	Pdftoppm string
	DPI      int

	run runFunc
}

// NewCommandConverter returns a converter writing page images under outDir.
func NewCommandConverter(outDir string) *CommandConverter {
	return &CommandConverter{
		OutDir:   outDir,
		Soffice:  "soffice",
		Pdftoppm: "pdftoppm",
		DPI:      110,
		run:      execRun,
	}
}

// Convert implements Converter. Image references are file names relative to
// OutDir so they can be resolved by a DirImageStore rooted there.
func (c *CommandConverter) Convert(ctx context.Context, sourcePath string) ([]Page, error) {
	if err := os.MkdirAll(c.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	pdfPath := sourcePath
	if !strings.EqualFold(filepath.Ext(sourcePath), ".pdf") {
		if err := c.run(ctx, c.Soffice, "--headless", "--convert-to", "pdf", "--outdir", c.OutDir, sourcePath); err != nil {
			return nil, fmt.Errorf("converting to pdf: %w", err)
		}
		base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
		pdfPath = filepath.Join(c.OutDir, base+".pdf")
	}

	base := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	prefix := filepath.Join(c.OutDir, base+"-page")
	if err := c.run(ctx, c.Pdftoppm, "-png", "-r", strconv.Itoa(c.DPI), pdfPath, prefix); err != nil {
		return nil, fmt.Errorf("rasterizing pages: %w", err)
	}

	images, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("listing page images: %w", err)
	}
	sort.Slice(images, func(i, j int) bool {
		return pageNumber(images[i]) < pageNumber(images[j])
	})

	texts, err := ExtractPDFText(pdfPath)
	if err != nil {
		// Pages without text still narrate through the vision path.
		texts = nil
	}

	pages := make([]Page, len(images))
	for i, img := range images {
		pages[i] = Page{Ordinal: i + 1, ImageRef: filepath.Base(img)}
		if i < len(texts) {
			pages[i].Text = texts[i]
		}
	}
	return pages, nil
}

// pageNumber extracts N from "<prefix>-N.png"; pdftoppm zero-pads N
// depending on the page count.
func pageNumber(path string) int {
	name := strings.TrimSuffix(filepath.Base(path), ".png")
	i := strings.LastIndex(name, "-")
	if i < 0 {
		return 0
	}
	n, _ := strconv.Atoi(name[i+1:])
	return n
}

// ExtractPDFText returns the plain text of every page in the PDF at path.
func ExtractPDFText(path string) ([]string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	texts := make([]string, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			texts = append(texts, "")
			continue
		}
		fonts := make(map[string]*pdf.Font)
		for _, name := range p.Fonts() {
			font := p.Font(name)
			fonts[name] = &font
		}
		text, err := p.GetPlainText(fonts)
		if err != nil {
			return nil, fmt.Errorf("reading page %d: %w", i, err)
		}
		texts = append(texts, strings.TrimSpace(text))
	}
	return texts, nil
}

// HashFile returns the hex sha256 of the file at path. It is the stable
// content fingerprint of a source asset.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BuildDeck hashes and converts the source document and returns its slides.
func BuildDeck(ctx context.Context, conv Converter, sourcePath string) ([]Slide, error) {
	hash, err := HashFile(sourcePath)
	if err != nil {
		return nil, err
	}
	pages, err := conv.Convert(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	return FromPages(pages, sourcePath, hash), nil
}

// FromPages builds slides from converted pages. The first non-empty line of a
// page becomes its title and the rest its body.
func FromPages(pages []Page, assetRef, assetHash string) []Slide {
	short := assetHash
	if len(short) > 12 {
		short = short[:12]
	}
	deck := make([]Slide, len(pages))
	for i, p := range pages {
		title, body := splitTitle(p.Text)
		deck[i] = Slide{
			ID:              fmt.Sprintf("%s-%d", short, p.Ordinal),
			Ordinal:         p.Ordinal,
			TotalCount:      len(pages),
			Title:           title,
			BodyText:        PlainText(body),
			ImageRef:        p.ImageRef,
			SourceAssetRef:  assetRef,
			SourceAssetHash: assetHash,
		}
	}
	return deck
}

func splitTitle(text string) (string, string) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			return t, strings.Join(lines[i+1:], "\n")
		}
	}
	return "", ""
}
