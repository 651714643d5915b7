package assembler

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png" // register PNG decoding
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"  // register BMP decoding
	_ "golang.org/x/image/tiff" // register TIFF decoding

	"github.com/isdmx/docshield/sandbox"
)

const (
	// DefaultDPI maps raster pixels onto page points.
	DefaultDPI = 150
	// MaxPagePixels bounds the decoded size of a single page.
	MaxPagePixels = 64 * 1024 * 1024
)

// Assembler merges page rasters into a PDF document.
type Assembler struct {
	logger *zap.Logger
	dpi    int
}

// New creates an Assembler. A non-positive dpi selects DefaultDPI.
func New(logger *zap.Logger, dpi int) *Assembler {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &Assembler{logger: logger, dpi: dpi}
}

// Validate checks that artifacts cover every index 1..pages exactly once.
func Validate(artifacts []sandbox.PageArtifact, pages int) error {
	if pages <= 0 {
		return sandbox.NewError(sandbox.KindAssembly, "validate pages", "",
			fmt.Errorf("declared page count must be positive, got %d", pages))
	}

	seen := make(map[int]bool, len(artifacts))
	for _, a := range artifacts {
		if a.Index < 1 || a.Index > pages {
			return sandbox.NewError(sandbox.KindAssembly, "validate pages", "",
				fmt.Errorf("page %d is outside 1..%d", a.Index, pages))
		}
		if seen[a.Index] {
			return sandbox.NewError(sandbox.KindAssembly, "validate pages", "",
				fmt.Errorf("page %d appears more than once", a.Index))
		}
		seen[a.Index] = true
	}

	for i := 1; i <= pages; i++ {
		if !seen[i] {
			return sandbox.NewError(sandbox.KindAssembly, "validate pages", "",
				fmt.Errorf("page %d is missing", i))
		}
	}
	return nil
}

// Assemble validates artifacts and writes them to outPath in ascending page
// order. outPath only appears once the document is complete; on failure any
// file already at outPath is removed as well.
func (a *Assembler) Assemble(ctx context.Context, artifacts []sandbox.PageArtifact, pages int, outPath string) (err error) {
	defer func() {
		if err != nil {
			a.discard(outPath)
		}
	}()

	if err := Validate(artifacts, pages); err != nil {
		return err
	}

	ordered := make([]sandbox.PageArtifact, len(artifacts))
	copy(ordered, artifacts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	doc := newDocument(a.dpi)
	for _, artifact := range ordered {
		if err := ctx.Err(); err != nil {
			return sandbox.NewError(sandbox.KindAssembly, "assemble", "", err)
		}
		raster, err := decodePage(artifact.Path)
		if err != nil {
			return sandbox.NewError(sandbox.KindAssembly, "assemble", "", fmt.Errorf("page %d: %w", artifact.Index, err))
		}
		if err := doc.addPage(raster); err != nil {
			return sandbox.NewError(sandbox.KindAssembly, "assemble", "", fmt.Errorf("page %d: %w", artifact.Index, err))
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".docshield-*.pdf.partial")
	if err != nil {
		return sandbox.NewError(sandbox.KindAssembly, "assemble", "", fmt.Errorf("failed to create output: %w", err))
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			a.discard(tmpPath)
		}
	}()

	if err := doc.write(tmp); err != nil {
		return sandbox.NewError(sandbox.KindAssembly, "assemble", "", err)
	}
	if err := tmp.Sync(); err != nil {
		return sandbox.NewError(sandbox.KindAssembly, "assemble", "", fmt.Errorf("failed to flush output: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return sandbox.NewError(sandbox.KindAssembly, "assemble", "", fmt.Errorf("failed to close output: %w", err))
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return sandbox.NewError(sandbox.KindAssembly, "assemble", "", fmt.Errorf("failed to publish output: %w", err))
	}
	committed = true

	a.logger.Info("document assembled", zap.String("path", outPath), zap.Int("pages", pages))
	return nil
}

// discard removes a partial or stale output file.
func (a *Assembler) discard(path string) {
	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		a.logger.Warn("failed to remove output", zap.String("path", path), zap.Error(rmErr))
	}
}

// decodePage reads one raster, rejecting oversized images before decoding
// their pixel data.
func decodePage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unreadable raster: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("empty %s raster", format)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPagePixels {
		return nil, fmt.Errorf("%s raster of %dx%d exceeds %d pixels", format, cfg.Width, cfg.Height, MaxPagePixels)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("unreadable %s raster: %w", format, err)
	}
	return img, nil
}
