package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/isdmx/docshield/progress"
)

// DummyConversionEnv forces the dummy provider when set to a non-empty value.
// It exists for tests and never spawns a sandbox.
const DummyConversionEnv = "DOCSHIELD_DUMMY_CONVERSION"

// DummyConversionEnabled reports whether DummyConversionEnv is set.
func DummyConversionEnabled() bool {
	return os.Getenv(DummyConversionEnv) != ""
}

// DummyProvider stands in for a real backend and emits blank pages.
type DummyProvider struct {
	logger  *zap.Logger
	backend Backend
	fs      FileSystem
}

// NewDummyProvider creates a dummy that reports itself as backend.
func NewDummyProvider(logger *zap.Logger, backend Backend, fs FileSystem) *DummyProvider {
	if fs == nil {
		fs = &RealFileSystem{}
	}
	return &DummyProvider{logger: logger, backend: backend, fs: fs}
}

func (d *DummyProvider) Backend() Backend { return d.backend }

func (*DummyProvider) IsAvailable(context.Context) error { return nil }

func (*DummyProvider) ImageInstalled(context.Context) (bool, error) { return true, nil }

func (*DummyProvider) Install(context.Context) error { return nil }

// Convert writes DeclaredPages blank pages, or one when unknown.
func (d *DummyProvider) Convert(ctx context.Context, req *ConvertRequest) (*ConvertResult, error) {
	d.logger.Warn("dummy conversion in use, document is not sanitized", zap.String("job_id", req.JobID))

	pages := req.DeclaredPages
	if pages <= 0 {
		pages = 1
	}
	if req.MaxPages > 0 && pages > req.MaxPages {
		return nil, NewError(KindPageCountExceeded, "convert", "",
			fmt.Errorf("%d pages exceeds limit of %d", pages, req.MaxPages))
	}

	blank, err := blankPage()
	if err != nil {
		return nil, NewError(KindConversionProcess, "convert", "", err)
	}

	emit := func(ev progress.Event) {
		if req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}

	emit(progress.Event{Kind: progress.KindTotalPages, Number: pages})
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, NewError(KindConversionProcess, "convert", "", err)
		}
		if err := d.fs.WriteFile(filepath.Join(req.OutputDir, PageFileName(i)), blank, FilePermission); err != nil {
			return nil, NewError(KindConversionProcess, "convert", "", err)
		}
		emit(progress.Event{Kind: progress.KindPageCompleted, Number: i})
	}
	emit(progress.Event{Kind: progress.KindDone})

	return finishConversion(d.fs, req, streamSummary{total: pages, completed: pages, done: true})
}

func blankPage() ([]byte, error) {
	// US Letter at 10 DPI.
	img := image.NewGray(image.Rect(0, 0, 85, 110))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
