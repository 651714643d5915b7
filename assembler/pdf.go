package assembler

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/draw"
)

const producer = "docshield"

// document collects full-page rasters into an image-only PDF.
type document struct {
	pdf   *fpdf.Fpdf
	dpi   int
	pages int
}

func newDocument(dpi int) *document {
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: 612, Ht: 792},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCompression(true)
	pdf.SetCreator(producer, false)
	pdf.SetProducer(producer, false)
	return &document{pdf: pdf, dpi: dpi}
}

// addPage appends img as the next page, sized so it renders at the
// document DPI.
func (d *document) addPage(img image.Image) error {
	flat := flatten(img)

	var encoded bytes.Buffer
	if err := png.Encode(&encoded, flat); err != nil {
		return fmt.Errorf("failed to encode raster: %w", err)
	}

	bounds := flat.Bounds()
	width := float64(bounds.Dx()) * 72 / float64(d.dpi)
	height := float64(bounds.Dy()) * 72 / float64(d.dpi)

	name := fmt.Sprintf("page-%d", d.pages+1)
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	d.pdf.RegisterImageOptionsReader(name, opts, &encoded)
	d.pdf.AddPageFormat("P", fpdf.SizeType{Wd: width, Ht: height})
	d.pdf.ImageOptions(name, 0, 0, width, height, false, opts, 0, "")
	if err := d.pdf.Error(); err != nil {
		return fmt.Errorf("failed to add page: %w", err)
	}

	d.pages++
	return nil
}

func (d *document) write(w io.Writer) error {
	if d.pages == 0 {
		return fmt.Errorf("document has no pages")
	}
	if err := d.pdf.Output(w); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

// flatten composites img onto white. Grayscale rasters are kept as they are.
// The result is always opaque, so no soft mask reaches the document.
func flatten(img image.Image) image.Image {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}

	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Over)
	return dst
}
