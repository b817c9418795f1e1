package pdf

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/image/draw"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/observability"
)

const (
	// DefaultDPI renders at twice the PDF point resolution.
	DefaultDPI = 144.0
	// DefaultMaxPixels bounds a single decoded page.
	DefaultMaxPixels = 40_000_000

	pointsPerInch = 72.0
	minDPI        = 18.0
)

// Rasterizer renders PDF pages to RGB images using MuPDF.
type Rasterizer struct {
	dpi       float64
	maxPixels int
	logger    *observability.Logger
}

// Option configures a Rasterizer.
type Option func(*Rasterizer)

// WithDPI sets the render resolution.
func WithDPI(dpi float64) Option {
	return func(r *Rasterizer) {
		if dpi > 0 {
			r.dpi = dpi
		}
	}
}

// WithMaxPixels caps the decoded pixel count of any one page.
func WithMaxPixels(n int) Option {
	return func(r *Rasterizer) {
		if n > 0 {
			r.maxPixels = n
		}
	}
}

// NewRasterizer creates a new PDF rasterizer
func NewRasterizer(logger *observability.Logger, opts ...Option) *Rasterizer {
	if logger == nil {
		logger = observability.Nop()
	}
	r := &Rasterizer{
		dpi:       DefaultDPI,
		maxPixels: DefaultMaxPixels,
		logger:    logger.WithComponent("rasterizer"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DPI returns the configured render resolution.
func (r *Rasterizer) DPI() float64 {
	return r.dpi
}

// MaxPixels returns the per-page pixel cap.
func (r *Rasterizer) MaxPixels() int {
	return r.maxPixels
}

// Rasterize writes the PDF bytes to a scoped temp file and renders every page
// in document order. The temp file is removed on every return path.
func (r *Rasterizer) Rasterize(ctx context.Context, data []byte) ([]domain.Page, error) {
	if !IsPDF(data) {
		return nil, domain.DocumentParseError("input is not a PDF", nil)
	}

	tmp, err := os.CreateTemp("", "doc-ocr-*.pdf")
	if err != nil {
		return nil, domain.IOError("Failed to create temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, domain.IOError("Failed to write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, domain.IOError("Failed to close temp file", err)
	}

	return r.RasterizeFile(ctx, tmp.Name())
}

// RasterizeFile renders every page of the PDF at path.
func (r *Rasterizer) RasterizeFile(ctx context.Context, path string) ([]domain.Page, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, domain.DocumentParseError("Failed to open PDF", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	pages := make([]domain.Page, 0, pageCount)

	for n := 0; n < pageCount; n++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		bound, err := doc.Bound(n)
		if err != nil {
			return nil, domain.DocumentParseError(fmt.Sprintf("Failed to read bounds of page %d", n), err)
		}

		dpi := r.fitDPI(bound.Dx(), bound.Dy())
		if dpi < r.dpi {
			r.logger.Warn().
				Int("page", n).
				Float64("dpi", dpi).
				Int("max_pixels", r.maxPixels).
				Msg("Page exceeds pixel cap, rendering at reduced resolution")
		}

		img, err := doc.ImageDPI(n, dpi)
		if err != nil {
			return nil, domain.DocumentParseError(fmt.Sprintf("Failed to render page %d", n), err)
		}

		rgb := Flatten(img)
		b := rgb.Bounds()
		pages = append(pages, domain.Page{
			Index:  n,
			Image:  rgb,
			Width:  b.Dx(),
			Height: b.Dy(),
		})
	}

	r.logger.Debug().Int("pages", len(pages)).Float64("dpi", r.dpi).Msg("Rasterized document")
	return pages, nil
}

// fitDPI returns the configured DPI, lowered so that a page of the given size in
// points stays within the pixel cap.
func (r *Rasterizer) fitDPI(widthPt, heightPt int) float64 {
	if widthPt <= 0 || heightPt <= 0 {
		return r.dpi
	}
	zoom := r.dpi / pointsPerInch
	pixels := float64(widthPt) * zoom * float64(heightPt) * zoom
	if pixels <= float64(r.maxPixels) {
		return r.dpi
	}
	dpi := math.Floor(r.dpi*math.Sqrt(float64(r.maxPixels)/pixels)*100) / 100
	return math.Max(dpi, minDPI)
}

// Flatten composites img onto an opaque white background so the result has no
// transparency.
func Flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
