// Package render draws grounding detections onto page images and cuts out
// figure regions.
package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/grounding"
	"github.com/spherical/doc-ocr/internal/observability"
)

const (
	titleStroke   = 4
	defaultStroke = 2
	fillAlpha     = 20
	defaultJPEG   = 95
)

// Renderer annotates pages. It is safe for concurrent use.
type Renderer struct {
	mu      sync.Mutex
	rng     *rand.Rand
	quality int
	logger  *observability.Logger
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithRand makes colors deterministic.
func WithRand(rng *rand.Rand) Option {
	return func(r *Renderer) { r.rng = rng }
}

// WithJPEGQuality sets the crop encoding quality.
func WithJPEGQuality(q int) Option {
	return func(r *Renderer) {
		if q > 0 && q <= 100 {
			r.quality = q
		}
	}
}

// NewRenderer creates a renderer.
func NewRenderer(logger *observability.Logger, opts ...Option) *Renderer {
	if logger == nil {
		logger = observability.Nop()
	}
	r := &Renderer{
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		quality: defaultJPEG,
		logger:  logger.WithComponent("render"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render draws every span on a copy of the page and keeps crops in memory.
// Spans are denormalized against this page's size. A box that cannot be drawn
// or cropped is skipped; the page itself always renders.
func (r *Renderer) Render(ctx context.Context, page domain.Page, spans []grounding.Span) (*domain.AnnotatedPage, error) {
	return r.RenderTo(ctx, nil, page, spans)
}

// RenderTo is Render with crops saved to store. A nil store keeps them in
// memory. Crops are numbered per image box across the page, skipping spans
// with malformed coordinates, and each remembers the span it came from.
func (r *Renderer) RenderTo(ctx context.Context, store domain.ArtifactStore, page domain.Page, spans []grounding.Span) (*domain.AnnotatedPage, error) {
	if page.Image == nil {
		return nil, domain.RenderError("page has no image", nil).WithPage(page.Index)
	}
	log := r.logger.WithPage(page.Index)

	bounds := page.Image.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, page.Image, bounds.Min, draw.Src)
	overlay := image.NewRGBA(bounds)

	out := &domain.AnnotatedPage{PageIndex: page.Index, Image: canvas}
	cropIdx := 0

	for spanIdx, span := range spans {
		if span.Err != nil {
			log.Warn().
				Err(domain.DetectionParseError("malformed coordinates", span.Err)).
				Str("label", span.Label).
				Msg("Skipping detection")
			continue
		}

		c := r.nextColor()
		stroke := defaultStroke
		if span.Label == domain.LabelTitle {
			stroke = titleStroke
		}

		for _, nb := range span.Boxes {
			box := grounding.Denormalize(nb, page.Width, page.Height)

			if span.IsImage() {
				idx := cropIdx
				cropIdx++
				crop, err := r.crop(ctx, store, page, box, idx)
				if err != nil {
					log.Warn().Err(err).Int("crop", idx).Msg("Skipping image crop")
				} else {
					crop.Span = spanIdx
					out.Crops = append(out.Crops, crop)
				}
			}

			if err := drawDetection(canvas, overlay, box, span.Label, c, stroke); err != nil {
				log.Warn().Err(err).Str("label", span.Label).Msg("Skipping box")
			}
		}
	}

	draw.Draw(canvas, bounds, overlay, bounds.Min, draw.Over)
	return out, nil
}

func (r *Renderer) nextColor() color.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	return color.RGBA{
		R: uint8(r.rng.IntN(200)),
		G: uint8(r.rng.IntN(200)),
		B: uint8(r.rng.IntN(255)),
		A: 255,
	}
}

// crop copies box out of the original page and saves it as
// images/{page}_{idx}.jpg.
func (r *Renderer) crop(ctx context.Context, store domain.ArtifactStore, page domain.Page, box domain.Box, idx int) (domain.Crop, error) {
	rect := box.Rect().Intersect(page.Image.Bounds())
	if rect.Empty() {
		return domain.Crop{}, domain.RenderError(fmt.Sprintf("crop %v outside page", box), nil).WithPage(page.Index)
	}

	img := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(img, img.Bounds(), page.Image, rect.Min, draw.Src)

	name := grounding.ImagePath(page.Index, idx)
	crop := domain.Crop{Index: idx, Image: img, Name: name, Path: name}
	if store == nil {
		return crop, nil
	}

	path, err := store.WriteFile(ctx, name, func(w io.Writer) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: r.quality})
	})
	if err != nil {
		return domain.Crop{}, err
	}
	crop.Path = path
	return crop, nil
}
