package render

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/spherical/doc-ocr/internal/domain"
)

const captionOffset = 15

var captionFace = basicfont.Face7x13

func drawDetection(canvas, overlay *image.RGBA, box domain.Box, label string, c color.RGBA, stroke int) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = domain.RenderError(fmt.Sprintf("draw %q: %v", label, p), nil)
		}
	}()

	if box.X2 < box.X1 || box.Y2 < box.Y1 {
		return domain.RenderError(fmt.Sprintf("inverted box %v", box), nil)
	}

	outline(canvas, box, c, stroke)
	fill(overlay, box, color.NRGBA{R: c.R, G: c.G, B: c.B, A: fillAlpha}, stroke)
	caption(canvas, box.X1, max(0, box.Y1-captionOffset), label, c)
	return nil
}

// outline strokes the inside edge of the box, corners inclusive.
func outline(dst *image.RGBA, b domain.Box, c color.Color, width int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(b.X1, b.Y1, b.X2+1, b.Y1+width),
		image.Rect(b.X1, b.Y2-width+1, b.X2+1, b.Y2+1),
		image.Rect(b.X1, b.Y1, b.X1+width, b.Y2+1),
		image.Rect(b.X2-width+1, b.Y1, b.X2+1, b.Y2+1),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}

// fill replaces overlay pixels inside the stroke, so overlapping boxes never
// stack opacity and the outline stays opaque.
func fill(overlay *image.RGBA, b domain.Box, c color.Color, stroke int) {
	r := image.Rectangle{
		Min: image.Pt(b.X1+stroke, b.Y1+stroke),
		Max: image.Pt(b.X2-stroke+1, b.Y2-stroke+1),
	}
	if r.Empty() {
		return
	}
	draw.Draw(overlay, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// caption writes label on a white patch whose top-left corner is (x, y).
func caption(dst *image.RGBA, x, y int, label string, c color.Color) {
	if label == "" {
		return
	}
	metrics := captionFace.Metrics()
	w := font.MeasureString(captionFace, label).Ceil()
	h := (metrics.Ascent + metrics.Descent).Ceil()

	draw.Draw(dst, image.Rect(x, y, x+w, y+h), image.White, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: captionFace,
		Dot:  fixed.P(x, y+metrics.Ascent.Ceil()),
	}
	d.DrawString(label)
}
