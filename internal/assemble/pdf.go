package assemble

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/go-pdf/fpdf"
)

// DefaultJPEGQuality is used for page frames in the layouts PDF.
const DefaultJPEGQuality = 95

// ComposePDF writes one PDF page per image, in order. Each page is the
// image's pixel size in points and the frame is JPEG-compressed.
func ComposePDF(w io.Writer, images []*image.RGBA, quality int) error {
	if len(images) == 0 {
		return fmt.Errorf("no pages to compose")
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	first := images[0].Bounds()
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: float64(first.Dx()), Ht: float64(first.Dy())},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCreator("doc-ocr", false)

	opts := fpdf.ImageOptions{ImageType: "JPG"}
	var buf bytes.Buffer
	for i, img := range images {
		b := img.Bounds()
		if b.Empty() {
			return fmt.Errorf("page %d has no pixels", i)
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return fmt.Errorf("encode page %d: %w", i, err)
		}

		name := fmt.Sprintf("page-%d", i)
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(buf.Bytes()))

		wd, ht := float64(b.Dx()), float64(b.Dy())
		pdf.AddPageFormat("P", fpdf.SizeType{Wd: wd, Ht: ht})
		pdf.ImageOptions(name, 0, 0, wd, ht, false, opts, 0, "")

		if err := pdf.Error(); err != nil {
			return fmt.Errorf("compose page %d: %w", i, err)
		}
	}

	return pdf.Output(w)
}
