package pdf

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spherical/doc-ocr/internal/domain"
)

const sniffLen = 1024

// IsPDF reports whether the PDF header appears in the first kilobyte.
func IsPDF(data []byte) bool {
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	return bytes.Contains(head, []byte("%PDF-"))
}

// DecodeImage decodes a single uploaded image into page 0. Dimensions are
// checked against the pixel cap before the pixels are decoded.
func DecodeImage(data []byte, maxPixels int) (domain.Page, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.Page{}, domain.DocumentParseError("unsupported or corrupt image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return domain.Page{}, domain.DocumentParseError(fmt.Sprintf("%s image has no pixels", format), nil)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return domain.Page{}, domain.ValidationError(
			fmt.Sprintf("image is %dx%d, exceeds %d pixel limit", cfg.Width, cfg.Height, maxPixels), nil)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return domain.Page{}, domain.DocumentParseError("failed to decode image", err)
	}

	rgb := Flatten(img)
	return domain.Page{
		Index:  0,
		Image:  rgb,
		Width:  rgb.Bounds().Dx(),
		Height: rgb.Bounds().Dy(),
	}, nil
}
