//go:build !ocr

package engine

import (
	"errors"

	"github.com/spherical/doc-ocr/internal/domain"
)

// ErrOCRNotEnabled is returned by the tesseract engine when the binary was
// built without the "ocr" tag. Rebuild with -tags ocr and libtesseract
// installed to enable it.
var ErrOCRNotEnabled = errors.New("tesseract support not enabled; rebuild with -tags ocr")

func (t *TesseractClient) recognize(data []byte) ([]TextBlock, error) {
	return nil, domain.ConfigError("tesseract engine unavailable", ErrOCRNotEnabled)
}
