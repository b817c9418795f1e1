//go:build ocr

package engine

import (
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/spherical/doc-ocr/internal/domain"
)

func (t *TesseractClient) recognize(data []byte) ([]TextBlock, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, domain.APIError("set languages", err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return nil, domain.APIError("set image", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_BLOCK)
	if err != nil {
		return nil, domain.APIError("recognize text", err)
	}

	blocks := make([]TextBlock, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		blocks = append(blocks, TextBlock{Text: text, Box: b.Box})
	}
	return blocks, nil
}
