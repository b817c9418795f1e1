package pdf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spherical/doc-ocr/internal/domain"
)

var supportedExtensions = map[string]bool{
	".pdf":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// Validator provides input validation for documents read from disk
type Validator struct {
	maxBytes int64
}

// NewValidator creates a new validator instance
func NewValidator(maxBytes int64) *Validator {
	return &Validator{maxBytes: maxBytes}
}

// ValidateInputPath checks that path names a readable PDF or image file.
func (v *Validator) ValidateInputPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return domain.ValidationError("file path cannot be empty", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ValidationError(fmt.Sprintf("file does not exist: %s", path), err)
		}
		return domain.ValidationError(fmt.Sprintf("cannot access file: %s", path), err)
	}

	if info.IsDir() {
		return domain.ValidationError(fmt.Sprintf("path is a directory, not a file: %s", path), nil)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !supportedExtensions[ext] {
		return domain.ValidationError(fmt.Sprintf("unsupported file type %q", ext), nil)
	}

	if info.Size() == 0 {
		return domain.ValidationError(fmt.Sprintf("file is empty: %s", path), nil)
	}

	if v.maxBytes > 0 && info.Size() > v.maxBytes {
		return domain.ValidationError(
			fmt.Sprintf("file is %d MB, limit is %d MB", info.Size()>>20, v.maxBytes>>20), nil)
	}

	return nil
}
