package domain

import (
	"errors"
	"fmt"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeDocumentParse    ErrorType = "document_parse"
	ErrorTypePagePreprocess   ErrorType = "page_preprocess"
	ErrorTypeDetectionParse   ErrorType = "detection_parse"
	ErrorTypeRender           ErrorType = "render"
	ErrorTypeGenerationRepeat ErrorType = "generation_repeat"
	ErrorTypePersistence      ErrorType = "persistence"
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeAPI              ErrorType = "api"
	ErrorTypeConfig           ErrorType = "config"
	ErrorTypeIO               ErrorType = "io"
)

// NoPage marks an error that is not tied to a single page.
const NoPage = -1

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type      ErrorType
	Message   string
	RequestID string
	PageIndex int
	Err       error
}

func (e *DomainError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Type)
	if e.RequestID != "" {
		prefix += " request " + e.RequestID
	}
	if e.PageIndex != NoPage {
		prefix += fmt.Sprintf(" page %d", e.PageIndex)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// WithPage returns a copy of the error tagged with a page index.
func (e *DomainError) WithPage(index int) *DomainError {
	cp := *e
	cp.PageIndex = index
	return &cp
}

// WithRequest returns a copy of the error tagged with a request id.
func (e *DomainError) WithRequest(requestID string) *DomainError {
	cp := *e
	cp.RequestID = requestID
	return &cp
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:      errType,
		Message:   message,
		PageIndex: NoPage,
		Err:       err,
	}
}

// IsType reports whether err carries a DomainError of the given type anywhere
// in its chain.
func IsType(err error, errType ErrorType) bool {
	var de *DomainError
	for err != nil {
		if !errors.As(err, &de) {
			return false
		}
		if de.Type == errType {
			return true
		}
		err = de.Err
	}
	return false
}

// Common error constructors
func DocumentParseError(message string, err error) *DomainError {
	return NewError(ErrorTypeDocumentParse, message, err)
}

func PagePreprocessError(page int, err error) *DomainError {
	return NewError(ErrorTypePagePreprocess, "preprocessing failed", err).WithPage(page)
}

func DetectionParseError(message string, err error) *DomainError {
	return NewError(ErrorTypeDetectionParse, message, err)
}

func RenderError(message string, err error) *DomainError {
	return NewError(ErrorTypeRender, message, err)
}

func GenerationRepeatError(page int) *DomainError {
	return NewError(ErrorTypeGenerationRepeat, "generation stopped without end marker", nil).WithPage(page)
}

func PersistenceError(message string, err error) *DomainError {
	return NewError(ErrorTypePersistence, message, err)
}

func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func APIError(message string, err error) *DomainError {
	return NewError(ErrorTypeAPI, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}
