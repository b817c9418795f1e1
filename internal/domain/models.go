package domain

import (
	"image"
	"time"
)

// Labels with special handling in grounding output.
const (
	LabelImage = "image"
	LabelTitle = "title"
)

// PageSplit separates pages in both markdown variants.
const PageSplit = "\n<--- Page Split --->"

// DefaultEndMarker is the end-of-sequence token appended by the OCR model.
const DefaultEndMarker = "<｜end▁of▁sentence｜>"

// GroundingToken switches the model into grounding mode and is stripped from
// clean output.
const GroundingToken = "<|grounding|>"

// Page is one rasterized page of a document. Image is never mutated after
// rasterization.
type Page struct {
	Index  int
	Image  *image.RGBA
	Width  int
	Height int
}

// Document represents the ordered pages of one PDF
type Document struct {
	Pages []Page
}

// ModelInput is what the generation engine receives for one page.
type ModelInput struct {
	Prompt    string
	ImageData []byte // encoded image, empty for text-only requests
	MIMEType  string
}

// HasImage reports whether the input carries an image.
func (m ModelInput) HasImage() bool {
	return len(m.ImageData) > 0
}

// PreprocessedInput is the engine-ready form of one page.
type PreprocessedInput struct {
	PageIndex int
	Input     ModelInput
}

// Box is a pixel-space rectangle. Coordinates are not clamped to the page.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Rect converts the box into an image rectangle (canonicalized).
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is one labeled box in pixel space.
type Detection struct {
	Label string `json:"label"`
	Box   Box    `json:"box"`
}

// Crop is an image-labeled region cut from the original page. Index counts
// image boxes across the page; Span is the position of the grounding span the
// box came from among the page's spans.
type Crop struct {
	Index int
	Span  int
	Image image.Image
	// Name is relative to the request directory and is what markdown links.
	Name string
	// Path is where the crop was written, or Name when it was not.
	Path string
}

// AnnotatedPage is a page with its detections drawn on a copy of the image.
type AnnotatedPage struct {
	PageIndex int
	Image     *image.RGBA
	Crops     []Crop
}

// ArtifactPaths lists where a request's outputs were written.
type ArtifactPaths struct {
	CleanMarkdown string   `json:"mmd_path"`
	RawMarkdown   string   `json:"mmd_det_path"`
	LayoutsPDF    string   `json:"pdf_out_path,omitempty"`
	Images        []string `json:"images_paths,omitempty"`
}

// OutputBundle is the folded result of a whole document.
type OutputBundle struct {
	RequestID     string        `json:"request_id"`
	RawMarkdown   string        `json:"raw_text"`
	CleanMarkdown string        `json:"text"`
	DocumentPages int           `json:"images"`
	PageCount     int           `json:"page_count"`
	Discarded     []int         `json:"discarded_pages,omitempty"`
	Artifacts     ArtifactPaths `json:"artifacts"`
}

// SamplingConfig is forwarded to the engine unchanged.
type SamplingConfig struct {
	Temperature             float64 `json:"temperature"`
	MaxTokens               int     `json:"max_tokens"`
	SkipSpecialTokens       bool    `json:"skip_special_tokens"`
	IncludeStopStrInOutput  bool    `json:"include_stop_str_in_output"`
	NoRepeatNGramSize       int     `json:"no_repeat_ngram_size,omitempty"`
	NoRepeatWindowSize      int     `json:"no_repeat_window_size,omitempty"`
	NoRepeatWhitelistTokens []int   `json:"no_repeat_whitelist_token_ids,omitempty"`
}

// DefaultSampling matches the settings the OCR model is served with.
func DefaultSampling() SamplingConfig {
	return SamplingConfig{
		Temperature:             0.0,
		MaxTokens:               8192,
		SkipSpecialTokens:       false,
		IncludeStopStrInOutput:  true,
		NoRepeatNGramSize:       20,
		NoRepeatWindowSize:      50,
		NoRepeatWhitelistTokens: []int{128821, 128822},
	}
}

// EventType represents the type of stream event
type EventType string

const (
	EventStart          EventType = "start"
	EventPageProcessing EventType = "page_processing"
	EventDelta          EventType = "delta"
	EventPageComplete   EventType = "page_complete"
	EventPageDiscarded  EventType = "page_discarded"
	EventError          EventType = "error"
	EventComplete       EventType = "complete"
)

// StreamEvent represents an event emitted during processing
type StreamEvent struct {
	Type      EventType   `json:"type"`
	PageIndex int         `json:"page_index"`
	Delta     string      `json:"delta,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
