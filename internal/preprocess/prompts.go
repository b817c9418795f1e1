package preprocess

import (
	"fmt"
	"strings"
)

const imageTag = "<image>"

// Prompt types accepted by the OCR endpoint.
const (
	PromptDocument = "document"
	PromptOCR      = "ocr"
	PromptFree     = "free"
	PromptFigure   = "figure"
	PromptDescribe = "describe"
	PromptFind     = "find"
	PromptFreeform = "freeform"
)

var templates = map[string]string{
	PromptDocument: "<image>\n<|grounding|>Convert the document to markdown.",
	PromptOCR:      "<image>\n<|grounding|>OCR this image.",
	PromptFree:     "<image>\nFree OCR. Only output the raw text.",
	PromptFigure:   "<image>\nParse the figure.",
	PromptDescribe: "<image>\nDescribe this image in detail.",
}

// GroundedPromptTypes produce region markup by default.
var GroundedPromptTypes = map[string]bool{
	PromptDocument: true,
	PromptOCR:      true,
	PromptFind:     true,
}

// BuildPrompt renders the prompt for a prompt type. Unknown types fall back to
// the document prompt.
func BuildPrompt(promptType, customPrompt, findTerm string) string {
	switch promptType {
	case PromptFind:
		term := strings.TrimSpace(findTerm)
		if term == "" {
			term = "Total"
		}
		return fmt.Sprintf("<image>\n<|grounding|>Locate <|ref|>%s<|/ref|> in the image.", term)
	case PromptFreeform:
		custom := strings.TrimSpace(customPrompt)
		if custom == "" {
			custom = "OCR this image."
		}
		return WithImageTag(custom)
	}
	if t, ok := templates[promptType]; ok {
		return t
	}
	return templates[PromptDocument]
}

// WithImageTag prefixes the image placeholder unless the prompt already has one.
func WithImageTag(prompt string) string {
	if strings.Contains(prompt, imageTag) {
		return prompt
	}
	return imageTag + "\n" + prompt
}
