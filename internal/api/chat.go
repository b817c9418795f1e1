package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/preprocess"
	"github.com/spherical/doc-ocr/internal/source"
)

// ChatRequest is an OpenAI-style chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatMessage content is either a string or a list of parts.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of a list-form message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL holds a data: URL or a remote http(s) URL.
type ImageURL struct {
	URL string `json:"url"`
}

// ChatRequestVariant is what a chat request asks for once its messages are
// resolved: TextOnly, ImageChat or PdfChat.
type ChatRequestVariant interface {
	Prompt() string
	isVariant()
}

// TextOnly carries no attachment.
type TextOnly struct {
	Text string
}

// ImageChat carries one image.
type ImageChat struct {
	Text  string
	Image []byte
}

// PdfChat carries a PDF document.
type PdfChat struct {
	Text string
	PDF  []byte
}

func (v TextOnly) Prompt() string { return v.Text }

// Prompt ensures the image placeholder is present.
func (v ImageChat) Prompt() string { return preprocess.WithImageTag(v.Text) }

// Prompt falls back to the document prompt when the request has no text.
func (v PdfChat) Prompt() string {
	if strings.TrimSpace(v.Text) == "" {
		return preprocess.BuildPrompt(preprocess.PromptDocument, "", "")
	}
	return preprocess.WithImageTag(v.Text)
}

func (TextOnly) isVariant()  {}
func (ImageChat) isVariant() {}
func (PdfChat) isVariant()   {}

// ResolveVariant walks the messages once. Text from every message is joined;
// a PDF attachment wins over images, and a later image replaces an earlier
// one.
func ResolveVariant(ctx context.Context, messages []ChatMessage, fetcher *source.Fetcher) (ChatRequestVariant, error) {
	var (
		text  strings.Builder
		image []byte
		pdf   []byte
	)

	for i, msg := range messages {
		raw := bytes.TrimSpace(msg.Content)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}

		if raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, domain.ValidationError(fmt.Sprintf("message %d: invalid content", i), err)
			}
			text.WriteString(s)
			continue
		}

		var parts []ContentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, domain.ValidationError(fmt.Sprintf("message %d: content must be a string or a list of parts", i), err)
		}
		for _, part := range parts {
			switch part.Type {
			case "text":
				text.WriteString(part.Text)
			case "image_url":
				if part.ImageURL == nil || part.ImageURL.URL == "" {
					continue
				}
				doc, err := loadAttachment(ctx, part.ImageURL.URL, fetcher)
				if err != nil {
					return nil, err
				}
				if doc.Kind == source.KindPDF {
					pdf = doc.Data
				} else {
					image = doc.Data
				}
			}
		}
	}

	switch {
	case pdf != nil:
		return PdfChat{Text: text.String(), PDF: pdf}, nil
	case image != nil:
		return ImageChat{Text: text.String(), Image: image}, nil
	default:
		return TextOnly{Text: text.String()}, nil
	}
}

func loadAttachment(ctx context.Context, url string, fetcher *source.Fetcher) (source.Document, error) {
	if strings.HasPrefix(url, "data:") {
		_, payload, ok := strings.Cut(url, ",")
		if !ok {
			return source.Document{}, domain.ValidationError("malformed data url", nil)
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return source.Document{}, domain.ValidationError("data url is not valid base64", err)
		}
		return source.Detect(data), nil
	}
	return fetcher.Fetch(ctx, url)
}

// ChatCompletion is a non-streaming response.
type ChatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index        int            `json:"index"`
	Message      *AssistantText `json:"message,omitempty"`
	Delta        *AssistantText `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

// AssistantText is a message or a streamed delta. OrigW and OrigH report the
// source image size for image requests.
type AssistantText struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	OrigW   int    `json:"orig_w,omitempty"`
	OrigH   int    `json:"orig_h,omitempty"`
}

// Usage is always zero; token accounting is left to the engine.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChunk is one SSE chunk.
type ChatChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (req ChatRequest) sampling() domain.SamplingConfig {
	s := domain.DefaultSampling()
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		s.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		s.Temperature = *req.Temperature
	}
	return s
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "messages is required", "")
		return
	}
	if req.Model == "" {
		req.Model = s.processor.Model()
	}

	variant, err := ResolveVariant(ctx, req.Messages, s.fetcher)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	if req.Stream {
		s.streamChat(w, r, req, variant)
		return
	}

	id := newCompletionID()
	msg := &AssistantText{Role: "assistant"}

	switch v := variant.(type) {
	case PdfChat:
		bundle, err := s.processor.ProcessDocument(ctx, v.PDF, v.Prompt(), req.sampling())
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		msg.Content = bundle.CleanMarkdown
	case ImageChat:
		res, err := s.processor.ProcessImage(ctx, v.Image, v.Prompt(), req.sampling(), nil)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		msg.Content, msg.OrigW, msg.OrigH = res.RawText, res.Width, res.Height
	case TextOnly:
		text, err := s.processor.GenerateText(ctx, v.Prompt(), req.sampling(), nil)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		msg.Content = text
	}

	stop := domain.FinishStop
	writeJSON(w, http.StatusOK, ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []ChatChoice{{Index: 0, Message: msg, FinishReason: &stop}},
	})
}
