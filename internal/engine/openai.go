// Package engine holds clients for the external generation engine.
package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/observability"
)

const defaultModel = "deepseek-ai/DeepSeek-OCR-2"

// OpenAIClient talks to an OpenAI-compatible chat completions server such as
// vLLM serving the OCR model.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	retry      *RetryConfig
	logger     *observability.Logger
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Retry   *RetryConfig
}

// Message represents a chat message
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text or image)
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message
type ImageURL struct {
	URL string `json:"url"`
}

// ChatRequest is the body sent to the engine.
type ChatRequest struct {
	Model                  string     `json:"model"`
	Messages               []Message  `json:"messages"`
	Stream                 bool       `json:"stream"`
	Temperature            float64    `json:"temperature"`
	MaxTokens              int        `json:"max_tokens,omitempty"`
	SkipSpecialTokens      bool       `json:"skip_special_tokens"`
	IncludeStopStrInOutput bool       `json:"include_stop_str_in_output"`
	User                   string     `json:"user,omitempty"`
	XArgs                  *NGramArgs `json:"vllm_xargs,omitempty"`
}

// NGramArgs configure the server-side no-repeat n-gram logits processor.
type NGramArgs struct {
	NGramSize         int   `json:"ngram_size"`
	WindowSize        int   `json:"window_size"`
	WhitelistTokenIDs []int `json:"whitelist_token_ids,omitempty"`
}

// ChatResponse represents one streamed chunk
type ChatResponse struct {
	ID      string    `json:"id"`
	Choices []Choice  `json:"choices"`
	Error   *APIFault `json:"error,omitempty"`
}

// Choice represents a single completion choice
type Choice struct {
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta represents a message delta in streaming response
type Delta struct {
	Content string `json:"content"`
	Role    string `json:"role,omitempty"`
}

// APIFault is an error object returned inside a stream.
type APIFault struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// NewOpenAIClient creates a new engine client
func NewOpenAIClient(cfg OpenAIConfig, logger *observability.Logger) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = observability.Nop()
	}

	return &OpenAIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      cfg.Retry,
		logger:     logger.WithComponent("engine"),
	}
}

// Model returns the served model id.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Generate opens one streaming session for the input.
func (c *OpenAIClient) Generate(ctx context.Context, input domain.ModelInput, sampling domain.SamplingConfig, sessionID string) (domain.SnapshotStream, error) {
	body, err := json.Marshal(c.buildRequest(input, sampling, sessionID))
	if err != nil {
		return nil, domain.APIError("Failed to marshal request", err)
	}

	url := c.baseURL + "/chat/completions"
	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, domain.APIError("Failed to send request", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.APIError(fmt.Sprintf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}

	c.logger.Debug().Str("session", sessionID).Msg("Generation session opened")
	return newSSEStream(resp.Body), nil
}

func (c *OpenAIClient) buildRequest(input domain.ModelInput, sampling domain.SamplingConfig, sessionID string) *ChatRequest {
	parts := []ContentPart{{Type: "text", Text: input.Prompt}}
	if input.HasImage() {
		mime := input.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, ContentPart{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(input.ImageData)},
		})
	}

	req := &ChatRequest{
		Model:                  c.model,
		Messages:               []Message{{Role: "user", Content: parts}},
		Stream:                 true,
		Temperature:            sampling.Temperature,
		MaxTokens:              sampling.MaxTokens,
		SkipSpecialTokens:      sampling.SkipSpecialTokens,
		IncludeStopStrInOutput: sampling.IncludeStopStrInOutput,
		User:                   sessionID,
	}
	if sampling.NoRepeatNGramSize > 0 {
		req.XArgs = &NGramArgs{
			NGramSize:         sampling.NoRepeatNGramSize,
			WindowSize:        sampling.NoRepeatWindowSize,
			WhitelistTokenIDs: sampling.NoRepeatWhitelistTokens,
		}
	}
	return req
}
