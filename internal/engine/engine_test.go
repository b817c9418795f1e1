package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/doc-ocr/internal/domain"
)

func sseBody(deltas []string, finish string) string {
	var sb strings.Builder
	sb.WriteString(`data: {"id":"x","choices":[{"delta":{"role":"assistant","content":""},"finish_reason":null}]}` + "\n\n")
	for _, d := range deltas {
		b, _ := json.Marshal(d)
		fmt.Fprintf(&sb, `data: {"id":"x","choices":[{"delta":{"content":%s},"finish_reason":null}]}`+"\n\n", b)
	}
	if finish != "" {
		fmt.Fprintf(&sb, `data: {"id":"x","choices":[{"delta":{},"finish_reason":%q}]}`+"\n\n", finish)
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func drain(t *testing.T, s domain.SnapshotStream) []domain.Snapshot {
	t.Helper()
	defer s.Close()
	var out []domain.Snapshot
	for {
		snap, err := s.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, snap)
	}
}

func TestOpenAIClient_StreamsSnapshots(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, sseBody([]string{"Hel", "lo", " world"}, "stop"))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "secret", Retry: fastRetry()}, nil)
	input := domain.ModelInput{Prompt: "<image>\nFree OCR.", ImageData: []byte{1, 2, 3}, MIMEType: "image/png"}

	stream, err := client.Generate(context.Background(), input, domain.DefaultSampling(), "sess-1")
	require.NoError(t, err)
	snaps := drain(t, stream)

	require.Len(t, snaps, 4)
	assert.Equal(t, "Hel", snaps[0].Text)
	assert.Equal(t, "Hello", snaps[1].Text)
	assert.Equal(t, "Hello world", snaps[2].Text)
	assert.Equal(t, "Hello world", snaps[3].Text)
	assert.Equal(t, domain.FinishStop, snaps[3].FinishReason)

	assert.True(t, got.Stream)
	assert.Equal(t, defaultModel, got.Model)
	assert.Equal(t, "sess-1", got.User)
	assert.Equal(t, 8192, got.MaxTokens)
	require.NotNil(t, got.XArgs)
	assert.Equal(t, 20, got.XArgs.NGramSize)
	assert.Equal(t, []int{128821, 128822}, got.XArgs.WhitelistTokenIDs)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "data:image/png;base64,AQID", got.Messages[0].Content[1].ImageURL.URL)
}

func TestOpenAIClient_TextOnlyRequest(t *testing.T) {
	client := NewOpenAIClient(OpenAIConfig{Model: "m"}, nil)
	req := client.buildRequest(domain.ModelInput{Prompt: "hi"}, domain.SamplingConfig{MaxTokens: 5}, "s")

	require.Len(t, req.Messages[0].Content, 1)
	assert.Equal(t, "text", req.Messages[0].Content[0].Type)
	assert.Nil(t, req.XArgs)
	assert.Equal(t, "m", client.Model())
}

func TestOpenAIClient_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, sseBody([]string{"ok"}, "stop"))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, Retry: fastRetry()}, nil)
	stream, err := client.Generate(context.Background(), domain.ModelInput{Prompt: "p"}, domain.DefaultSampling(), "s")
	require.NoError(t, err)

	snaps := drain(t, stream)
	assert.Equal(t, "ok", snaps[len(snaps)-1].Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIClient_NonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, Retry: fastRetry()}, nil)
	_, err := client.Generate(context.Background(), domain.ModelInput{Prompt: "p"}, domain.DefaultSampling(), "s")

	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeAPI))
	assert.Contains(t, err.Error(), "bad model")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIClient_RetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, Retry: fastRetry()}, nil)
	_, err := client.Generate(context.Background(), domain.ModelInput{Prompt: "p"}, domain.DefaultSampling(), "s")

	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeAPI))
}

func TestOpenAIClient_StreamErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"a"},"finish_reason":null}]}`+"\n\n")
		io.WriteString(w, `data: {"error":{"message":"kv cache full"}}`+"\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, Retry: fastRetry()}, nil)
	stream, err := client.Generate(context.Background(), domain.ModelInput{Prompt: "p"}, domain.DefaultSampling(), "s")
	require.NoError(t, err)
	defer stream.Close()

	snap, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", snap.Text)

	_, err = stream.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kv cache full")
}

func TestStreamParser_EndsWithoutDone(t *testing.T) {
	p := NewStreamParser(strings.NewReader(": keep-alive\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n"))

	chunk, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "x", chunk.Content)
	assert.False(t, chunk.Done)

	chunk, err = p.Next()
	require.NoError(t, err)
	assert.True(t, chunk.Done)
}

func TestCalculateBackoff(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, time.Second, calculateBackoff(0, cfg))
	assert.Equal(t, 4*time.Second, calculateBackoff(2, cfg))
	assert.Equal(t, 30*time.Second, calculateBackoff(10, cfg))
}

func TestShouldRetry(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, shouldRetry(code), code)
	}
	for _, code := range []int{200, 400, 401, 404} {
		assert.False(t, shouldRetry(code), code)
	}
}

func TestMarkup(t *testing.T) {
	blocks := []TextBlock{
		{Text: "Title", Box: image.Rect(0, 0, 100, 50)},
		{Text: "Body", Box: image.Rect(50, 100, 200, 200)},
	}

	pieces := Markup(blocks, 200, 200, true, "<eos>")
	require.Len(t, pieces, 3)
	assert.Equal(t, "<|ref|>text<|/ref|><|det|>[[0, 0, 500, 250]]<|/det|>\nTitle\n\n", pieces[0])
	assert.Equal(t, "<|ref|>text<|/ref|><|det|>[[250, 500, 999, 999]]<|/det|>\nBody\n\n", pieces[1])
	assert.Equal(t, "<eos>", pieces[2])

	plain := Markup(blocks, 200, 200, false, "<eos>")
	assert.Equal(t, "Title\n\n", plain[0])
}

func TestReplayStream(t *testing.T) {
	s := &replayStream{pieces: []string{"a", "b", "<eos>"}}
	snaps := drain(t, s)

	require.Len(t, snaps, 3)
	assert.Equal(t, "ab", snaps[1].Text)
	assert.Equal(t, "ab<eos>", snaps[2].Text)
	assert.Equal(t, domain.FinishStop, snaps[2].FinishReason)
	assert.Empty(t, snaps[0].FinishReason)
}

func TestTesseractClient_RequiresImage(t *testing.T) {
	client := NewTesseractClient(nil, "", nil)
	_, err := client.Generate(context.Background(), domain.ModelInput{Prompt: "p"}, domain.DefaultSampling(), "s")

	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
	assert.Equal(t, TesseractModel, client.Model())
}
