package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/doc-ocr/internal/config"
	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/engine/enginetest"
	"github.com/spherical/doc-ocr/internal/generation"
	"github.com/spherical/doc-ocr/internal/pipeline"
	"github.com/spherical/doc-ocr/internal/queue"
	"github.com/spherical/doc-ocr/internal/source"
	"github.com/spherical/doc-ocr/internal/storage"
)

const eos = "<|end|>"

func newTestServer(t *testing.T, eng *enginetest.Scripted, opts ...Option) *httptest.Server {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	p := pipeline.New(eng, store, nil, pipeline.WithGeneration(generation.Config{EndMarker: eos, SkipRepeat: true}))
	srv := NewServer(p, Config{UploadDir: t.TempDir()}, nil, opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func makePDF(t *testing.T, pages int) []byte {
	t.Helper()
	doc := fpdf.NewCustom(&fpdf.InitType{UnitStr: "pt", Size: fpdf.SizeType{Wd: 200, Ht: 100}})
	for i := 0; i < pages; i++ {
		doc.AddPage()
	}
	var buf bytes.Buffer
	require.NoError(t, doc.Output(&buf))
	return buf.Bytes()
}

func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func dataURL(mime string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func chatBody(stream bool, parts ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"model":    "m",
		"stream":   stream,
		"messages": []map[string]interface{}{{"role": "user", "content": parts}},
	}
}

func textPart(s string) map[string]interface{} {
	return map[string]interface{}{"type": "text", "text": s}
}

func imagePart(url string) map[string]interface{} {
	return map[string]interface{}{"type": "image_url", "image_url": map[string]string{"url": url}}
}

// readSSE returns the data payloads of an event stream.
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			out = append(out, line)
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func streamedText(t *testing.T, payloads []string) (string, string) {
	t.Helper()
	var text strings.Builder
	finish := ""
	for _, p := range payloads {
		if p == "[DONE]" {
			continue
		}
		var c ChatChunk
		require.NoError(t, json.Unmarshal([]byte(p), &c))
		assert.Equal(t, "chat.completion.chunk", c.Object)
		assert.True(t, strings.HasPrefix(c.ID, "chatcmpl-"))
		if d := c.Choices[0].Delta; d != nil {
			text.WriteString(d.Content)
		}
		if f := c.Choices[0].FinishReason; f != nil {
			finish = *f
		}
	}
	return text.String(), finish
}

func TestHealthAndModels(t *testing.T) {
	eng := enginetest.New()
	eng.ModelID = "deepseek-ai/DeepSeek-OCR-2"
	ts := newTestServer(t, eng)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	var models ModelList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&models))
	assert.Equal(t, "list", models.Object)
	require.Len(t, models.Data, 1)
	assert.Equal(t, "deepseek-ai/DeepSeek-OCR-2", models.Data[0].ID)
}

func TestChat_TextOnly(t *testing.T) {
	eng := enginetest.New(enginetest.Growing("Hello there"+eos, 3, ""))
	ts := newTestServer(t, eng)

	resp := postJSON(t, ts.URL+"/v1/chat/completions", map[string]interface{}{
		"model":    "m",
		"messages": []map[string]interface{}{{"role": "user", "content": "Say hello"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ChatCompletion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "m", out.Model)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "Hello there", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", *out.Choices[0].FinishReason)
	assert.Equal(t, "Say hello", eng.Calls()[0].Input.Prompt)
}

func TestChat_ImageReportsSize(t *testing.T) {
	eng := enginetest.New(enginetest.Growing("text on image"+eos, 4, ""))
	ts := newTestServer(t, eng)

	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		chatBody(false, textPart("Free OCR."), imagePart(dataURL("image/png", makePNG(t, 120, 60)))))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ChatCompletion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	msg := out.Choices[0].Message
	assert.Equal(t, "text on image", msg.Content)
	assert.Equal(t, 120, msg.OrigW)
	assert.Equal(t, 60, msg.OrigH)
	assert.Equal(t, "<image>\nFree OCR.", eng.Calls()[0].Input.Prompt)
}

func TestChat_StreamText(t *testing.T) {
	eng := enginetest.New(enginetest.Growing("streamed words"+eos, 2, ""))
	ts := newTestServer(t, eng)

	resp := postJSON(t, ts.URL+"/v1/chat/completions", map[string]interface{}{
		"model":    "m",
		"stream":   true,
		"messages": []map[string]interface{}{{"role": "user", "content": "go"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	payloads := readSSE(t, resp)
	require.NotEmpty(t, payloads)
	assert.Equal(t, "[DONE]", payloads[len(payloads)-1])

	text, finish := streamedText(t, payloads)
	assert.Equal(t, "streamed words", text)
	assert.Equal(t, "stop", finish)
}

func TestChat_StreamPDF(t *testing.T) {
	eng := enginetest.New(
		enginetest.Growing("first page"+eos, 3, ""),
		enginetest.Growing("second page"+eos, 3, ""),
	)
	ts := newTestServer(t, eng)

	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		chatBody(true, textPart("<image>\nFree OCR."), imagePart(dataURL("application/pdf", makePDF(t, 2)))))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payloads := readSSE(t, resp)
	assert.Equal(t, "[DONE]", payloads[len(payloads)-1])
	text, finish := streamedText(t, payloads)
	assert.Equal(t, "first pagesecond page", text)
	assert.Equal(t, "stop", finish)
}

func TestChat_PDFReturnsCleanMarkdown(t *testing.T) {
	eng := enginetest.New(enginetest.Growing("<|ref|>title<|/ref|><|det|>[[1, 1, 500, 500]]<|/det|>\n# Title"+eos, 5, ""))
	ts := newTestServer(t, eng)

	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		chatBody(false, imagePart(dataURL("application/pdf", makePDF(t, 1)))))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ChatCompletion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	content := out.Choices[0].Message.Content
	assert.Contains(t, content, "# Title")
	assert.Contains(t, content, "<--- Page Split --->")
	assert.NotContains(t, content, "<|det|>")
	assert.Equal(t, "<image>\n<|grounding|>Convert the document to markdown.", eng.Calls()[0].Input.Prompt)
}

func TestChat_BadRequests(t *testing.T) {
	ts := newTestServer(t, enginetest.New())

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/chat/completions", map[string]interface{}{"model": "m"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/chat/completions", chatBody(false, imagePart("data:image/png;base64,@@@")))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, domain.ErrorTypeValidation, e.Type)
}

func TestChat_EngineFailureIsBadGateway(t *testing.T) {
	eng := enginetest.New()
	eng.Err = domain.APIError("engine unreachable", nil)
	ts := newTestServer(t, eng)

	resp := postJSON(t, ts.URL+"/v1/chat/completions", map[string]interface{}{
		"messages": []map[string]interface{}{{"role": "user", "content": "hi"}},
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestResolveVariant(t *testing.T) {
	ctx := context.Background()
	pngData := makePNG(t, 4, 4)
	pdfData := []byte("%PDF-1.7 tiny")

	msg := func(content interface{}) ChatMessage {
		raw, err := json.Marshal(content)
		require.NoError(t, err)
		return ChatMessage{Role: "user", Content: raw}
	}

	v, err := ResolveVariant(ctx, []ChatMessage{msg("a"), msg("b")}, nil)
	require.NoError(t, err)
	assert.Equal(t, TextOnly{Text: "ab"}, v)

	v, err = ResolveVariant(ctx, []ChatMessage{msg([]map[string]interface{}{textPart("x"), imagePart(dataURL("image/png", pngData))})}, nil)
	require.NoError(t, err)
	img, ok := v.(ImageChat)
	require.True(t, ok)
	assert.Equal(t, pngData, img.Image)
	assert.Equal(t, "<image>\nx", img.Prompt())

	v, err = ResolveVariant(ctx, []ChatMessage{
		msg([]map[string]interface{}{imagePart(dataURL("application/pdf", pdfData))}),
		msg([]map[string]interface{}{imagePart(dataURL("image/png", pngData))}),
	}, nil)
	require.NoError(t, err)
	doc, ok := v.(PdfChat)
	require.True(t, ok)
	assert.Equal(t, pdfData, doc.PDF)
	assert.Contains(t, doc.Prompt(), "Convert the document to markdown.")

	_, err = ResolveVariant(ctx, []ChatMessage{{Role: "user", Content: json.RawMessage(`42`)}}, nil)
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	_, err = ResolveVariant(ctx, []ChatMessage{msg([]map[string]interface{}{imagePart("data:nocomma")})}, nil)
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
}

func TestResolveVariant_RemoteURL(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.7"))
	}))
	defer remote.Close()

	raw, _ := json.Marshal([]map[string]interface{}{imagePart(remote.URL + "/doc")})
	v, err := ResolveVariant(context.Background(), []ChatMessage{{Role: "user", Content: raw}}, source.NewFetcher(0, 0))
	require.NoError(t, err)
	assert.IsType(t, PdfChat{}, v)
}

func multipartRequest(t *testing.T, url string, fields map[string]string, file []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "upload.bin")
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestOCR_Image(t *testing.T) {
	eng := enginetest.New(enginetest.Growing("<|ref|>Total<|/ref|><|det|>[[0, 0, 999, 999]]<|/det|>"+eos, 6, ""))
	ts := newTestServer(t, eng)

	resp := multipartRequest(t, ts.URL+"/ocr", map[string]string{
		"prompt_type": "find",
		"find_term":   "Total",
		"max_tokens":  "512",
	}, makePNG(t, 300, 150))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ImageResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	assert.Equal(t, "Total", out.Text)
	assert.Equal(t, ImageDims{W: 300, H: 150}, out.ImageDims)
	require.Len(t, out.Boxes, 1)
	assert.Equal(t, BoxResult{Label: "Total", Box: [4]int{0, 0, 300, 150}}, out.Boxes[0])
	assert.Equal(t, "find", out.PromptType)
	assert.True(t, out.Metadata.Grounding)
	assert.True(t, out.Metadata.HasBoxes)

	call := eng.Calls()[0]
	assert.Equal(t, "<image>\n<|grounding|>Locate <|ref|>Total<|/ref|> in the image.", call.Input.Prompt)
	assert.Equal(t, 512, call.Sampling.MaxTokens)
}

func TestOCR_PDF(t *testing.T) {
	eng := enginetest.New(
		enginetest.Growing("page one"+eos, 4, ""),
		enginetest.Growing("partial tex", 4, domain.FinishLength),
	)
	ts := newTestServer(t, eng)

	resp := multipartRequest(t, ts.URL+"/ocr", map[string]string{"prompt_type": "free"}, makePDF(t, 2))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out DocumentResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	assert.Equal(t, 2, out.Images)
	assert.Equal(t, 1, out.PageCount)
	assert.Equal(t, []int{1}, out.DiscardedPages)
	assert.Contains(t, out.Text, "page one")
	assert.True(t, strings.HasSuffix(out.MMDPath, out.RequestID+".md"))
	assert.True(t, strings.HasSuffix(out.MMDDetPath, out.RequestID+"_det.md"))
	assert.True(t, strings.HasSuffix(out.PDFOutPath, out.RequestID+"_layouts.pdf"))
}

func TestOCR_Rejects(t *testing.T) {
	ts := newTestServer(t, enginetest.New())

	resp := multipartRequest(t, ts.URL+"/ocr", map[string]string{"prompt_type": "ocr"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = multipartRequest(t, ts.URL+"/ocr", map[string]string{"max_tokens": "lots"}, makePNG(t, 2, 2))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = multipartRequest(t, ts.URL+"/ocr", nil, []byte("neither pdf nor image"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type memEnqueuer struct {
	mu       sync.Mutex
	payloads []queue.DocumentPayload
}

func (m *memEnqueuer) Enqueue(ctx context.Context, p queue.DocumentPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, p)
	return nil
}

func newJobRepo(t *testing.T) *storage.JobRepository {
	t.Helper()
	db, err := storage.Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:", MaxOpenConns: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewJobRepository(db)
}

func TestJobs_CreateAndGet(t *testing.T) {
	repo := newJobRepo(t)
	q := &memEnqueuer{}
	ts := newTestServer(t, enginetest.New(), WithJobs(repo, q))

	resp := postJSON(t, ts.URL+"/v1/jobs", JobRequest{PDFURL: "https://example.com/a.pdf", PromptType: "free", MaxTokens: 100})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job storage.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, storage.JobQueued, job.Status)

	require.Len(t, q.payloads, 1)
	p := q.payloads[0]
	assert.Equal(t, job.ID.String(), p.JobID)
	assert.Equal(t, "https://example.com/a.pdf", p.PDFURL)
	assert.Equal(t, "<image>\nFree OCR. Only output the raw text.", p.Prompt)
	assert.Equal(t, 100, p.Sampling.MaxTokens)

	get, err := http.Get(ts.URL + "/v1/jobs/" + job.ID.String())
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)

	missing, err := http.Get(ts.URL + "/v1/jobs/" + uuid.NewString())
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	bad, err := http.Get(ts.URL + "/v1/jobs/nope")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestJobs_Upload(t *testing.T) {
	repo := newJobRepo(t)
	q := &memEnqueuer{}
	ts := newTestServer(t, enginetest.New(), WithJobs(repo, q))

	resp := multipartRequest(t, ts.URL+"/v1/jobs", map[string]string{"prompt_type": "document"}, []byte("%PDF-1.7"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, q.payloads, 1)
	assert.NotEmpty(t, q.payloads[0].PDFPath)
	assert.Empty(t, q.payloads[0].PDFURL)
}

func TestJobs_NotConfigured(t *testing.T) {
	ts := newTestServer(t, enginetest.New())
	resp := postJSON(t, ts.URL+"/v1/jobs", JobRequest{PDFURL: "https://example.com/a.pdf"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, enginetest.New())

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/ocr", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ValidationError("x", nil), http.StatusBadRequest},
		{domain.DocumentParseError("x", nil), http.StatusBadRequest},
		{domain.PersistenceError("x", nil), http.StatusInternalServerError},
		{domain.APIError("x", nil), http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{storage.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
