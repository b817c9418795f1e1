package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/doc-ocr/internal/cache"
	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/engine/enginetest"
	"github.com/spherical/doc-ocr/internal/generation"
	"github.com/spherical/doc-ocr/internal/pdf/pdftest"
	"github.com/spherical/doc-ocr/internal/storage"
)

const eos = "<|end|>"

const titled = "<|ref|>title<|/ref|><|det|>[[0, 0, 999, 999]]<|/det|>\nHello"

const figure = "<|ref|>image<|/ref|><|det|>[[0, 0, 499, 499]]<|/det|>\nFigure"

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

func newPipeline(t *testing.T, eng domain.Engine, opts ...Option) (*Pipeline, *storage.FileStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	opts = append([]Option{WithGeneration(generation.Config{EndMarker: eos, SkipRepeat: true})}, opts...)
	return New(eng, store, nil, opts...), store
}

func collect(t *testing.T, events <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()
	var out []domain.StreamEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestProcessDocument_TwoPages(t *testing.T) {
	eng := enginetest.New(
		enginetest.Growing(titled+eos, 4, ""),
		enginetest.Growing("World"+eos, 2, domain.FinishStop),
	)
	p, _ := newPipeline(t, eng)

	out, err := p.ProcessDocument(context.Background(), makePDF(t, 2), "<image>\n<|grounding|>Convert the document to markdown.", domain.DefaultSampling())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out.RequestID, "pdfocr-"))
	assert.Len(t, out.RequestID, len("pdfocr-")+8)
	assert.Equal(t, 2, out.DocumentPages)
	assert.Equal(t, 2, out.PageCount)
	assert.Empty(t, out.Discarded)

	assert.Equal(t, 2, strings.Count(out.RawMarkdown, "<--- Page Split --->"))
	assert.Equal(t, 2, strings.Count(out.CleanMarkdown, "<--- Page Split --->"))
	assert.Contains(t, out.RawMarkdown, titled)
	assert.NotContains(t, out.CleanMarkdown, "<|ref|>")
	assert.NotContains(t, out.RawMarkdown, eos)
	assert.Contains(t, out.CleanMarkdown, "Hello")
	assert.Contains(t, out.CleanMarkdown, "World")

	calls := eng.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, out.RequestID+"-0", calls[0].SessionID)
	assert.Equal(t, out.RequestID+"-1", calls[1].SessionID)
	assert.NotEmpty(t, calls[0].Input.ImageData)
	assert.Equal(t, 1, eng.PeakSessions())

	raw, err := os.ReadFile(out.Artifacts.RawMarkdown)
	require.NoError(t, err)
	assert.Equal(t, out.RawMarkdown, string(raw))

	clean, err := os.ReadFile(out.Artifacts.CleanMarkdown)
	require.NoError(t, err)
	assert.Equal(t, out.CleanMarkdown, string(clean))

	layouts, err := os.ReadFile(out.Artifacts.LayoutsPDF)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(layouts), "<</Type /Page\n"))
}

func TestProcessDocument_RequestsKeepTheirOwnCrops(t *testing.T) {
	eng := enginetest.New(
		enginetest.Growing(figure+eos, 100, ""),
		enginetest.Growing("<|ref|>image<|/ref|><|det|>[[0, 0, 999, 999]]<|/det|>\nWide figure"+eos, 100, ""),
	)
	p, store := newPipeline(t, eng)
	doc := makePDF(t, 1)

	first, err := p.ProcessDocument(context.Background(), doc, "p", domain.DefaultSampling())
	require.NoError(t, err)
	firstCrop, err := os.ReadFile(first.Artifacts.Images[0])
	require.NoError(t, err)

	second, err := p.ProcessDocument(context.Background(), doc, "p", domain.DefaultSampling())
	require.NoError(t, err)

	for _, out := range []*domain.OutputBundle{first, second} {
		dir := filepath.Join(store.Root(), out.RequestID)
		require.Len(t, out.Artifacts.Images, 1)
		assert.Equal(t, filepath.Join(dir, "images", "0_0.jpg"), out.Artifacts.Images[0])
		assert.Equal(t, filepath.Join(dir, out.RequestID+".md"), out.Artifacts.CleanMarkdown)
		assert.Equal(t, dir, filepath.Dir(out.Artifacts.LayoutsPDF))
		assert.Contains(t, out.CleanMarkdown, "![](images/0_0.jpg)")
	}
	assert.NotEqual(t, first.Artifacts.Images[0], second.Artifacts.Images[0])

	after, err := os.ReadFile(first.Artifacts.Images[0])
	require.NoError(t, err)
	assert.Equal(t, firstCrop, after, "second request must not touch the first request's crop")
	assert.FileExists(t, second.Artifacts.Images[0])
}

func TestProcessDocument_ZeroPages(t *testing.T) {
	eng := enginetest.New()
	p, store := newPipeline(t, eng)

	out, err := p.ProcessDocument(context.Background(), pdftest.ZeroPages(), "p", domain.DefaultSampling())
	require.NoError(t, err)

	assert.Equal(t, 0, out.DocumentPages)
	assert.Equal(t, 0, out.PageCount)
	assert.Empty(t, eng.Calls())
	assert.Empty(t, out.Artifacts.LayoutsPDF)
	assert.Empty(t, out.Artifacts.Images)

	for _, path := range []string{out.Artifacts.RawMarkdown, out.Artifacts.CleanMarkdown} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Empty(t, data)
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), out.RequestID))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestProcessDocument_RepeatSkipDropsPage(t *testing.T) {
	eng := enginetest.New(
		enginetest.Growing("Hello"+eos, 3, ""),
		enginetest.Growing("partial tex", 3, domain.FinishLength),
	)
	p, _ := newPipeline(t, eng)

	out, err := p.ProcessDocument(context.Background(), makePDF(t, 2), "<image>\nFree OCR.", domain.DefaultSampling())
	require.NoError(t, err)

	assert.Equal(t, 2, out.DocumentPages)
	assert.Equal(t, 1, out.PageCount)
	assert.Equal(t, []int{1}, out.Discarded)
	assert.NotContains(t, out.RawMarkdown, "partial tex")
	assert.Equal(t, 1, strings.Count(out.RawMarkdown, "<--- Page Split --->"))
}

func TestProcessDocument_RepeatSkipOffKeepsPage(t *testing.T) {
	eng := enginetest.New(enginetest.Growing("partial tex", 3, domain.FinishLength))
	p, _ := newPipeline(t, eng, WithGeneration(generation.Config{EndMarker: eos, SkipRepeat: false}))

	out, err := p.ProcessDocument(context.Background(), makePDF(t, 1), "<image>\nFree OCR.", domain.DefaultSampling())
	require.NoError(t, err)
	assert.Equal(t, 1, out.PageCount)
	assert.Contains(t, out.RawMarkdown, "partial tex")
}

func TestProcessDocument_RejectsNonPDF(t *testing.T) {
	p, _ := newPipeline(t, enginetest.New())

	_, err := p.ProcessDocument(context.Background(), []byte("hello"), "p", domain.DefaultSampling())
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeDocumentParse))
}

func TestProcessDocument_EngineFailure(t *testing.T) {
	eng := enginetest.New()
	eng.Err = domain.APIError("engine down", nil)
	p, store := newPipeline(t, eng)

	out, err := p.ProcessDocument(context.Background(), makePDF(t, 1), "p", domain.DefaultSampling())
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, domain.IsType(err, domain.ErrorTypeAPI))

	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "failed request leaves no directory behind")
}

func TestProcessDocument_ServesCachedResult(t *testing.T) {
	client := cache.NewMemoryClient(4)
	defer client.Close()

	eng := enginetest.New(enginetest.Growing("Hello"+eos, 3, ""))
	p, _ := newPipeline(t, eng, WithCache(cache.NewResultCache(client, time.Minute, nil)))
	doc := makePDF(t, 1)

	first, err := p.ProcessDocument(context.Background(), doc, "p", domain.DefaultSampling())
	require.NoError(t, err)
	second, err := p.ProcessDocument(context.Background(), doc, "p", domain.DefaultSampling())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, eng.Calls(), 1)
}

func TestProcessDocument_ReportsProgress(t *testing.T) {
	eng := enginetest.New(
		enginetest.Growing("a"+eos, 2, ""),
		enginetest.Growing("b"+eos, 2, ""),
		enginetest.Growing("c"+eos, 2, ""),
	)
	var mu sync.Mutex
	seen := map[Stage]int{}
	p, _ := newPipeline(t, eng, WithProgress(func(stage Stage, done, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 3, total)
		if done > seen[stage] {
			seen[stage] = done
		}
	}))

	_, err := p.ProcessDocument(context.Background(), makePDF(t, 3), "p", domain.DefaultSampling())
	require.NoError(t, err)
	assert.Equal(t, 3, seen[StagePreprocess])
	assert.Equal(t, 3, seen[StageGenerate])
}

func TestProcessDocumentStreaming_Events(t *testing.T) {
	eng := enginetest.New(
		enginetest.Growing(titled+eos, 1, ""),
		enginetest.Growing("partial tex", 2, domain.FinishLength),
		enginetest.Growing("Last page"+eos, 3, ""),
	)
	p, _ := newPipeline(t, eng)

	events, err := p.ProcessDocumentStreaming(context.Background(), makePDF(t, 3), "p", domain.DefaultSampling())
	require.NoError(t, err)
	got := collect(t, events)
	require.NotEmpty(t, got)

	assert.Equal(t, domain.EventStart, got[0].Type)
	last := got[len(got)-1]
	require.Equal(t, domain.EventComplete, last.Type)
	out, ok := last.Payload.(*domain.OutputBundle)
	require.True(t, ok)

	deltas := map[int]string{}
	var kinds []domain.EventType
	for _, ev := range got {
		assert.False(t, ev.Timestamp.IsZero())
		if ev.Type == domain.EventDelta {
			deltas[ev.PageIndex] += ev.Delta
			continue
		}
		kinds = append(kinds, ev.Type)
	}

	assert.Equal(t, []domain.EventType{
		domain.EventStart,
		domain.EventPageProcessing, domain.EventPageComplete,
		domain.EventPageProcessing, domain.EventPageDiscarded,
		domain.EventPageProcessing, domain.EventPageComplete,
		domain.EventComplete,
	}, kinds)

	assert.Equal(t, titled, deltas[0])
	assert.Equal(t, "partial tex", deltas[1])
	assert.Equal(t, "Last page", deltas[2])

	assert.Equal(t, 2, out.PageCount)
	assert.Equal(t, []int{1}, out.Discarded)
	_, err = os.Stat(out.Artifacts.CleanMarkdown)
	assert.NoError(t, err, "artifacts exist before complete is observed")
}

func TestProcessDocumentStreaming_ErrorEvent(t *testing.T) {
	eng := enginetest.New()
	eng.Err = domain.APIError("engine down", nil)
	p, _ := newPipeline(t, eng)

	events, err := p.ProcessDocumentStreaming(context.Background(), makePDF(t, 1), "p", domain.DefaultSampling())
	require.NoError(t, err)
	got := collect(t, events)

	last := got[len(got)-1]
	require.Equal(t, domain.EventError, last.Type)
	payload, ok := last.Payload.(ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, domain.ErrorTypeAPI, payload.Type)
	assert.Contains(t, payload.Message, "engine down")
}

func TestProcessDocumentStreaming_Cancel(t *testing.T) {
	// The first page finishes in one snapshot, so its crop is on disk before
	// the second page blocks.
	eng := enginetest.New(
		enginetest.Growing(figure+eos, 100, ""),
		enginetest.Growing("slow page"+eos, 1, ""),
	)
	eng.Hold = make(chan struct{})
	p, store := newPipeline(t, eng)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := p.ProcessDocumentStreaming(ctx, makePDF(t, 2), "p", domain.DefaultSampling())
	require.NoError(t, err)

	sawFirstPage := false
	for ev := range events {
		if ev.Type == domain.EventPageComplete && ev.PageIndex == 0 {
			sawFirstPage = true
		}
		if ev.Type == domain.EventDelta && ev.PageIndex == 1 {
			cancel()
			break
		}
	}
	require.True(t, sawFirstPage)
	rest := collect(t, events)
	for _, ev := range rest {
		assert.NotEqual(t, domain.EventComplete, ev.Type)
	}

	var leftover []string
	err = filepath.WalkDir(store.Root(), func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			leftover = append(leftover, path)
		}
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, leftover, "cancelled request keeps no crops")
}

func TestProcessDocumentStreaming_RejectsNonPDF(t *testing.T) {
	p, _ := newPipeline(t, enginetest.New())
	_, err := p.ProcessDocumentStreaming(context.Background(), []byte("nope"), "p", domain.DefaultSampling())
	assert.Error(t, err)
}

func testPage(w, h int) domain.Page {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	return domain.Page{Index: 0, Image: img, Width: w, Height: h}
}

func TestParseAndRenderSinglePage(t *testing.T) {
	p, _ := newPipeline(t, enginetest.New())
	text := "<|ref|>text<|/ref|><|det|>[[0, 0, 999, 999]]<|/det|>\n" +
		"<|ref|>image<|/ref|><|det|>[[0, 0, 499, 499]]<|/det|>"

	dets, annotated, err := p.ParseAndRenderSinglePage(context.Background(), text, testPage(999, 999))
	require.NoError(t, err)

	require.Len(t, dets, 2)
	assert.Equal(t, domain.Detection{Label: "text", Box: domain.Box{X1: 0, Y1: 0, X2: 999, Y2: 999}}, dets[0])
	assert.Equal(t, "image", dets[1].Label)

	require.NotNil(t, annotated)
	require.Len(t, annotated.Crops, 1)
	assert.Equal(t, "images/0_0.jpg", annotated.Crops[0].Path)
}

func TestProcessImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testPage(200, 100).Image))

	eng := enginetest.New(enginetest.Growing("<|ref|>figure<|/ref|><|det|>[[0, 0, 999, 999]]<|/det|>"+eos, 5, ""))
	p, _ := newPipeline(t, eng)

	var deltas strings.Builder
	res, err := p.ProcessImage(context.Background(), buf.Bytes(), "<image>\n<|grounding|>Locate figures.", domain.DefaultSampling(), func(d string) {
		deltas.WriteString(d)
	})
	require.NoError(t, err)

	assert.Equal(t, res.RawText, deltas.String())
	assert.Equal(t, "figure", res.Text)
	assert.Equal(t, 200, res.Width)
	assert.Equal(t, 100, res.Height)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, domain.Box{X1: 0, Y1: 0, X2: 200, Y2: 100}, res.Detections[0].Box)
	assert.NotNil(t, res.Annotated)
	assert.Equal(t, "image/jpeg", eng.Calls()[0].Input.MIMEType)
}

func TestProcessImage_KeepsUnterminatedText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testPage(10, 10).Image))

	eng := enginetest.New(enginetest.Growing("partial tex", 4, domain.FinishLength))
	p, _ := newPipeline(t, eng)

	res, err := p.ProcessImage(context.Background(), buf.Bytes(), "<image>\nFree OCR.", domain.DefaultSampling(), nil)
	require.NoError(t, err)
	assert.Equal(t, "partial tex", res.Text)
}

func TestProcessImage_RejectsGarbage(t *testing.T) {
	p, _ := newPipeline(t, enginetest.New())
	_, err := p.ProcessImage(context.Background(), []byte("not an image"), "p", domain.DefaultSampling(), nil)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeDocumentParse))
}

func TestGenerateText(t *testing.T) {
	eng := enginetest.New(enginetest.Growing("Hi there"+eos, 2, ""))
	p, _ := newPipeline(t, eng)

	text, err := p.GenerateText(context.Background(), "Say hi", domain.DefaultSampling(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
	assert.False(t, eng.Calls()[0].Input.HasImage())
}

func TestNewRequestID(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^pdfocr-[0-9a-f]{8}$`, a)
}
