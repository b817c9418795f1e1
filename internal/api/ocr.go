package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/preprocess"
	"github.com/spherical/doc-ocr/internal/source"
)

// DocumentResult is the /ocr response for a PDF.
type DocumentResult struct {
	Code           int    `json:"code"`
	Success        bool   `json:"success"`
	RequestID      string `json:"request_id"`
	Images         int    `json:"images"`
	PageCount      int    `json:"page_count"`
	DiscardedPages []int  `json:"discarded_pages,omitempty"`
	Text           string `json:"text"`
	RawText        string `json:"raw_text"`
	MMDDetPath     string `json:"mmd_det_path"`
	MMDPath        string `json:"mmd_path"`
	PDFOutPath     string `json:"pdf_out_path,omitempty"`
}

// ImageResult is the /ocr response for a single image.
type ImageResult struct {
	Code       int           `json:"code"`
	Success    bool          `json:"success"`
	Text       string        `json:"text"`
	RawText    string        `json:"raw_text"`
	Boxes      []BoxResult   `json:"boxes"`
	ImageDims  ImageDims     `json:"image_dims"`
	PromptType string        `json:"prompt_type"`
	Metadata   ImageMetadata `json:"metadata"`
}

// BoxResult is a detection as [x1, y1, x2, y2] pixels.
type BoxResult struct {
	Label string `json:"label"`
	Box   [4]int `json:"box"`
}

// ImageDims is the source image size.
type ImageDims struct {
	W int `json:"w"`
	H int `json:"h"`
}

// ImageMetadata describes how an image request was run.
type ImageMetadata struct {
	Mode      string `json:"mode"`
	Grounding bool   `json:"grounding"`
	HasBoxes  bool   `json:"has_boxes"`
}

type ocrForm struct {
	promptType string
	grounding  bool
	prompt     string
	sampling   domain.SamplingConfig
}

func parseOCRForm(r *http.Request) (ocrForm, error) {
	f := ocrForm{promptType: r.FormValue("prompt_type"), sampling: domain.DefaultSampling()}
	if f.promptType == "" {
		f.promptType = preprocess.PromptDocument
	}
	f.prompt = preprocess.BuildPrompt(f.promptType, r.FormValue("custom_prompt"), r.FormValue("find_term"))

	if v := r.FormValue("grounding"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, domain.ValidationError("grounding must be a boolean", err)
		}
		f.grounding = b
	}
	if v := r.FormValue("max_tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, domain.ValidationError(fmt.Sprintf("invalid max_tokens %q", v), err)
		}
		f.sampling.MaxTokens = n
	}
	if v := r.FormValue("temperature"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < 0 {
			return f, domain.ValidationError(fmt.Sprintf("invalid temperature %q", v), err)
		}
		f.sampling.Temperature = t
	}
	return f, nil
}

// readUpload returns the document from the file field or fileUrl.
func (s *Server) readUpload(r *http.Request) (source.Document, error) {
	if url := strings.TrimSpace(r.FormValue("fileUrl")); strings.HasPrefix(url, "http") {
		return s.fetcher.Fetch(r.Context(), url)
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return source.Document{}, domain.ValidationError("file or fileUrl is required", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return source.Document{}, domain.IOError("read upload", err)
	}
	if len(data) == 0 {
		return source.Document{}, domain.ValidationError("uploaded file is empty", nil)
	}
	return source.Detect(data), nil
}

func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}

	form, err := parseOCRForm(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	doc, err := s.readUpload(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	if doc.Kind == source.KindPDF {
		bundle, err := s.processor.ProcessDocument(r.Context(), doc.Data, form.prompt, form.sampling)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, DocumentResult{
			Code:           http.StatusOK,
			Success:        true,
			RequestID:      bundle.RequestID,
			Images:         bundle.DocumentPages,
			PageCount:      bundle.PageCount,
			DiscardedPages: bundle.Discarded,
			Text:           bundle.CleanMarkdown,
			RawText:        bundle.RawMarkdown,
			MMDDetPath:     bundle.Artifacts.RawMarkdown,
			MMDPath:        bundle.Artifacts.CleanMarkdown,
			PDFOutPath:     bundle.Artifacts.LayoutsPDF,
		})
		return
	}

	res, err := s.processor.ProcessImage(r.Context(), doc.Data, form.prompt, form.sampling, nil)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	boxes := make([]BoxResult, len(res.Detections))
	for i, d := range res.Detections {
		boxes[i] = BoxResult{Label: d.Label, Box: [4]int{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2}}
	}

	writeJSON(w, http.StatusOK, ImageResult{
		Code:       http.StatusOK,
		Success:    true,
		Text:       res.Text,
		RawText:    res.RawText,
		Boxes:      boxes,
		ImageDims:  ImageDims{W: res.Width, H: res.Height},
		PromptType: form.promptType,
		Metadata: ImageMetadata{
			Mode:      form.promptType,
			Grounding: form.grounding || preprocess.GroundedPromptTypes[form.promptType],
			HasBoxes:  len(boxes) > 0,
		},
	})
}
