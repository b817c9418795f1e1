package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/preprocess"
	"github.com/spherical/doc-ocr/internal/queue"
	"github.com/spherical/doc-ocr/internal/storage"
)

// JobRequest is the JSON form of POST /v1/jobs. Multipart requests use the
// same field names plus a file field.
type JobRequest struct {
	PDFURL       string `json:"pdf_url"`
	PromptType   string `json:"prompt_type,omitempty"`
	CustomPrompt string `json:"custom_prompt,omitempty"`
	FindTerm     string `json:"find_term,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil || s.queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "job queue is not configured", "")
		return
	}
	ctx := r.Context()

	var req JobRequest
	var upload string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid multipart form", err.Error())
			return
		}
		req = JobRequest{
			PDFURL:       r.FormValue("pdf_url"),
			PromptType:   r.FormValue("prompt_type"),
			CustomPrompt: r.FormValue("custom_prompt"),
			FindTerm:     r.FormValue("find_term"),
		}
		if req.PDFURL == "" {
			path, err := s.saveUpload(r)
			if err != nil {
				s.writeFailure(w, r, err)
				return
			}
			upload = path
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if req.PDFURL == "" && upload == "" {
		s.writeError(w, http.StatusBadRequest, "pdf_url or file is required", "")
		return
	}

	sampling := domain.DefaultSampling()
	if req.MaxTokens > 0 {
		sampling.MaxTokens = req.MaxTokens
	}
	promptType := req.PromptType
	if promptType == "" {
		promptType = preprocess.PromptDocument
	}
	prompt := preprocess.BuildPrompt(promptType, req.CustomPrompt, req.FindTerm)

	job := &storage.Job{Source: req.PDFURL, Prompt: prompt}
	if upload != "" {
		job.Source = upload
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	payload := queue.DocumentPayload{
		JobID:    job.ID.String(),
		PDFPath:  upload,
		PDFURL:   req.PDFURL,
		Prompt:   prompt,
		Sampling: sampling,
	}
	if err := s.queue.Enqueue(ctx, payload); err != nil {
		s.writeFailure(w, r, domain.APIError("enqueue job", err))
		return
	}

	s.logger.WithContext(ctx).Info().Str("job_id", payload.JobID).Str("source", job.Source).Msg("Job queued")
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) saveUpload(r *http.Request) (string, error) {
	file, _, err := r.FormFile("file")
	if err != nil {
		return "", domain.ValidationError("file or pdf_url is required", err)
	}
	defer file.Close()

	dir := s.cfg.UploadDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", domain.IOError("create upload dir", err)
	}

	out, err := os.CreateTemp(dir, "job-*.pdf")
	if err != nil {
		return "", domain.IOError("create upload file", err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", domain.IOError("write upload file", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", domain.IOError("close upload file", err)
	}
	return out.Name(), nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "job ledger is not configured", "")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id", err.Error())
		return
	}

	job, err := s.jobs.GetByID(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
