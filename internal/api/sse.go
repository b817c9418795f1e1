package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/pipeline"
)

// sseWriter writes chat.completion.chunk events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	model   string
}

func newSSEWriter(w http.ResponseWriter, id, model string) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher, id: id, model: model}
}

func (s *sseWriter) data(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *sseWriter) chunk(delta *AssistantText, finish *string) {
	s.data(ChatChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []ChatChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
}

func (s *sseWriter) delta(text string) {
	if text == "" {
		return
	}
	s.chunk(&AssistantText{Content: text}, nil)
}

// finish sends the stop chunk and the [DONE] sentinel.
func (s *sseWriter) finish() {
	stop := domain.FinishStop
	s.chunk(&AssistantText{}, &stop)
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// fail reports an error after the stream has started and closes it.
func (s *sseWriter) fail(payload interface{}) {
	s.data(map[string]interface{}{"id": s.id, "object": "error", "error": payload})
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req ChatRequest, variant ChatRequestVariant) {
	ctx := r.Context()
	id := newCompletionID()
	log := s.logger.WithContext(ctx)

	if v, ok := variant.(PdfChat); ok {
		events, err := s.processor.ProcessDocumentStreaming(ctx, v.PDF, v.Prompt(), req.sampling())
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}

		sse := newSSEWriter(w, id, req.Model)
		for ev := range events {
			switch ev.Type {
			case domain.EventDelta:
				sse.delta(ev.Delta)
			case domain.EventPageDiscarded:
				log.Info().Int("page", ev.PageIndex).Msg("Streamed page discarded")
			case domain.EventError:
				sse.fail(ev.Payload)
				return
			case domain.EventComplete:
				sse.finish()
				return
			}
		}
		// channel closed without a terminal event: the client went away
		return
	}

	sse := newSSEWriter(w, id, req.Model)
	var err error
	switch v := variant.(type) {
	case ImageChat:
		_, err = s.processor.ProcessImage(ctx, v.Image, v.Prompt(), req.sampling(), sse.delta)
	case TextOnly:
		_, err = s.processor.GenerateText(ctx, v.Prompt(), req.sampling(), sse.delta)
	}
	if err != nil {
		log.Error().Err(err).Msg("Chat stream failed")
		sse.fail(pipeline.ErrorPayload{Message: err.Error(), Page: domain.NoPage})
		return
	}
	sse.finish()
}
