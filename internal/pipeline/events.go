package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/spherical/doc-ocr/internal/domain"
)

const eventBuffer = 64

// ErrorPayload is carried by error events.
type ErrorPayload struct {
	Type    domain.ErrorType `json:"type,omitempty"`
	Message string           `json:"message"`
	Page    int              `json:"page_index"`
}

// emitEvent blocks until the consumer takes the event or ctx ends. Deltas
// must not be dropped: their concatenation is the page text.
func emitEvent(ctx context.Context, ch chan<- domain.StreamEvent, ev domain.StreamEvent) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func emitError(ctx context.Context, ch chan<- domain.StreamEvent, err error) {
	payload := ErrorPayload{Message: err.Error(), Page: domain.NoPage}
	var de *domain.DomainError
	if errors.As(err, &de) {
		payload.Type = de.Type
		payload.Page = de.PageIndex
	}

	ev := domain.StreamEvent{Type: domain.EventError, PageIndex: payload.Page, Payload: payload, Timestamp: time.Now()}
	if ctx.Err() != nil {
		// best effort once the reader is gone
		select {
		case ch <- ev:
		default:
		}
		return
	}
	emitEvent(ctx, ch, ev)
}
