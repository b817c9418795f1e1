// Package generation drives the engine for one page at a time and turns its
// snapshot stream into deltas and a finalized page text.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/observability"
)

// Config controls termination handling.
type Config struct {
	// EndMarker is the end-of-sequence text the model appends when it
	// finishes a page normally.
	EndMarker string
	// SkipRepeat discards pages whose stream ended without terminating.
	SkipRepeat bool
}

// DefaultConfig returns the model's marker with repeat-skip on.
func DefaultConfig() Config {
	return Config{EndMarker: domain.DefaultEndMarker, SkipRepeat: true}
}

// Session is the state of one page's generation.
type Session struct {
	ID           string
	RequestID    string
	PageIndex    int
	Text         string
	FinishReason string
	Terminated   bool
}

// PageOutcome is the result of a finished session.
type PageOutcome struct {
	PageIndex int
	// Text is the finalized page text with the end marker removed. Empty when
	// the page was discarded.
	Text       string
	Terminated bool
	Discarded  bool
	// Reason is set to a GenerationRepeatError when the page was discarded.
	Reason error
}

// Consumer opens engine sessions. It holds a lock for the duration of a
// session so a consumer never has two sessions open.
type Consumer struct {
	engine domain.Engine
	cfg    Config
	logger *observability.Logger
	mu     sync.Mutex
}

// NewConsumer creates a consumer over engine.
func NewConsumer(engine domain.Engine, cfg Config, logger *observability.Logger) *Consumer {
	if cfg.EndMarker == "" {
		cfg.EndMarker = domain.DefaultEndMarker
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Consumer{
		engine: engine,
		cfg:    cfg,
		logger: logger.WithComponent("generation"),
	}
}

// SessionID names the engine session for a page of a request.
func SessionID(requestID string, pageIndex int) string {
	return fmt.Sprintf("%s-%d", requestID, pageIndex)
}

// Run generates one page. onDelta, if set, receives each new piece of text as
// it arrives; the end marker is never part of a delta. A discarded page is not
// an error: it comes back with Discarded set.
func (c *Consumer) Run(ctx context.Context, requestID string, in domain.PreprocessedInput, sampling domain.SamplingConfig, onDelta func(string)) (PageOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := &Session{
		ID:        SessionID(requestID, in.PageIndex),
		RequestID: requestID,
		PageIndex: in.PageIndex,
	}
	log := c.logger.WithRequest(requestID).WithPage(in.PageIndex)

	stream, err := c.engine.Generate(ctx, in.Input, sampling, sess.ID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return PageOutcome{PageIndex: in.PageIndex}, ctxErr
		}
		return PageOutcome{PageIndex: in.PageIndex}, err
	}
	defer stream.Close()

	acc := newAccumulator(c.cfg.EndMarker, onDelta)
	for {
		snap, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				log.Debug().Msg("Session abandoned")
				return PageOutcome{PageIndex: in.PageIndex}, ctxErr
			}
			return PageOutcome{PageIndex: in.PageIndex}, err
		}

		sess.Text = snap.Text
		if snap.FinishReason != "" {
			sess.FinishReason = snap.FinishReason
		}
		if acc.observe(snap.Text) {
			break
		}
	}

	sess.Terminated = acc.markerSeen || sess.FinishReason == domain.FinishStop

	if !sess.Terminated && c.cfg.SkipRepeat {
		reason := domain.GenerationRepeatError(in.PageIndex).WithRequest(requestID)
		log.Warn().
			Err(reason).
			Str("finish_reason", sess.FinishReason).
			Int("length", len(sess.Text)).
			Msg("Page discarded, stream ended without end marker")
		return PageOutcome{PageIndex: in.PageIndex, Discarded: true, Reason: reason}, nil
	}

	acc.flush()
	log.Debug().
		Bool("terminated", sess.Terminated).
		Int("length", len(acc.visible)).
		Msg("Page generated")

	return PageOutcome{
		PageIndex:  in.PageIndex,
		Text:       acc.visible,
		Terminated: sess.Terminated,
	}, nil
}

// accumulator tracks how much of the visible text has been emitted. Visible
// text is the snapshot cut at the end marker. A tail that could be the start
// of the marker is held back until the next snapshot settles it.
type accumulator struct {
	marker     string
	onDelta    func(string)
	visible    string
	emitted    int
	markerSeen bool
}

func newAccumulator(marker string, onDelta func(string)) *accumulator {
	return &accumulator{marker: marker, onDelta: onDelta}
}

// observe takes a full-text snapshot and reports whether the marker appeared.
func (a *accumulator) observe(text string) bool {
	held := 0
	if i := strings.Index(text, a.marker); i >= 0 {
		text = text[:i]
		a.markerSeen = true
	} else {
		held = markerPrefixLen(text, a.marker)
	}
	a.visible = text

	ready := len(text) - held
	switch {
	case ready < a.emitted:
		// snapshot went backwards
		a.emitted = ready
	case ready > a.emitted:
		a.emit(text[a.emitted:ready])
		a.emitted = ready
	}
	return a.markerSeen
}

// flush emits whatever was held back.
func (a *accumulator) flush() {
	if len(a.visible) > a.emitted {
		a.emit(a.visible[a.emitted:])
		a.emitted = len(a.visible)
	}
}

func (a *accumulator) emit(delta string) {
	if a.onDelta != nil {
		a.onDelta(delta)
	}
}

// markerPrefixLen returns the length of the longest suffix of text that is a
// proper prefix of marker.
func markerPrefixLen(text, marker string) int {
	n := len(marker) - 1
	if n > len(text) {
		n = len(text)
	}
	for k := n; k > 0; k-- {
		if strings.HasPrefix(marker, text[len(text)-k:]) {
			return k
		}
	}
	return 0
}
