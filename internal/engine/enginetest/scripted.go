// Package enginetest provides a deterministic engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/spherical/doc-ocr/internal/domain"
)

// Call records one Generate invocation.
type Call struct {
	Input     domain.ModelInput
	Sampling  domain.SamplingConfig
	SessionID string
}

// Scripted replays one snapshot trace per Generate call, in call order.
type Scripted struct {
	ModelID string
	// Err, if set, is returned by every Generate call.
	Err error
	// Hold, if set, makes Next block on it after the first snapshot of each
	// trace so tests can cancel mid-stream.
	Hold chan struct{}

	mu     sync.Mutex
	traces [][]domain.Snapshot
	calls  []Call
	active atomic.Int32
	peak   atomic.Int32
}

// New returns an engine that will answer the given traces in order.
func New(traces ...[]domain.Snapshot) *Scripted {
	return &Scripted{ModelID: "scripted", traces: traces}
}

// Growing splits text into snapshots that each add step runes. The last
// snapshot carries finish.
func Growing(text string, step int, finish string) []domain.Snapshot {
	runes := []rune(text)
	if step < 1 {
		step = 1
	}
	var out []domain.Snapshot
	for end := step; ; end += step {
		if end >= len(runes) {
			out = append(out, domain.Snapshot{Text: text, FinishReason: finish})
			return out
		}
		out = append(out, domain.Snapshot{Text: string(runes[:end])})
	}
}

func (s *Scripted) Model() string { return s.ModelID }

// Generate implements domain.Engine.
func (s *Scripted) Generate(ctx context.Context, input domain.ModelInput, sampling domain.SamplingConfig, sessionID string) (domain.SnapshotStream, error) {
	if s.Err != nil {
		return nil, s.Err
	}

	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, Call{Input: input, Sampling: sampling, SessionID: sessionID})
	if idx >= len(s.traces) {
		s.mu.Unlock()
		return nil, fmt.Errorf("no trace scripted for call %d", idx)
	}
	trace := s.traces[idx]
	s.mu.Unlock()

	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &stream{owner: s, trace: trace}, nil
}

// Calls returns the recorded invocations.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// PeakSessions is the largest number of streams open at once.
func (s *Scripted) PeakSessions() int {
	return int(s.peak.Load())
}

type stream struct {
	owner  *Scripted
	trace  []domain.Snapshot
	pos    int
	closed bool
}

func (st *stream) Next(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	if st.pos == 1 && st.owner.Hold != nil {
		select {
		case <-ctx.Done():
			return domain.Snapshot{}, ctx.Err()
		case <-st.owner.Hold:
		}
	}
	if st.pos >= len(st.trace) {
		return domain.Snapshot{}, io.EOF
	}
	snap := st.trace[st.pos]
	st.pos++
	return snap, nil
}

func (st *stream) Close() error {
	if !st.closed {
		st.closed = true
		st.owner.active.Add(-1)
	}
	return nil
}
