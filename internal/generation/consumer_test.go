package generation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/engine/enginetest"
)

const eos = "<|end|>"

func input(page int) domain.PreprocessedInput {
	return domain.PreprocessedInput{PageIndex: page, Input: domain.ModelInput{Prompt: "p"}}
}

func run(t *testing.T, cfg Config, trace []domain.Snapshot) (PageOutcome, []string) {
	t.Helper()
	c := NewConsumer(enginetest.New(trace), cfg, nil)
	var deltas []string
	out, err := c.Run(context.Background(), "req", input(0), domain.DefaultSampling(), func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	return out, deltas
}

func TestConsumer_TerminatesOnMarker(t *testing.T) {
	trace := enginetest.Growing("<ref>title</ref><det>[100,100,200,200]</det>Hello"+eos, 3, "")
	out, deltas := run(t, Config{EndMarker: eos, SkipRepeat: true}, trace)

	assert.True(t, out.Terminated)
	assert.False(t, out.Discarded)
	assert.Equal(t, "<ref>title</ref><det>[100,100,200,200]</det>Hello", out.Text)
	assert.Equal(t, out.Text, strings.Join(deltas, ""))
	for _, d := range deltas {
		assert.NotContains(t, d, "<|")
	}
}

func TestConsumer_DeltaReplayLaw(t *testing.T) {
	text := "# Heading\n\nSome ünïcödé text <| not a marker\n" + eos
	for _, step := range []int{1, 2, 5, 13, 100} {
		out, deltas := run(t, Config{EndMarker: eos, SkipRepeat: true}, enginetest.Growing(text, step, domain.FinishStop))
		assert.Equal(t, out.Text, strings.Join(deltas, ""), "step=%d", step)
		assert.Equal(t, strings.TrimSuffix(text, eos), out.Text)
	}
}

func TestConsumer_StopReasonTerminates(t *testing.T) {
	out, deltas := run(t, Config{EndMarker: eos, SkipRepeat: true}, enginetest.Growing("done", 2, domain.FinishStop))

	assert.True(t, out.Terminated)
	assert.Equal(t, "done", out.Text)
	assert.Equal(t, []string{"do", "ne"}, deltas)
}

func TestConsumer_RepeatSkip(t *testing.T) {
	trace := enginetest.Growing("partial tex", 4, domain.FinishLength)

	out, deltas := run(t, Config{EndMarker: eos, SkipRepeat: true}, trace)
	assert.True(t, out.Discarded)
	assert.Empty(t, out.Text)
	assert.True(t, domain.IsType(out.Reason, domain.ErrorTypeGenerationRepeat))
	assert.NotEmpty(t, deltas)

	out, deltas = run(t, Config{EndMarker: eos, SkipRepeat: false}, trace)
	assert.False(t, out.Discarded)
	assert.False(t, out.Terminated)
	assert.Equal(t, "partial tex", out.Text)
	assert.Equal(t, "partial tex", strings.Join(deltas, ""))
}

func TestConsumer_HeldMarkerPrefixFlushedWhenUnterminated(t *testing.T) {
	trace := []domain.Snapshot{{Text: "abc<|e"}}
	out, deltas := run(t, Config{EndMarker: eos, SkipRepeat: false}, trace)

	assert.Equal(t, []string{"abc", "<|e"}, deltas)
	assert.Equal(t, "abc<|e", out.Text)
}

func TestConsumer_ShorterSnapshotResets(t *testing.T) {
	trace := []domain.Snapshot{
		{Text: "abcdef"},
		{Text: "abc"},
		{Text: "abcXY"},
		{Text: "abcXY" + eos},
	}
	out, deltas := run(t, Config{EndMarker: eos, SkipRepeat: true}, trace)

	assert.Equal(t, []string{"abcdef", "XY"}, deltas)
	assert.Equal(t, "abcXY", out.Text)
	for _, d := range deltas {
		assert.NotEmpty(t, d)
	}
}

func TestConsumer_SessionIDsAndSequential(t *testing.T) {
	eng := enginetest.New(
		enginetest.Growing("a"+eos, 1, ""),
		enginetest.Growing("b"+eos, 1, ""),
	)
	c := NewConsumer(eng, Config{EndMarker: eos}, nil)

	for i := 0; i < 2; i++ {
		_, err := c.Run(context.Background(), "req-1", input(i), domain.DefaultSampling(), nil)
		require.NoError(t, err)
	}

	calls := eng.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "req-1-0", calls[0].SessionID)
	assert.Equal(t, "req-1-1", calls[1].SessionID)
	assert.Equal(t, 1, eng.PeakSessions())
}

func TestConsumer_Cancelled(t *testing.T) {
	eng := enginetest.New(enginetest.Growing("long text"+eos, 1, ""))
	eng.Hold = make(chan struct{})
	c := NewConsumer(eng, Config{EndMarker: eos}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Run(ctx, "req", input(0), domain.DefaultSampling(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsumer_EngineError(t *testing.T) {
	eng := enginetest.New()
	eng.Err = domain.APIError("unreachable", nil)
	c := NewConsumer(eng, DefaultConfig(), nil)

	_, err := c.Run(context.Background(), "req", input(0), domain.DefaultSampling(), nil)
	var de *domain.DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.ErrorTypeAPI, de.Type)
}

func TestMarkerPrefixLen(t *testing.T) {
	assert.Equal(t, 0, markerPrefixLen("abc", eos))
	assert.Equal(t, 1, markerPrefixLen("abc<", eos))
	assert.Equal(t, 4, markerPrefixLen("abc<|en", eos))
	assert.Equal(t, 6, markerPrefixLen("<|end|", eos))
	assert.Equal(t, 0, markerPrefixLen("", eos))
}
