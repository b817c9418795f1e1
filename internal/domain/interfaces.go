package domain

import (
	"context"
	"io"
)

// Finish reasons reported by engines.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Snapshot is the full text generated so far in one session.
type Snapshot struct {
	Text         string
	FinishReason string
}

// SnapshotStream yields growing-text snapshots until io.EOF.
type SnapshotStream interface {
	Next(ctx context.Context) (Snapshot, error)
	Close() error
}

// Engine is the external text-generation service. One call opens one session.
type Engine interface {
	Generate(ctx context.Context, input ModelInput, sampling SamplingConfig, sessionID string) (SnapshotStream, error)
	// Model returns the served model id
	Model() string
}

// Preprocessor turns a page into engine input
type Preprocessor interface {
	Preprocess(ctx context.Context, page Page, prompt string) (PreprocessedInput, error)
}

// ArtifactStore persists request outputs under one directory per store.
type ArtifactStore interface {
	WriteText(ctx context.Context, name, content string) (string, error)
	WriteFile(ctx context.Context, name string, write func(w io.Writer) error) (string, error)
}

// RequestStore is the output directory of a single request.
type RequestStore interface {
	ArtifactStore
	// Remove deletes the directory and everything written to it.
	Remove() error
}

// OutputStore hands every request its own directory.
type OutputStore interface {
	ArtifactStore
	Scope(requestID string) (RequestStore, error)
}
