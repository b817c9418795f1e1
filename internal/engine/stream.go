package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/spherical/doc-ocr/internal/domain"
)

const maxSSELine = 4 << 20

// StreamParser handles parsing of Server-Sent Events (SSE) streams
type StreamParser struct {
	scanner *bufio.Scanner
}

// NewStreamParser creates a new stream parser
func NewStreamParser(reader io.Reader) *StreamParser {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &StreamParser{scanner: scanner}
}

// StreamChunk represents a single chunk from the stream
type StreamChunk struct {
	Content      string
	FinishReason string
	Done         bool
}

// Next reads the next chunk from the stream
func (p *StreamParser) Next() (*StreamChunk, error) {
	for p.scanner.Scan() {
		line := p.scanner.Text()

		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if data == "[DONE]" {
			return &StreamChunk{Done: true}, nil
		}

		var resp ChatResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}

		if resp.Error != nil {
			return nil, domain.APIError("engine reported an error: "+resp.Error.Message, nil)
		}

		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			reason := ""
			if choice.FinishReason != nil {
				reason = *choice.FinishReason
			}
			return &StreamChunk{
				Content:      choice.Delta.Content,
				FinishReason: reason,
				Done:         reason != "",
			}, nil
		}
	}

	if err := p.scanner.Err(); err != nil {
		return nil, err
	}

	return &StreamChunk{Done: true}, nil
}

// sseStream turns delta chunks into full-text snapshots.
type sseStream struct {
	body   io.ReadCloser
	parser *StreamParser
	text   strings.Builder
	done   bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, parser: NewStreamParser(body)}
}

func (s *sseStream) Next(ctx context.Context) (domain.Snapshot, error) {
	for {
		if s.done {
			return domain.Snapshot{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return domain.Snapshot{}, err
		}

		chunk, err := s.parser.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.Snapshot{}, ctxErr
			}
			return domain.Snapshot{}, domain.APIError("Failed to read stream", err)
		}

		if chunk.Content == "" && chunk.FinishReason == "" {
			if chunk.Done {
				s.done = true
			}
			continue
		}

		s.text.WriteString(chunk.Content)
		if chunk.Done {
			s.done = true
		}
		return domain.Snapshot{Text: s.text.String(), FinishReason: chunk.FinishReason}, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
