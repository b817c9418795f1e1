// Package preprocess converts rasterized pages into engine input on a bounded
// pool of workers.
package preprocess

import (
	"bytes"
	"context"
	"image/jpeg"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/observability"
)

const (
	DefaultWorkers = 4
	MaxWorkers     = 64
)

// FailurePolicy decides what a failed page means for the rest of the document.
type FailurePolicy string

const (
	// PolicyTruncate ends the document before the first failed page.
	PolicyTruncate FailurePolicy = "truncate"
	// PolicyAbort fails the whole document.
	PolicyAbort FailurePolicy = "abort"
)

// Pool runs a Preprocessor over pages with bounded concurrency.
type Pool struct {
	workers      int
	preprocessor domain.Preprocessor
	logger       *observability.Logger
}

// NewPool creates a pool. workers is clamped to [1, MaxWorkers].
func NewPool(p domain.Preprocessor, workers int, logger *observability.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Pool{
		workers:      workers,
		preprocessor: p,
		logger:       logger.WithComponent("preprocess"),
	}
}

// Workers returns the effective pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// Run preprocesses every page. Results come back sorted by page index no
// matter which worker finished first. A failing page does not stop the
// others; its error is returned tagged with the page index, also sorted.
// onDone, if set, is called once per finished page from worker goroutines.
func (p *Pool) Run(ctx context.Context, pages []domain.Page, prompt string, onDone func()) ([]domain.PreprocessedInput, []error) {
	var (
		mu      sync.Mutex
		results = make([]domain.PreprocessedInput, 0, len(pages))
		failed  []*domain.DomainError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, page := range pages {
		g.Go(func() error {
			if onDone != nil {
				defer onDone()
			}
			if err := gctx.Err(); err != nil {
				return err
			}

			in, err := p.preprocessor.Preprocess(gctx, page, prompt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn().Err(err).Int("page", page.Index).Msg("Page preprocessing failed")
				failed = append(failed, domain.PagePreprocessError(page.Index, err))
				return nil
			}
			results = append(results, in)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, []error{err}
	}
	if err := ctx.Err(); err != nil {
		return nil, []error{err}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].PageIndex < results[j].PageIndex })
	sort.Slice(failed, func(i, j int) bool { return failed[i].PageIndex < failed[j].PageIndex })

	errs := make([]error, len(failed))
	for i, e := range failed {
		errs[i] = e
	}
	return results, errs
}

// Apply resolves pool output under a failure policy. Truncate keeps the pages
// before the first failure; abort returns the first failure as the error.
func Apply(policy FailurePolicy, inputs []domain.PreprocessedInput, errs []error) ([]domain.PreprocessedInput, error) {
	if len(errs) == 0 {
		return inputs, nil
	}

	var first *domain.DomainError
	for _, err := range errs {
		de, ok := err.(*domain.DomainError)
		if !ok {
			// cancellation or another non-page failure
			return nil, err
		}
		if first == nil || de.PageIndex < first.PageIndex {
			first = de
		}
	}

	if policy == PolicyAbort {
		return nil, first
	}

	kept := inputs[:0:0]
	for _, in := range inputs {
		if in.PageIndex >= first.PageIndex {
			break
		}
		kept = append(kept, in)
	}
	return kept, nil
}

// ImagePreprocessor JPEG-encodes the page and pairs it with the prompt.
type ImagePreprocessor struct {
	Quality int
}

// Preprocess implements domain.Preprocessor.
func (ip ImagePreprocessor) Preprocess(ctx context.Context, page domain.Page, prompt string) (domain.PreprocessedInput, error) {
	if err := ctx.Err(); err != nil {
		return domain.PreprocessedInput{}, err
	}
	if page.Image == nil {
		return domain.PreprocessedInput{}, domain.ValidationError("page has no image", nil)
	}

	quality := ip.Quality
	if quality <= 0 {
		quality = 95
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, page.Image, &jpeg.Options{Quality: quality}); err != nil {
		return domain.PreprocessedInput{}, err
	}

	return domain.PreprocessedInput{
		PageIndex: page.Index,
		Input: domain.ModelInput{
			Prompt:    WithImageTag(prompt),
			ImageData: buf.Bytes(),
			MIMEType:  "image/jpeg",
		},
	}, nil
}
