package assemble

import (
	"context"
	"image"
	"io"

	"github.com/spherical/doc-ocr/internal/domain"
)

// CleanName is the cleaned markdown file of a request.
func CleanName(requestID string) string { return requestID + ".md" }

// RawName is the annotated markdown file of a request.
func RawName(requestID string) string { return requestID + "_det.md" }

// LayoutsName is the annotated PDF of a request.
func LayoutsName(requestID string) string { return requestID + "_layouts.pdf" }

// Persist writes both markdown files and, when any page was rendered, the
// layouts PDF. On failure the returned bundle still carries the text and
// whatever paths were written, alongside a PersistenceError for the request.
func Persist(ctx context.Context, store domain.ArtifactStore, b *Bundle, quality int) (*domain.OutputBundle, error) {
	out := b.Output()
	rid := b.RequestID()

	fail := func(what string, err error) (*domain.OutputBundle, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, domain.PersistenceError("write "+what, err).WithRequest(rid)
	}

	path, err := store.WriteText(ctx, RawName(rid), out.RawMarkdown)
	if err != nil {
		return fail(RawName(rid), err)
	}
	out.Artifacts.RawMarkdown = path

	path, err = store.WriteText(ctx, CleanName(rid), out.CleanMarkdown)
	if err != nil {
		return fail(CleanName(rid), err)
	}
	out.Artifacts.CleanMarkdown = path

	pages := b.Pages()
	if len(pages) == 0 {
		return out, nil
	}

	images := make([]*image.RGBA, len(pages))
	for i, p := range pages {
		images[i] = p.Image
	}
	path, err = store.WriteFile(ctx, LayoutsName(rid), func(w io.Writer) error {
		return ComposePDF(w, images, quality)
	})
	if err != nil {
		return fail(LayoutsName(rid), err)
	}
	out.Artifacts.LayoutsPDF = path

	return out, nil
}
