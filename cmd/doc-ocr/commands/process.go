package commands

import (
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/doc-ocr/cmd/doc-ocr/ui"
	"github.com/spherical/doc-ocr/internal/assemble"
	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/pipeline"
	"github.com/spherical/doc-ocr/internal/preprocess"
	"github.com/spherical/doc-ocr/internal/source"
)

var (
	processOutputDir    string
	processPromptType   string
	processCustomPrompt string
	processFindTerm     string
	processMaxTokens    int
	processStream       bool
)

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Run OCR on a PDF or image",
	Long: `Process a local PDF or image. Every run writes to <output>/<request_id>/.
PDFs produce <request_id>.md, <request_id>_det.md, <request_id>_layouts.pdf and
cropped figures under images/. Images produce the markdown files and an
annotated copy.`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVarP(&processOutputDir, "output", "o", "", "output directory (default from config)")
	processCmd.Flags().StringVarP(&processPromptType, "prompt-type", "p", preprocess.PromptDocument, "prompt type: document, free, figure, describe, find, freeform")
	processCmd.Flags().StringVar(&processCustomPrompt, "custom-prompt", "", "prompt text for the freeform type")
	processCmd.Flags().StringVar(&processFindTerm, "find", "", "term to locate for the find type")
	processCmd.Flags().IntVar(&processMaxTokens, "max-tokens", 0, "maximum tokens per page")
	processCmd.Flags().BoolVarP(&processStream, "stream", "s", false, "print text as it is generated")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if processOutputDir != "" {
		cfg.Output.Dir = processOutputDir
	}

	doc, err := source.ReadFile(args[0])
	if err != nil {
		return err
	}

	// Handle Ctrl+C
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		ui.Warning("Interrupted, stopping")
		cancel()
	}()

	sampling := domain.DefaultSampling()
	if processMaxTokens > 0 {
		sampling.MaxTokens = processMaxTokens
	}
	prompt := preprocess.BuildPrompt(processPromptType, processCustomPrompt, processFindTerm)

	ui.Section("Document OCR")
	ui.Info("Input: %s", args[0])
	ui.Info("Output directory: %s", cfg.Output.Dir)
	ui.Info("Prompt type: %s", processPromptType)

	var progress *ui.StageProgress
	var opts []pipeline.Option
	if !processStream {
		progress = ui.NewStageProgress("Rasterizing document...")
		defer progress.Stop()
		opts = append(opts, pipeline.WithProgress(func(stage pipeline.Stage, done, total int) {
			progress.Report(string(stage), done, total)
		}))
	}

	a, err := newApp(cfg, newLogger(cfg, true), opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	if doc.Kind == source.KindImage {
		err = processImage(ctx, a, doc.Data, prompt, sampling, progress)
	} else {
		err = processDocument(ctx, a, doc.Data, prompt, sampling, progress)
	}
	if err != nil {
		ui.Error("Processing failed: %v", err)
		return err
	}

	ui.Info("Total time: %v", time.Since(start).Round(time.Millisecond))
	return nil
}

func processDocument(ctx context.Context, a *app, data []byte, prompt string, sampling domain.SamplingConfig, progress *ui.StageProgress) error {
	if !processStream {
		bundle, err := a.pipeline.ProcessDocument(ctx, data, prompt, sampling)
		progress.Stop()
		if err != nil {
			return err
		}
		printBundle(bundle)
		return nil
	}

	sp := ui.NewSpinner("Rasterizing document...")
	sp.Start()
	events, err := a.pipeline.ProcessDocumentStreaming(ctx, data, prompt, sampling)
	sp.Stop()
	if err != nil {
		return err
	}

	out := os.Stdout
	for ev := range events {
		switch ev.Type {
		case domain.EventPageProcessing:
			fmt.Fprintf(out, "\n--- page %d ---\n", ev.PageIndex+1)
		case domain.EventDelta:
			fmt.Fprint(out, ev.Delta)
		case domain.EventPageDiscarded:
			fmt.Fprintln(out)
			ui.Warning("Page %d discarded: generation did not terminate", ev.PageIndex+1)
		case domain.EventError:
			fmt.Fprintln(out)
			if p, ok := ev.Payload.(pipeline.ErrorPayload); ok {
				return fmt.Errorf("%s: %s", p.Type, p.Message)
			}
			return fmt.Errorf("processing failed")
		case domain.EventComplete:
			fmt.Fprintln(out)
			if bundle, ok := ev.Payload.(*domain.OutputBundle); ok {
				printBundle(bundle)
			}
			return nil
		}
	}
	// closed without a terminal event
	return ctx.Err()
}

func processImage(ctx context.Context, a *app, data []byte, prompt string, sampling domain.SamplingConfig, progress *ui.StageProgress) error {
	var onDelta func(string)
	if processStream {
		onDelta = func(s string) { fmt.Fprint(os.Stdout, s) }
	} else {
		progress.Report("generate", 0, 1)
	}

	res, err := a.pipeline.ProcessImage(ctx, data, prompt, sampling, onDelta)
	if progress != nil {
		progress.Report("generate", 1, 1)
		progress.Stop()
	}
	if err != nil {
		return err
	}
	if processStream {
		fmt.Fprintln(os.Stdout)
	}

	store, err := a.store.Scope(res.RequestID)
	if err != nil {
		return err
	}
	raw, err := store.WriteText(ctx, assemble.RawName(res.RequestID), res.RawText)
	if err != nil {
		return err
	}
	clean, err := store.WriteText(ctx, assemble.CleanName(res.RequestID), res.Text)
	if err != nil {
		return err
	}
	ui.Success("Recognized %dx%d image with %d detections", res.Width, res.Height, len(res.Detections))
	ui.Info("Markdown: %s", clean)
	ui.Info("Markdown with grounding: %s", raw)

	if res.Annotated != nil {
		path, err := store.WriteFile(ctx, res.RequestID+"_annotated.jpg", func(w io.Writer) error {
			return jpeg.Encode(w, res.Annotated.Image, &jpeg.Options{Quality: a.cfg.Pipeline.JPEGQuality})
		})
		if err != nil {
			return err
		}
		ui.Info("Annotated image: %s", path)
	}
	return nil
}

func printBundle(b *domain.OutputBundle) {
	ui.Success("Processed %s: %d of %d pages", b.RequestID, b.PageCount, b.DocumentPages)
	if len(b.Discarded) > 0 {
		pages := make([]int, len(b.Discarded))
		for i, p := range b.Discarded {
			pages[i] = p + 1
		}
		ui.Warning("Discarded pages: %v", pages)
	}
	ui.Info("Markdown: %s", b.Artifacts.CleanMarkdown)
	ui.Info("Markdown with grounding: %s", b.Artifacts.RawMarkdown)
	if b.Artifacts.LayoutsPDF != "" {
		ui.Info("Layouts: %s", b.Artifacts.LayoutsPDF)
	}
	if len(b.Artifacts.Images) > 0 {
		ui.Info("Cropped figures: %d", len(b.Artifacts.Images))
	}
}
