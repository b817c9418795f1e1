package ui

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
)

// ProgressBar wraps a progressbar for page counts.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar creates a bar over total pages.
func NewProgressBar(total int64, description string) *ProgressBar {
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("pages"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &ProgressBar{bar: bar}
}

// Set moves the bar to current.
func (p *ProgressBar) Set(current int64) {
	_ = p.bar.Set64(current)
}

// Finish completes the bar.
func (p *ProgressBar) Finish() {
	_ = p.bar.Finish()
}

// Spinner shows activity while the length of a step is unknown.
type Spinner struct {
	spinner *spinner.Spinner
}

// NewSpinner creates a stopped spinner.
func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	return &Spinner{spinner: s}
}

// Start begins the animation.
func (s *Spinner) Start() {
	s.spinner.Start()
}

// Stop ends the animation and clears the line.
func (s *Spinner) Stop() {
	s.spinner.Stop()
}

// UpdateMessage replaces the spinner text.
func (s *Spinner) UpdateMessage(message string) {
	s.spinner.Suffix = " " + message
}

// StageProgress shows a spinner until the first progress report, then one
// bar per stage. Report may be called from several goroutines.
type StageProgress struct {
	mu      sync.Mutex
	spinner *Spinner
	stage   string
	bar     *ProgressBar
}

// NewStageProgress starts a spinner with message.
func NewStageProgress(message string) *StageProgress {
	sp := NewSpinner(message)
	sp.Start()
	return &StageProgress{spinner: sp}
}

// Report records done of total for stage.
func (s *StageProgress) Report(stage string, done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spinner != nil {
		s.spinner.Stop()
		s.spinner = nil
	}
	if stage != s.stage {
		if s.bar != nil {
			s.bar.Finish()
		}
		s.stage = stage
		s.bar = NewProgressBar(int64(total), stage)
	}
	s.bar.Set(int64(done))
}

// Stop clears whatever is on screen.
func (s *StageProgress) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spinner != nil {
		s.spinner.Stop()
		s.spinner = nil
	}
	if s.bar != nil {
		s.bar.Finish()
		s.bar = nil
	}
}
