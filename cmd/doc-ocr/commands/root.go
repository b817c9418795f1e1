package commands

import (
	"github.com/spf13/cobra"

	"github.com/spherical/doc-ocr/cmd/doc-ocr/ui"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "doc-ocr",
	Short: "Document OCR with grounded layout output",
	Long: `doc-ocr rasterizes PDFs and images, runs each page through a vision
language model, and writes markdown with layout annotations and cropped
figures. It can run once from the command line, serve an OpenAI-compatible
HTTP API, or work through queued document jobs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Init(noColor, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
