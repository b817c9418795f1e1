package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spherical/doc-ocr/cmd/doc-ocr/commands"
)

func main() {
	// Load .env if present
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
