package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/khairulanwarjo/gestella/internal/defaults"
)

func newInitCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a working directory with a starting config.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(stdout, dir)
		},
	}
}

// runInit creates dir and its data directory and writes the example
// config. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Gestella workspace in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// The config holds API keys, so it is readable by the owner only.
	configPath := filepath.Join(dir, "config.yaml")
	created, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s exists, skipping\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set TELEGRAM_TOKEN and OPENAI_API_KEY (or edit config.yaml), then run: gestella serve")
	return nil
}

// writeIfMissing writes content to path only if nothing is there yet,
// and reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
