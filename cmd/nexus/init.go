package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/nexus-agent/internal/defaults"
	"github.com/nugget/nexus-agent/internal/prompts"
)

// runInit writes a default config and an editable copy of the built-in
// system prompt into dir, and creates the workspace. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Nexus in %s\n", dir)

	workspace := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", workspace, err)
	}
	fmt.Fprintf(w, "  ✓ %s/\n", workspace)

	// The config may carry API keys.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	// system_prompt_file resolves against the workspace.
	promptPath := filepath.Join(workspace, "system_prompt.md")
	if err := writeIfMissing(w, promptPath, []byte(prompts.DefaultPreamble()+"\n"), 0o644); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to choose a model, and set agent.system_prompt_file:")
	fmt.Fprintln(w, "system_prompt.md to use your own persona.")
	return nil
}

// writeIfMissing creates path with content and perm unless it already
// exists, so init never overwrites user customizations. The outcome is
// reported on w.
func writeIfMissing(w io.Writer, path string, content []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
