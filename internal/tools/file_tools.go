package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// maxReadBytes caps what read_file returns to the model.
const maxReadBytes = 50 * 1024

// WriteFileTool writes "filename || content" into the workspace.
type WriteFileTool struct {
	ws *Workspace
}

// NewWriteFileTool creates the write_file tool.
func NewWriteFileTool(ws *Workspace) *WriteFileTool {
	return &WriteFileTool{ws: ws}
}

// Name implements Tool.
func (t *WriteFileTool) Name() Name { return WriteFile }

// Usage implements Tool.
func (t *WriteFileTool) Usage() string {
	return "write_file(filename || content) - create or overwrite a file in the workspace; the content may instead follow in a fenced code block"
}

// Execute implements Tool.
func (t *WriteFileTool) Execute(_ context.Context, argument string) string {
	filename, content, found := strings.Cut(argument, "||")
	if !found {
		return Errorf("write_file expects `filename || content`.")
	}
	filename = strings.TrimSpace(strings.ReplaceAll(filename, "`", ""))
	if filename == "" {
		return Errorf("write_file needs a filename before ||.")
	}
	content = strings.TrimSpace(content)

	path, err := t.ws.Resolve(filename)
	if err != nil {
		return Errorf("cannot write %s: %v", filename, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Errorf("cannot create directory for %s: %v", filename, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Errorf("cannot write %s: %v", filename, err)
	}
	return fmt.Sprintf("Saved %s (%d bytes).", filename, len(content))
}

// ReadFileTool returns the contents of a workspace file.
type ReadFileTool struct {
	ws *Workspace
}

// NewReadFileTool creates the read_file tool.
func NewReadFileTool(ws *Workspace) *ReadFileTool {
	return &ReadFileTool{ws: ws}
}

// Name implements Tool.
func (t *ReadFileTool) Name() Name { return ReadFile }

// Usage implements Tool.
func (t *ReadFileTool) Usage() string {
	return "read_file(filename) - read a file from the workspace"
}

// Execute implements Tool.
func (t *ReadFileTool) Execute(_ context.Context, argument string) string {
	filename := strings.TrimSpace(strings.ReplaceAll(argument, "`", ""))
	if filename == "" {
		return Errorf("read_file needs a filename.")
	}

	path, err := t.ws.Resolve(filename)
	if err != nil {
		return Errorf("cannot read %s: %v", filename, err)
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Errorf("file %s does not exist.", filename)
	}
	if err != nil {
		return Errorf("cannot read %s: %v", filename, err)
	}
	if info.IsDir() {
		return Errorf("%s is a directory, not a file. Use shell with ls to list it.", filename)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Errorf("cannot read %s: %v", filename, err)
	}
	if len(data) == 0 {
		return fmt.Sprintf("File %s is empty.", filename)
	}
	if !looksLikeText(data) {
		return Errorf("%s is not a text file (%d bytes).", filename, len(data))
	}

	content := string(data)
	if len(content) > maxReadBytes {
		content = truncate(content, maxReadBytes) + fmt.Sprintf("\n\n[... truncated, %d of %d bytes shown ...]", maxReadBytes, len(data))
	}
	return content
}

// looksLikeText reports whether the first 8 KiB of data are valid UTF-8.
// The cut is moved back to a rune start so a character straddling the
// boundary is not mistaken for binary.
func looksLikeText(data []byte) bool {
	cut := min(len(data), 8192)
	if cut < len(data) {
		for cut > 0 && !utf8.RuneStart(data[cut]) {
			cut--
		}
	}
	return utf8.Valid(data[:cut])
}
