package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FSSink writes artifact content to files under a root directory. URLs use
// the file scheme so exports can resolve them locally.
type FSSink struct {
	root string
}

// NewFSSink creates a sink rooted at dir.
func NewFSSink(dir string) *FSSink {
	return &FSSink{root: dir}
}

// Store writes text to root/path and returns a file:// URL.
func (s *FSSink) Store(_ context.Context, path, text string) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(path)+".md")
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write artifact content: %w", err)
	}
	return "file://" + full, nil
}

var _ ContentSink = (*FSSink)(nil)
