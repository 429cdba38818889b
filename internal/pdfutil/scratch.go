// Package pdfutil assembles PDF files: merging, watermark stamping, form
// filling and page counting. Intermediate files live in per-request scratch
// directories.
package pdfutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ScratchDir is a private working directory for one request.
type ScratchDir struct {
	dir  string
	once sync.Once
}

// NewScratchDir creates <root>/<uuid>.
func NewScratchDir(root string) (*ScratchDir, error) {
	dir := filepath.Join(root, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return &ScratchDir{dir: dir}, nil
}

func (s *ScratchDir) Dir() string {
	return s.dir
}

// Path returns a fresh file path <dir>/<prefix>_<uuid>.pdf. Nothing is created.
func (s *ScratchDir) Path(prefix string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.pdf", prefix, uuid.NewString()))
}

// Write stores data under a fresh path and returns it.
func (s *ScratchDir) Write(prefix string, data []byte) (string, error) {
	p := s.Path(prefix)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write scratch file: %w", err)
	}
	return p, nil
}

// Close removes the directory and everything in it. Safe to call twice.
func (s *ScratchDir) Close() error {
	var err error
	s.once.Do(func() {
		err = os.RemoveAll(s.dir)
	})
	return err
}

// Artifact is an intermediate document. Either field may be set; when both
// are, they hold the same content.
type Artifact struct {
	Content []byte
	Path    string
}

// Bytes returns the content, reading it from disk when only a path is known.
func (a Artifact) Bytes() ([]byte, error) {
	if a.Content != nil {
		return a.Content, nil
	}
	if a.Path == "" {
		return nil, fmt.Errorf("artifact has neither content nor path")
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", a.Path, err)
	}
	return data, nil
}

// Materialize returns a path holding the artifact, writing it to scratch if needed.
func (a Artifact) Materialize(scratch *ScratchDir, prefix string) (string, error) {
	if a.Path != "" {
		return a.Path, nil
	}
	if a.Content == nil {
		return "", fmt.Errorf("artifact has neither content nor path")
	}
	return scratch.Write(prefix, a.Content)
}
