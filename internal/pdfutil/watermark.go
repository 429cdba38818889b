package pdfutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Overlay the watermark unscaled and unrotated.
const watermarkDescription = "scale:1 abs, rot:0"

// Stamper overlays watermark PDFs on top of documents. Watermark files are
// written once per process and reused across requests.
type Stamper struct {
	dir string

	mu    sync.Mutex
	files map[string]string
}

// NewStamper keeps watermark files under <root>/watermarks.
func NewStamper(root string) *Stamper {
	return &Stamper{
		dir:   filepath.Join(root, "watermarks"),
		files: make(map[string]string),
	}
}

// Stamp writes a watermarked copy of documentPath into scratch and returns its path.
func (s *Stamper) Stamp(scratch *ScratchDir, documentPath string, watermark []byte) (string, error) {
	wmPath, err := s.watermarkFile(watermark)
	if err != nil {
		return "", err
	}

	wm, err := pdfcpu.ParsePDFWatermarkDetails(wmPath, watermarkDescription, true, types.POINTS)
	if err != nil {
		return "", fmt.Errorf("failed to parse watermark: %w", err)
	}

	out := scratch.Path("watermarked")
	if err := api.AddWatermarksFile(documentPath, out, nil, wm, newConfig()); err != nil {
		return "", fmt.Errorf("failed to apply watermark: %w", err)
	}
	return out, nil
}

func (s *Stamper) watermarkFile(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	key := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.files[key]; ok {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create watermark dir: %w", err)
	}
	p := filepath.Join(s.dir, "watermark_"+key+".pdf")
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		tmp := p + ".tmp"
		if err := os.WriteFile(tmp, content, 0o644); err != nil {
			return "", fmt.Errorf("failed to write watermark: %w", err)
		}
		if err := os.Rename(tmp, p); err != nil {
			return "", fmt.Errorf("failed to store watermark: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to stat watermark: %w", err)
	}
	s.files[key] = p
	return p, nil
}
