package pdfutil

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func newConfig() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// Merge concatenates the artifacts page-wise in order and returns the result.
func Merge(scratch *ScratchDir, artifacts []Artifact) ([]byte, error) {
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("nothing to merge")
	}
	if len(artifacts) == 1 {
		return artifacts[0].Bytes()
	}

	inFiles := make([]string, 0, len(artifacts))
	for i, a := range artifacts {
		p, err := a.Materialize(scratch, "part")
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		inFiles = append(inFiles, p)
	}

	out := scratch.Path("merged")
	if err := api.MergeCreateFile(inFiles, out, false, newConfig()); err != nil {
		return nil, fmt.Errorf("failed to merge %d documents: %w", len(inFiles), err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read merged document: %w", err)
	}
	return data, nil
}

// PageCount returns the number of pages in a PDF.
func PageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), newConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return n, nil
}
