package processor

import (
	"context"
	"strings"

	"github.com/Lllllllleong/docgenflow/internal/models"
	"github.com/Lllllllleong/docgenflow/internal/pdfutil"
)

// checkboxSuffix marks a variable that carries the state of the checkbox
// named by the rest of the key.
const checkboxSuffix = "_x"

type pdfFormVariant struct {
	t    *models.TemplateDescriptor
	deps Deps
}

// PDF forms accept any subset of values, so there is nothing to validate.
func (p *pdfFormVariant) validate() error {
	return nil
}

func (p *pdfFormVariant) render(_ context.Context, scratch *pdfutil.ScratchDir) (pdfutil.Artifact, bool, error) {
	form, err := p.deps.Content.Content(p.t.Fingerprint)
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}
	out, filled, err := p.deps.Forms.Fill(scratch, form, checkboxValues(p.t.Variables))
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}
	if !filled {
		return pdfutil.Artifact{}, false, nil
	}
	return pdfutil.Artifact{Path: out}, true, nil
}

// A PDF is already the output format.
func (p *pdfFormVariant) convert(context.Context, *pdfutil.ScratchDir, pdfutil.Artifact) (pdfutil.Artifact, bool, error) {
	return pdfutil.Artifact{}, false, nil
}

// checkboxValues copies each <name>_x value onto <name> when <name> is also
// a variable. The input map is left untouched.
func checkboxValues(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	for k, v := range vars {
		base, ok := strings.CutSuffix(k, checkboxSuffix)
		if !ok || base == "" {
			continue
		}
		if _, exists := vars[base]; exists {
			out[base] = v
		}
	}
	return out
}
