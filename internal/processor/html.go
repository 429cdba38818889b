package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/http"

	"github.com/Lllllllleong/docgenflow/internal/models"
	"github.com/Lllllllleong/docgenflow/internal/pdfutil"
)

type htmlVariant struct {
	t    *models.TemplateDescriptor
	deps Deps
}

func (h *htmlVariant) sources() (map[string]string, error) {
	parts := map[string]string{}
	for name, fp := range map[string]string{
		"index.html":  h.t.Fingerprint,
		"header.html": h.t.HeaderFingerprint,
		"footer.html": h.t.FooterFingerprint,
	} {
		if fp == "" {
			continue
		}
		content, err := h.deps.Content.Content(fp)
		if err != nil {
			return nil, err
		}
		parts[name] = string(content)
	}
	return parts, nil
}

func (h *htmlVariant) validate() error {
	sources, err := h.sources()
	if err != nil {
		return err
	}
	return checkVariables(h.t, sources)
}

func (h *htmlVariant) render(_ context.Context, scratch *pdfutil.ScratchDir) (pdfutil.Artifact, bool, error) {
	sources, err := h.sources()
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}
	data, err := h.data()
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}

	index, err := executeHTML("index.html", sources["index.html"], data)
	if err != nil {
		return pdfutil.Artifact{}, false, models.NewInvalidTemplate(h.t.TemplatePath, err)
	}
	return pdfutil.Artifact{Content: index}, true, nil
}

func (h *htmlVariant) convert(ctx context.Context, _ *pdfutil.ScratchDir, rendered pdfutil.Artifact) (pdfutil.Artifact, bool, error) {
	index, err := rendered.Bytes()
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}
	sources, err := h.sources()
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}
	data, err := h.data()
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}

	var header, footer []byte
	if src, ok := sources["header.html"]; ok {
		if header, err = executeHTML("header.html", src, data); err != nil {
			return pdfutil.Artifact{}, false, models.NewInvalidTemplate(h.t.TemplatePath, err)
		}
	}
	if src, ok := sources["footer.html"]; ok {
		if footer, err = executeHTML("footer.html", src, data); err != nil {
			return pdfutil.Artifact{}, false, models.NewInvalidTemplate(h.t.TemplatePath, err)
		}
	}

	pdf, err := h.deps.Converter.ConvertHTML(ctx, index, header, footer)
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}
	return pdfutil.Artifact{Content: pdf}, true, nil
}

// data returns the template variables with image bindings as inline <img> tags.
func (h *htmlVariant) data() (map[string]any, error) {
	data := make(map[string]any, len(h.t.Variables)+len(h.t.Images))
	for k, v := range h.t.Variables {
		data[k] = v
	}
	for _, img := range h.t.Images {
		content, err := h.deps.Content.Content(img.Fingerprint)
		if err != nil {
			return nil, err
		}
		data[img.VariableName] = template.HTML(fmt.Sprintf(
			`<img src="data:%s;base64,%s" style="width:%dmm;height:%dmm"/>`,
			http.DetectContentType(content), base64.StdEncoding.EncodeToString(content), img.Width, img.Height,
		))
	}
	return data, nil
}

func executeHTML(name, src string, data map[string]any) ([]byte, error) {
	tmpl, err := template.New(name).Parse(src)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
