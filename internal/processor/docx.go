package processor

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"path"
	"regexp"
	"slices"
	"strings"
	"text/template"

	"github.com/Lllllllleong/docgenflow/internal/models"
	"github.com/Lllllllleong/docgenflow/internal/pdfutil"
)

const (
	documentPart     = "word/document.xml"
	contentTypesPart = "[Content_Types].xml"
	imageRelType     = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/image"

	// 1 mm in English Metric Units.
	emuPerMM = 36000
)

var (
	templatedPart = regexp.MustCompile(`^word/(document|header[0-9]*|footer[0-9]*)\.xml$`)
	xmlTag        = regexp.MustCompile(`<[^>]*>`)
	smartQuotes   = strings.NewReplacer("‘", "'", "’", "'", "“", `"`, "”", `"`)
)

type docxVariant struct {
	t    *models.TemplateDescriptor
	deps Deps
}

type docxPackage struct {
	files []*zip.File
	parts map[string]string
}

func (d *docxVariant) open() (*docxPackage, error) {
	content, err := d.deps.Content.Content(d.t.Fingerprint)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, models.NewInvalidTemplate(d.t.TemplatePath, err)
	}
	pkg := &docxPackage{files: zr.File, parts: map[string]string{}}
	for _, f := range zr.File {
		if !templatedPart.MatchString(f.Name) {
			continue
		}
		raw, err := readZipFile(f)
		if err != nil {
			return nil, models.NewInvalidTemplate(d.t.TemplatePath, err)
		}
		pkg.parts[f.Name] = normalizePlaceholders(string(raw))
	}
	if _, ok := pkg.parts[documentPart]; !ok {
		return nil, models.NewInvalidTemplate(d.t.TemplatePath, fmt.Errorf("missing %s", documentPart))
	}
	return pkg, nil
}

func (d *docxVariant) validate() error {
	pkg, err := d.open()
	if err != nil {
		return err
	}
	return checkVariables(d.t, pkg.parts)
}

func (d *docxVariant) render(_ context.Context, _ *pdfutil.ScratchDir) (pdfutil.Artifact, bool, error) {
	pkg, err := d.open()
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}

	data := make(map[string]any, len(d.t.Variables)+len(d.t.Images))
	for k, v := range d.t.Variables {
		data[k] = escapeXMLValue(v)
	}

	media := map[string][]byte{}
	var rels []relationship
	exts := map[string]string{}
	for i, img := range d.t.Images {
		content, err := d.deps.Content.Content(img.Fingerprint)
		if err != nil {
			return pdfutil.Artifact{}, false, err
		}
		ext, contentType, err := imageFormat(content)
		if err != nil {
			return pdfutil.Artifact{}, false, models.NewInvalidTemplate(d.t.TemplatePath, fmt.Errorf("image %s: %w", img.VariableName, err))
		}
		n := i + 1
		target := fmt.Sprintf("media/docgen_image%d.%s", n, ext)
		rel := relationship{id: fmt.Sprintf("rIdDocgenImage%d", n), target: target}
		media["word/"+target] = content
		rels = append(rels, rel)
		exts[ext] = contentType
		data[img.VariableName] = inlineDrawing(rel.id, n, img.Width, img.Height)
	}

	rendered := make(map[string][]byte, len(pkg.parts))
	for name, src := range pkg.parts {
		tmpl, err := template.New(name).Parse(src)
		if err != nil {
			return pdfutil.Artifact{}, false, models.NewInvalidTemplate(d.t.TemplatePath, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return pdfutil.Artifact{}, false, models.NewInvalidTemplate(d.t.TemplatePath, err)
		}
		rendered[name] = buf.Bytes()
	}

	out, err := pkg.write(rendered, media, rels, exts)
	if err != nil {
		return pdfutil.Artifact{}, false, fmt.Errorf("failed to write document: %w", err)
	}
	return pdfutil.Artifact{Content: out}, true, nil
}

func (d *docxVariant) convert(ctx context.Context, _ *pdfutil.ScratchDir, rendered pdfutil.Artifact) (pdfutil.Artifact, bool, error) {
	content, err := rendered.Bytes()
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}
	pdf, err := d.deps.Converter.ConvertDocx(ctx, content, path.Base(d.t.TemplatePath))
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}
	return pdfutil.Artifact{Content: pdf}, true, nil
}

type relationship struct {
	id     string
	target string
}

// write rebuilds the package with rendered parts, new media files and the
// relationships and content types they need.
func (p *docxPackage) write(rendered map[string][]byte, media map[string][]byte, rels []relationship, exts map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	written := map[string]bool{}
	put := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		written[name] = true
		return err
	}

	relsParts := map[string]bool{}
	if len(rels) > 0 {
		for name := range rendered {
			relsParts[relsPartName(name)] = true
		}
	}

	for _, f := range p.files {
		data, isRendered := rendered[f.Name]
		if !isRendered {
			var err error
			if data, err = readZipFile(f); err != nil {
				return nil, err
			}
			if relsParts[f.Name] {
				data = addRelationships(data, rels)
			}
			if f.Name == contentTypesPart && len(exts) > 0 {
				data = addContentTypeDefaults(data, exts)
			}
		}
		if err := put(f.Name, data); err != nil {
			return nil, err
		}
	}

	relsNames := make([]string, 0, len(relsParts))
	for name := range relsParts {
		if !written[name] {
			relsNames = append(relsNames, name)
		}
	}
	slices.Sort(relsNames)
	for _, name := range relsNames {
		empty := []byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
			`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`)
		if err := put(name, addRelationships(empty, rels)); err != nil {
			return nil, err
		}
	}

	mediaNames := make([]string, 0, len(media))
	for name := range media {
		mediaNames = append(mediaNames, name)
	}
	slices.Sort(mediaNames)
	for _, name := range mediaNames {
		if err := put(name, media[name]); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func relsPartName(part string) string {
	return path.Join(path.Dir(part), "_rels", path.Base(part)+".rels")
}

func addRelationships(data []byte, rels []relationship) []byte {
	var b strings.Builder
	for _, r := range rels {
		fmt.Fprintf(&b, `<Relationship Id="%s" Type="%s" Target="%s"/>`, r.id, imageRelType, r.target)
	}
	return bytes.Replace(data, []byte("</Relationships>"), []byte(b.String()+"</Relationships>"), 1)
}

func addContentTypeDefaults(data []byte, exts map[string]string) []byte {
	lower := strings.ToLower(string(data))
	keys := make([]string, 0, len(exts))
	for ext := range exts {
		keys = append(keys, ext)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, ext := range keys {
		if strings.Contains(lower, `extension="`+ext+`"`) {
			continue
		}
		fmt.Fprintf(&b, `<Default Extension="%s" ContentType="%s"/>`, ext, exts[ext])
	}
	return bytes.Replace(data, []byte("</Types>"), []byte(b.String()+"</Types>"), 1)
}

func imageFormat(content []byte) (string, string, error) {
	switch ct := http.DetectContentType(content); ct {
	case "image/png":
		return "png", ct, nil
	case "image/jpeg":
		return "jpeg", ct, nil
	case "image/gif":
		return "gif", ct, nil
	default:
		return "", "", fmt.Errorf("unsupported image type %s", ct)
	}
}

// inlineDrawing closes the run holding the placeholder, adds a run with the
// picture and reopens a text run for the rest of the paragraph.
func inlineDrawing(relID string, n, widthMM, heightMM int) string {
	cx, cy := widthMM*emuPerMM, heightMM*emuPerMM
	return fmt.Sprintf(`</w:t></w:r><w:r><w:drawing>`+
		`<wp:inline xmlns:wp="http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing" distT="0" distB="0" distL="0" distR="0">`+
		`<wp:extent cx="%[3]d" cy="%[4]d"/><wp:docPr id="%[2]d" name="Picture %[2]d"/>`+
		`<a:graphic xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">`+
		`<a:graphicData uri="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
		`<pic:pic xmlns:pic="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
		`<pic:nvPicPr><pic:cNvPr id="%[2]d" name="docgen_image%[2]d"/><pic:cNvPicPr/></pic:nvPicPr>`+
		`<pic:blipFill><a:blip xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" r:embed="%[1]s"/><a:stretch><a:fillRect/></a:stretch></pic:blipFill>`+
		`<pic:spPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="%[3]d" cy="%[4]d"/></a:xfrm><a:prstGeom prst="rect"><a:avLst/></a:prstGeom></pic:spPr>`+
		`</pic:pic></a:graphicData></a:graphic></wp:inline></w:drawing></w:r><w:r><w:t xml:space="preserve">`,
		relID, n, cx, cy)
}

// normalizePlaceholders joins template actions that Word split across runs.
// Markup inside {{ ... }} is dropped, entities are decoded and typographic
// quotes are straightened so the action parses.
func normalizePlaceholders(xml string) string {
	var out strings.Builder
	out.Grow(len(xml))

	i := 0
	for i < len(xml) {
		start, ok := nextTextBrace(xml, i)
		if !ok {
			out.WriteString(xml[i:])
			break
		}
		end, ok := actionEnd(xml, start)
		if !ok {
			out.WriteString(xml[i:])
			break
		}
		out.WriteString(xml[i:start])
		action := xmlTag.ReplaceAllString(xml[start:end], "")
		out.WriteString(smartQuotes.Replace(html.UnescapeString(action)))
		i = end
	}
	return out.String()
}

// nextTextBrace finds the next "{" that is followed by another "{" once tags
// between them are ignored.
func nextTextBrace(xml string, from int) (int, bool) {
	for i := from; i < len(xml); i++ {
		switch xml[i] {
		case '<':
			j := strings.IndexByte(xml[i:], '>')
			if j < 0 {
				return 0, false
			}
			i += j
		case '{':
			if next, ok := skipTags(xml, i+1); ok && next < len(xml) && xml[next] == '{' {
				return i, true
			}
		}
	}
	return 0, false
}

// actionEnd returns the index just past the closing "}}" of the action
// starting at start, ignoring tags in between.
func actionEnd(xml string, start int) (int, bool) {
	for i := start + 1; i < len(xml); i++ {
		switch xml[i] {
		case '<':
			j := strings.IndexByte(xml[i:], '>')
			if j < 0 {
				return 0, false
			}
			i += j
		case '}':
			if next, ok := skipTags(xml, i+1); ok && next < len(xml) && xml[next] == '}' {
				return next + 1, true
			}
		}
	}
	return 0, false
}

func skipTags(xml string, i int) (int, bool) {
	for i < len(xml) && xml[i] == '<' {
		j := strings.IndexByte(xml[i:], '>')
		if j < 0 {
			return 0, false
		}
		i += j + 1
	}
	return i, true
}

// escapeXMLValue escapes strings so they can be placed inside w:t elements.
func escapeXMLValue(v any) any {
	switch t := v.(type) {
	case string:
		return html.EscapeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = escapeXMLValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = escapeXMLValue(val)
		}
		return out
	}
	return v
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
