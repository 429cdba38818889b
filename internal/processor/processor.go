// Package processor turns a resolved template into a finished PDF in three
// stages: render, convert, watermark. Each template kind supplies its own
// render and convert steps; the watermark step is shared.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/Lllllllleong/docgenflow/internal/models"
	"github.com/Lllllllleong/docgenflow/internal/pdfutil"
)

// Kind is the template family, derived from the template file extension.
type Kind int

const (
	KindDocx Kind = iota + 1
	KindHTML
	KindPDF
)

func (k Kind) String() string {
	switch k {
	case KindDocx:
		return "docx"
	case KindHTML:
		return "html"
	case KindPDF:
		return "pdf"
	}
	return "unknown"
}

// KindFromPath resolves the kind of a template path, case-insensitively.
func KindFromPath(templatePath string) (Kind, error) {
	ext := strings.ToLower(path.Ext(templatePath))
	switch ext {
	case ".docx":
		return KindDocx, nil
	case ".html":
		return KindHTML, nil
	case ".pdf":
		return KindPDF, nil
	}
	return 0, models.NewUnsupportedExtension(ext)
}

// ContentSource returns cached file content by fingerprint.
type ContentSource interface {
	Content(fingerprint string) ([]byte, error)
}

// Converter is the conversion backend.
type Converter interface {
	ConvertDocx(ctx context.Context, content []byte, filename string) ([]byte, error)
	ConvertHTML(ctx context.Context, index, header, footer []byte) ([]byte, error)
}

// Stamper overlays a watermark on a PDF file.
type Stamper interface {
	Stamp(scratch *pdfutil.ScratchDir, documentPath string, watermark []byte) (string, error)
}

// FormFiller fills and flattens PDF forms.
type FormFiller interface {
	Fill(scratch *pdfutil.ScratchDir, form []byte, values map[string]any) (string, bool, error)
}

// Deps are the collaborators shared by all processors of a request.
type Deps struct {
	Content   ContentSource
	Converter Converter
	Stamper   Stamper
	Forms     FormFiller
}

// Stage is the last completed step of a processor.
type Stage int

const (
	StagePending Stage = iota
	StageRendered
	StageConverted
	StageWatermarked
)

func (s Stage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageRendered:
		return "rendered"
	case StageConverted:
		return "converted"
	case StageWatermarked:
		return "watermarked"
	}
	return "unknown"
}

type Outcome int

const (
	OutcomeDone Outcome = iota + 1
	OutcomeSkipped
)

func (o Outcome) String() string {
	if o == OutcomeSkipped {
		return "skipped"
	}
	return "done"
}

// Transition records how a stage was reached and the artifact it left behind.
type Transition struct {
	Stage    Stage
	Outcome  Outcome
	Artifact pdfutil.Artifact
}

// variant is the kind-specific part of a processor. A step returns ok=false
// to skip itself; the previous artifact is then carried forward.
type variant interface {
	validate() error
	render(ctx context.Context, scratch *pdfutil.ScratchDir) (pdfutil.Artifact, bool, error)
	convert(ctx context.Context, scratch *pdfutil.ScratchDir, rendered pdfutil.Artifact) (pdfutil.Artifact, bool, error)
}

// Processor runs one template through all stages. It is not safe for
// concurrent use; different processors may run in parallel.
type Processor struct {
	template *models.TemplateDescriptor
	kind     Kind
	deps     Deps
	scratch  *pdfutil.ScratchDir
	v        variant

	validated   bool
	transitions []Transition
}

// New selects the variant for the template kind.
func New(t *models.TemplateDescriptor, deps Deps, scratch *pdfutil.ScratchDir) (*Processor, error) {
	kind, err := KindFromPath(t.TemplatePath)
	if err != nil {
		return nil, err
	}
	p := &Processor{template: t, kind: kind, deps: deps, scratch: scratch}
	switch kind {
	case KindDocx:
		p.v = &docxVariant{t: t, deps: deps}
	case KindHTML:
		p.v = &htmlVariant{t: t, deps: deps}
	case KindPDF:
		p.v = &pdfFormVariant{t: t, deps: deps}
	}
	return p, nil
}

func (p *Processor) Template() *models.TemplateDescriptor {
	return p.template
}

func (p *Processor) Kind() Kind {
	return p.kind
}

// Stage returns the last completed stage.
func (p *Processor) Stage() Stage {
	if len(p.transitions) == 0 {
		return StagePending
	}
	return p.transitions[len(p.transitions)-1].Stage
}

// Transitions returns the recorded stage history.
func (p *Processor) Transitions() []Transition {
	return append([]Transition(nil), p.transitions...)
}

// Validate checks the template against the supplied variables without
// producing output.
func (p *Processor) Validate() error {
	if err := p.v.validate(); err != nil {
		return err
	}
	p.validated = true
	return nil
}

// Run executes render, convert and watermark in order.
func (p *Processor) Run(ctx context.Context) error {
	if !p.validated {
		return models.NewIncorrectProcessorState("validated")
	}
	if p.Stage() != StagePending {
		return models.NewIncorrectProcessorState("stage")
	}
	logCtx := slog.With("templatePath", p.template.TemplatePath, "fingerprint", p.template.Fingerprint, "kind", p.kind.String())

	rendered, ok, err := p.v.render(ctx, p.scratch)
	if err != nil {
		return fmt.Errorf("render %s: %w", p.template.TemplatePath, err)
	}
	if !ok {
		content, err := p.deps.Content.Content(p.template.Fingerprint)
		if err != nil {
			return err
		}
		rendered = pdfutil.Artifact{Content: content}
	}
	p.record(StageRendered, ok, rendered)

	converted, ok, err := p.v.convert(ctx, p.scratch, rendered)
	if err != nil {
		return fmt.Errorf("convert %s: %w", p.template.TemplatePath, err)
	}
	if !ok {
		converted = rendered
	}
	p.record(StageConverted, ok, converted)

	stamped, ok, err := p.watermark(converted)
	if err != nil {
		return fmt.Errorf("watermark %s: %w", p.template.TemplatePath, err)
	}
	if !ok {
		stamped = converted
	}
	p.record(StageWatermarked, ok, stamped)

	logCtx.Info("Document processed.", "stages", p.summary())
	return nil
}

// Result returns the finished PDF bytes.
func (p *Processor) Result() ([]byte, error) {
	if p.Stage() != StageWatermarked {
		return nil, models.NewIncorrectProcessorState("result")
	}
	return p.transitions[len(p.transitions)-1].Artifact.Bytes()
}

// ResultArtifact returns the final artifact without reading it from disk.
func (p *Processor) ResultArtifact() (pdfutil.Artifact, error) {
	if p.Stage() != StageWatermarked {
		return pdfutil.Artifact{}, models.NewIncorrectProcessorState("result")
	}
	return p.transitions[len(p.transitions)-1].Artifact, nil
}

func (p *Processor) watermark(converted pdfutil.Artifact) (pdfutil.Artifact, bool, error) {
	if p.template.WatermarkFingerprint == "" {
		return pdfutil.Artifact{}, false, nil
	}
	wm, err := p.deps.Content.Content(p.template.WatermarkFingerprint)
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}
	docPath, err := converted.Materialize(p.scratch, "converted")
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}
	out, err := p.deps.Stamper.Stamp(p.scratch, docPath, wm)
	if err != nil {
		return pdfutil.Artifact{}, false, err
	}
	return pdfutil.Artifact{Path: out}, true, nil
}

func (p *Processor) record(stage Stage, done bool, a pdfutil.Artifact) {
	outcome := OutcomeDone
	if !done {
		outcome = OutcomeSkipped
	}
	p.transitions = append(p.transitions, Transition{Stage: stage, Outcome: outcome, Artifact: a})
}

func (p *Processor) summary() string {
	parts := make([]string, 0, len(p.transitions))
	for _, t := range p.transitions {
		parts = append(parts, t.Stage.String()+"="+t.Outcome.String())
	}
	return strings.Join(parts, ",")
}
