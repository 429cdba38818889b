package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/Lllllllleong/docgenflow/internal/config"
	"github.com/Lllllllleong/docgenflow/internal/gcp"
	"github.com/Lllllllleong/docgenflow/internal/gotenberg"
	"github.com/Lllllllleong/docgenflow/internal/models"
	"github.com/Lllllllleong/docgenflow/internal/pdfutil"
	"github.com/Lllllllleong/docgenflow/internal/processor"
	"github.com/Lllllllleong/docgenflow/internal/registry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	templatesPrefix = "templates/"
	documentsPrefix = "documents/"
	pdfContentType  = "application/pdf"

	defaultFlightTimeout = 5 * time.Minute
)

// BlobStore is the object storage used for templates and generated documents.
type BlobStore interface {
	registry.ObjectSource
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// LedgerStore persists GeneratedDocument records.
type LedgerStore interface {
	Find(ctx context.Context, q models.LedgerQuery) (*models.GeneratedDocument, error)
	Put(ctx context.Context, doc *models.GeneratedDocument) error
	DeleteByOutput(ctx context.Context, bucket, key string) (int, error)
}

type ConvertorConfig struct {
	MainBucket  string
	AppVersion  string
	TmpDir      string
	Retention   time.Duration
	Dedupe      bool
	MaxParallel int
	// FlightTimeout bounds a shared run, which outlives any single caller.
	FlightTimeout time.Duration
}

// Convertor generates documents from templates, reusing earlier outputs
// recorded in the ledger.
type Convertor struct {
	blobs    BlobStore
	ledger   LedgerStore
	registry *registry.Registry
	deps     processor.Deps
	config   ConvertorConfig

	flight singleflight.Group
	now    func() time.Time
}

// NewConvertor wires the GCS, Firestore and Gotenberg backed convertor.
func NewConvertor(ctx context.Context, cfg *config.Config) (*Convertor, error) {
	blobs, err := gcp.NewStorage(ctx)
	if err != nil {
		return nil, err
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		if cerr := blobs.Close(); cerr != nil {
			slog.Warn("Failed to close storage client.", "error", cerr)
		}
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	cache := registry.NewContentCache(cfg.DocGen.CacheShards, cfg.DocGen.CacheTTL)
	cache.StartCleanupWorker()

	c := newConvertor(
		ConvertorConfig{
			MainBucket:  cfg.Storage.MainBucket,
			AppVersion:  cfg.AppVersion,
			TmpDir:      cfg.DocGen.TmpDir,
			Retention:   cfg.Ledger.Retention,
			Dedupe:      cfg.DocGen.Dedupe,
			MaxParallel: cfg.DocGen.MaxParallel,
		},
		blobs,
		gcp.NewLedger(firestoreClient, cfg.Ledger.Collection),
		gotenberg.NewClient(cfg.Gotenberg, &http.Client{Timeout: cfg.Gotenberg.MaxTimeout}),
		cache,
	)
	slog.Info("Convertor initialized.", "mainBucket", cfg.Storage.MainBucket, "appVersion", cfg.AppVersion, "gotenberg", cfg.Gotenberg.URL)
	return c, nil
}

func newConvertor(cfg ConvertorConfig, blobs BlobStore, ledger LedgerStore, converter processor.Converter, cache registry.Cache) *Convertor {
	reg := registry.New(blobs, cache)
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.FlightTimeout <= 0 {
		cfg.FlightTimeout = defaultFlightTimeout
	}
	return &Convertor{
		blobs:    blobs,
		ledger:   ledger,
		registry: reg,
		deps: processor.Deps{
			Content:   reg,
			Converter: converter,
			Stamper:   pdfutil.NewStamper(cfg.TmpDir),
			Forms:     pdfutil.FormFiller{},
		},
		config: cfg,
		now:    time.Now,
	}
}

func (c *Convertor) MainBucket() string {
	return c.config.MainBucket
}

// output is one generated or reused document.
type output struct {
	template *models.TemplateDescriptor
	bucket   string
	key      string
	// artifact is set for freshly generated documents only.
	artifact *pdfutil.Artifact
}

// GenerateDocuments generates one document per request. Results follow the
// request order.
func (c *Convertor) GenerateDocuments(ctx context.Context, reqs []models.GenerateRequest) ([]models.MultipleItem, error) {
	reqs, err := c.preflight(reqs)
	if err != nil {
		return nil, err
	}

	scratch, err := pdfutil.NewScratchDir(c.config.TmpDir)
	if err != nil {
		return nil, err
	}
	defer scratch.Close()

	outputs, err := c.generate(ctx, scratch, reqs)
	if err != nil {
		return nil, err
	}

	items := make([]models.MultipleItem, len(outputs))
	for i, out := range outputs {
		items[i] = models.MultipleItem{InputTemplatePath: out.template.TemplatePath, DocumentPath: out.key}
	}
	return items, nil
}

// GenerateSingle generates one document and returns its path in the main bucket.
func (c *Convertor) GenerateSingle(ctx context.Context, req models.GenerateRequest) (string, error) {
	items, err := c.GenerateDocuments(ctx, []models.GenerateRequest{req})
	if err != nil {
		return "", err
	}
	return items[0].DocumentPath, nil
}

// GenerateDocumentsAndMerge generates every document like GenerateDocuments
// and stores their concatenation. Only the parts are recorded in the ledger.
func (c *Convertor) GenerateDocumentsAndMerge(ctx context.Context, reqs []models.GenerateRequest) (string, error) {
	reqs, err := c.preflight(reqs)
	if err != nil {
		return "", err
	}

	scratch, err := pdfutil.NewScratchDir(c.config.TmpDir)
	if err != nil {
		return "", err
	}
	defer scratch.Close()

	outputs, err := c.generate(ctx, scratch, reqs)
	if err != nil {
		return "", err
	}
	artifacts, err := c.artifacts(ctx, outputs)
	if err != nil {
		return "", err
	}

	merged, err := pdfutil.Merge(scratch, artifacts)
	if err != nil {
		return "", err
	}
	key, err := c.save(ctx, merged)
	if err != nil {
		return "", err
	}
	slog.Info("Merged document saved.", "documents", len(outputs), "documentPath", key)
	return key, nil
}

// GenerateAndMerge renders every template of req with the shared variables
// and stores the concatenation under a single ledger record keyed on all
// template fingerprints.
func (c *Convertor) GenerateAndMerge(ctx context.Context, req models.MergeRequest) (string, error) {
	reqs, err := c.preflight(req.Templates())
	if err != nil {
		return "", err
	}
	bucket := reqs[0].BucketName

	scratch, err := pdfutil.NewScratchDir(c.config.TmpDir)
	if err != nil {
		return "", err
	}
	defer scratch.Close()

	templates, err := c.registry.RegisterAll(ctx, reqs)
	if err != nil {
		return "", err
	}

	requestHash, err := models.JointRequestHash(templates, bucket, req.TemplateVariables)
	if err != nil {
		return "", err
	}
	query := models.LedgerQuery{
		Fingerprints: models.TemplateFingerprints(templates),
		Bucket:       bucket,
		RequestHash:  requestHash,
		AppVersion:   c.config.AppVersion,
	}
	logCtx := slog.With("bucket", bucket, "requestHash", query.RequestHash, "scratchDir", scratch.Dir())

	if rec, err := c.lookup(ctx, query); err != nil {
		return "", err
	} else if rec != nil {
		logCtx.Info("Ledger hit for merged document.", "documentPath", rec.OutputPath)
		return rec.OutputPath, nil
	}

	processors, err := c.prepare(templates, scratch)
	if err != nil {
		return "", err
	}
	artifacts := make([]pdfutil.Artifact, len(processors))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.config.MaxParallel)
	for i, p := range processors {
		eg.Go(func() error {
			if err := p.Run(gctx); err != nil {
				return err
			}
			a, err := p.ResultArtifact()
			if err != nil {
				return err
			}
			artifacts[i] = a
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	merged, err := pdfutil.Merge(scratch, artifacts)
	if err != nil {
		return "", err
	}
	key, err := c.save(ctx, merged)
	if err != nil {
		return "", err
	}
	if err := c.record(ctx, query, key); err != nil {
		return "", err
	}
	logCtx.Info("Merged document saved.", "documents", len(templates), "documentPath", key)
	return key, nil
}

// preflight fills in the default bucket and rejects requests that break the
// extension or folder rules, name an image without a path or carry variables
// that cannot be hashed. Nothing is downloaded before it passes.
func (c *Convertor) preflight(reqs []models.GenerateRequest) ([]models.GenerateRequest, error) {
	if len(reqs) == 0 {
		return nil, models.NewNoTemplates()
	}
	out := make([]models.GenerateRequest, len(reqs))
	for i, req := range reqs {
		if req.BucketName == "" {
			req.BucketName = c.config.MainBucket
		}
		if _, err := processor.KindFromPath(req.TemplatePath); err != nil {
			return nil, err
		}
		if req.BucketName == c.config.MainBucket && !strings.HasPrefix(path.Clean(req.TemplatePath), templatesPrefix) {
			return nil, models.NewFolderAccessForbidden(req.TemplatePath)
		}
		for j, img := range req.Images {
			if img.ImagePath == "" {
				return nil, models.NewMissingImagePath(j)
			}
		}
		if err := models.CheckVariables(req.TemplateVariables); err != nil {
			return nil, err
		}
		out[i] = req
	}
	return out, nil
}

// generate resolves, looks up and produces every requested document.
// Outputs are ordered by ordinal.
func (c *Convertor) generate(ctx context.Context, scratch *pdfutil.ScratchDir, reqs []models.GenerateRequest) ([]output, error) {
	templates, err := c.registry.RegisterAll(ctx, reqs)
	if err != nil {
		return nil, err
	}

	outputs := make([]output, len(templates))
	hit := make([]bool, len(templates))
	eg, gctx := errgroup.WithContext(ctx)
	for _, t := range templates {
		eg.Go(func() error {
			query, err := c.queryFor(t)
			if err != nil {
				return err
			}
			rec, err := c.lookup(gctx, query)
			if err != nil {
				return err
			}
			if rec != nil {
				slog.Info("Ledger hit.", "templatePath", t.TemplatePath, "requestHash", rec.RequestHash, "documentPath", rec.OutputPath)
				outputs[t.Ordinal] = output{template: t, bucket: rec.OutputBucket, key: rec.OutputPath}
				hit[t.Ordinal] = true
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var misses []*models.TemplateDescriptor
	for _, t := range templates {
		if !hit[t.Ordinal] {
			misses = append(misses, t)
		}
	}
	if len(misses) == 0 {
		return outputs, nil
	}

	processors, err := c.prepare(misses, scratch)
	if err != nil {
		return nil, err
	}

	eg, gctx = errgroup.WithContext(ctx)
	eg.SetLimit(c.config.MaxParallel)
	for _, p := range processors {
		eg.Go(func() error {
			out, err := c.produce(gctx, p)
			if err != nil {
				return err
			}
			outputs[p.Template().Ordinal] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// prepare builds and validates a processor per template. Validation of every
// template completes before any conversion starts.
func (c *Convertor) prepare(templates []*models.TemplateDescriptor, scratch *pdfutil.ScratchDir) ([]*processor.Processor, error) {
	processors := make([]*processor.Processor, 0, len(templates))
	for _, t := range templates {
		p, err := processor.New(t, c.deps, scratch)
		if err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		processors = append(processors, p)
	}
	return processors, nil
}

// produce runs p, saves the result and records it. With dedupe enabled,
// identical requests in flight in this process share one run.
func (c *Convertor) produce(ctx context.Context, p *processor.Processor) (output, error) {
	t := p.Template()
	query, err := c.queryFor(t)
	if err != nil {
		return output{}, err
	}

	var saved savedDocument
	if c.config.Dedupe {
		saved, err = c.produceShared(ctx, t, query)
	} else {
		saved, err = c.run(ctx, p, query)
	}
	if err != nil {
		return output{}, err
	}
	slog.Info("Document ready.", "templatePath", t.TemplatePath, "kind", p.Kind().String(), "documentPath", saved.key, "shared", saved.shared)
	return output{
		template: t,
		bucket:   c.config.MainBucket,
		key:      saved.key,
		artifact: &pdfutil.Artifact{Content: saved.content},
	}, nil
}

// produceShared joins or starts the run for the request hash. The run owns
// its scratch dir and a context detached from every caller, so a caller that
// gives up only stops waiting for it.
func (c *Convertor) produceShared(ctx context.Context, t *models.TemplateDescriptor, query models.LedgerQuery) (savedDocument, error) {
	ch := c.flight.DoChan(query.RequestHash, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.FlightTimeout)
		defer cancel()

		scratch, err := pdfutil.NewScratchDir(c.config.TmpDir)
		if err != nil {
			return nil, err
		}
		defer scratch.Close()

		p, err := processor.New(t, c.deps, scratch)
		if err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return c.run(runCtx, p, query)
	})

	select {
	case <-ctx.Done():
		return savedDocument{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return savedDocument{}, res.Err
		}
		saved := res.Val.(savedDocument)
		saved.shared = res.Shared
		return saved, nil
	}
}

func (c *Convertor) run(ctx context.Context, p *processor.Processor, query models.LedgerQuery) (savedDocument, error) {
	t := p.Template()
	if err := p.Run(ctx); err != nil {
		return savedDocument{}, err
	}
	content, err := p.Result()
	if err != nil {
		return savedDocument{}, err
	}
	key, err := c.save(ctx, content)
	if err != nil {
		return savedDocument{}, err
	}
	if err := c.record(ctx, query, key); err != nil {
		return savedDocument{}, err
	}
	slog.Info("Document saved.", "templatePath", t.TemplatePath, "requestHash", query.RequestHash, "documentPath", key)
	return savedDocument{key: key, content: content}, nil
}

type savedDocument struct {
	key     string
	content []byte
	shared  bool
}

func (c *Convertor) queryFor(t *models.TemplateDescriptor) (models.LedgerQuery, error) {
	requestHash, err := t.RequestHash()
	if err != nil {
		return models.LedgerQuery{}, err
	}
	return models.LedgerQuery{
		Fingerprints: []string{t.Fingerprint},
		Bucket:       t.Bucket,
		RequestHash:  requestHash,
		AppVersion:   c.config.AppVersion,
	}, nil
}

// lookup returns a usable ledger record or nil. Records past their expiry or
// pointing at a deleted object count as misses.
func (c *Convertor) lookup(ctx context.Context, q models.LedgerQuery) (*models.GeneratedDocument, error) {
	rec, err := c.ledger.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if !rec.ExpiresAt.IsZero() && !c.now().Before(rec.ExpiresAt) {
		slog.Warn("Ledger record expired.", "recordId", rec.ID, "expiresAt", rec.ExpiresAt)
		return nil, nil
	}
	exists, err := c.blobs.Exists(ctx, rec.OutputBucket, rec.OutputPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		slog.Warn("Ledger record points at a missing document.", "recordId", rec.ID, "documentPath", rec.OutputPath)
		return nil, nil
	}
	return rec, nil
}

func (c *Convertor) save(ctx context.Context, content []byte) (string, error) {
	key := documentsPrefix + uuid.NewString() + ".pdf"
	if err := c.blobs.Put(ctx, c.config.MainBucket, key, content, pdfContentType); err != nil {
		return "", fmt.Errorf("failed to save document: %w", err)
	}
	return key, nil
}

func (c *Convertor) record(ctx context.Context, q models.LedgerQuery, key string) error {
	now := c.now().UTC()
	doc := &models.GeneratedDocument{
		ID:           uuid.NewString(),
		Fingerprints: models.JoinFingerprints(q.Fingerprints),
		Bucket:       q.Bucket,
		RequestHash:  q.RequestHash,
		AppVersion:   q.AppVersion,
		OutputBucket: c.config.MainBucket,
		OutputPath:   key,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.config.Retention / 2),
	}
	return c.ledger.Put(ctx, doc)
}

// artifacts returns the content of every output in order, downloading the
// documents that came from the ledger.
func (c *Convertor) artifacts(ctx context.Context, outputs []output) ([]pdfutil.Artifact, error) {
	artifacts := make([]pdfutil.Artifact, len(outputs))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.config.MaxParallel)
	for i, out := range outputs {
		if out.artifact != nil {
			artifacts[i] = *out.artifact
			continue
		}
		eg.Go(func() error {
			content, err := c.blobs.Get(gctx, out.bucket, out.key)
			if err != nil {
				return fmt.Errorf("failed to download generated document %s: %w", out.key, err)
			}
			artifacts[i] = pdfutil.Artifact{Content: content}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return artifacts, nil
}
