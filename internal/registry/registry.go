package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/docgenflow/internal/models"
	"golang.org/x/sync/errgroup"
)

// ObjectSource is the part of the blob store the registry reads from.
type ObjectSource interface {
	Head(ctx context.Context, bucket, key string) (models.ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Registry resolves template requests into content fingerprints and keeps the
// referenced bytes available in the cache for the TTL window.
type Registry struct {
	source ObjectSource
	cache  Cache
}

func New(source ObjectSource, cache Cache) *Registry {
	return &Registry{source: source, cache: cache}
}

// RegisterAll resolves all requests concurrently. Ordinals follow input order.
func (r *Registry) RegisterAll(ctx context.Context, reqs []models.GenerateRequest) ([]*models.TemplateDescriptor, error) {
	out := make([]*models.TemplateDescriptor, len(reqs))
	eg, gctx := errgroup.WithContext(ctx)
	for i := range reqs {
		eg.Go(func() error {
			slog.Info("Registering template.", "templateNumber", i+1, "templatePath", reqs[i].TemplatePath, "bucket", reqs[i].BucketName)
			d, err := r.Register(gctx, reqs[i])
			if err != nil {
				return err
			}
			d.Ordinal = i
			out[i] = d
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Register resolves every path referenced by req. All paths are fetched
// concurrently; any missing file fails the whole request.
func (r *Registry) Register(ctx context.Context, req models.GenerateRequest) (*models.TemplateDescriptor, error) {
	bucket := req.BucketName
	d := &models.TemplateDescriptor{
		Bucket:       bucket,
		Variables:    req.TemplateVariables,
		TemplatePath: req.TemplatePath,
		Ordinal:      -1,
	}
	if d.Variables == nil {
		d.Variables = map[string]any{}
	}
	if len(req.Images) > 0 {
		d.Images = make([]models.ImageAttachment, len(req.Images))
	}

	eg, gctx := errgroup.WithContext(ctx)
	register := func(key string, dst *string) {
		if key == "" {
			return
		}
		eg.Go(func() error {
			fp, err := r.registerFile(gctx, bucket, key)
			if err != nil {
				return err
			}
			*dst = fp
			return nil
		})
	}

	register(req.TemplatePath, &d.Fingerprint)
	register(req.HeaderPath, &d.HeaderFingerprint)
	register(req.FooterPath, &d.FooterFingerprint)
	register(req.WatermarkPath, &d.WatermarkFingerprint)
	for i, img := range req.Images {
		d.Images[i] = models.ImageAttachment{
			Width:        img.Width,
			Height:       img.Height,
			VariableName: img.VariableName,
		}
		register(img.ImagePath, &d.Images[i].Fingerprint)
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}

// Content returns the cached bytes for a fingerprint. A miss means the entry
// expired between registration and use and the request should be repeated.
func (r *Registry) Content(fingerprint string) ([]byte, error) {
	content, ok := r.cache.Get(fingerprint)
	if !ok {
		return nil, models.NewNotInRegistry(fingerprint)
	}
	return content, nil
}

func (r *Registry) registerFile(ctx context.Context, bucket, key string) (string, error) {
	info, err := r.source.Head(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, models.ErrObjectNotFound) {
			return "", models.NewFileNotFound(key)
		}
		return "", fmt.Errorf("failed to read metadata of gs://%s/%s: %w", bucket, key, err)
	}

	if r.cache.Touch(info.Fingerprint) {
		return info.Fingerprint, nil
	}

	content, err := r.source.Get(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, models.ErrObjectNotFound) {
			return "", models.NewFileNotFound(key)
		}
		return "", fmt.Errorf("failed to download gs://%s/%s: %w", bucket, key, err)
	}
	r.cache.Set(info.Fingerprint, content)
	slog.Info("Cached file content.", "bucket", bucket, "key", key, "fingerprint", info.Fingerprint, "size", len(content))
	return info.Fingerprint, nil
}
