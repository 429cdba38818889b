package gcp

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/docgenflow/internal/models"
	"google.golang.org/api/googleapi"
)

const (
	uploadRetries = 4
	uploadTimeout = 50 * time.Second
)

// Storage is the GCS blob store.
type Storage struct {
	client *storage.Client
}

func NewStorage(ctx context.Context) (*Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &Storage{client: client}, nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

// Head returns the object metadata. The fingerprint is the hex MD5 of the
// content, or the ETag for composite objects that have no MD5.
func (s *Storage) Head(ctx context.Context, bucket, key string) (models.ObjectInfo, error) {
	attrs, err := s.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return models.ObjectInfo{}, fmt.Errorf("gs://%s/%s: %w", bucket, key, models.ErrObjectNotFound)
		}
		return models.ObjectInfo{}, fmt.Errorf("failed to get attrs of gs://%s/%s: %w", bucket, key, err)
	}
	fingerprint := attrs.Etag
	if len(attrs.MD5) > 0 {
		fingerprint = hex.EncodeToString(attrs.MD5)
	}
	return models.ObjectInfo{Fingerprint: fingerprint, Size: attrs.Size}, nil
}

func (s *Storage) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", bucket, key, models.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *Storage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check gs://%s/%s: %w", bucket, key, err)
}

// Put writes data to a new object. Keys are never reused, so an existing
// object (HTTP 412) means an earlier attempt already succeeded.
func (s *Storage) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	return retryUpload(ctx, key, sleepCtx, func() error {
		return s.putOnce(ctx, bucket, key, data, contentType)
	})
}

// retryUpload runs attempt up to uploadRetries times, doubling the backoff
// between attempts. There is no wait after the last one.
func retryUpload(ctx context.Context, key string, wait func(context.Context, time.Duration) error, attempt func() error) error {
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < uploadRetries; i++ {
		err := attempt()
		if err == nil {
			return nil
		}

		lastErr = err
		if i == uploadRetries-1 {
			break
		}
		slog.Warn(
			"Upload failed, will retry.",
			"gcsObject", key,
			"attempt", i+1,
			"maxRetries", uploadRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		if err := wait(ctx, backoff); err != nil {
			slog.Error("Context cancelled during backoff. Aborting retries.", "gcsObject", key, "error", err)
			return err
		}
		backoff *= 2
	}
	slog.Error("Upload failed after all retries.", "gcsObject", key, "error", lastErr)
	return fmt.Errorf("upload for %s failed after all retries: %w", key, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Storage) putOnce(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	writeCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	writer := s.client.Bucket(bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(writeCtx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping.", "gcsObject", key)
			return nil
		}
		return fmt.Errorf("io.Copy to GCS failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping.", "gcsObject", key)
			return nil
		}
		return fmt.Errorf("failed to close GCS writer (finalize upload): %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
