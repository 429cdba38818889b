package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/docgenflow/internal/config"
	"github.com/Lllllllleong/docgenflow/internal/gcp"
	"github.com/Lllllllleong/docgenflow/internal/models"
)

type JanitorConfig struct {
	MainBucket string
}

// JanitorFunction drops ledger records whose generated document was deleted.
type JanitorFunction struct {
	ledger LedgerStore
	config JanitorConfig
}

func NewJanitor(ctx context.Context, cfg *config.Config) (*JanitorFunction, error) {
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	j := newJanitor(JanitorConfig{MainBucket: cfg.Storage.MainBucket}, gcp.NewLedger(firestoreClient, cfg.Ledger.Collection))
	slog.Info("Ledger janitor initialized.", "mainBucket", cfg.Storage.MainBucket, "collection", cfg.Ledger.Collection)
	return j, nil
}

func newJanitor(cfg JanitorConfig, ledger LedgerStore) *JanitorFunction {
	return &JanitorFunction{ledger: ledger, config: cfg}
}

// Process handles an object deletion. Objects outside the generated
// documents folder of the main bucket are ignored.
func (j *JanitorFunction) Process(ctx context.Context, e models.GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)

	if e.Bucket != j.config.MainBucket || !strings.HasPrefix(e.Name, documentsPrefix) {
		logCtx.Info("Object is not a generated document. Skipping.")
		return nil
	}

	deleted, err := j.ledger.DeleteByOutput(ctx, e.Bucket, e.Name)
	if err != nil {
		logCtx.Error("Failed to delete ledger records", "error", err, "deleted", deleted)
		return err
	}
	logCtx.Info("Ledger records removed.", "deleted", deleted)
	return nil
}
