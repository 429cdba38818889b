package gcp

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/docgenflow/internal/models"
	"google.golang.org/api/iterator"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// Ledger stores GeneratedDocument records in a Firestore collection.
type Ledger struct {
	client     *firestore.Client
	collection string
}

func NewLedger(client *firestore.Client, collection string) *Ledger {
	return &Ledger{client: client, collection: collection}
}

// Find returns a record matching every field of q, or nil when none exists.
func (l *Ledger) Find(ctx context.Context, q models.LedgerQuery) (*models.GeneratedDocument, error) {
	iter := l.client.Collection(l.collection).
		Where("fingerprints", "==", models.JoinFingerprints(q.Fingerprints)).
		Where("bucket", "==", q.Bucket).
		Where("requestHash", "==", q.RequestHash).
		Where("appVersion", "==", q.AppVersion).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}

	var doc models.GeneratedDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode ledger record %s: %w", snap.Ref.ID, err)
	}
	doc.ID = snap.Ref.ID
	return &doc, nil
}

// Put stores doc under doc.ID.
func (l *Ledger) Put(ctx context.Context, doc *models.GeneratedDocument) error {
	if doc.ID == "" {
		return fmt.Errorf("ledger record has no id")
	}
	if _, err := l.client.Collection(l.collection).Doc(doc.ID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to write ledger record %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteByOutput removes every record that points at the given object and
// returns how many were deleted.
func (l *Ledger) DeleteByOutput(ctx context.Context, bucket, key string) (int, error) {
	snaps, err := l.client.Collection(l.collection).
		Where("outputBucket", "==", bucket).
		Where("outputPath", "==", key).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to query ledger records for gs://%s/%s: %w", bucket, key, err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	bw := l.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(snaps))
	for _, snap := range snaps {
		job, err := bw.Delete(snap.Ref)
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to enqueue delete of %s: %w", snap.Ref.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	deleted := 0
	var errs []error
	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", snaps[i].Ref.ID, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
