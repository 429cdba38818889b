package models

import (
	"strings"
	"time"
)

// GeneratedDocument is the ledger record of a generated PDF in Firestore.
// It maps the request identity to the stored output object.
type GeneratedDocument struct {
	ID           string    `firestore:"id,omitempty"`
	Fingerprints string    `firestore:"fingerprints"`
	Bucket       string    `firestore:"bucket"`
	RequestHash  string    `firestore:"requestHash"`
	AppVersion   string    `firestore:"appVersion"`
	OutputBucket string    `firestore:"outputBucket"`
	OutputPath   string    `firestore:"outputPath"`
	CreatedAt    time.Time `firestore:"createdAt"`
	ExpiresAt    time.Time `firestore:"expiresAt"` // Firestore TTL field
}

// LedgerQuery selects a GeneratedDocument. All fields must match exactly.
type LedgerQuery struct {
	Fingerprints []string
	Bucket       string
	RequestHash  string
	AppVersion   string
}

// JoinFingerprints is the stored form of a fingerprint list. Order is kept
// because merged outputs depend on it.
func JoinFingerprints(fingerprints []string) string {
	return strings.Join(fingerprints, ",")
}

// ObjectInfo is the metadata of a blob store object.
type ObjectInfo struct {
	Fingerprint string
	Size        int64
}
