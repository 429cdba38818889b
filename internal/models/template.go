package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"slices"
	"strings"
)

// ImageAttachment binds an image file to a template variable.
// Width and Height are in millimetres.
type ImageAttachment struct {
	Fingerprint  string `json:"fingerprint"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	VariableName string `json:"variable"`
}

// TemplateDescriptor is one resolved template instance. Every referenced file
// is identified by the content fingerprint under which the registry caches it.
type TemplateDescriptor struct {
	Fingerprint  string
	Bucket       string
	Variables    map[string]any
	TemplatePath string
	// Ordinal is the position of the template in the caller's request.
	Ordinal int

	HeaderFingerprint    string
	FooterFingerprint    string
	WatermarkFingerprint string
	Images               []ImageAttachment
}

// Suffix returns the lower-cased file extension of the template path, dot included.
func (t *TemplateDescriptor) Suffix() string {
	return strings.ToLower(path.Ext(t.TemplatePath))
}

// RequestHash is the idempotency key of the descriptor. It does not depend on
// the ordinal or the template path, only on the content that shapes the output.
func (t *TemplateDescriptor) RequestHash() (string, error) {
	return hashRequest(requestKey{
		Fingerprints: fingerprintSet([]string{t.Fingerprint}, t.WatermarkFingerprint, t.Images),
		Bucket:       t.Bucket,
		Variables:    t.Variables,
		Header:       t.HeaderFingerprint,
		Footer:       t.FooterFingerprint,
		Images:       sortedImages(t.Images),
	})
}

// JointRequestHash is the idempotency key of a merge request built from several
// templates that share bucket and variables.
func JointRequestHash(templates []*TemplateDescriptor, bucket string, variables map[string]any) (string, error) {
	var (
		fingerprints []string
		images       []ImageAttachment
		watermark    string
	)
	for _, t := range templates {
		fingerprints = append(fingerprints, t.Fingerprint)
		if watermark == "" {
			watermark = t.WatermarkFingerprint
		}
		if images == nil && len(t.Images) > 0 {
			images = t.Images
		}
	}
	return hashRequest(requestKey{
		Fingerprints: fingerprintSet(fingerprints, watermark, images),
		Bucket:       bucket,
		Variables:    variables,
		Images:       sortedImages(images),
	})
}

// TemplateFingerprints lists the template fingerprints in request order.
func TemplateFingerprints(templates []*TemplateDescriptor) []string {
	out := make([]string, 0, len(templates))
	for _, t := range templates {
		out = append(out, t.Fingerprint)
	}
	return out
}

type requestKey struct {
	Fingerprints []string          `json:"fingerprints"`
	Bucket       string            `json:"bucket"`
	Variables    map[string]any    `json:"variables"`
	Header       string            `json:"header,omitempty"`
	Footer       string            `json:"footer,omitempty"`
	Images       []ImageAttachment `json:"images,omitempty"`
}

func fingerprintSet(templates []string, watermark string, images []ImageAttachment) []string {
	set := slices.Clone(templates)
	if watermark != "" {
		set = append(set, watermark)
	}
	for _, img := range images {
		set = append(set, img.Fingerprint)
	}
	slices.Sort(set)
	return set
}

func sortedImages(images []ImageAttachment) []ImageAttachment {
	if len(images) == 0 {
		return nil
	}
	out := slices.Clone(images)
	slices.SortFunc(out, func(a, b ImageAttachment) int {
		if c := strings.Compare(a.VariableName, b.VariableName); c != 0 {
			return c
		}
		return strings.Compare(a.Fingerprint, b.Fingerprint)
	})
	return out
}

// hashRequest relies on encoding/json writing map keys in sorted order, which
// makes the serialization canonical for any variables mapping.
func hashRequest(key requestKey) (string, error) {
	encoded, err := json.Marshal(key)
	if err != nil {
		return "", NewInvalidVariables(err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// CheckVariables reports variables that cannot take part in a request hash.
func CheckVariables(variables map[string]any) error {
	if _, err := json.Marshal(variables); err != nil {
		return NewInvalidVariables(err)
	}
	return nil
}
