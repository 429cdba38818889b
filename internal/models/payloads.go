package models

import (
	"path"
	"strings"
)

// These structs define the JSON payloads of the document generation functions.

// ImageRequest binds an image stored in the bucket to a template variable.
type ImageRequest struct {
	VariableName string `json:"variableName"`
	ImagePath    string `json:"imagePath"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// GenerateRequest asks for one document rendered from one template.
// Empty optional paths mean "not supplied".
type GenerateRequest struct {
	BucketName        string         `json:"bucketName,omitempty"`
	TemplatePath      string         `json:"templatePath"`
	TemplateVariables map[string]any `json:"templateVariables"`
	WatermarkPath     string         `json:"watermarkPath,omitempty"`
	HeaderPath        string         `json:"headerPath,omitempty"`
	FooterPath        string         `json:"footerPath,omitempty"`
	Images            []ImageRequest `json:"images,omitempty"`
}

// MultipleRequest asks for several independent documents.
type MultipleRequest struct {
	Templates []GenerateRequest `json:"templates"`
}

// MergeRequest asks for one document built from several templates that share
// the same variables, images and watermark.
type MergeRequest struct {
	BucketName        string         `json:"bucketName,omitempty"`
	TemplatePaths     []string       `json:"templatePaths"`
	TemplateVariables map[string]any `json:"templateVariables"`
	Images            []ImageRequest `json:"images,omitempty"`
	WatermarkPath     string         `json:"watermarkPath,omitempty"`
}

// Templates expands the merge request into one GenerateRequest per template.
// Images only apply to word-processing templates; headers and footers are not
// supported for merges.
func (r *MergeRequest) Templates() []GenerateRequest {
	out := make([]GenerateRequest, 0, len(r.TemplatePaths))
	for _, templatePath := range r.TemplatePaths {
		var images []ImageRequest
		if strings.EqualFold(path.Ext(templatePath), ".docx") {
			images = r.Images
		}
		out = append(out, GenerateRequest{
			BucketName:        r.BucketName,
			TemplatePath:      templatePath,
			TemplateVariables: r.TemplateVariables,
			WatermarkPath:     r.WatermarkPath,
			Images:            images,
		})
	}
	return out
}

// SingleResponse points to one generated document.
type SingleResponse struct {
	BucketName   string `json:"bucketName"`
	DocumentPath string `json:"documentPath"`
}

// MultipleItem pairs an input template with its generated document.
type MultipleItem struct {
	InputTemplatePath string `json:"inputTemplatePath"`
	DocumentPath      string `json:"documentPath"`
}

// MultipleResponse lists generated documents in request order.
type MultipleResponse struct {
	BucketName string         `json:"bucketName"`
	Documents  []MultipleItem `json:"documents"`
}

// ErrorResponse is the body returned for failed requests.
type ErrorResponse struct {
	Message    string `json:"message"`
	FieldName  string `json:"fieldName,omitempty"`
	FieldValue string `json:"fieldValue,omitempty"`
}

// GCSEvent is the data payload of a Cloud Storage CloudEvent.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}
