package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for document generation. Callers match them with errors.Is;
// the structured details travel in *Error.
var (
	ErrFileNotFound            = errors.New("file by path does not exist")
	ErrNotInRegistry           = errors.New("file doesn't exist in cache (registry), repeat request")
	ErrMissingVariables        = errors.New("not all required template variables were provided")
	ErrUnsupportedExtension    = errors.New("unsupported template extension")
	ErrInvalidTemplate         = errors.New("cannot use template, because it's invalid")
	ErrFolderAccessForbidden   = errors.New("access to folder is forbidden")
	ErrConversionFailed        = errors.New("document converting failed, timeout exceeded")
	ErrIncorrectProcessorState = errors.New("document processor is in incorrect state")
	ErrNoTemplates             = errors.New("at least one template is required")
	ErrInvalidVariables        = errors.New("template variables cannot be serialized")
	ErrMissingImagePath        = errors.New("image path is required")

	// ErrObjectNotFound is returned by blob store implementations.
	ErrObjectNotFound = errors.New("object not found")
)

// Kind classifies an error for reporting.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindValidation
	KindPolicy
	KindUpstream
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindPolicy:
		return "policy"
	case KindUpstream:
		return "upstream"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Expected reports whether errors of this kind are a normal answer to a bad
// request rather than a defect or an outage.
func (k Kind) Expected() bool {
	return k == KindNotFound || k == KindValidation || k == KindPolicy
}

// Error is a classified document generation error.
type Error struct {
	Kind   Kind
	Field  string
	Value  string
	Detail string
	cause  error
}

func (e *Error) Error() string {
	var msg strings.Builder
	msg.WriteString(e.cause.Error())
	if e.Value != "" {
		fmt.Fprintf(&msg, ": %s", e.Value)
	}
	if e.Detail != "" {
		fmt.Fprintf(&msg, " (%s)", e.Detail)
	}
	return msg.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

func NewFileNotFound(path string) *Error {
	return &Error{Kind: KindNotFound, Value: path, cause: ErrFileNotFound}
}

func NewNotInRegistry(fingerprint string) *Error {
	return &Error{Kind: KindValidation, Detail: "fingerprint " + fingerprint, cause: ErrNotInRegistry}
}

func NewMissingVariables(names []string, templatePath string) *Error {
	e := &Error{Kind: KindValidation, Field: "templateVariables", Value: strings.Join(names, ", "), cause: ErrMissingVariables}
	if templatePath != "" {
		e.Detail = "template " + templatePath
	}
	return e
}

func NewUnsupportedExtension(extension string) *Error {
	return &Error{Kind: KindValidation, Field: "templatePath", Value: extension, cause: ErrUnsupportedExtension}
}

func NewInvalidTemplate(templatePath string, reason error) *Error {
	e := &Error{Kind: KindValidation, Field: "templatePath", Value: templatePath, cause: ErrInvalidTemplate}
	if reason != nil {
		e.Detail = reason.Error()
	}
	return e
}

func NewFolderAccessForbidden(templatePath string) *Error {
	return &Error{Kind: KindPolicy, Field: "templatePath", Value: templatePath, cause: ErrFolderAccessForbidden}
}

func NewConversionFailed(attempts int, last error) *Error {
	e := &Error{Kind: KindUpstream, Detail: fmt.Sprintf("%d attempts", attempts), cause: ErrConversionFailed}
	if last != nil {
		e.Detail += ", last error: " + last.Error()
	}
	return e
}

func NewIncorrectProcessorState(field string) *Error {
	return &Error{Kind: KindInternal, Detail: "incorrect field: " + field, cause: ErrIncorrectProcessorState}
}

func NewNoTemplates() *Error {
	return &Error{Kind: KindValidation, Field: "templates", cause: ErrNoTemplates}
}

func NewInvalidVariables(reason error) *Error {
	e := &Error{Kind: KindValidation, Field: "templateVariables", cause: ErrInvalidVariables}
	if reason != nil {
		e.Detail = reason.Error()
	}
	return e
}

func NewMissingImagePath(index int) *Error {
	return &Error{Kind: KindValidation, Field: fmt.Sprintf("images[%d].imagePath", index), cause: ErrMissingImagePath}
}

// KindOf returns the kind of err, KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to the status code reported to API clients.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrConversionFailed):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrFolderAccessForbidden):
		return http.StatusForbidden
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindPolicy:
		return http.StatusForbidden
	case KindUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
