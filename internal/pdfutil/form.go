package pdfutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Field groups of the pdfcpu form JSON export.
const (
	groupText     = "textfield"
	groupDate     = "datefield"
	groupCheckBox = "checkbox"
	groupRadio    = "radiobuttongroup"
	groupCombo    = "combobox"
	groupList     = "listbox"
)

var fieldGroups = []string{groupText, groupDate, groupCheckBox, groupRadio, groupCombo, groupList}

// FormFiller fills interactive PDF forms and flattens them.
type FormFiller struct{}

// Fill sets form fields from values by field name, locks every field and
// writes the result to scratch. filled is false when the PDF has no fields,
// in which case nothing is written.
func (f FormFiller) Fill(scratch *ScratchDir, form []byte, values map[string]any) (string, bool, error) {
	export, err := exportForm(form)
	if err != nil {
		return "", false, err
	}
	count := 0
	if export != nil {
		eachField(export, func(group string, field map[string]any) {
			count++
			name, _ := field["name"].(string)
			if v, ok := values[name]; ok {
				setFieldValue(group, field, v)
			}
		})
	}
	if count == 0 {
		return "", false, nil
	}

	data, err := json.Marshal(export)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode form values: %w", err)
	}

	var filled bytes.Buffer
	if err := api.FillForm(bytes.NewReader(form), bytes.NewReader(data), &filled, newConfig()); err != nil {
		return "", false, fmt.Errorf("failed to fill form: %w", err)
	}

	var locked bytes.Buffer
	if err := api.LockFormFields(bytes.NewReader(filled.Bytes()), &locked, nil, newConfig()); err != nil {
		return "", false, fmt.Errorf("failed to flatten form: %w", err)
	}

	out := scratch.Path("form")
	if err := os.WriteFile(out, locked.Bytes(), 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write filled form: %w", err)
	}
	return out, true, nil
}

// exportForm returns the decoded form export, or nil when the PDF has no form.
func exportForm(form []byte) (map[string]any, error) {
	var buf bytes.Buffer
	if err := api.ExportFormJSON(bytes.NewReader(form), &buf, "form.pdf", newConfig()); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no form") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read form fields: %w", err)
	}
	var export map[string]any
	if err := json.Unmarshal(buf.Bytes(), &export); err != nil {
		return nil, fmt.Errorf("failed to decode form fields: %w", err)
	}
	return export, nil
}

func eachField(export map[string]any, fn func(group string, field map[string]any)) {
	forms, _ := export["forms"].([]any)
	for _, f := range forms {
		groups, ok := f.(map[string]any)
		if !ok {
			continue
		}
		for _, group := range fieldGroups {
			fields, _ := groups[group].([]any)
			for _, field := range fields {
				if m, ok := field.(map[string]any); ok {
					fn(group, m)
				}
			}
		}
	}
}

func setFieldValue(group string, field map[string]any, v any) {
	switch group {
	case groupCheckBox:
		field["value"] = truthy(v)
	case groupList:
		field["values"] = stringList(v)
	default:
		field["value"] = stringValue(v)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "no", "off":
			return false
		}
		return true
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return true
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	return fmt.Sprint(v)
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, stringValue(item))
		}
		return out
	case nil:
		return nil
	}
	return []string{stringValue(v)}
}
