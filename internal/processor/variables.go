package processor

import (
	"slices"
	"text/template"
	"text/template/parse"

	"github.com/Lllllllleong/docgenflow/internal/models"
)

// rootFields parses src and returns the top-level fields it reads from the
// root data value: {{.name}}, {{.name.inner}} and {{$.name}} all yield "name".
// Bodies of range and with rebind dot and are not scanned for dot fields.
func rootFields(name, src string) ([]string, error) {
	tmpl, err := template.New(name).Parse(src)
	if err != nil {
		return nil, err
	}
	found := map[string]struct{}{}
	for _, t := range tmpl.Templates() {
		if t.Tree != nil && t.Tree.Root != nil {
			walkNode(t.Tree.Root, true, found)
		}
	}
	out := make([]string, 0, len(found))
	for f := range found {
		out = append(out, f)
	}
	slices.Sort(out)
	return out, nil
}

func walkNode(node parse.Node, dotIsRoot bool, found map[string]struct{}) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, child := range n.Nodes {
			walkNode(child, dotIsRoot, found)
		}
	case *parse.ActionNode:
		walkPipe(n.Pipe, dotIsRoot, found)
	case *parse.IfNode:
		walkPipe(n.Pipe, dotIsRoot, found)
		walkNode(n.List, dotIsRoot, found)
		walkNode(n.ElseList, dotIsRoot, found)
	case *parse.RangeNode:
		walkPipe(n.Pipe, dotIsRoot, found)
		walkNode(n.List, false, found)
		walkNode(n.ElseList, dotIsRoot, found)
	case *parse.WithNode:
		walkPipe(n.Pipe, dotIsRoot, found)
		walkNode(n.List, false, found)
		walkNode(n.ElseList, dotIsRoot, found)
	case *parse.TemplateNode:
		walkPipe(n.Pipe, dotIsRoot, found)
	}
}

func walkPipe(pipe *parse.PipeNode, dotIsRoot bool, found map[string]struct{}) {
	if pipe == nil {
		return
	}
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			walkArg(arg, dotIsRoot, found)
		}
	}
}

func walkArg(arg parse.Node, dotIsRoot bool, found map[string]struct{}) {
	switch a := arg.(type) {
	case *parse.FieldNode:
		if dotIsRoot && len(a.Ident) > 0 {
			found[a.Ident[0]] = struct{}{}
		}
	case *parse.VariableNode:
		if len(a.Ident) > 1 && a.Ident[0] == "$" {
			found[a.Ident[1]] = struct{}{}
		}
	case *parse.ChainNode:
		walkArg(a.Node, dotIsRoot, found)
	case *parse.PipeNode:
		walkPipe(a, dotIsRoot, found)
	}
}

// missingVariables returns the fields in required that neither variables nor
// image bindings provide.
func missingVariables(required []string, t *models.TemplateDescriptor) []string {
	provided := make(map[string]struct{}, len(t.Variables)+len(t.Images))
	for k := range t.Variables {
		provided[k] = struct{}{}
	}
	for _, img := range t.Images {
		provided[img.VariableName] = struct{}{}
	}
	var missing []string
	for _, f := range required {
		if _, ok := provided[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// checkVariables parses every source and fails with the missing variable
// names, or with an invalid template error naming the template path.
func checkVariables(t *models.TemplateDescriptor, sources map[string]string) error {
	seen := map[string]struct{}{}
	var required []string
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fields, err := rootFields(name, sources[name])
		if err != nil {
			return models.NewInvalidTemplate(t.TemplatePath, err)
		}
		for _, f := range fields {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				required = append(required, f)
			}
		}
	}
	slices.Sort(required)
	if missing := missingVariables(required, t); len(missing) > 0 {
		return models.NewMissingVariables(missing, t.TemplatePath)
	}
	return nil
}
