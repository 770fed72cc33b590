// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/gomlx/tensorforge/pkg/core/graph"
	"github.com/pkg/errors"
)

// The simplego "sources" are listings: the module interprets the program manifest, and the listings
// document what each function does and which candidate it runs.

var templates = template.Must(template.New("simplego").Funcs(template.FuncMap{
	"join":   strings.Join,
	"indent": func(n int) string { return strings.Repeat(" ", n) },
}).Parse(`
{{- define "decl" -}}
func {{.Name}}({{join .Inputs ", "}} *Buffer) (output *Buffer)
{{- end -}}

{{- define "function" -}}
// {{.Name}} computes {{.Kind}} ({{.Attrs}}) with candidate {{.Candidate}}.
{{template "decl" .}} {
	return exec({{printf "%q" .Kind}}, {{printf "%q" .Candidate}}{{range .Inputs}}, {{.}}{{end}})
}
{{- end -}}

{{- define "call" -}}
{{indent .Indent}}{{join .Outputs ", "}} = {{.Name}}({{join .Inputs ", "}})
{{- end -}}

{{- define "unit" -}}
// Unit {{.Name}} of program {{.Program}} (build {{.BuildID}}).
package {{.Package}}
{{range .Functions}}
{{.Decl}}
{{range .Bodies}}
{{.}}
{{end}}
{{- end}}
{{- if .Calls}}
// Run executes the program. Inputs: {{join .Inputs ", "}}. Outputs: {{join .Outputs ", "}}.
func Run(inputs, outputs map[string]*Buffer) error {
	if err := validate(inputs, outputs); err != nil {
		return err
	}
{{range .Calls}}{{.}}
{{end -}}
	return nil
}
{{- end}}
{{end -}}
`))

// functionData is the data used to render the function templates of an operator.
type functionData struct {
	Name, Kind, Attrs, Candidate string
	Inputs, Outputs              []string
	Indent                       int
}

func newFunctionData(op *graph.Operator, candidate string) *functionData {
	data := &functionData{
		Name:      op.Name(),
		Kind:      string(op.Kind()),
		Attrs:     op.Attributes().String(),
		Candidate: candidate,
	}
	for _, input := range op.Inputs() {
		data.Inputs = append(data.Inputs, input.Name())
	}
	for _, output := range op.Outputs() {
		data.Outputs = append(data.Outputs, output.Name())
	}
	return data
}

func render(name string, data any) (string, error) {
	var sb strings.Builder
	if err := templates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", errors.Wrapf(err, "rendering simplego template %q", name)
	}
	return sb.String(), nil
}

// dimArgNames returns the names of the profiler positional arguments for the dimensions of one tensor.
func dimArgNames(role string, idx, rank int) []string {
	names := make([]string, rank)
	for axis := range rank {
		names[axis] = fmt.Sprintf("%s%d_dim%d", role, idx, axis)
	}
	return names
}
