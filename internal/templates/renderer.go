package templates

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles remote API path templates. Sprig helpers are available
// except those that reach the process environment or the filesystem.
type Renderer struct {
	funcs template.FuncMap
}

// Template is a compiled template ready for execution. Templates are safe for
// concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

var restricted = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range restricted {
		delete(funcs, name)
	}
	return &Renderer{funcs: funcs}
}

// CompileInline parses a template source. Empty or whitespace-only sources
// return nil without error so optional paths can stay unset.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// MustCompile is CompileInline for sources known at build time.
func (r *Renderer) MustCompile(name, source string) *Template {
	tmpl, err := r.CompileInline(name, source)
	if err != nil {
		panic(err)
	}
	return tmpl
}

// Render executes the compiled template with data. Surrounding whitespace is
// trimmed since paths are usually written as multi-line YAML scalars.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
