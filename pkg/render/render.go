// Package render turns a computed document payload into a downloadable artifact.
package render

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"text/template"

	"github.com/Mindburn-Labs/creditlock/pkg/document"
	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/form6765"
)

// DefaultTemplate is used when a caller names no template.
const DefaultTemplate = "worksheet.txt"

//go:embed templates/*.tmpl
var builtin embed.FS

// Artifact is rendered output.
type Artifact struct {
	Data        []byte
	ContentType string
	Template    string
}

// Renderer renders a payload with the named template.
type Renderer interface {
	Render(ctx context.Context, v document.Version, templateRef string) (Artifact, error)
}

// Row is one printed line of the form.
type Row struct {
	Line  string
	Value string
}

type view struct {
	document.Payload
	ContentHash string
	Rows        []Row
}

// TemplateRenderer renders with text/template. Templates are named by file name without the
// .tmpl suffix; files in the override directory replace built-ins of the same name.
type TemplateRenderer struct {
	tmpl *template.Template
}

var funcs = template.FuncMap{
	"csv": func(s string) string {
		if strings.ContainsAny(s, ",\"\n") {
			return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
		}
		return s
	},
}

// NewTemplateRenderer loads the built-in templates and, when dir is non-empty, every *.tmpl in dir.
func NewTemplateRenderer(dir string) (*TemplateRenderer, error) {
	root := template.New("").Funcs(funcs)
	if err := addAll(root, builtin, "templates"); err != nil {
		return nil, err
	}
	if dir != "" {
		if err := addAll(root, os.DirFS(dir), "."); err != nil {
			return nil, err
		}
	}
	return &TemplateRenderer{tmpl: root}, nil
}

func addAll(root *template.Template, fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("render: list templates in %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmpl") {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("render: read %s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".tmpl")
		if _, err := root.New(name).Parse(string(body)); err != nil {
			return fmt.Errorf("render: parse %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Templates lists the loaded template names.
func (r *TemplateRenderer) Templates() []string {
	var out []string
	for _, t := range r.tmpl.Templates() {
		if t.Name() != "" {
			out = append(out, t.Name())
		}
	}
	return out
}

func (r *TemplateRenderer) Render(ctx context.Context, v document.Version, templateRef string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	name := templateRef
	if name == "" {
		name = DefaultTemplate
	}
	t := r.tmpl.Lookup(name)
	if t == nil {
		return Artifact{}, fault.Validation("unknown template %q", name).With("templates", r.Templates())
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, view{Payload: v.Payload, ContentHash: v.ContentHash, Rows: Rows(v.Payload.Lines)}); err != nil {
		return Artifact{}, fmt.Errorf("render: execute %s: %w", name, err)
	}
	return Artifact{Data: buf.Bytes(), ContentType: contentType(name), Template: name}, nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".csv":
		return "text/csv; charset=utf-8"
	case ".json":
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Extension returns the file extension for an artifact content type.
func Extension(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(strings.ToLower(mediaType)) {
	case "text/csv":
		return ".csv"
	case "application/json":
		return ".json"
	default:
		return ".txt"
	}
}

var moneyType = reflect.TypeOf(form6765.Money{})

// Rows lists every line in form order, labelled by its JSON name.
func Rows(lines form6765.Lines) []Row {
	v := reflect.ValueOf(lines)
	t := v.Type()
	rows := make([]Row, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		label, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		rows = append(rows, Row{Line: label, Value: formatValue(v.Field(i))})
	}
	return rows
}

func formatValue(f reflect.Value) string {
	if f.Type() == moneyType {
		return f.Interface().(form6765.Money).String()
	}
	if f.Kind() == reflect.Pointer {
		if f.IsNil() {
			return ""
		}
		f = f.Elem()
	}
	switch f.Kind() {
	case reflect.Bool:
		if f.Bool() {
			return "yes"
		}
		return "no"
	case reflect.Float64:
		return strconv.FormatFloat(f.Float(), 'f', -1, 64)
	default:
		return fmt.Sprint(f.Interface())
	}
}
