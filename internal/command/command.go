// Package command renders worker command lines from per-kind templates.
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/loykin/supervisr/internal/controller"
	"github.com/loykin/supervisr/internal/spawner"
)

var ErrNoTemplate = errors.New("no command template for worker kind")

// Template is the configured launch recipe of one worker kind.
// Command is a text/template; see Data for the fields it can use.
type Template struct {
	Command string   `toml:"command" mapstructure:"command" json:"command"`
	WorkDir string   `toml:"workdir" mapstructure:"workdir" json:"workdir,omitempty"`
	Env     []string `toml:"env" mapstructure:"env" json:"env,omitempty"`
}

// Data is what a command template is executed with.
type Data struct {
	Kind   string
	Key    string
	SID    string
	MID    string
	Params controller.Params
}

// Builder renders launches. It is immutable after New and safe for concurrent use.
type Builder struct {
	kinds map[controller.Kind]compiled
}

type compiled struct {
	tmpl    *template.Template
	workDir string
	env     []string
}

var funcs = template.FuncMap{
	"quote": shellQuote,
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"param": func(p controller.Params, k string, def any) any {
		if v, ok := p[k]; ok && v != nil {
			return v
		}
		return def
	},
}

// New compiles one template per kind. Unknown kinds and parse errors are rejected.
func New(defs map[string]Template) (*Builder, error) {
	b := &Builder{kinds: make(map[controller.Kind]compiled, len(defs))}
	for name, d := range defs {
		k, err := controller.ParseKind(name)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(d.Command) == "" {
			return nil, fmt.Errorf("workers.%s: empty command", name)
		}
		t, err := template.New(string(k)).Funcs(funcs).Option("missingkey=error").Parse(d.Command)
		if err != nil {
			return nil, fmt.Errorf("workers.%s: %w", name, err)
		}
		b.kinds[k] = compiled{tmpl: t, workDir: d.WorkDir, env: append([]string(nil), d.Env...)}
	}
	return b, nil
}

// Kinds lists the kinds that have a template, sorted.
func (b *Builder) Kinds() []controller.Kind {
	out := make([]controller.Kind, 0, len(b.kinds))
	for k := range b.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build renders the launch for w. Env holds only the per-kind entries; the
// caller layers the global environment underneath.
func (b *Builder) Build(w controller.Workload) (spawner.Launch, error) {
	c, ok := b.kinds[w.Kind]
	if !ok {
		return spawner.Launch{}, fmt.Errorf("%w: %s", ErrNoTemplate, w.Kind)
	}
	d := Data{Kind: string(w.Kind), Key: w.Key(), Params: w.Params()}
	if d.Params == nil {
		d.Params = controller.Params{}
	}
	switch w.Kind {
	case controller.KindPpa:
		d.MID = w.Key()
	case controller.KindBasecaller, controller.KindDarkcal, controller.KindLoadingcal:
		d.SID = w.Key()
	}
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, d); err != nil {
		return spawner.Launch{}, fmt.Errorf("render %s command: %w", w.Kind, err)
	}
	return spawner.Launch{
		Command: strings.TrimSpace(buf.String()),
		WorkDir: c.workDir,
		Env:     append([]string(nil), c.env...),
	}, nil
}

// shellQuote renders v as a single-quoted shell word.
func shellQuote(v any) string {
	s := fmt.Sprint(v)
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
