// Package announce renders every user-visible text from pongo2 templates, one directory per locale. Missing locale templates fall back to English.
package announce

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/flosch/pongo2/v6"
)

//go:embed templates
var templateFS embed.FS

// DefaultLocale must carry every template.
const DefaultLocale = "en"

// Template names.
const (
	Hint         = "hint"
	HintMulti    = "hint_multi"
	Flood        = "flood"
	Welcome      = "welcome"
	Question     = "question"
	TryAgain     = "try_again"
	Succeeded    = "succeeded"
	Failed       = "failed"
	Timeout      = "timeout"
	ChangeDenied = "change_denied"
	ManualPass   = "manual_pass"
	ManualFail   = "manual_fail"
	Report       = "report"
	Lacking      = "lacking"
	Leave        = "leave"
	CustomPrompt = "custom_prompt"
	ConfigPanel  = "config_panel"
)

type Vars = pongo2.Context

type Renderer struct {
	// locale, then template name
	templates map[string]map[string]*pongo2.Template
}

// NewRenderer parses the embedded templates once.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]map[string]*pongo2.Template)}
	err := fs.WalkDir(templateFS, "templates", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := templateFS.ReadFile(p)
		if err != nil {
			return err
		}
		tpl, err := pongo2.FromString(string(raw))
		if err != nil {
			return fmt.Errorf("parsing template %s: %w", p, err)
		}
		locale := path.Base(path.Dir(p))
		name := strings.TrimSuffix(path.Base(p), ".txt")
		if r.templates[locale] == nil {
			r.templates[locale] = make(map[string]*pongo2.Template)
		}
		r.templates[locale][name] = tpl
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(r.templates[DefaultLocale]) == 0 {
		return nil, fmt.Errorf("no templates for default locale %q", DefaultLocale)
	}
	return r, nil
}

func MustRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// Locales lists the locales with at least one template.
func (r *Renderer) Locales() []string {
	out := make([]string, 0, len(r.templates))
	for l := range r.templates {
		out = append(out, l)
	}
	return out
}

func (r *Renderer) lookup(locale, name string) *pongo2.Template {
	locale = strings.ToLower(locale)
	if t, ok := r.templates[locale][name]; ok {
		return t
	}
	if lang, _, ok := strings.Cut(locale, "-"); ok {
		if t, ok := r.templates[lang][name]; ok {
			return t
		}
	}
	return r.templates[DefaultLocale][name]
}

// Render executes a template and trims surrounding whitespace.
func (r *Renderer) Render(locale, name string, vars Vars) (string, error) {
	t := r.lookup(locale, name)
	if t == nil {
		return "", fmt.Errorf("unknown template %q", name)
	}
	out, err := t.Execute(vars)
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return strings.TrimSpace(out), nil
}
