// Package prompts holds the versioned extraction prompt templates.
// Templates are embedded YAML, one per vendor plus a generic fallback,
// written in the language the vendor issues invoices in. The template
// version rides along on every generation trace so extraction quality
// can be compared across prompt revisions.
package prompts

import (
	"embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/recibo-labs/recibo/pkg/schema"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// Template is a versioned extraction prompt for one vendor.
type Template struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Language string `yaml:"language"`
	Text     string `yaml:"text"`
}

var (
	loadOnce sync.Once
	loaded   map[string]*Template
	loadErr  error
)

func loadAll() (map[string]*Template, error) {
	loadOnce.Do(func() {
		entries, err := templateFS.ReadDir("templates")
		if err != nil {
			loadErr = fmt.Errorf("prompts: read templates: %w", err)
			return
		}
		loaded = make(map[string]*Template, len(entries))
		for _, entry := range entries {
			data, err := templateFS.ReadFile("templates/" + entry.Name())
			if err != nil {
				loadErr = fmt.Errorf("prompts: read %s: %w", entry.Name(), err)
				return
			}
			var tpl Template
			if err := yaml.Unmarshal(data, &tpl); err != nil {
				loadErr = fmt.Errorf("prompts: parse %s: %w", entry.Name(), err)
				return
			}
			if tpl.Name == "" || tpl.Version == "" || tpl.Text == "" {
				loadErr = fmt.Errorf("prompts: template %s missing name, version, or text", entry.Name())
				return
			}
			loaded[tpl.Name] = &tpl
		}
		if _, ok := loaded["generic"]; !ok {
			loadErr = fmt.Errorf("prompts: generic fallback template missing")
		}
	})
	return loaded, loadErr
}

// ForVendor returns the template for the vendor, falling back to the
// generic template for vendors without a dedicated one.
func ForVendor(vendor schema.VendorType) (*Template, error) {
	all, err := loadAll()
	if err != nil {
		return nil, err
	}
	if tpl, ok := all[string(vendor)]; ok {
		return tpl, nil
	}
	return all["generic"], nil
}

// Versions returns the name to version mapping of every embedded
// template. Used by the CLI validate command and by tests.
func Versions() (map[string]string, error) {
	all, err := loadAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(all))
	for name, tpl := range all {
		out[name] = tpl.Version
	}
	return out, nil
}
