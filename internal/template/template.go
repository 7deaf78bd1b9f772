// Package template holds the catalog of project templates a deployment can
// be built from: the sandbox image, the install/build/deploy commands and
// the starter files every project tree is rehydrated onto.
package template

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Template describes how to build and deploy one kind of project.
type Template struct {
	Name        string            `yaml:"-"`
	Description string            `yaml:"description"`
	Image       string            `yaml:"image"`
	Install     string            `yaml:"install"`
	Build       string            `yaml:"build"`
	Deploy      string            `yaml:"deploy"`
	Marker      string            `yaml:"marker"`
	Files       map[string]string `yaml:"files"`
}

// DeployCommand renders the deploy command for a worker name.
func (t *Template) DeployCommand(workerName string) string {
	return strings.ReplaceAll(t.Deploy, "{{worker}}", workerName)
}

// InitFiles returns a copy of the starter files.
func (t *Template) InitFiles() map[string]string {
	out := make(map[string]string, len(t.Files))
	for k, v := range t.Files {
		out[k] = v
	}
	return out
}

type catalogFile struct {
	Default   string               `yaml:"default"`
	Templates map[string]*Template `yaml:"templates"`
}

// Catalog is an immutable set of templates.
type Catalog struct {
	def       string
	templates map[string]*Template
}

// Load parses the catalog embedded in the binary.
func Load() (*Catalog, error) {
	return Parse(catalogYAML)
}

// Parse parses a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("template catalog is empty")
	}
	for name, t := range f.Templates {
		t.Name = name
		if t.Image == "" || t.Deploy == "" || t.Marker == "" {
			return nil, fmt.Errorf("template %s: image, deploy and marker are required", name)
		}
	}
	if _, ok := f.Templates[f.Default]; !ok {
		return nil, fmt.Errorf("default template %q not in catalog", f.Default)
	}
	return &Catalog{def: f.Default, templates: f.Templates}, nil
}

// Resolve returns the named template. An empty or unknown name resolves to
// the default template and ok is false.
func (c *Catalog) Resolve(name string) (t *Template, ok bool) {
	if t, found := c.templates[name]; found {
		return t, true
	}
	return c.templates[c.def], false
}

// Names lists the template names in order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.templates))
	for n := range c.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
