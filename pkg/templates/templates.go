// Package templates holds the step templates used to materialize workflows.
package templates

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/naok1207/workflow-visualizer/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// TaskTypeInfo describes a task type and its default step templates.
type TaskTypeInfo struct {
	Type        models.TaskType       `yaml:"type" json:"task_type"`
	Label       string                `yaml:"label" json:"label"`
	Description string                `yaml:"description" json:"description"`
	Steps       []models.StepTemplate `yaml:"steps" json:"steps"`
}

// Named is an additional template selectable by name.
type Named struct {
	Name  string                `yaml:"name" json:"name"`
	Steps []models.StepTemplate `yaml:"steps" json:"steps"`
}

type document struct {
	TaskTypes []TaskTypeInfo `yaml:"task_types"`
	Templates []Named        `yaml:"templates"`
}

// Registry resolves step templates by task type or by template name.
// It is immutable after construction.
type Registry struct {
	types map[models.TaskType]TaskTypeInfo
	named map[string][]models.StepTemplate
}

// Default returns the built-in templates for every task type.
func Default() *Registry {
	r, err := Parse(defaultsYAML)
	if err != nil {
		panic(fmt.Sprintf("templates: embedded defaults: %v", err))
	}
	return r
}

// Parse decodes a template document.
func Parse(data []byte) (*Registry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("templates: document is empty")
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "templates: decode")
	}
	r := &Registry{
		types: make(map[models.TaskType]TaskTypeInfo),
		named: make(map[string][]models.StepTemplate),
	}
	if err := r.merge(doc); err != nil {
		return nil, errors.Wrap(err, "templates")
	}
	return r, nil
}

// LoadFile returns the defaults overlaid with the templates in path. Task types
// listed in the file replace the built-in ones.
func LoadFile(path string) (*Registry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "templates: read %s", path)
	}
	var doc document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, errors.Wrapf(err, "templates: %s: decode", path)
	}
	r := Default()
	if err := r.merge(doc); err != nil {
		return nil, errors.Wrapf(err, "templates: %s", path)
	}
	return r, nil
}

func (r *Registry) merge(doc document) error {
	for _, info := range doc.TaskTypes {
		if !info.Type.Valid() {
			return errors.Errorf("unknown task type %q", info.Type)
		}
		steps, err := normalize(string(info.Type), info.Steps)
		if err != nil {
			return err
		}
		info.Steps = steps
		r.types[info.Type] = info
	}
	for _, n := range doc.Templates {
		name := strings.TrimSpace(n.Name)
		if name == "" {
			return errors.New("template name is required")
		}
		steps, err := normalize(name, n.Steps)
		if err != nil {
			return err
		}
		r.named[name] = steps
	}
	return nil
}

// normalize validates a template and sorts it by declared order. Steps with
// equal order keep their listed position.
func normalize(name string, steps []models.StepTemplate) ([]models.StepTemplate, error) {
	out := make([]models.StepTemplate, len(steps))
	copy(out, steps)
	for i, s := range out {
		if strings.TrimSpace(s.Name) == "" {
			return nil, errors.Errorf("%s: step %d has no name", name, i+1)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// ForType returns a copy of the default templates for taskType, falling back
// to the custom type.
func (r *Registry) ForType(taskType models.TaskType) []models.StepTemplate {
	info, ok := r.types[taskType]
	if !ok {
		info = r.types[models.CustomTaskType]
	}
	return append([]models.StepTemplate(nil), info.Steps...)
}

// Template resolves a template by name. Names are either a named template, a
// task type, or "<task type>-default".
func (r *Registry) Template(name string) ([]models.StepTemplate, bool) {
	if steps, ok := r.named[name]; ok {
		return append([]models.StepTemplate(nil), steps...), true
	}
	typ := models.TaskType(strings.TrimSuffix(name, "-default"))
	if info, ok := r.types[typ]; ok {
		return append([]models.StepTemplate(nil), info.Steps...), true
	}
	return nil, false
}

// Types lists the task types in display order.
func (r *Registry) Types() []TaskTypeInfo {
	out := make([]TaskTypeInfo, 0, len(r.types))
	for _, t := range models.TaskTypes {
		if info, ok := r.types[t]; ok {
			info.Steps = append([]models.StepTemplate(nil), info.Steps...)
			out = append(out, info)
		}
	}
	return out
}

// Names lists the named templates, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.named))
	for n := range r.named {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
