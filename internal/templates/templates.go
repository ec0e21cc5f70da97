package templates

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/joshcassell4/docorcpty/internal/automation"
	"github.com/joshcassell4/docorcpty/internal/logutil"
	"github.com/joshcassell4/docorcpty/internal/orchestrator"
	"gopkg.in/yaml.v3"
)

const (
	containersDir = "containers"
	automationDir = "automation"
)

type Resources struct {
	Memory    string `yaml:"memory,omitempty" json:"memory,omitempty"`
	CPUs      string `yaml:"cpus,omitempty" json:"cpus,omitempty"`
	CPUShares int64  `yaml:"cpu_shares,omitempty" json:"cpu_shares,omitempty"`
}

// ContainerTemplate describes a container that can be created by name.
type ContainerTemplate struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Image       string            `yaml:"image" json:"image"`
	Command     []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Shell       string            `yaml:"shell,omitempty" json:"shell,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Ports       []string          `yaml:"ports,omitempty" json:"ports,omitempty"`
	Privileged  bool              `yaml:"privileged,omitempty" json:"privileged,omitempty"`
	ReadOnly    bool              `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	Resources   Resources         `yaml:"resources,omitempty" json:"resources,omitempty"`
}

// Validate checks the fields a backend would otherwise reject at create
// time.
func (t ContainerTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if t.Image == "" {
		return fmt.Errorf("template %s has no image", t.Name)
	}
	if len(t.Ports) > 0 {
		if _, _, err := nat.ParsePortSpecs(t.Ports); err != nil {
			return fmt.Errorf("template %s: ports: %w", t.Name, err)
		}
	}
	if t.Resources.Memory != "" {
		if _, err := units.RAMInBytes(t.Resources.Memory); err != nil {
			return fmt.Errorf("template %s: memory: %w", t.Name, err)
		}
	}
	for _, v := range t.Volumes {
		parts := strings.Split(v, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("template %s: invalid volume %q", t.Name, v)
		}
	}
	return nil
}

// CreateParams turns the template into a create request for a container
// called name.
func (t ContainerTemplate) CreateParams(name string, env map[string]string) orchestrator.CreateParams {
	merged := make(map[string]string, len(t.Environment)+len(env))
	for k, v := range t.Environment {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return orchestrator.CreateParams{
		Name:        name,
		Image:       t.Image,
		Command:     append([]string(nil), t.Command...),
		WorkingDir:  t.WorkingDir,
		Env:         merged,
		Volumes:     append([]string(nil), t.Volumes...),
		Ports:       append([]string(nil), t.Ports...),
		Privileged:  t.Privileged,
		ReadOnly:    t.ReadOnly,
		MemoryLimit: t.Resources.Memory,
		CPULimit:    t.Resources.CPUs,
		CPUShares:   t.Resources.CPUShares,
		Template:    t.Name,
	}
}

// Registry holds container and automation templates loaded from a
// directory laid out as containers/*.yaml and automation/*.yaml. Built-in
// automation templates are always present; files override them by name.
type Registry struct {
	dir string

	mu         sync.RWMutex
	containers map[string]ContainerTemplate
	automation map[string]automation.Template

	watchMu sync.Mutex
	watch   *watcher
}

func NewRegistry(dir string) *Registry {
	r := &Registry{
		dir:        dir,
		containers: make(map[string]ContainerTemplate),
		automation: make(map[string]automation.Template),
	}
	for _, t := range automation.Builtins() {
		r.automation[t.Name] = t
	}
	return r
}

// Load reads every template file. A missing directory is not an error;
// unreadable or invalid files are logged and skipped. The previous set is
// replaced only once everything has been read.
func (r *Registry) Load() error {
	containers := make(map[string]ContainerTemplate)
	autos := make(map[string]automation.Template)
	for _, t := range automation.Builtins() {
		autos[t.Name] = t
	}

	files, err := templateFiles(filepath.Join(r.dir, containersDir))
	if err != nil {
		return err
	}
	for _, path := range files {
		var t ContainerTemplate
		if err := decodeFile(path, &t); err != nil {
			log.Printf("[templates] skipping %s: %v", path, err)
			continue
		}
		if t.Name == "" {
			t.Name = baseName(path)
		}
		if err := t.Validate(); err != nil {
			log.Printf("[templates] skipping %s: %v", path, err)
			continue
		}
		containers[t.Name] = t
	}

	files, err = templateFiles(filepath.Join(r.dir, automationDir))
	if err != nil {
		return err
	}
	for _, path := range files {
		var t automation.Template
		if err := decodeFile(path, &t); err != nil {
			log.Printf("[templates] skipping %s: %v", path, err)
			continue
		}
		if t.Name == "" {
			t.Name = baseName(path)
		}
		if err := t.Normalize(); err != nil {
			log.Printf("[templates] skipping %s: %v", path, err)
			continue
		}
		autos[t.Name] = t
	}

	r.mu.Lock()
	r.containers = containers
	r.automation = autos
	r.mu.Unlock()

	log.Printf("[templates] loaded %d container and %d automation templates from %s",
		len(containers), len(autos), logutil.SanitizeForLog(r.dir))
	return nil
}

func templateFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func isTemplateFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func decodeFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (r *Registry) Container(name string) (ContainerTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.containers[name]
	return t, ok
}

// Containers returns all container templates sorted by name.
func (r *Registry) Containers() []ContainerTemplate {
	r.mu.RLock()
	out := make([]ContainerTemplate, 0, len(r.containers))
	for _, t := range r.containers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Automation(name string) (automation.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.automation[name]
	return t, ok
}

// AutomationTemplates returns all automation templates sorted by name.
func (r *Registry) AutomationTemplates() []automation.Template {
	r.mu.RLock()
	out := make([]automation.Template, 0, len(r.automation))
	for _, t := range r.automation {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
