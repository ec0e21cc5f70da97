package automation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// DefaultPrompt is what template commands wait for when a template names
// no prompt.
const DefaultPrompt = "$"

// Template is a named command sequence. Commands may reference {variable}
// placeholders that are filled in at execution time.
type Template struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	Commands    []string      `yaml:"commands" json:"commands"`
	Prompt      string        `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Regex       bool          `yaml:"regex,omitempty" json:"regex,omitempty"`
	StepTimeout time.Duration `yaml:"step_timeout,omitempty" json:"step_timeout,omitempty"`
	Variables   []string      `yaml:"variables,omitempty" json:"variables"`
}

var placeholderRegex = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Placeholders returns the distinct variable names used by commands, in
// order of first use.
func Placeholders(commands []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, cmd := range commands {
		for _, m := range placeholderRegex.FindAllStringSubmatch(cmd, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}

// Normalize fills derived fields and checks the template is usable.
func (t *Template) Normalize() error {
	if t.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if len(t.Commands) == 0 {
		return fmt.Errorf("template %s has no commands", t.Name)
	}
	if t.Prompt == "" {
		t.Prompt = DefaultPrompt
	}
	t.Variables = Placeholders(t.Commands)
	if t.Regex {
		if _, err := compilePatterns([]string{t.Prompt}, true); err != nil {
			return fmt.Errorf("template %s: %w", t.Name, err)
		}
	}
	return nil
}

// Substitute replaces {variable} placeholders in cmd. Every placeholder
// must have a value.
func Substitute(cmd string, vars map[string]string) (string, error) {
	var missing []string
	seen := make(map[string]bool)
	out := placeholderRegex.ReplaceAllStringFunc(cmd, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			return m
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("missing variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Steps expands the template into one send/expect step per command.
// prompt overrides the template's prompt when non-empty.
func (t Template) Steps(vars map[string]string, prompt string) ([]Step, error) {
	if prompt == "" {
		prompt = t.Prompt
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}
	steps := make([]Step, 0, len(t.Commands))
	for _, cmd := range t.Commands {
		line, err := Substitute(cmd, vars)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", t.Name, err)
		}
		steps = append(steps, Step{
			Send:    line + "\n",
			Expect:  []string{prompt},
			Regex:   t.Regex,
			Timeout: t.StepTimeout,
		})
	}
	return steps, nil
}

// CommandSteps builds steps for a plain command list. prompts[i] is the
// prompt awaited after commands[i]; missing entries use DefaultPrompt.
func CommandSteps(commands, prompts []string, timeout time.Duration) []Step {
	steps := make([]Step, 0, len(commands))
	for i, cmd := range commands {
		prompt := DefaultPrompt
		if i < len(prompts) && prompts[i] != "" {
			prompt = prompts[i]
		}
		steps = append(steps, Step{Send: cmd + "\n", Expect: []string{prompt}, Timeout: timeout})
	}
	return steps
}

// Builtins returns the templates that ship with the server.
func Builtins() []Template {
	list := []Template{
		{
			Name:        "git-clone",
			Description: "Clone a git repository",
			Commands: []string{
				"cd /workspace",
				"git clone {repository_url}",
				"cd {repository_name}",
				"ls -la",
			},
		},
		{
			Name:        "python-setup",
			Description: "Set up a Python virtual environment",
			Commands: []string{
				"cd /workspace",
				"python -m venv venv",
				"source venv/bin/activate",
				"pip install --upgrade pip",
				"pip install -r requirements.txt",
			},
		},
		{
			Name:        "docker-build",
			Description: "Build a Docker image",
			Commands: []string{
				"cd /workspace",
				"docker build -t {image_name}:{tag} .",
				"docker images | grep {image_name}",
			},
		},
	}
	for i := range list {
		_ = list[i].Normalize()
	}
	return list
}
