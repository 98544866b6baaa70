package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mpataki/forge/internal/models"
	"gopkg.in/yaml.v3"
)

// TestCheckName is the name test_command runs under alongside the checks.
const TestCheckName = "test"

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// command accepts either a single string, split on whitespace, or a list of
// arguments. It is never handed to a shell.
type command []string

func (c *command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = strings.Fields(node.Value)
		return nil
	case yaml.SequenceNode:
		var args []string
		if err := node.Decode(&args); err != nil {
			return err
		}
		*c = args
		return nil
	default:
		return fmt.Errorf("line %d: a command must be a string or a list of strings", node.Line)
	}
}

type rawSpec struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	TestCommand  command  `yaml:"test_command"`
	TestTimeout  int      `yaml:"test_timeout"`
	Env          []string `yaml:"env"`
	PromptScript string   `yaml:"prompt_script"`
	Checks       []struct {
		Name    string  `yaml:"name"`
		Command command `yaml:"command"`
	} `yaml:"checks"`
}

// Parse reads a YAML (or JSON) spec file. The returned spec's Ref is the
// file's absolute, symlink-free path, which identifies the run built from it.
func Parse(path string) (*models.Spec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve spec path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}

	var raw rawSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("spec file %s is empty", abs)
		}
		return nil, fmt.Errorf("failed to parse spec YAML: %w", err)
	}

	spec := &models.Spec{
		Ref:          abs,
		Name:         raw.Name,
		Description:  raw.Description,
		TestCommand:  []string(raw.TestCommand),
		TestTimeout:  raw.TestTimeout,
		Env:          raw.Env,
		PromptScript: raw.PromptScript,
	}

	for _, c := range raw.Checks {
		spec.Checks = append(spec.Checks, models.Check{Name: c.Name, Command: []string(c.Command)})
	}

	// Use the file name when the spec has no name
	if spec.Name == "" {
		base := filepath.Base(abs)
		spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	if spec.PromptScript != "" && !filepath.IsAbs(spec.PromptScript) {
		spec.PromptScript = filepath.Join(filepath.Dir(abs), spec.PromptScript)
	}

	if err := Validate(spec); err != nil {
		return nil, fmt.Errorf("invalid spec %s: %w", abs, err)
	}

	return spec, nil
}

func Validate(spec *models.Spec) error {
	if strings.TrimSpace(spec.Description) == "" {
		return fmt.Errorf("spec must have a description")
	}

	if len(spec.TestCommand) == 0 {
		return fmt.Errorf("spec must have a test_command")
	}

	if spec.TestTimeout < 0 {
		return fmt.Errorf("test_timeout must not be negative, got %d", spec.TestTimeout)
	}

	seen := map[string]bool{TestCheckName: true}
	for i, c := range spec.Checks {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("checks[%d] must have a name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("check name %q is used more than once", c.Name)
		}
		seen[c.Name] = true
		if len(c.Command) == 0 {
			return fmt.Errorf("check %q must have a command", c.Name)
		}
	}

	for _, name := range spec.Env {
		if !envName.MatchString(name) {
			return fmt.Errorf("env entry %q is not a variable name", name)
		}
	}

	return nil
}
