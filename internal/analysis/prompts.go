package analysis

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompts holds the fixed text sent with every analysis. System sets the
// model's role; Instructions are appended ahead of the user's request.
type Prompts struct {
	System       string `yaml:"system"`
	Instructions string `yaml:"instructions"`
}

// DefaultPrompts returns the built-in prompts.
func DefaultPrompts() Prompts {
	p, err := parsePrompts(defaultPrompts)
	if err != nil {
		panic(fmt.Sprintf("embedded prompts.yaml is invalid: %v", err))
	}
	return p
}

// LoadPrompts reads prompts from a YAML file. An empty path returns the
// defaults, and fields missing from the file keep their default value.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("failed to read prompts file: %w", err)
	}
	override, err := parsePrompts(data)
	if err != nil {
		return Prompts{}, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}
	if override.System != "" {
		p.System = override.System
	}
	if override.Instructions != "" {
		p.Instructions = override.Instructions
	}
	return p, nil
}

// UserText combines the standing instructions with the user's request.
func (p Prompts) UserText(instruction string) string {
	instruction = strings.TrimSpace(instruction)
	if p.Instructions == "" {
		return instruction
	}
	return p.Instructions + "\n\nRequest: " + instruction
}

func parsePrompts(data []byte) (Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prompts{}, err
	}
	p.System = strings.TrimSpace(p.System)
	p.Instructions = strings.TrimSpace(p.Instructions)
	return p, nil
}
