// Package skills hosts the agent's tool surface. A skill is defined by a
// SKILL.md file: YAML frontmatter for metadata plus a markdown body of
// usage guidance. Skills backed by a command run as subprocesses;
// built-in skills run in-process.
//
//	---
//	name: weather
//	description: Look up the current weather
//	command: ./run.sh
//	input_schema: {"type": "object", "properties": {"city": {"type": "string"}}}
//	---
//
//	Guidance for the agent...
package skills

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Skill is one capability exposed to the model as a tool.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
	Author      string `yaml:"author"`

	// Command is the executable invoked with the JSON args on stdin.
	// Empty for built-in skills.
	Command string `yaml:"command"`

	// InputSchema is a JSON schema string describing the tool arguments
	InputSchema string `yaml:"input_schema"`

	// TimeoutSeconds bounds one execution (default 30)
	TimeoutSeconds int `yaml:"timeout_seconds"`

	Tags []string `yaml:"tags"`

	// Guidance is the markdown body, included in the skills catalogue
	Guidance string `yaml:"-"`

	Enabled  bool   `yaml:"-"`
	FilePath string `yaml:"-"`

	// run is set for built-in skills
	run RunFunc `yaml:"-"`
}

// RunFunc executes a built-in skill
type RunFunc func(args json.RawMessage, cwd string) (string, error)

// Validate checks the definition
func (s *Skill) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("skill %q: description is required", s.Name)
	}
	if s.Command == "" && s.run == nil {
		return fmt.Errorf("skill %q: command is required", s.Name)
	}
	if s.InputSchema != "" && !json.Valid([]byte(s.InputSchema)) {
		return fmt.Errorf("skill %q: input_schema is not valid JSON", s.Name)
	}
	return nil
}

// Schema returns the input schema, defaulting to an open object
func (s *Skill) Schema() json.RawMessage {
	if s.InputSchema == "" {
		return json.RawMessage(`{"type": "object", "properties": {}}`)
	}
	return json.RawMessage(s.InputSchema)
}

// ParseSkillMD parses a SKILL.md file: YAML frontmatter between ---
// markers, markdown body after.
func ParseSkillMD(data []byte) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	skill.Guidance = string(bytes.TrimSpace(body))
	return &skill, nil
}

func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	if !bytes.HasPrefix(data, []byte("---")) {
		return nil, nil, fmt.Errorf("SKILL.md must start with --- frontmatter")
	}
	rest := bytes.TrimLeft(data[3:], " \t")
	if len(rest) > 0 && rest[0] == '\n' {
		rest = rest[1:]
	} else if len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n' {
		rest = rest[2:]
	}
	closing := bytes.Index(rest, []byte("\n---"))
	if closing == -1 {
		closing = bytes.Index(rest, []byte("\r\n---"))
		if closing == -1 {
			return nil, nil, fmt.Errorf("SKILL.md missing closing --- for frontmatter")
		}
	}
	frontmatter = rest[:closing]
	body = rest[closing+4:]
	body = bytes.TrimLeft(body, " \t")
	if len(body) > 0 && body[0] == '\n' {
		body = body[1:]
	}
	return frontmatter, body, nil
}
