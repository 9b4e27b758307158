package skills

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

const weatherSkillMD = `---
name: weather
description: Look up the current weather
version: 2.1.0
command: ./run.sh
input_schema: '{"type": "object", "properties": {"city": {"type": "string"}}}'
timeout_seconds: 10
---

Call with a city name. Prefer metric units.
`

func TestParseSkillMD(t *testing.T) {
	skill, err := ParseSkillMD([]byte(weatherSkillMD))
	if err != nil {
		t.Fatal(err)
	}
	if skill.Name != "weather" || skill.Version != "2.1.0" || skill.Command != "./run.sh" {
		t.Errorf("frontmatter wrong: %+v", skill)
	}
	if skill.TimeoutSeconds != 10 {
		t.Errorf("timeout = %d", skill.TimeoutSeconds)
	}
	if !strings.Contains(skill.Guidance, "Prefer metric units") {
		t.Errorf("guidance missing: %q", skill.Guidance)
	}
}

func TestParseSkillMDErrors(t *testing.T) {
	if _, err := ParseSkillMD([]byte("just markdown, no frontmatter")); err == nil {
		t.Error("missing frontmatter must fail")
	}
	if _, err := ParseSkillMD([]byte("---\nname: x\ndescription: y")); err == nil {
		t.Error("unclosed frontmatter must fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		skill Skill
		ok    bool
	}{
		{"valid command skill", Skill{Name: "a", Description: "b", Command: "./x"}, true},
		{"missing name", Skill{Description: "b", Command: "./x"}, false},
		{"missing description", Skill{Name: "a", Command: "./x"}, false},
		{"no command or run", Skill{Name: "a", Description: "b"}, false},
		{"bad schema", Skill{Name: "a", Description: "b", Command: "./x", InputSchema: "{not json"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.skill.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSchemaDefaultsToOpenObject(t *testing.T) {
	s := Skill{}
	if string(s.Schema()) != `{"type": "object", "properties": {}}` {
		t.Errorf("got %s", s.Schema())
	}
}

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, SkillFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "weather", weatherSkillMD)
	writeSkill(t, dir, "broken", "---\nname: broken\n---\nno description, skipped\n")

	r := NewRegistry(dir)
	if err := r.LoadAll(); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get("weather"); !ok {
		t.Error("weather skill not loaded")
	}
	if _, ok := r.Get("broken"); ok {
		t.Error("invalid skill must be skipped, not loaded")
	}
	if len(r.List()) != 1 {
		t.Errorf("expected 1 skill, got %d", len(r.List()))
	}
}

func TestLoadAllMissingDirIsEmpty(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "nope"))
	if err := r.LoadAll(); err != nil {
		t.Fatal(err)
	}
	if len(r.List()) != 0 {
		t.Error("missing directory must load zero skills")
	}
}

func TestBuiltinShadowsDirectorySkill(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "weather", weatherSkillMD)
	r := NewRegistry(dir)
	if err := r.LoadAll(); err != nil {
		t.Fatal(err)
	}
	err := r.RegisterBuiltin(&Skill{Name: "weather", Description: "built-in override"},
		func(json.RawMessage, string) (string, error) { return "sunny", nil })
	if err != nil {
		t.Fatal(err)
	}
	skill, _ := r.Get("weather")
	if skill.Description != "built-in override" {
		t.Error("builtin must shadow the directory skill")
	}
	if len(r.List()) != 1 {
		t.Errorf("shadowed skill must not be listed twice, got %d", len(r.List()))
	}
}

func TestExecuteBuiltin(t *testing.T) {
	r := NewRegistry(t.TempDir())
	err := r.RegisterBuiltin(&Skill{Name: "echo", Description: "echoes args"},
		func(args json.RawMessage, _ string) (string, error) { return string(args), nil })
	if err != nil {
		t.Fatal(err)
	}
	res := r.Execute(context.Background(), Invocation{SkillName: "echo", Args: json.RawMessage(`{"x":1}`)})
	if !res.Success || res.Output != `{"x":1}` {
		t.Errorf("got %+v", res)
	}
}

func TestExecuteBuiltinError(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.RegisterBuiltin(&Skill{Name: "fails", Description: "always errors"},
		func(json.RawMessage, string) (string, error) { return "", errors.New("boom") }); err != nil {
		t.Fatal(err)
	}
	res := r.Execute(context.Background(), Invocation{SkillName: "fails"})
	if res.Success || res.Output != "boom" {
		t.Errorf("got %+v", res)
	}
}

func TestExecuteUnknownSkill(t *testing.T) {
	r := NewRegistry(t.TempDir())
	res := r.Execute(context.Background(), Invocation{SkillName: "nope"})
	if res.Success {
		t.Error("unknown skill must fail")
	}
	if !strings.Contains(res.Output, "unknown skill") {
		t.Errorf("got %q", res.Output)
	}
}

func TestExecuteCommandReadsStdin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script skill")
	}
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "upper")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\ntr '[:lower:]' '[:upper:]'\n"
	if err := os.WriteFile(filepath.Join(skillDir, "run.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	md := "---\nname: upper\ndescription: Uppercases stdin\ncommand: ./run.sh\n---\n"
	if err := os.WriteFile(filepath.Join(skillDir, SkillFileName), []byte(md), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(dir)
	if err := r.LoadAll(); err != nil {
		t.Fatal(err)
	}
	res := r.Execute(context.Background(), Invocation{SkillName: "upper", Args: json.RawMessage(`{"a":"hi"}`)})
	if !res.Success {
		t.Fatalf("command skill failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, `{"A":"HI"}`) {
		t.Errorf("stdin not piped through command: %q", res.Output)
	}
}

func TestToolSpecsAndCatalogue(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.RegisterBuiltin(&Skill{Name: "clock", Description: "Tells the time"},
		func(json.RawMessage, string) (string, error) { return "", nil }); err != nil {
		t.Fatal(err)
	}
	specs := r.ToolSpecs()
	if len(specs) != 1 || specs[0].Name != "clock" {
		t.Errorf("specs: %+v", specs)
	}
	if !json.Valid(specs[0].InputSchema) {
		t.Error("exported schema must be valid JSON")
	}
	if !strings.Contains(r.Catalogue(), "- clock: Tells the time") {
		t.Errorf("catalogue: %q", r.Catalogue())
	}
}
