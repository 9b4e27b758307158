package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sageloop/sage/internal/logging"
)

// Invocation is one tool call routed to a skill
type Invocation struct {
	SkillName string
	Args      json.RawMessage
	Cwd       string
}

// Result is the outcome of a skill execution
type Result struct {
	Success bool
	Output  string
}

const defaultTimeout = 30 * time.Second

// Execute runs a skill. Unknown names return an error result rather
// than a Go error, so the caller can feed it back as a tool_result.
func (r *Registry) Execute(ctx context.Context, inv Invocation) Result {
	skill, ok := r.Get(inv.SkillName)
	if !ok || !skill.Enabled {
		return Result{Success: false, Output: fmt.Sprintf("unknown skill: %s", inv.SkillName)}
	}

	timeout := defaultTimeout
	if skill.TimeoutSeconds > 0 {
		timeout = time.Duration(skill.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if skill.run != nil {
		out, err := skill.run(inv.Args, inv.Cwd)
		if err != nil {
			return Result{Success: false, Output: err.Error()}
		}
		return Result{Success: true, Output: out}
	}
	return r.execCommand(ctx, skill, inv)
}

// execCommand runs the skill's executable with the JSON args on stdin.
// Relative commands resolve against the skill's own directory.
func (r *Registry) execCommand(ctx context.Context, skill *Skill, inv Invocation) Result {
	command := skill.Command
	if !filepath.IsAbs(command) && skill.FilePath != "" {
		command = filepath.Join(filepath.Dir(skill.FilePath), command)
	}

	cmd := exec.CommandContext(ctx, command)
	cmd.Dir = inv.Cwd
	if inv.Cwd == "" && skill.FilePath != "" {
		cmd.Dir = filepath.Dir(skill.FilePath)
	}
	if len(inv.Args) > 0 {
		cmd.Stdin = bytes.NewReader(inv.Args)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		logging.Warnf("[skills] %s failed after %s: %v", skill.Name, elapsed, err)
		out := stderr.String()
		if out == "" {
			out = err.Error()
		}
		return Result{Success: false, Output: out}
	}
	logging.Debugf("[skills] %s completed in %s", skill.Name, elapsed)
	return Result{Success: true, Output: stdout.String()}
}
