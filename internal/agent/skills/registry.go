package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sageloop/sage/internal/agent/ai"
	"github.com/sageloop/sage/internal/logging"
)

// SkillFileName is the expected definition filename
const SkillFileName = "SKILL.md"

// Registry loads skills from a directory and hot-reloads on changes.
// Built-in skills are registered programmatically and survive reloads.
type Registry struct {
	mu       sync.RWMutex
	skills   map[string]*Skill
	builtins map[string]*Skill
	dir      string
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
}

// NewRegistry creates a registry over a skills directory
func NewRegistry(dir string) *Registry {
	return &Registry{
		skills:   make(map[string]*Skill),
		builtins: make(map[string]*Skill),
		dir:      dir,
	}
}

// RegisterBuiltin adds an in-process skill
func (r *Registry) RegisterBuiltin(skill *Skill, run RunFunc) error {
	skill.run = run
	skill.Enabled = true
	if err := skill.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[skill.Name] = skill
	return nil
}

// LoadAll scans the directory for skill definitions. A missing directory
// loads zero skills without error.
//
//	skills/
//	├── weather/
//	│   └── SKILL.md
//	└── github/
//	    └── SKILL.md
func (r *Registry) LoadAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.skills = make(map[string]*Skill)
	if _, err := os.Stat(r.dir); os.IsNotExist(err) {
		return nil
	}
	err := filepath.Walk(r.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.EqualFold(filepath.Base(path), SkillFileName) {
			return nil
		}
		if err := r.loadFile(path); err != nil {
			logging.Warnf("[skills] skipping %s: %v", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load skills: %w", err)
	}
	logging.Infof("[skills] loaded %d skills from %s", len(r.skills), r.dir)
	return nil
}

// loadFile parses one definition (caller holds the lock)
func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	skill, err := ParseSkillMD(data)
	if err != nil {
		return err
	}
	if skill.Version == "" {
		skill.Version = "1.0.0"
	}
	skill.Enabled = true
	skill.FilePath = path
	if err := skill.Validate(); err != nil {
		return err
	}
	r.skills[skill.Name] = skill
	logging.Debugf("[skills] loaded %s", skill.Name)
	return nil
}

// Watch starts hot-reloading definitions on filesystem changes
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	r.watcher = watcher
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.watchLoop(ctx)

	return filepath.Walk(r.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if err := r.watcher.Add(path); err != nil {
				logging.Debugf("[skills] cannot watch %s: %v", path, err)
			}
		}
		return nil
	})
}

func (r *Registry) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("[skills] watch error: %v", err)
		}
	}
}

func (r *Registry) handleEvent(event fsnotify.Event) {
	if !strings.EqualFold(filepath.Base(event.Name), SkillFileName) {
		return
	}
	switch {
	case event.Op&fsnotify.Write != 0, event.Op&fsnotify.Create != 0:
		r.mu.Lock()
		if err := r.loadFile(event.Name); err != nil {
			logging.Errorf("[skills] reload %s failed: %v", event.Name, err)
		}
		r.mu.Unlock()
	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		r.mu.Lock()
		for name, skill := range r.skills {
			if skill.FilePath == event.Name {
				delete(r.skills, name)
				logging.Infof("[skills] unloaded %s", name)
				break
			}
		}
		r.mu.Unlock()
	}
}

// Stop halts watching
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Get returns a skill by name; built-ins shadow directory skills
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.builtins[name]; ok {
		return s, true
	}
	s, ok := r.skills[name]
	return s, ok
}

// List returns all enabled skills sorted by name
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills)+len(r.builtins))
	for _, s := range r.builtins {
		out = append(out, s)
	}
	for name, s := range r.skills {
		if _, shadowed := r.builtins[name]; shadowed {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolSpecs exports enabled skills as provider tool definitions
func (r *Registry) ToolSpecs() []ai.ToolSpec {
	var specs []ai.ToolSpec
	for _, s := range r.List() {
		if !s.Enabled {
			continue
		}
		specs = append(specs, ai.ToolSpec{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: s.Schema(),
		})
	}
	return specs
}

// Catalogue renders the skill list for the system prompt
func (r *Registry) Catalogue() string {
	list := r.List()
	if len(list) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, s := range list {
		if !s.Enabled {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
	}
	return sb.String()
}
