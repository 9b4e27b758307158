package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sageloop/sage/internal/agent/skills"
)

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "Manage the skill library",
}

var skillsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed skills",
	RunE: func(*cobra.Command, []string) error {
		registry, err := openRegistry()
		if err != nil {
			return err
		}
		list := registry.List()
		if len(list) == 0 {
			fmt.Println("No skills installed.")
			return nil
		}
		for _, s := range list {
			kind := "builtin"
			if s.Command != "" {
				kind = s.Version
			}
			fmt.Printf("%-20s %-10s %s\n", s.Name, kind, s.Description)
		}
		return nil
	},
}

var skillsInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show a skill's definition and guidance",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		registry, err := openRegistry()
		if err != nil {
			return err
		}
		skill, ok := registry.Get(args[0])
		if !ok {
			return fmt.Errorf("unknown skill: %s", args[0])
		}
		fmt.Printf("Name:        %s\n", skill.Name)
		fmt.Printf("Description: %s\n", skill.Description)
		if skill.Version != "" {
			fmt.Printf("Version:     %s\n", skill.Version)
		}
		if skill.Command != "" {
			fmt.Printf("Command:     %s\n", skill.Command)
		}
		if skill.Guidance != "" {
			fmt.Printf("\n%s\n", skill.Guidance)
		}
		return nil
	},
}

var skillsSearchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Find installed skills by name or description",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		registry, err := openRegistry()
		if err != nil {
			return err
		}
		term := strings.ToLower(args[0])
		found := 0
		for _, s := range registry.List() {
			if !strings.Contains(strings.ToLower(s.Name), term) &&
				!strings.Contains(strings.ToLower(s.Description), term) {
				continue
			}
			fmt.Printf("%-20s %s\n", s.Name, s.Description)
			found++
		}
		if found == 0 {
			fmt.Printf("No skills matching %q.\n", args[0])
		}
		return nil
	},
}

var skillsInstallCmd = &cobra.Command{
	Use:   "install <dir>",
	Short: "Copy a skill directory into the skills library",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		src := args[0]
		data, err := os.ReadFile(filepath.Join(src, skills.SkillFileName))
		if err != nil {
			return fmt.Errorf("not a skill directory: %w", err)
		}
		skill, err := skills.ParseSkillMD(data)
		if err != nil {
			return err
		}
		if err := skill.Validate(); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dst := filepath.Join(cfg.SkillsDir(), skill.Name)
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("skill %q is already installed", skill.Name)
		}
		if err := copyDir(src, dst); err != nil {
			return err
		}
		fmt.Printf("Installed %s to %s\n", skill.Name, dst)
		return nil
	},
}

var skillsUninstallCmd = &cobra.Command{
	Use:   "uninstall <name>",
	Short: "Remove an installed skill",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		registry, err := openRegistry()
		if err != nil {
			return err
		}
		skill, ok := registry.Get(args[0])
		if !ok {
			return fmt.Errorf("unknown skill: %s", args[0])
		}
		if skill.FilePath == "" {
			return fmt.Errorf("%s is built in and cannot be removed", skill.Name)
		}
		dir := filepath.Dir(skill.FilePath)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", skill.Name)
		return nil
	},
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

func openRegistry() (*skills.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	registry := skills.NewRegistry(cfg.SkillsDir())
	if err := registry.LoadAll(); err != nil {
		return nil, err
	}
	return registry, nil
}

func init() {
	skillsCmd.AddCommand(skillsListCmd)
	skillsCmd.AddCommand(skillsInfoCmd)
	skillsCmd.AddCommand(skillsSearchCmd)
	skillsCmd.AddCommand(skillsInstallCmd)
	skillsCmd.AddCommand(skillsUninstallCmd)
}
