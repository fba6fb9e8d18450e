// Package setup handles lifeline runtime directory initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/lifeline-lk/dispatch/internal/directory"
	"github.com/lifeline-lk/dispatch/internal/model"
	atomicyaml "github.com/lifeline-lk/dispatch/internal/yaml"
	"github.com/lifeline-lk/dispatch/templates"
)

// DirName is the runtime directory created inside the project directory.
const DirName = ".lifeline"

// Run initializes the .lifeline/ runtime directory in projectDir.
// projectName overrides the auto-detected name (directory basename).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"spool",
		"results",
		"archive",
		"ledger",
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := copyTemplateFile("lifeline.md", filepath.Join(base, "lifeline.md")); err != nil {
		return err
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := writeContacts(filepath.Join(base, "contacts.yaml")); err != nil {
		return fmt.Errorf("write contacts.yaml: %w", err)
	}

	// Create daemon.lock (empty)
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	return &cfg, nil
}

// writeContacts snapshots the shipped default ladders, including any
// EMERGENCY_* environment overrides active at init time.
func writeContacts(path string) error {
	defaults := directory.Default()
	f := directory.File{
		SchemaVersion: 1,
		Contacts:      make(map[model.Category]directory.CategoryEntry, len(defaults.Categories())),
	}
	for _, cat := range defaults.Categories() {
		f.Contacts[cat] = directory.CategoryEntry{
			Description: defaults.DescriptionOf(cat),
			Ladder:      defaults.ContactsFor(cat),
		}
	}
	return atomicyaml.AtomicWrite(path, f)
}
