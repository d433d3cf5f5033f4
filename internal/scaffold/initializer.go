// Package scaffold generates the files `parley init` drops into a project:
// a starter parley.yml and the .agents/ state directory.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parleyhq/parley/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo is one file to create during initialization.
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize creates the parley project structure under dir. With force an
// existing parley.yml is replaced; the .agents/ state directory is never
// removed because it may hold task history and artifacts.
func Initialize(dir string, force bool) error {
	if force {
		if err := removeExisting(dir); err != nil {
			return err
		}
	}

	files, err := templateFiles()
	if err != nil {
		return err
	}
	if err := createDirectories(dir); err != nil {
		return err
	}
	if err := writeFiles(dir, files); err != nil {
		return err
	}
	return validateCreatedConfig(dir)
}

// CreatedFiles lists what Initialize writes, relative to the project dir.
func CreatedFiles() []string {
	return []string{
		"parley.yml",
		filepath.Join(".agents", ".gitignore"),
	}
}

func removeExisting(dir string) error {
	path := filepath.Join(dir, "parley.yml")
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove existing parley.yml: %w", err)
		}
	}
	return nil
}

func templateFiles() ([]FileInfo, error) {
	parleyYml, err := templatesFS.ReadFile("templates/parley.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read parley.yml template: %w", err)
	}
	return []FileInfo{
		{
			Path:        "parley.yml",
			Content:     parleyYml,
			Permissions: 0644,
		},
		{
			// The state directory ignores itself so task history and
			// artifacts stay out of version control.
			Path:        filepath.Join(".agents", ".gitignore"),
			Content:     []byte("*\n"),
			Permissions: 0644,
		},
	}, nil
}

func createDirectories(dir string) error {
	dirs := []string{
		filepath.Join(dir, ".agents"),
		filepath.Join(dir, ".agents", "threads"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	return nil
}

func writeFiles(dir string, files []FileInfo) error {
	for _, file := range files {
		path := filepath.Join(dir, file.Path)
		if err := os.WriteFile(path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}
	return nil
}

// validateCreatedConfig parses the generated file through the real config
// loader so a broken template fails init instead of the first serve.
func validateCreatedConfig(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "parley.yml"))
	if err != nil {
		return fmt.Errorf("failed to read created parley.yml: %w", err)
	}
	if _, err := config.Parse(data); err != nil {
		return fmt.Errorf("created parley.yml did not validate: %w", err)
	}
	return nil
}
