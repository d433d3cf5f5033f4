// Package workspace inspects target source trees. It produces the stable
// fingerprint the resume guard compares across create and start, the filtered
// file listings the sandbox copier and round manifests share, and the policy
// profile that supplies default verification commands per project type.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// excludedDirs never contribute to fingerprints and are never copied into
// sandboxes: VCS metadata, dependency trees, virtualenvs, and tool caches.
var excludedDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	"node_modules":  true,
	".venv":         true,
	"venv":          true,
	"__pycache__":   true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".ruff_cache":   true,
	".tox":          true,
	".cache":        true,
	".idea":         true,
}

// secretPatterns are filename globs withheld from sandboxes and fingerprints
// so generated copies never leak credentials.
var secretPatterns = []string{
	".env*",
	"*.pem",
	"*.key",
	"id_rsa*",
	"*.p12",
	"credentials*.json",
}

// ExcludedDir reports whether a directory name is on the exclusion list.
func ExcludedDir(name string) bool {
	return excludedDirs[name]
}

// IsSecretFile reports whether a file name matches a secret pattern.
func IsSecretFile(name string) bool {
	for _, pattern := range secretPatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// FileInfo describes one non-excluded regular file relative to the walk root.
type FileInfo struct {
	RelPath   string `json:"rel_path"` // Slash-separated, stable across platforms
	Size      int64  `json:"size"`
	ModTimeNS int64  `json:"mod_time_ns"`
}

// ListFiles walks root and returns every non-excluded regular file in
// deterministic slash-path order. Symlinks and secret files are skipped.
func ListFiles(root string) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != root && ExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || IsSecretFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			RelPath:   filepath.ToSlash(rel),
			Size:      info.Size(),
			ModTimeNS: info.ModTime().UnixNano(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace %s: %w", root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// Fingerprint digests the shape of a workspace: one line per non-excluded
// file (path, size, mtime), sorted, SHA-256 over the concatenation. Any file
// added, removed, or touched between two calls changes the digest.
func Fingerprint(root string) (string, error) {
	files, err := ListFiles(root)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", f.RelPath, f.Size, f.ModTimeNS)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Profile carries the default verification commands for a detected project
// type. Empty commands mean verification is skipped unless the task or the
// configuration supplies its own.
type Profile struct {
	Name        string `json:"name"`
	TestCommand string `json:"test_command,omitempty"`
	LintCommand string `json:"lint_command,omitempty"`
}

// DetectProfile inspects marker files at the workspace root and returns the
// matching profile. Go wins over Node wins over Python when several markers
// coexist.
func DetectProfile(root string) Profile {
	exists := func(names ...string) bool {
		for _, name := range names {
			if _, err := os.Stat(filepath.Join(root, name)); err == nil {
				return true
			}
		}
		return false
	}

	switch {
	case exists("go.mod"):
		return Profile{Name: "go", TestCommand: "go test ./...", LintCommand: "go vet ./..."}
	case exists("package.json"):
		return Profile{Name: "node", TestCommand: "npm test", LintCommand: "npm run lint --if-present"}
	case exists("pyproject.toml", "setup.py", "requirements.txt"):
		return Profile{Name: "python", TestCommand: "pytest", LintCommand: "ruff check ."}
	default:
		return Profile{Name: "generic"}
	}
}

// Slug normalizes a workspace path into a token usable in generated
// directory names: the base name lowered with non-alphanumerics collapsed
// to single dashes.
func Slug(path string) string {
	base := strings.ToLower(filepath.Base(filepath.Clean(path)))
	var b strings.Builder
	lastDash := true
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "workspace"
	}
	return slug
}
