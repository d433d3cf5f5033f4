package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestListFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "internal/app/app.go", "package app\n")
	writeFile(t, root, "README.md", "# readme\n")
	writeFile(t, root, ".git/config", "[core]\n")
	writeFile(t, root, "node_modules/pkg/index.js", "module.exports = {}\n")
	writeFile(t, root, ".venv/bin/activate", "#!/bin/sh\n")
	writeFile(t, root, ".env", "SECRET=1\n")
	writeFile(t, root, "certs/server.pem", "---\n")
	writeFile(t, root, "deploy/credentials-prod.json", "{}\n")

	files, err := ListFiles(root)
	require.NoError(t, err)

	var paths []string
	for _, f := range files {
		paths = append(paths, f.RelPath)
	}
	assert.Equal(t, []string{"README.md", "internal/app/app.go", "main.go"}, paths)

	for _, f := range files {
		assert.Positive(t, f.Size)
		assert.Positive(t, f.ModTimeNS)
	}
}

func TestFingerprintStableAndSensitive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "b/b.go", "package b\n")

	first, err := Fingerprint(root)
	require.NoError(t, err)
	require.Len(t, first, 64)

	again, err := Fingerprint(root)
	require.NoError(t, err)
	assert.Equal(t, first, again, "unchanged tree must fingerprint identically")

	// Content growth changes size, which must change the digest.
	writeFile(t, root, "a.go", "package a\n\nvar x = 1\n")
	changed, err := Fingerprint(root)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestFingerprintIgnoresExcludedPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	before, err := Fingerprint(root)
	require.NoError(t, err)

	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main\n")
	writeFile(t, root, "node_modules/x/y.js", "1\n")
	writeFile(t, root, ".env.local", "TOKEN=abc\n")
	writeFile(t, root, "id_rsa", "---\n")

	after, err := Fingerprint(root)
	require.NoError(t, err)
	assert.Equal(t, before, after, "excluded paths must not affect the digest")
}

func TestFingerprintSeesNewFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	before, err := Fingerprint(root)
	require.NoError(t, err)

	writeFile(t, root, "c.go", "package a\n")

	after, err := Fingerprint(root)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestIsSecretFile(t *testing.T) {
	tests := []struct {
		name   string
		secret bool
	}{
		{".env", true},
		{".env.production", true},
		{"server.pem", true},
		{"private.key", true},
		{"id_rsa", true},
		{"id_rsa.pub", true},
		{"bundle.p12", true},
		{"credentials-staging.json", true},
		{"main.go", false},
		{"environment.md", false},
		{"keyboard.go", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.secret, IsSecretFile(tt.name), "name %q", tt.name)
	}
}

func TestDetectProfile(t *testing.T) {
	t.Run("go", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "go.mod", "module example.com/x\n")
		p := DetectProfile(root)
		assert.Equal(t, "go", p.Name)
		assert.Equal(t, "go test ./...", p.TestCommand)
		assert.Equal(t, "go vet ./...", p.LintCommand)
	})

	t.Run("node", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "package.json", "{}\n")
		p := DetectProfile(root)
		assert.Equal(t, "node", p.Name)
		assert.Equal(t, "npm test", p.TestCommand)
	})

	t.Run("python", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "pyproject.toml", "[project]\n")
		p := DetectProfile(root)
		assert.Equal(t, "python", p.Name)
		assert.Equal(t, "pytest", p.TestCommand)
	})

	t.Run("go wins over node", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "go.mod", "module example.com/x\n")
		writeFile(t, root, "package.json", "{}\n")
		assert.Equal(t, "go", DetectProfile(root).Name)
	})

	t.Run("generic", func(t *testing.T) {
		p := DetectProfile(t.TempDir())
		assert.Equal(t, "generic", p.Name)
		assert.Empty(t, p.TestCommand)
		assert.Empty(t, p.LintCommand)
	})
}

func TestSlug(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/home/dev/My Project", "my-project"},
		{"/srv/api_server", "api-server"},
		{"/tmp/x/payments-v2", "payments-v2"},
		{"/opt/UPPER", "upper"},
		{"/weird/!!!", "workspace"},
		{"relative/dir/", "dir"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.path), "path %q", tt.path)
	}
}
