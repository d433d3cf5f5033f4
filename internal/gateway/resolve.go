package gateway

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// resolveCommand finds the executable for command without involving a shell.
// When the call's environment overrides PATH, that PATH is searched instead
// of the process one, so per-participant toolchains work as configured.
func resolveCommand(command string, env []string) (string, error) {
	if strings.ContainsAny(command, `/\`) {
		return exec.LookPath(command)
	}
	if overridePath := lookupEnv(env, "PATH"); overridePath != "" {
		return searchPath(command, splitPathList(overridePath))
	}
	return exec.LookPath(command)
}

// lookupEnv returns the last value for key in a KEY=VALUE list; later
// entries win, matching how the subprocess environment resolves duplicates.
func lookupEnv(env []string, key string) string {
	value := ""
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			value = kv[len(prefix):]
		}
	}
	return value
}

// splitPathList splits a PATH-style list into entries. On Windows the
// separator is ';'. Elsewhere the separator is ':', but Windows drive-letter
// entries such as C:\tools are preserved rather than split into "C" and
// "\tools", so lists copied across platforms stay usable.
func splitPathList(list string) []string {
	if list == "" {
		return nil
	}
	if runtime.GOOS == "windows" {
		return splitNonEmpty(list, ";")
	}

	parts := strings.Split(list, ":")
	var entries []string
	for i := 0; i < len(parts); i++ {
		part := parts[i]
		if isDriveLetter(part) && i+1 < len(parts) && startsLikePath(parts[i+1]) {
			entries = append(entries, part+":"+parts[i+1])
			i++
			continue
		}
		if part != "" {
			entries = append(entries, part)
		}
	}
	return entries
}

func splitNonEmpty(list, sep string) []string {
	var entries []string
	for _, part := range strings.Split(list, sep) {
		if part != "" {
			entries = append(entries, part)
		}
	}
	return entries
}

func isDriveLetter(s string) bool {
	if len(s) != 1 {
		return false
	}
	c := s[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func startsLikePath(s string) bool {
	return strings.HasPrefix(s, `\`) || strings.HasPrefix(s, "/")
}

// searchPath looks for an executable named command in dirs, in order.
func searchPath(command string, dirs []string) (string, error) {
	candidates := []string{command}
	if runtime.GOOS == "windows" && filepath.Ext(command) == "" {
		for _, ext := range []string{".exe", ".cmd", ".bat"} {
			candidates = append(candidates, command+ext)
		}
	}

	for _, dir := range dirs {
		for _, name := range candidates {
			candidate := filepath.Join(dir, name)
			if isExecutable(candidate) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("executable %q not found in call PATH", command)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}
