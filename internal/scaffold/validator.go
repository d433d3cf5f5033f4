package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckExisting reports an error when dir already holds a parley.yml, so
// init refuses to clobber configuration without --force.
func CheckExisting(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "parley.yml")); err == nil {
		return fmt.Errorf("project already initialized: parley.yml exists\n\nUse 'parley init --force' to replace it")
	}
	return nil
}
