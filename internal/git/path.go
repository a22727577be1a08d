package git

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// ExtendPath appends the directory of an absolute git binary to PATH so
// that plain "git" invocations resolve to it. It is meant to run once at
// process start; a directory already on PATH is left alone.
func ExtendPath(binary string) error {
	if binary == "" {
		return nil
	}
	if !filepath.IsAbs(binary) {
		return fmt.Errorf("git binary must be an absolute path: %s", binary)
	}

	dir := filepath.Dir(binary)
	current := os.Getenv("PATH")
	if slices.Contains(filepath.SplitList(current), dir) {
		return nil
	}

	if current == "" {
		return os.Setenv("PATH", dir)
	}
	return os.Setenv("PATH", current+string(os.PathListSeparator)+dir)
}
