package sync

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExcludes keeps OS artifacts, editor leftovers and conflict sidecars
// out of automated commits
var DefaultExcludes = []string{
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"*~",
	"*.swp",
	"*.tmp",
	"*.bak",
	"*" + SidecarSuffix,
}

// SeedExcludes appends the patterns missing from .git/info/exclude of the
// working copy at dir. Existing lines are left untouched.
func SeedExcludes(dir string, patterns []string) error {
	path := filepath.Join(dir, ".git", "info", "exclude")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create info directory: %w", err)
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read exclude file: %w", err)
	}

	present := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(existing))
	for scanner.Scan() {
		present[strings.TrimSpace(scanner.Text())] = true
	}

	var missing bytes.Buffer
	for _, p := range patterns {
		if !present[p] {
			missing.WriteString(p + "\n")
			present[p] = true
		}
	}
	if missing.Len() == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open exclude file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	if _, err := f.Write(missing.Bytes()); err != nil {
		return fmt.Errorf("failed to write exclude file: %w", err)
	}
	return f.Close()
}
