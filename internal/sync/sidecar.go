package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SidecarSuffix marks a file holding the local side of a conflict until it
// is renamed to its conflicted-copy name
const SidecarSuffix = ".conflict"

// ConflictedCopyName returns the first free name of the form
// "<stem>(<host>-conflicted-copy-<date>)<ext>", appending "-(<n>)" to the
// marker while exists reports the candidate as taken.
func ConflictedCopyName(path, host string, day time.Time, exists func(string) bool) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	if ext == base {
		// dotfiles like ".profile" have no extension
		ext = ""
	}
	stem := strings.TrimSuffix(base, ext)
	marker := fmt.Sprintf("(%s-conflicted-copy-%s)", host, day.Format(time.DateOnly))

	for n := 0; ; n++ {
		name := stem + marker
		if n > 0 {
			name += fmt.Sprintf("-(%d)", n)
		}
		candidate := filepath.Join(dir, name+ext)
		if !exists(candidate) {
			return candidate
		}
	}
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
