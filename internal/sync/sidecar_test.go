package sync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConflictedCopyName(t *testing.T) {
	day := time.Date(2024, 3, 5, 17, 30, 0, 0, time.UTC)
	none := func(string) bool { return false }

	tests := []struct {
		name string
		path string
		want string
	}{
		{"with extension", "/w/notes.txt", "/w/notes(laptop-conflicted-copy-2024-03-05).txt"},
		{"without extension", "/w/Makefile", "/w/Makefile(laptop-conflicted-copy-2024-03-05)"},
		{"dotfile", "/w/.profile", "/w/.profile(laptop-conflicted-copy-2024-03-05)"},
		{"double extension", "/w/a.tar.gz", "/w/a.tar(laptop-conflicted-copy-2024-03-05).gz"},
		{"nested", "/w/docs/plan.md", "/w/docs/plan(laptop-conflicted-copy-2024-03-05).md"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConflictedCopyName(tt.path, "laptop", day, none); got != tt.want {
				t.Errorf("ConflictedCopyName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConflictedCopyName_SkipsTakenNames(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	taken := map[string]bool{
		"/w/notes(laptop-conflicted-copy-2024-03-05).txt":     true,
		"/w/notes(laptop-conflicted-copy-2024-03-05)-(1).txt": true,
	}

	got := ConflictedCopyName("/w/notes.txt", "laptop", day, func(p string) bool { return taken[p] })
	want := "/w/notes(laptop-conflicted-copy-2024-03-05)-(2).txt"
	if got != want {
		t.Errorf("ConflictedCopyName() = %q, want %q", got, want)
	}
}

func readExclude(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, ".git", "info", "exclude"))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestSeedExcludes(t *testing.T) {
	dir := t.TempDir()

	if err := SeedExcludes(dir, DefaultExcludes); err != nil {
		t.Fatalf("SeedExcludes() error = %v", err)
	}
	content := readExclude(t, dir)
	for _, p := range DefaultExcludes {
		if !strings.Contains(content, p+"\n") {
			t.Errorf("pattern %q missing from exclude file", p)
		}
	}

	// second run adds nothing
	if err := SeedExcludes(dir, DefaultExcludes); err != nil {
		t.Fatal(err)
	}
	if again := readExclude(t, dir); again != content {
		t.Errorf("exclude file changed on second run:\n%s", again)
	}
}

func TestSeedExcludes_KeepsExistingLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".git", "info", "exclude")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	// no trailing newline
	if err := os.WriteFile(path, []byte("# local\n*.swp"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := SeedExcludes(dir, []string{"*.swp", "*.tmp"}); err != nil {
		t.Fatal(err)
	}

	want := "# local\n*.swp\n*.tmp\n"
	if got := readExclude(t, dir); got != want {
		t.Errorf("exclude file = %q, want %q", got, want)
	}
}
