package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schaermu/gitcloudd/internal/git"
)

// ErrNoConflicts is returned when a failed merge left no unmerged paths, so
// there is nothing the resolver can do about it
var ErrNoConflicts = errors.New("merge failed without conflicting paths")

// Resolution is the outcome chosen for one conflicting path
type Resolution string

const (
	// Removed: present on neither side, the deletion wins
	Removed Resolution = "removed"
	// KeptOurs: present only locally
	KeptOurs Resolution = "kept-ours"
	// KeptTheirs: present only remotely
	KeptTheirs Resolution = "kept-theirs"
	// TookTheirs: present on both sides, remote content wins and the local
	// content is preserved as a conflicted copy
	TookTheirs Resolution = "took-theirs"
)

// ConflictItem describes one unmerged path of a failed merge
type ConflictItem struct {
	Path           string
	AncestorExists bool
	OursExists     bool
	TheirsExists   bool
	OursID         string
}

// Resolution applies the theirs-wins policy to the item
func (c ConflictItem) Resolution() Resolution {
	switch {
	case !c.OursExists && !c.TheirsExists:
		return Removed
	case c.OursExists && !c.TheirsExists:
		return KeptOurs
	case !c.OursExists && c.TheirsExists:
		return KeptTheirs
	default:
		return TookTheirs
	}
}

// ConflictItems folds unmerged index entries into one item per path,
// ordered by path
func ConflictItems(entries []git.IndexEntry) []ConflictItem {
	byPath := make(map[string]*ConflictItem)
	for _, e := range entries {
		item, ok := byPath[e.Path]
		if !ok {
			item = &ConflictItem{Path: e.Path}
			byPath[e.Path] = item
		}
		switch e.Stage {
		case git.StageAncestor:
			item.AncestorExists = true
		case git.StageOurs:
			item.OursExists = true
			item.OursID = e.ID
		case git.StageTheirs:
			item.TheirsExists = true
		}
	}

	items := make([]ConflictItem, 0, len(byPath))
	for _, item := range byPath {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items
}

// Resolver turns a conflicted merge into a committed state without human
// input. Local content that loses is kept beside the real file.
type Resolver struct {
	git      git.Client
	message  string
	logger   *slog.Logger
	hostname func() (string, error)
	now      func() time.Time
}

// NewResolver creates a resolver committing with message
func NewResolver(client git.Client, message string, logger *slog.Logger) *Resolver {
	return &Resolver{
		git:      client,
		message:  message,
		logger:   logger,
		hostname: os.Hostname,
		now:      time.Now,
	}
}

// Resolve resolves every unmerged path of the working copy at dir, commits
// the result and renames the sidecars to their conflicted-copy names. It
// returns the number of paths resolved. A failure part way through leaves
// the paths handled so far as they are; Resume picks up from there.
func (r *Resolver) Resolve(ctx context.Context, dir string) (int, error) {
	entries, err := r.git.Unmerged(ctx, dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list conflicts: %w", err)
	}
	items := ConflictItems(entries)
	if len(items) == 0 {
		return 0, ErrNoConflicts
	}
	return r.resolve(ctx, dir, items)
}

// Resume finishes a merge an earlier pass left open. Paths still unmerged
// are resolved again, a merge with nothing left unmerged is committed as
// is. Sidecars that never got renamed are renamed either way.
func (r *Resolver) Resume(ctx context.Context, dir string) (int, error) {
	entries, err := r.git.Unmerged(ctx, dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list conflicts: %w", err)
	}
	if items := ConflictItems(entries); len(items) > 0 {
		return r.resolve(ctx, dir, items)
	}

	if err := r.git.Commit(ctx, dir, r.message); err != nil {
		return 0, fmt.Errorf("failed to commit merge resolution: %w", err)
	}
	return 0, r.renameSidecars(dir, nil)
}

func (r *Resolver) resolve(ctx context.Context, dir string, items []ConflictItem) (int, error) {
	var (
		sidecars []string
		err      error
	)
	for _, item := range items {
		res := item.Resolution()
		r.logger.Info("resolving conflict", "dir", dir, "path", item.Path, "resolution", res)

		switch res {
		case Removed:
			err = r.git.Remove(ctx, dir, item.Path)
		case KeptOurs:
			err = r.keep(ctx, dir, git.Ours, item.Path)
		case KeptTheirs:
			err = r.keep(ctx, dir, git.Theirs, item.Path)
		case TookTheirs:
			var sidecar string
			sidecar, err = r.writeSidecar(ctx, dir, item)
			if err == nil {
				sidecars = append(sidecars, sidecar)
				err = r.keep(ctx, dir, git.Theirs, item.Path)
			}
		}
		if err != nil {
			return 0, fmt.Errorf("failed to resolve %s: %w", item.Path, err)
		}
	}

	if err := r.git.Commit(ctx, dir, r.message); err != nil {
		return 0, fmt.Errorf("failed to commit merge resolution: %w", err)
	}

	if err := r.renameSidecars(dir, sidecars); err != nil {
		return 0, err
	}

	return len(items), nil
}

// MoveAside renames untracked local files to their conflicted-copy names so
// a merge can write the incoming versions in their place. paths are relative
// to dir.
func (r *Resolver) MoveAside(dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	host, err := r.hostname()
	if err != nil {
		return fmt.Errorf("failed to read hostname: %w", err)
	}
	day := r.now()

	for _, p := range paths {
		path := filepath.Join(dir, p)
		target := ConflictedCopyName(path, host, day, pathExists)
		if err := os.Rename(path, target); err != nil {
			return fmt.Errorf("failed to move %s aside: %w", p, err)
		}
		r.logger.Info("untracked file moved aside", "path", path, "copy", target)
	}
	return nil
}

func (r *Resolver) keep(ctx context.Context, dir string, side git.Side, path string) error {
	if err := r.git.Checkout(ctx, dir, side, path); err != nil {
		return err
	}
	return r.git.Add(ctx, dir, path)
}

// writeSidecar stores the local content of item next to the real path
func (r *Resolver) writeSidecar(ctx context.Context, dir string, item ConflictItem) (string, error) {
	content, err := r.git.ReadBlob(ctx, dir, item.OursID)
	if err != nil {
		return "", err
	}

	sidecar := filepath.Join(dir, item.Path+SidecarSuffix)
	if err := os.WriteFile(sidecar, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write sidecar: %w", err)
	}
	return sidecar, nil
}

// renameSidecars gives sidecars, and any an interrupted resolution left in
// dir, their conflicted-copy names
func (r *Resolver) renameSidecars(dir string, sidecars []string) error {
	leftovers, err := leftoverSidecars(dir)
	if err != nil {
		return fmt.Errorf("failed to look for sidecars: %w", err)
	}

	seen := make(map[string]bool, len(sidecars)+len(leftovers))
	var all []string
	for _, sc := range append(sidecars, leftovers...) {
		if !seen[sc] {
			seen[sc] = true
			all = append(all, sc)
		}
	}
	if len(all) == 0 {
		return nil
	}

	host, err := r.hostname()
	if err != nil {
		return fmt.Errorf("failed to read hostname: %w", err)
	}
	day := r.now()

	for _, sidecar := range all {
		original := strings.TrimSuffix(sidecar, SidecarSuffix)
		target := ConflictedCopyName(original, host, day, pathExists)
		if err := os.Rename(sidecar, target); err != nil {
			return fmt.Errorf("failed to rename sidecar: %w", err)
		}
		r.logger.Info("conflicted copy written", "path", target)
	}
	return nil
}

// leftoverSidecars lists the sidecars below dir that still sit next to the
// file they were split from
func leftoverSidecars(dir string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && strings.HasSuffix(path, SidecarSuffix) &&
			pathExists(strings.TrimSuffix(path, SidecarSuffix)) {
			found = append(found, path)
		}
		return nil
	})
	return found, err
}

// mergeInProgress reports whether the working copy at dir has an
// unconcluded merge
func mergeInProgress(dir string) bool {
	return pathExists(filepath.Join(dir, ".git", "MERGE_HEAD"))
}
