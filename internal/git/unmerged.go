package git

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Index stages of a conflicted path
const (
	StageAncestor = 1
	StageOurs     = 2
	StageTheirs   = 3
)

// IndexEntry is one line of `git ls-files -u`
type IndexEntry struct {
	Mode  string
	ID    string
	Stage int
	Path  string
}

// ParseUnmerged parses NUL-terminated `git ls-files -u -z` output.
// Each record has the form "<mode> <object> <stage>\t<path>".
func ParseUnmerged(out []byte) ([]IndexEntry, error) {
	var entries []IndexEntry
	for _, rec := range bytes.Split(out, []byte{0}) {
		if len(rec) == 0 {
			continue
		}

		meta, path, ok := strings.Cut(string(rec), "\t")
		if !ok || path == "" {
			return nil, fmt.Errorf("malformed unmerged entry %q", rec)
		}

		fields := strings.Fields(meta)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed unmerged entry %q", rec)
		}

		stage, err := strconv.Atoi(fields[2])
		if err != nil || stage < StageAncestor || stage > StageTheirs {
			return nil, fmt.Errorf("invalid stage in unmerged entry %q", rec)
		}

		entries = append(entries, IndexEntry{
			Mode:  fields[0],
			ID:    fields[1],
			Stage: stage,
			Path:  path,
		})
	}
	return entries, nil
}

// UntrackedInTheWay returns the untracked paths a failed merge refused to
// overwrite or remove, relative to the working copy root. Other failures
// yield nil.
func UntrackedInTheWay(err error) []string {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return nil
	}

	var paths []string
	listing := false
	for _, line := range strings.Split(exitErr.Output, "\n") {
		switch {
		case strings.Contains(line, "untracked working tree files would be"):
			listing = true
		case listing && strings.HasPrefix(line, "\t"):
			path := strings.TrimPrefix(line, "\t")
			if unquoted, err := strconv.Unquote(path); err == nil {
				path = unquoted
			}
			paths = append(paths, path)
		default:
			listing = false
		}
	}
	return paths
}
