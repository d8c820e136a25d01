package turn

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/pkg/types"
)

// fileDiffs summarizes the changes of a fileChange item with paths made
// relative to root.
func fileDiffs(root string, changes []codex.FileUpdateChange) []types.FileDiff {
	out := make([]types.FileDiff, 0, len(changes))
	for _, c := range changes {
		d := types.FileDiff{
			Path: relPath(root, c.Path),
			Kind: c.Kind.Type,
		}
		if c.Kind.MovePath != "" {
			d.MovePath = relPath(root, c.Kind.MovePath)
		}
		d.Additions, d.Deletions = countChanges(c.Kind.Type, c.Diff)
		out = append(out, d)
	}
	return out
}

// countChanges counts added and deleted lines. Updates carry unified diff
// text; adds and deletes may carry the whole file instead.
func countChanges(kind, text string) (additions, deletions int) {
	if text == "" {
		return 0, 0
	}
	if isUnifiedDiff(text) {
		return countUnified(text)
	}
	switch kind {
	case "add":
		return lineDiff("", text)
	case "delete":
		return lineDiff(text, "")
	default:
		return countUnified(text)
	}
}

func isUnifiedDiff(text string) bool {
	return strings.HasPrefix(text, "@@") ||
		strings.HasPrefix(text, "--- ") ||
		strings.Contains(text, "\n@@")
}

// countUnified counts +/- lines inside hunks. Hunk headers bound each hunk
// so ---/+++ lines are file headers only outside one.
func countUnified(text string) (additions, deletions int) {
	var (
		inHunk           bool
		sized            bool
		oldLeft, newLeft int
	)
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "@@") {
			oldLeft, newLeft, sized = hunkSizes(line)
			inHunk = true
			continue
		}
		if !inHunk {
			continue
		}
		if sized && oldLeft <= 0 && newLeft <= 0 {
			inHunk = false
			continue
		}
		switch {
		case strings.HasPrefix(line, "+"):
			additions++
			newLeft--
		case strings.HasPrefix(line, "-"):
			deletions++
			oldLeft--
		case strings.HasPrefix(line, " "):
			oldLeft--
			newLeft--
		case strings.HasPrefix(line, "\\"):
			// "\ No newline at end of file"
		case !sized:
			inHunk = false
		}
	}
	return additions, deletions
}

// hunkSizes parses the line counts of "@@ -a,b +c,d @@". A missing count
// is 1.
func hunkSizes(header string) (oldLines, newLines int, ok bool) {
	fields := strings.Fields(header)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") || !strings.HasPrefix(fields[2], "+") {
		return 0, 0, false
	}
	oldLines, ok1 := rangeSize(fields[1][1:])
	newLines, ok2 := rangeSize(fields[2][1:])
	return oldLines, newLines, ok1 && ok2
}

func rangeSize(r string) (int, bool) {
	_, size, found := strings.Cut(r, ",")
	if !found {
		return 1, true
	}
	n, err := strconv.Atoi(size)
	return n, err == nil
}

// lineDiff counts inserted and deleted lines between two texts.
func lineDiff(before, after string) (additions, deletions int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += n
		case diffmatchpatch.DiffDelete:
			deletions += n
		}
	}
	return additions, deletions
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// relPath returns p relative to root when p lies inside it.
func relPath(root, p string) string {
	if root == "" || !filepath.IsAbs(p) {
		return filepath.ToSlash(p)
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func changedPaths(root string, changes []codex.FileUpdateChange) []string {
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, relPath(root, c.Path))
		if c.Kind.MovePath != "" {
			paths = append(paths, relPath(root, c.Kind.MovePath))
		}
	}
	return paths
}
