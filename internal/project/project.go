// Package project locates the workspace a directory belongs to.
package project

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Info describes the workspace containing a directory.
type Info struct {
	// Worktree is the root of the git worktree, or the directory itself
	// outside version control.
	Worktree string `json:"worktree"`
	VCSDir   string `json:"vcsDir,omitempty"`
	VCS      string `json:"vcs,omitempty"` // "git" or empty
}

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]*Info)
)

// Detect walks up from directory to the nearest .git entry.
func Detect(directory string) (*Info, error) {
	directory, err := filepath.Abs(directory)
	if err != nil {
		return nil, err
	}

	cacheMu.RLock()
	if info, ok := cache[directory]; ok {
		cacheMu.RUnlock()
		return info, nil
	}
	cacheMu.RUnlock()

	info := &Info{Worktree: directory}
	if worktree, gitDir := findGitDir(directory); gitDir != "" {
		info = &Info{Worktree: worktree, VCSDir: gitDir, VCS: "git"}
	}

	cacheMu.Lock()
	cache[directory] = info
	cacheMu.Unlock()
	return info, nil
}

// Root returns the workspace root of directory, falling back to directory.
func Root(directory string) string {
	info, err := Detect(directory)
	if err != nil {
		return directory
	}
	return info.Worktree
}

// findGitDir returns the worktree root and git directory above start.
func findGitDir(start string) (worktree, gitDir string) {
	current := start
	for {
		gitPath := filepath.Join(current, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() {
				return current, gitPath
			}
			// Linked worktrees and submodules use a "gitdir: <path>" file
			if content, err := os.ReadFile(gitPath); err == nil {
				line := strings.TrimSpace(string(content))
				if gitdir, ok := strings.CutPrefix(line, "gitdir: "); ok {
					if !filepath.IsAbs(gitdir) {
						gitdir = filepath.Join(current, gitdir)
					}
					return current, gitdir
				}
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", ""
		}
		current = parent
	}
}

// ClearCache clears the detection cache.
func ClearCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = make(map[string]*Info)
}
