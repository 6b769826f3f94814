// Package ignore decides which project-relative paths the file bridge
// must never read into the document: the marker directory itself, and
// anything the project's own .gitignore excludes.
package ignore

import (
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// markerDir is always ignored, regardless of what .gitignore says; it is
// never itself a tracked file.
const markerDir = ".ethersync"

// Matcher answers whether a project-relative path should be skipped.
type Matcher struct {
	gi *gitignore.GitIgnore
}

// Load builds a Matcher for the project rooted at dir. A missing
// .gitignore is not an error; the marker-directory rule still applies.
func Load(dir string) (*Matcher, error) {
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Matcher{}, nil
	}
	gi, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		return nil, err
	}
	return &Matcher{gi: gi}, nil
}

// Ignored reports whether path (project-relative, slash-separated) must
// be excluded from sync.
func (m *Matcher) Ignored(path string) bool {
	if path == markerDir || hasPathPrefix(path, markerDir+"/") {
		return true
	}
	if m == nil || m.gi == nil {
		return false
	}
	return m.gi.MatchesPath(path)
}

func hasPathPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}
