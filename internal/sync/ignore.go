package sync

import (
	"path/filepath"

	"github.com/sabhiram/go-gitignore"
)

// defaultDenyPatterns are version-control metadata names that must never be
// copied into the destination tree, at any depth.
var defaultDenyPatterns = []string{".git", ".github"}

// DefaultDenylist compiles the default exclusion set, optionally extended
// with additional gitignore-style patterns.
func DefaultDenylist(extra ...string) *ignore.GitIgnore {
	return ignore.CompileIgnoreLines(append(defaultDenyPatterns, extra...)...)
}

func denied(deny *ignore.GitIgnore, rel string, isDir bool) bool {
	if deny == nil {
		return false
	}
	p := filepath.ToSlash(rel)
	if isDir {
		p += "/"
	}
	return deny.MatchesPath(p)
}
