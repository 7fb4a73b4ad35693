package discovery

import (
	"path/filepath"
	"strings"
)

// DefaultExtensions is the note extension allow-list.
var DefaultExtensions = []string{"txt", "md", "markdown", "org", "text"}

// DefaultJunkDirs are directory names whose subtrees are never traversed.
var DefaultJunkDirs = []string{
	".git", ".hg", ".svn", "node_modules", "vendor", "build", "dist", "target",
	".build", "__pycache__", ".venv", ".idea", ".vscode", ".cache", ".Trash",
}

// bundleSuffixes mark package-bundle directories that look like files to users.
var bundleSuffixes = []string{
	".app", ".bundle", ".framework", ".photoslibrary", ".pkg", ".xcodeproj", ".xcworkspace",
}

// Filter decides which names are notes and which directories are pruned.
type Filter struct {
	exts map[string]struct{}
	junk map[string]struct{}
}

// NewFilter builds a Filter. Empty arguments fall back to the defaults.
// Extensions are matched case-insensitively and may be given with or without
// the leading dot.
func NewFilter(exts, junkDirs []string) Filter {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	if len(junkDirs) == 0 {
		junkDirs = DefaultJunkDirs
	}
	f := Filter{
		exts: make(map[string]struct{}, len(exts)),
		junk: make(map[string]struct{}, len(junkDirs)),
	}
	for _, e := range exts {
		f.exts[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	for _, d := range junkDirs {
		f.junk[d] = struct{}{}
	}
	return f
}

// IsZero reports whether f was never built with NewFilter.
func (f Filter) IsZero() bool {
	return f.exts == nil
}

// IsNote reports whether name has an allowed extension and is not hidden.
func (f Filter) IsNote(name string) bool {
	base := filepath.Base(name)
	if Hidden(base) {
		return false
	}
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	if ext == "" {
		return false
	}
	_, ok := f.exts[strings.ToLower(ext)]
	return ok
}

// SkipDir reports whether traversal must not descend into a directory named name.
func (f Filter) SkipDir(name string) bool {
	if _, ok := f.junk[name]; ok {
		return true
	}
	if Hidden(name) {
		return true
	}
	lower := strings.ToLower(name)
	for _, s := range bundleSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// Ignored reports whether any component of rel (slash-separated, relative to
// the root) is hidden or a pruned directory.
func (f Filter) Ignored(rel string) bool {
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		if i == len(parts)-1 {
			return Hidden(p)
		}
		if f.SkipDir(p) {
			return true
		}
	}
	return false
}

// Hidden reports whether name is a dotfile.
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
