// Package pathguard translates untrusted, caller-supplied paths into
// container-side absolute paths that are guaranteed to sit inside a
// workspace root. Resolution is purely lexical: no stat, no symlink
// following, so PathGuard never depends on a container being up and
// never races the container engine (TOCTOU-free by construction).
package pathguard

import (
	"path"
	"strings"

	"github.com/cuemby/sandboxctl/internal/sberrors"
)

// ResolvedPath is the only way to carry a path that has been validated
// against a workspace root. It cannot be constructed outside this
// package, by design: the zero value is unusable ("") and every exported
// constructor (Resolve) validates before returning one.
type ResolvedPath struct {
	abs string
}

// String returns the absolute, normalized path.
func (r ResolvedPath) String() string {
	return r.abs
}

// IsRoot reports whether this path is exactly the workspace root.
func (r ResolvedPath) IsRoot(root string) bool {
	return r.abs == path.Clean(root)
}

// Guard resolves untrusted paths against a fixed workspace root.
type Guard struct {
	root string
}

// New returns a Guard rooted at root. root must be an absolute POSIX path.
func New(root string) Guard {
	return Guard{root: path.Clean(root)}
}

// Root returns the workspace root this guard was constructed with.
func (g Guard) Root() string {
	return g.root
}

// Resolve validates userPath against the workspace root and returns a
// ResolvedPath, or sberrors.ErrInvalidPath if userPath would escape the
// root. Empty input and "." both resolve to the root.
//
// Algorithm (spec: lexical only, no filesystem access):
//  1. empty -> "."
//  2. an absolute userPath (leading "/") is taken literally rather than
//     re-anchored under root, matching the reference implementation's
//     pathlib join semantics (an absolute right-hand side of "/"
//     replaces the left side instead of nesting under it) — this is
//     what makes "/etc/passwd" reject rather than silently relocate
//     inside the workspace; a relative userPath is joined onto root.
//  3. lexically clean (collapse "." and ".." segments)
//  4. accept only if the result equals root or has root as an ancestor
func (g Guard) Resolve(userPath string) (ResolvedPath, error) {
	if userPath == "" {
		userPath = "."
	}

	var joined string
	if path.IsAbs(userPath) {
		joined = userPath
	} else {
		joined = path.Join(g.root, userPath)
	}
	cleaned := path.Clean(joined)

	if cleaned != g.root && !isAncestor(g.root, cleaned) {
		return ResolvedPath{}, sberrors.Invalid("Access denied outside workspace for path %q", userPath)
	}

	return ResolvedPath{abs: cleaned}, nil
}

// isAncestor reports whether root is a strict path-segment ancestor of p.
// Both must already be cleaned, absolute POSIX paths.
func isAncestor(root, p string) bool {
	prefix := root
	if prefix != "/" {
		prefix += "/"
	}
	return strings.HasPrefix(p, prefix)
}
