// Package pathsafe canonicalizes a candidate file path and verifies it stays
// within a workspace root, per spec §4.3. Every file-touching operation
// (clearance patch application, checkpoint capture, terminal-command
// approval) must pass its target through Resolve before touching disk.
package pathsafe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

// Resolve joins candidate onto root, resolves ".." segments and symlinks,
// and returns the absolute path only if it still lives under root. A
// candidate that escapes root — via "../", an absolute path pointing
// elsewhere, or a symlink indirection — is rejected with ierr.PathViolation.
func Resolve(root, candidate string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", ierr.Wrap(ierr.PathViolation, "resolve workspace root", err)
	}
	absRoot = filepath.Clean(absRoot)

	var joined string
	if filepath.IsAbs(candidate) {
		joined = filepath.Clean(candidate)
	} else {
		joined = filepath.Clean(filepath.Join(absRoot, candidate))
	}

	if !withinRoot(absRoot, joined) {
		return "", ierr.New(ierr.PathViolation, "path escapes workspace root: "+candidate)
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		// The target need not exist yet (e.g. a new file about to be
		// written); symlink resolution only matters for paths that do.
		if errors.Is(err, os.ErrNotExist) {
			return joined, nil
		}
		return "", ierr.Wrap(ierr.Io, "resolve symlinks", err)
	}

	if !withinRoot(absRoot, resolved) {
		return "", ierr.New(ierr.PathViolation, "symlink escapes workspace root: "+candidate)
	}
	return resolved, nil
}

func withinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
