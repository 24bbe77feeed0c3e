// Package paths guards handler file access against escaping a job's
// working directory. Every externally supplied relative path passes
// through here before it touches the filesystem.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TraversalError is returned for a path that would resolve outside its
// base directory.
type TraversalError struct {
	Base string
	Path string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("path %q attempts to traverse outside %q", e.Path, e.Base)
}

// JoinAndValidate joins a caller-supplied relative path onto base and
// verifies the result stays inside base. Absolute paths and ".." hops
// that lexically escape are rejected, and symlinks inside base that
// point outside it are followed and rejected too.
func JoinAndValidate(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", &TraversalError{Base: base, Path: rel}
	}

	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", err
	}

	joined := filepath.Join(realBase, rel)
	if !within(realBase, joined) {
		return "", &TraversalError{Base: base, Path: rel}
	}

	// The target may not exist yet (pull destinations); resolve the
	// deepest existing ancestor to catch symlinked escapes.
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", err
	}
	if !within(realBase, resolved) {
		return "", &TraversalError{Base: base, Path: rel}
	}
	return joined, nil
}

func within(base, path string) bool {
	return path == base || strings.HasPrefix(path, base+string(filepath.Separator))
}

// resolveExisting evaluates symlinks over the longest existing prefix
// of path and rejoins the non-existent remainder lexically.
func resolveExisting(path string) (string, error) {
	remainder := ""
	for {
		resolved, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return filepath.Join(path, remainder), nil
		}
		remainder = filepath.Join(filepath.Base(path), remainder)
		path = parent
	}
}
