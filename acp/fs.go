package acp

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/voxtura/chorus/errors"
)

// readWorkspaceFile reads a file after confirming it resolves inside the
// working directory and is not hidden from agents.
func (c *Client) readWorkspaceFile(path string) (string, error) {
	resolved, rel, err := c.resolveWorkspacePath(path)
	if err != nil {
		return "", err
	}

	hidden, err := matchesAny(rel, c.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(data), nil
}

// writeWorkspaceFile writes a file after confirming it resolves inside the
// working directory and is neither hidden nor read-only.
func (c *Client) writeWorkspaceFile(path, content string) error {
	resolved, rel, err := c.resolveWorkspacePath(path)
	if err != nil {
		return err
	}

	hidden, err := matchesAny(rel, c.fsAccess.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	readOnly, err := matchesAny(rel, c.fsAccess.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", path)
	}

	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return errors.Wrapf(err, "failed to write file '%s'", path)
	}
	return nil
}

// resolveWorkspacePath makes the requested path absolute and rejects anything
// that escapes the working directory. It returns both the absolute path and
// the workdir-relative path used for glob matching.
func (c *Client) resolveWorkspacePath(path string) (abs string, rel string, err error) {
	root := c.workdir
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return "", "", errors.Wrapf(err, "could not determine working directory")
		}
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return "", "", errors.Wrapf(err, "could not resolve working directory")
	}

	abs = filepath.Clean(path)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err = filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", errors.New("access denied: path '%s' is outside the working directory", path)
	}
	return abs, rel, nil
}

func matchesAny(relPath string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, relPath)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}
