// Package fsutil holds small filesystem helpers for configured paths.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// ExpandAll rewrites every path in place with ExpandHome. It stops at the
// first failure.
func ExpandAll(paths ...*string) error {
	for _, p := range paths {
		if p == nil {
			continue
		}
		v, err := ExpandHome(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
