// Package testutil holds helpers shared by tests that drive the built binary.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// FindProjectRoot returns the directory holding go.mod, searching upwards
// from the caller's source file. Integration tests build from there.
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	for dir := filepath.Dir(filename); ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found above %s", filepath.Dir(filename))
		}
		dir = parent
	}
}
