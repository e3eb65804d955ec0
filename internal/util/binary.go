// Package util provides shared utility functions.
package util

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FindBinary locates an executable by name. It checks, in order, the path
// named by envVar (when envVar is non-empty and set), a copy sitting next to
// the running vcompress executable, and finally PATH.
//
// Candidates that are missing, directories or lack an execute bit are
// skipped rather than reported.
func FindBinary(name string, envVar string) (string, error) {
	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	if self, err := os.Executable(); err == nil {
		bundled := filepath.Join(filepath.Dir(self), name)
		if isExecutable(bundled) {
			return bundled, nil
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	if envVar != "" {
		return "", fmt.Errorf("binary %s not found (set %s or add it to PATH)", name, envVar)
	}
	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
