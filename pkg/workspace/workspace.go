package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fieldloop/lorad/pkg/perm"
)

const loradRootDir = ".lorad"

// DefaultStateDir is ~/.lorad, created on demand.
func DefaultStateDir() (string, error) {
	base, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("unable to retrieve user home dir: %v", err)
	}
	return filepath.Join(base, loradRootDir), nil
}

// EnsureStateDir creates the state directory holding the gateway signing
// key. Private to the owner, opened up to the lorad group where one
// exists.
func EnsureStateDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("unable to create state dir: %v", err)
	}
	if err := perm.SetGroupDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}
