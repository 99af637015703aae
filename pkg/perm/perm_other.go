//go:build !linux

package perm

// SetGroupDir is a no-op off Linux.
func SetGroupDir(path string) error { return nil }

// SetGroupReadable is a no-op off Linux.
func SetGroupReadable(path string) error { return nil }
