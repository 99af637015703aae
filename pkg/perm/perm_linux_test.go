//go:build linux

package perm

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
)

func TestLoradGIDGroupAbsent(t *testing.T) {
	// If the lorad group doesn't exist on this machine, loradGID must
	// return (0, false, nil): a clean no-op, not an error.
	_, err := user.LookupGroup(groupName)
	if err == nil {
		t.Skip("lorad group exists on this host; skipping absent-group test")
	}

	gid, ok, lookupErr := loradGID()
	if lookupErr != nil {
		t.Fatalf("loradGID returned error for absent group: %v", lookupErr)
	}
	if ok {
		t.Fatalf("loradGID returned ok=true for absent group (gid=%d)", gid)
	}
}

func TestSetGroupPermNoOpWhenGroupAbsent(t *testing.T) {
	_, err := user.LookupGroup(groupName)
	if err == nil {
		t.Skip("lorad group exists on this host; skipping no-op test")
	}

	dir := t.TempDir()
	f := filepath.Join(dir, "testfile")
	if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, fn := range []struct {
		name string
		call func(string) error
	}{
		{"SetGroupReadable", SetGroupReadable},
		{"SetGroupDir", SetGroupDir},
	} {
		if err := fn.call(f); err != nil {
			t.Errorf("%s returned error when group absent: %v", fn.name, err)
		}
	}

	info, err := os.Stat(f)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("mode changed to %04o; want 0600", got)
	}
}

func TestSetGroupPermAppliedWhenGroupPresent(t *testing.T) {
	grp, err := user.LookupGroup(groupName)
	if err != nil {
		t.Skip("lorad group not found; skipping applied-permission test")
	}
	expectedGID, err := strconv.Atoi(grp.Gid)
	if err != nil {
		t.Fatalf("bad gid %q: %v", grp.Gid, err)
	}

	dir := t.TempDir()

	for _, tc := range []struct {
		name     string
		call     func(string) error
		wantMode os.FileMode
	}{
		{"SetGroupDir", SetGroupDir, 0o770},
		{"SetGroupReadable", SetGroupReadable, 0o640},
	} {
		p := filepath.Join(dir, tc.name)
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}

		if err := tc.call(p); err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}

		info, err := os.Stat(p)
		if err != nil {
			t.Fatal(err)
		}

		if got := info.Mode().Perm(); got != tc.wantMode {
			t.Errorf("%s: mode = %04o; want %04o", tc.name, got, tc.wantMode)
		}

		stat := info.Sys().(*syscall.Stat_t) //nolint:forcetypeassert
		if int(stat.Gid) != expectedGID {
			t.Errorf("%s: gid = %d; want %d", tc.name, stat.Gid, expectedGID)
		}
	}
}
