package container

import (
	"path/filepath"
	"testing"
)

// Bind, Mount, PivotRoot, and Run all require CAP_SYS_ADMIN and a real
// mount namespace, which a sandboxed test runner does not have. These
// tests exercise the parts of the package that do not: /proc/mounts
// parsing and the unmount-target-prefix matching Clear relies on.

func TestMountsParsesProcMounts(t *testing.T) {
	mounts, err := Mounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(mounts) == 0 {
		t.Fatal("expected at least one mount on any running system")
	}
	for _, m := range mounts {
		if m.Target == "" {
			t.Fatalf("mount with empty target: %+v", m)
		}
	}
}

func TestNewSystemIsIdempotentWhenAlreadyMounted(t *testing.T) {
	// Pick a directory that is already a mount point on essentially any
	// Linux system without requiring privileges of our own: the first
	// entry in /proc/mounts whose target is not /.
	mounts, err := Mounts()
	if err != nil {
		t.Fatal(err)
	}
	var existing string
	for _, m := range mounts {
		if m.Target != "/" {
			existing = m.Target
			break
		}
	}
	if existing == "" {
		t.Skip("no suitable existing mount point found")
	}

	sys, err := NewSystem(existing)
	if err != nil {
		t.Fatal(err)
	}
	if sys.Dir != existing {
		t.Fatalf("Dir = %q, want %q", sys.Dir, existing)
	}
}

func TestClearTargetPrefixMatchesOnlySubpaths(t *testing.T) {
	root := "/mnt/sixpool/containera/root"
	clean := filepath.Clean(root)

	cases := []struct {
		target string
		match  bool
	}{
		{"/mnt/sixpool/containera/root", true},
		{"/mnt/sixpool/containera/root/dev", true},
		{"/mnt/sixpool/containera/rootless", false},
		{"/mnt/sixpool", false},
	}
	for _, c := range cases {
		got := beneath(c.target, clean)
		if got != c.match {
			t.Errorf("beneath(%q, %q) = %v, want %v", c.target, clean, got, c.match)
		}
	}
}

func TestNewFilesystemJoinsRootAndRelPath(t *testing.T) {
	sys := &System{Dir: "/mnt/sixpool"}
	fs := sys.NewFilesystem("/mnt/sixpool/containera/root")
	if fs.root != "/mnt/sixpool/containera/root" {
		t.Fatalf("root = %q", fs.root)
	}
	if got := filepath.Join(fs.root, "/dev"); got != "/mnt/sixpool/containera/root/dev" {
		t.Fatalf("Join = %q", got)
	}
}

