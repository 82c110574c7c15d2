// Package container arranges a private mount namespace for welder: it
// projects a handful of host paths into a container root, mounts a fresh
// /proc there, and pivots into it so an exec'd shell sees that root as /.
//
// Linux-only; every operation here is a thin wrapper over golang.org/x/sys/unix
// mount-family syscalls, standing in for the nix crate the original used.
package container

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Mount describes one line of /proc/mounts.
type Mount struct {
	Source string
	Target string
	FSType string
	Flags  string
}

// Mounts returns every currently active mount, in /proc/mounts order.
func Mounts() ([]Mount, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil, xerrors.Errorf("container: reading /proc/mounts: %w", err)
	}
	defer f.Close()

	var mounts []Mount
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		mounts = append(mounts, Mount{
			Source: fields[0],
			Target: fields[1],
			FSType: fields[2],
			Flags:  fields[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("container: reading /proc/mounts: %w", err)
	}
	return mounts, nil
}

// System owns the tmpfs-backed directory a container root is built under.
type System struct {
	// Dir is the tmpfs mount point everything else is built beneath, e.g.
	// "/mnt/sixpool".
	Dir string
}

// NewSystem ensures dir is mounted as a tmpfs (unless something is already
// mounted there — e.g. a previous container's leftover mount) and returns a
// System rooted at it.
func NewSystem(dir string) (*System, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("container: creating %s: %w", dir, err)
	}

	mounts, err := Mounts()
	if err != nil {
		return nil, err
	}
	for _, m := range mounts {
		if m.Target == dir {
			return &System{Dir: dir}, nil
		}
	}

	if err := unix.Mount("tmpfs", dir, "tmpfs", 0, ""); err != nil {
		return nil, xerrors.Errorf("container: mounting tmpfs at %s: %w", dir, err)
	}
	return &System{Dir: dir}, nil
}

// Filesystem builds one container root beneath a System's tmpfs.
type Filesystem struct {
	root string
}

// NewFilesystem returns a Filesystem rooted at root (a path beneath sys.Dir).
func (sys *System) NewFilesystem(root string) *Filesystem {
	return &Filesystem{root: root}
}

// Bind bind-mounts host onto root/containerRelPath, then marks the mount
// MS_SLAVE so mount/unmount activity inside the container never propagates
// back out to the host.
func (fs *Filesystem) Bind(host, containerRelPath string) error {
	target := filepath.Join(fs.root, containerRelPath)
	if err := os.MkdirAll(target, 0755); err != nil {
		return xerrors.Errorf("container: creating %s: %w", target, err)
	}
	if err := unix.Mount(host, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return xerrors.Errorf("container: bind-mounting %s onto %s: %w", host, target, err)
	}
	if err := unix.Mount("", target, "", unix.MS_SLAVE, ""); err != nil {
		return xerrors.Errorf("container: marking %s MS_SLAVE: %w", target, err)
	}
	return nil
}

// Mount mounts fstype at root/containerRelPath, creating the directory
// first if needed. source may be empty for pseudo-filesystems like proc.
func (fs *Filesystem) Mount(source, containerRelPath, fstype string) error {
	target := filepath.Join(fs.root, containerRelPath)
	if err := os.MkdirAll(target, 0755); err != nil {
		return xerrors.Errorf("container: creating %s: %w", target, err)
	}
	if err := unix.Mount(source, target, fstype, 0, ""); err != nil {
		return xerrors.Errorf("container: mounting %s at %s: %w", fstype, target, err)
	}
	return nil
}

// PivotRoot makes fs's root the process's new /. It uses chroot+chdir, the
// same choice the original made over pivot_root proper — kept as-is rather
// than second-guessed.
func (fs *Filesystem) PivotRoot() error {
	if err := unix.Chroot(fs.root); err != nil {
		return xerrors.Errorf("container: chroot %s: %w", fs.root, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return xerrors.Errorf("container: chdir /: %w", err)
	}
	return nil
}

// maxUnmountAttempts bounds Clear's retry loop: a mount busy because a
// process inside it hasn't exited yet usually frees up within a few tries.
const maxUnmountAttempts = 3

// beneath reports whether target is root itself or a path inside it; a
// sibling that merely shares root's name as a prefix does not count.
func beneath(target, root string) bool {
	if target == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(target, prefix)
}

// Clear unmounts everything beneath fs.root, retrying briefly, so a prior
// container's mounts never leak into the next one.
func (fs *Filesystem) Clear() error {
	clean := filepath.Clean(fs.root)

	for attempt := 1; ; attempt++ {
		mounts, err := Mounts()
		if err != nil {
			return err
		}

		complete := true
		for _, m := range mounts {
			if !beneath(m.Target, clean) {
				continue
			}
			if err := unix.Unmount(m.Target, 0); err != nil {
				complete = false
				if attempt >= maxUnmountAttempts {
					return xerrors.Errorf("container: unmounting %s didn't work after %d tries: %w", m.Target, attempt, err)
				}
			}
		}
		if complete {
			return nil
		}
	}
}
