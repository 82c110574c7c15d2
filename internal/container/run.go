package container

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Container is the set of mounts welder projects into a pivoted root
// before handing control to a shell.
type Container struct {
	fs *Filesystem
}

// New prepares a tmpfs-backed system rooted at dir and a container root
// beneath root within it.
func New(dir, root string) (*Container, error) {
	sys, err := NewSystem(dir)
	if err != nil {
		return nil, err
	}
	return &Container{fs: sys.NewFilesystem(root)}, nil
}

// Run unshares a private mount namespace, clears any mounts left over from
// a previous container at the same root, binds /system and /dev in from
// the host, mounts a fresh /proc, pivots into the container root, and
// execs shell — replacing the current process image, so Run only returns
// on failure.
func (c *Container) Run(shell string, args []string) error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return xerrors.Errorf("container: unshare CLONE_NEWNS: %w", err)
	}

	if err := c.fs.Clear(); err != nil {
		return err
	}
	if err := c.fs.Bind("/system", "/system"); err != nil {
		return err
	}
	if err := c.fs.Bind("/dev", "/dev"); err != nil {
		return err
	}
	if err := c.fs.Mount("", "/proc", "proc"); err != nil {
		return err
	}
	if err := c.fs.PivotRoot(); err != nil {
		return err
	}

	if err := unix.Exec(shell, args, os.Environ()); err != nil {
		return xerrors.Errorf("container: exec %s: %w", shell, err)
	}
	return nil
}
