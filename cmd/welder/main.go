// Command welder projects a host directory tree into a private mount
// namespace and drops the operator into a shell inside it.
package main

import (
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/aep/sixpool/internal/container"
)

// sixpoolDir is the tmpfs mount point everything else is built beneath,
// matching the original's fixed "/mnt/sixpool".
const sixpoolDir = "/mnt/sixpool"

// containerRoot is where the container's own / is assembled before pivoting
// into it, matching the original's "<cdir>/containera/root".
const containerRoot = sixpoolDir + "/containera/root"

func funcmain() error {
	c, err := container.New(sixpoolDir, containerRoot)
	if err != nil {
		return xerrors.Errorf("welder: %w", err)
	}
	if err := c.Run("/bin/sh", []string{"sh", "-li"}); err != nil {
		return xerrors.Errorf("welder: %w", err)
	}
	// Run only returns on error; a successful exec never reaches here.
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
