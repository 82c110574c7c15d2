// Command cafs ingests a host directory into an in-memory content-addressed
// store and serves it back out, read-only, as a FUSE mount.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	jacobsafuse "github.com/jacobsa/fuse"
	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/aep/sixpool"
	"github.com/aep/sixpool/internal/blockstore"
	"github.com/aep/sixpool/internal/fuse"
	"github.com/aep/sixpool/internal/index"
	"github.com/aep/sixpool/internal/manifest"
	"github.com/aep/sixpool/internal/serializer"
)

const help = `cafs <source_dir> <mountpoint>

Ingest source_dir into an in-memory content-addressed store, print its
manifest, then serve it read-only at mountpoint until interrupted.
`

// bumpRlimitNOFILE raises the open-file soft limit to the kernel's own
// ceiling: ingest opens one host file at a time, but the FUSE adapter's
// open-file handles each hold a lazily-advancing chain of them, and the
// default 1024 soft limit is easy to exhaust against a large corpus.
func bumpRlimitNOFILE() error {
	var fileMax, nrOpen uint64
	{
		b, err := os.ReadFile("/proc/sys/fs/file-max")
		if err != nil {
			return err
		}
		fileMax, err = strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
		if err != nil {
			return err
		}
	}
	{
		b, err := os.ReadFile("/proc/sys/fs/nr_open")
		if err != nil {
			return err
		}
		nrOpen, err = strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
		if err != nil {
			return err
		}
	}
	max := fileMax
	if nrOpen < max {
		max = nrOpen
	}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: max, Max: max})
}

// ttyProgress prints a single overwritten status line while stdout is a
// terminal, and stays quiet otherwise (e.g. when piping the manifest).
type ttyProgress struct {
	enabled bool
}

func newProgress() *ttyProgress {
	return &ttyProgress{enabled: isatty.IsTerminal(os.Stdout.Fd())}
}

func (p *ttyProgress) Inode(in *index.Inode, i, total int) {
	if !p.enabled {
		return
	}
	name := in.HostPath
	if len(name) > 60 {
		name = "…" + name[len(name)-59:]
	}
	fmt.Fprintf(os.Stderr, "\ringesting %d/%d: %-60s", i+1, total, name)
}

func (p *ttyProgress) Done(inodes, blocks int, totalBlockBytes, totalInodeBytes int64) {
	if !p.enabled {
		return
	}
	fmt.Fprintf(os.Stderr, "\ringested %d inodes into %d blocks (%d bytes deduplicated to %d)\n",
		inodes, blocks, totalInodeBytes, totalBlockBytes)
}

func funcmain() error {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		return xerrors.Errorf("syntax: cafs <source_dir> <mountpoint>")
	}
	sourceDir := flag.Arg(0)
	mountpoint := flag.Arg(1)

	if err := bumpRlimitNOFILE(); err != nil {
		log.Printf("warning: bumping RLIMIT_NOFILE failed: %v", err)
	}

	idx, err := index.FromHost(sourceDir)
	if err != nil {
		return xerrors.Errorf("indexing %s: %w", sourceDir, err)
	}

	store := blockstore.New()
	if err := serializer.Serialize(idx, store, newProgress()); err != nil {
		return xerrors.Errorf("serializing %s: %w", sourceDir, err)
	}

	b, err := manifest.Marshal(idx)
	if err != nil {
		return xerrors.Errorf("marshaling manifest: %w", err)
	}
	if _, err := os.Stdout.Write(b); err != nil {
		return xerrors.Errorf("writing manifest: %w", err)
	}
	fmt.Println()

	mfs, err := fuse.Mount(idx, store, mountpoint)
	if err != nil {
		return xerrors.Errorf("mounting %s: %w", mountpoint, err)
	}
	sixpool.RegisterAtExit(func() error {
		return jacobsafuse.Unmount(mountpoint)
	})

	ctx, canc := sixpool.InterruptibleContext()
	defer canc()
	go func() {
		<-ctx.Done()
		log.Printf("unmounting %s", mountpoint)
		if err := sixpool.RunAtExit(); err != nil {
			log.Printf("unmount: %v", err)
		}
	}()

	if err := mfs.Join(context.Background()); err != nil {
		return xerrors.Errorf("waiting for %s to unmount: %w", mountpoint, err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
