// Package fuse projects an Index and a BlockStore as a read-only POSIX file
// system via jacobsa/fuse. It is driven by one kernel request at a time;
// once Mount returns, the Index and BlockStore it was given are treated as
// immutable for the life of the mount.
package fuse

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/aep/sixpool/internal/blockstore"
	"github.com/aep/sixpool/internal/index"
	"github.com/aep/sixpool/internal/readchain"
)

// never is used for attribute-cache expiration: the mount is immutable for
// its whole life, so the kernel can cache every answer forever.
var never = time.Now().Add(365 * 24 * time.Hour)

// uid and gid are fixed for every inode in the mount; the host tree's real
// ownership is not modeled.
const (
	uid = 1000
	gid = 1000
)

// toExternal and toInternal translate between the Index's own identifiers,
// which start at 0, and the kernel-facing inode numbers, which reserve 0 and
// start the root at fuseops.RootInodeID (1).
func toExternal(id uint64) fuseops.InodeID { return fuseops.InodeID(id + 1) }
func toInternal(id fuseops.InodeID) uint64 { return uint64(id) - 1 }

// fileSystem implements fuseutil.FileSystem over an Index and a BlockStore.
// It embeds fuseutil.NotImplementedFileSystem so operations this mount has
// no use for (symlinks, xattrs, writes — there are no symlinks in the inode
// model and the mount is read-only) fall back to ENOSYS without each needing
// its own stub here.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	idx   *index.Index
	store *blockstore.Store

	mu         sync.Mutex
	handles    map[fuseops.HandleID]*readchain.Chain
	nextHandle fuseops.HandleID
}

// Mount ingests nothing itself: it serves the already-built idx and store
// read-only at mountpoint, with auto_unmount enabled so the kernel tears the
// mount down if this process dies without calling fuse.Unmount.
func Mount(idx *index.Index, store *blockstore.Store, mountpoint string) (*fuse.MountedFileSystem, error) {
	fs := &fileSystem{
		idx:     idx,
		store:   store,
		handles: make(map[fuseops.HandleID]*readchain.Chain),
	}
	server := fuseutil.NewFileSystemServer(fs)

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "cafs",
		ReadOnly: true,
		Options: map[string]string{
			"auto_unmount": "",
		},
	})
	if err != nil {
		return nil, xerrors.Errorf("fuse: mounting %s: %w", mountpoint, err)
	}
	return mfs, nil
}

func attributesFor(in *index.Inode) fuseops.InodeAttributes {
	mode := os.FileMode(in.Perm)
	nlink := uint64(1)
	if in.Kind == index.KindDirectory {
		mode |= os.ModeDir
		nlink = uint64(len(in.Dir)) + 1
	}
	return fuseops.InodeAttributes{
		Size:  in.Size,
		Nlink: nlink,
		Mode:  mode,
		Uid:   uid,
		Gid:   gid,
		Atime: never,
		Mtime: never,
		Ctime: never,
	}
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = 65536
	return nil
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	child, ok := fs.idx.Lookup(toInternal(op.Parent), op.Name)
	if !ok {
		return fuse.ENOENT
	}
	op.Entry.Child = toExternal(child.ID)
	op.Entry.Attributes = attributesFor(child)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	in := fs.idx.Inode(toInternal(op.Inode))
	if in == nil {
		return fuse.ENOENT
	}
	op.Attributes = attributesFor(in)
	op.AttributesExpiration = never
	return nil
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	in := fs.idx.Inode(toInternal(op.Inode))
	if in == nil || in.Kind != index.KindDirectory {
		return fuse.ENOENT
	}
	return nil
}

// ReleaseDirHandle has nothing to release: directory reads are served
// directly from the Index by inode, with no handle-keyed state of their own.
func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

// sortedNames returns a directory's child names in a fixed order, so that a
// readdir resumed at offset 0 (the only offset this mount supports) always
// enumerates the same sequence.
func sortedNames(dir map[string]index.DirEntry) []string {
	names := make([]string, 0, len(dir))
	for name := range dir {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	in := fs.idx.Inode(toInternal(op.Inode))
	if in == nil || in.Kind != index.KindDirectory {
		return fuse.ENOENT
	}
	if op.Offset != 0 {
		// Resumed directory scans are not supported: a listing is only ever
		// served whole, starting at offset 0.
		return fuse.ENOENT
	}

	entries := []fuseutil.Dirent{
		{Offset: 1, Inode: op.Inode, Name: ".", Type: fuseutil.DT_Directory},
		{Offset: 2, Inode: op.Inode, Name: "..", Type: fuseutil.DT_Directory},
	}
	for _, name := range sortedNames(in.Dir) {
		entry := in.Dir[name]
		typ := fuseutil.DT_File
		if entry.Kind == index.KindDirectory {
			typ = fuseutil.DT_Directory
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  toExternal(entry.Inode),
			Name:   name,
			Type:   typ,
		})
	}

	for _, e := range entries {
		op.Data = fuseutil.AppendDirent(op.Data, e)
		if len(op.Data) > op.Size {
			op.Data = op.Data[:op.Size]
			break
		}
	}
	return nil
}

// contentOpener presents a file inode's content-block list as a
// readchain.Opener: each element opens the named block, seeks it to the
// entry's offset, and limits the chain to the entry's length. A block is
// itself a chain of shards, so an open file is a chain of chains.
type contentOpener struct {
	store   *blockstore.Store
	content []index.ContentBlockEntry
}

func (o contentOpener) Len() int { return len(o.content) }

func (o contentOpener) At(i int) (io.ReadSeeker, int64, error) {
	entry := o.content[i]
	block, ok := o.store.Get(entry.Hash)
	if !ok {
		return nil, 0, xerrors.Errorf("fuse: BUG: content entry references missing block %s", entry.Hash)
	}
	chain := block.Chain()
	if _, err := chain.Seek(int64(entry.Offset), io.SeekStart); err != nil {
		return nil, 0, xerrors.Errorf("fuse: seeking block %s to %d: %w", entry.Hash, entry.Offset, err)
	}
	return chain, int64(entry.Length), nil
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	in := fs.idx.Inode(toInternal(op.Inode))
	if in == nil || in.Kind != index.KindFile {
		return fuse.ENOENT
	}

	chain := readchain.New(contentOpener{store: fs.store, content: in.Content})

	fs.mu.Lock()
	fs.nextHandle++
	handle := fs.nextHandle
	fs.handles[handle] = chain
	fs.mu.Unlock()

	op.Handle = handle
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	chain, ok := fs.handles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	// TODO: honor op.Offset with an absolute chain.Seek before reading, to
	// support non-sequential access; this currently relies on the kernel
	// reading each open file sequentially from the start.
	buf := make([]byte, op.Size)
	n, err := chain.Read(buf)
	op.Data = buf[:n]
	if err == io.EOF {
		return nil
	}
	return err
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	delete(fs.handles, op.Handle)
	fs.mu.Unlock()
	return nil
}
