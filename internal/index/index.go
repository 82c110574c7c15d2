// Package index holds the structural view of an ingested host tree: an
// ordered sequence of inodes, with directories naming their children by
// position and regular files carrying (initially empty) content-block
// lists for the serializer to fill in.
package index

import (
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// Kind distinguishes directories from regular files. Other values are
// reserved; nothing in the current host-tree walk produces them.
type Kind uint8

const (
	KindDirectory Kind = 1
	KindFile      Kind = 2
)

// DirEntry is the short descriptor a directory stores for each of its
// children: which inode it is, and what kind, so a reader doesn't need to
// dereference it just to tell a directory from a file.
type DirEntry struct {
	Inode uint64 `json:"i"`
	Kind  Kind   `json:"k"`
}

// ContentBlockEntry references l bytes of an inode's content starting at
// byte o of block h.
type ContentBlockEntry struct {
	Hash   string `json:"h"`
	Offset uint64 `json:"o"`
	Length uint64 `json:"l"`
}

// Inode is one entry in the Index: a directory or a regular file.
type Inode struct {
	ID   uint64 `json:"i"`
	Kind Kind   `json:"k"`
	Perm uint16 `json:"a"`
	Size uint64 `json:"s"`

	Dir     map[string]DirEntry `json:"d,omitempty"`
	Content []ContentBlockEntry `json:"c,omitempty"`

	// HostPath is the path this inode was ingested from. It is an ingest-time
	// handle only; it is never part of the manifest.
	HostPath string `json:"-"`
}

// Index is the ordered sequence of inodes produced by ingesting a host
// directory. An inode's position in Inodes is its identifier; entry 0 is
// always the root directory. Once built, an Index is read-only for the
// lifetime of a mount.
type Index struct {
	Inodes []*Inode `json:"inodes"`
}

// Inode returns the inode with the given id, or nil if id is out of range.
func (idx *Index) Inode(id uint64) *Inode {
	if id >= uint64(len(idx.Inodes)) {
		return nil
	}
	return idx.Inodes[id]
}

// Lookup resolves name as an immediate child of the directory inode parent.
// It reports not-found (ok == false) both when parent isn't a directory and
// when no child of that name exists.
func (idx *Index) Lookup(parent uint64, name string) (child *Inode, ok bool) {
	p := idx.Inode(parent)
	if p == nil || p.Dir == nil {
		return nil, false
	}
	entry, ok := p.Dir[name]
	if !ok {
		return nil, false
	}
	return idx.Inode(entry.Inode), true
}

// FromHost walks the host directory tree rooted at root and returns an
// Index describing it. Identifiers are assigned in the (stable, but
// otherwise unspecified) order filepath.Walk visits entries, which is a
// pre-order, per-directory name-sorted traversal — so root is always inode
// 0 and a directory's children never precede it.
//
// Symbolic links and other non-regular, non-directory entries are not part
// of the inode model and are skipped.
func FromHost(root string) (*Index, error) {
	idx := &Index{}
	idByPath := make(map[string]uint64)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return xerrors.Errorf("index: walking %s: %w", path, err)
		}

		var kind Kind
		switch {
		case info.IsDir():
			kind = KindDirectory
		case info.Mode().IsRegular():
			kind = KindFile
		default:
			// Symlinks, devices, sockets, etc. have no representation here.
			return nil
		}

		id := uint64(len(idx.Inodes))
		inode := &Inode{
			ID:       id,
			Kind:     kind,
			Perm:     uint16(info.Mode().Perm()),
			HostPath: path,
		}
		if kind == KindDirectory {
			inode.Dir = make(map[string]DirEntry)
		} else {
			inode.Size = uint64(info.Size())
		}
		idx.Inodes = append(idx.Inodes, inode)
		idByPath[path] = id

		if path == root {
			return nil
		}
		parentPath := filepath.Dir(path)
		parentID, ok := idByPath[parentPath]
		if !ok {
			// Can't happen: filepath.Walk always visits a directory before
			// its children.
			return xerrors.Errorf("index: BUG: %s visited before its parent %s", path, parentPath)
		}
		parent := idx.Inodes[parentID]
		parent.Dir[info.Name()] = DirEntry{Inode: id, Kind: kind}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(idx.Inodes) == 0 || idx.Inodes[0].Kind != KindDirectory {
		return nil, xerrors.Errorf("index: %s is not a directory", root)
	}
	return idx, nil
}
