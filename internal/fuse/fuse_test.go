package fuse

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"

	"github.com/aep/sixpool/internal/blockstore"
	"github.com/aep/sixpool/internal/index"
	"github.com/aep/sixpool/internal/readchain"
	"github.com/aep/sixpool/internal/serializer"
)

// buildFixture ingests a small host tree and runs the serializer over it,
// returning a ready-to-serve Index and BlockStore without ever mounting
// FUSE — these tests drive fileSystem's operation methods directly.
func buildFixture(t *testing.T) (*index.Index, *blockstore.Store) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "dir"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "dir", "hello.txt"), []byte("hello, cafs"), 0644); err != nil {
		t.Fatal(err)
	}

	idx, err := index.FromHost(root)
	if err != nil {
		t.Fatal(err)
	}
	store := blockstore.New()
	if err := serializer.Serialize(idx, store, nil); err != nil {
		t.Fatal(err)
	}
	return idx, store
}

func newTestFS(idx *index.Index, store *blockstore.Store) *fileSystem {
	return &fileSystem{
		idx:     idx,
		store:   store,
		handles: make(map[fuseops.HandleID]*readchain.Chain),
	}
}

func TestLookUpInodeResolvesExternalIDs(t *testing.T) {
	idx, store := buildFixture(t)
	fs := newTestFS(idx, store)
	ctx := context.Background()

	dirIn, ok := idx.Lookup(0, "dir")
	if !ok {
		t.Fatal("dir not found in fixture")
	}

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "dir"}
	if err := fs.LookUpInode(ctx, op); err != nil {
		t.Fatal(err)
	}
	if op.Entry.Child != toExternal(dirIn.ID) {
		t.Fatalf("Child = %d, want %d", op.Entry.Child, toExternal(dirIn.ID))
	}

	missing := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "does-not-exist"}
	if err := fs.LookUpInode(ctx, missing); err != fuse.ENOENT {
		t.Fatalf("expected ENOENT, got %v", err)
	}
}

func TestGetInodeAttributesReportsSizeAndKind(t *testing.T) {
	idx, store := buildFixture(t)
	fs := newTestFS(idx, store)
	ctx := context.Background()

	dirIn, _ := idx.Lookup(0, "dir")
	fileIn, _ := idx.Lookup(dirIn.ID, "hello.txt")

	op := &fuseops.GetInodeAttributesOp{Inode: toExternal(fileIn.ID)}
	if err := fs.GetInodeAttributes(ctx, op); err != nil {
		t.Fatal(err)
	}
	if op.Attributes.Size != uint64(len("hello, cafs")) {
		t.Fatalf("Size = %d, want %d", op.Attributes.Size, len("hello, cafs"))
	}
	if op.Attributes.Mode.IsDir() {
		t.Fatal("expected a regular-file mode")
	}
}

func TestReadDirListsChildrenInSortedOrder(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	idx, err := index.FromHost(root)
	if err != nil {
		t.Fatal(err)
	}
	store := blockstore.New()
	if err := serializer.Serialize(idx, store, nil); err != nil {
		t.Fatal(err)
	}

	fs := newTestFS(idx, store)
	op := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Offset: 0, Size: 4096}
	if err := fs.ReadDir(context.Background(), op); err != nil {
		t.Fatal(err)
	}
	if len(op.Data) == 0 {
		t.Fatal("expected non-empty directory listing")
	}
	ia := bytes.Index(op.Data, []byte("a.txt"))
	ib := bytes.Index(op.Data, []byte("b.txt"))
	ic := bytes.Index(op.Data, []byte("c.txt"))
	if ia < 0 || ib < ia || ic < ib {
		t.Fatalf("children not listed in sorted order: a.txt at %d, b.txt at %d, c.txt at %d", ia, ib, ic)
	}
}

func TestReadDirRejectsNonZeroOffset(t *testing.T) {
	idx, store := buildFixture(t)
	fs := newTestFS(idx, store)
	op := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Offset: 1, Size: 4096}
	if err := fs.ReadDir(context.Background(), op); err != fuse.ENOENT {
		t.Fatalf("expected ENOENT for non-zero offset, got %v", err)
	}
}

func TestOpenAndReadFileReturnsContentBytes(t *testing.T) {
	idx, store := buildFixture(t)
	fs := newTestFS(idx, store)
	ctx := context.Background()

	dirIn, _ := idx.Lookup(0, "dir")
	fileIn, _ := idx.Lookup(dirIn.ID, "hello.txt")

	openOp := &fuseops.OpenFileOp{Inode: toExternal(fileIn.ID)}
	if err := fs.OpenFile(ctx, openOp); err != nil {
		t.Fatal(err)
	}

	readOp := &fuseops.ReadFileOp{
		Inode:  toExternal(fileIn.ID),
		Handle: openOp.Handle,
		Offset: 0,
		Size:   4096,
	}
	if err := fs.ReadFile(ctx, readOp); err != nil {
		t.Fatal(err)
	}
	if string(readOp.Data) != "hello, cafs" {
		t.Fatalf("read %q, want %q", readOp.Data, "hello, cafs")
	}

	releaseOp := &fuseops.ReleaseFileHandleOp{Handle: openOp.Handle}
	if err := fs.ReleaseFileHandle(ctx, releaseOp); err != nil {
		t.Fatal(err)
	}
	if _, stillThere := fs.handles[openOp.Handle]; stillThere {
		t.Fatal("handle should have been dropped on release")
	}
}

func TestOpenFileOnDirectoryFails(t *testing.T) {
	idx, store := buildFixture(t)
	fs := newTestFS(idx, store)
	dirIn, _ := idx.Lookup(0, "dir")

	op := &fuseops.OpenFileOp{Inode: toExternal(dirIn.ID)}
	if err := fs.OpenFile(context.Background(), op); err != fuse.ENOENT {
		t.Fatalf("expected ENOENT opening a directory as a file, got %v", err)
	}
}
