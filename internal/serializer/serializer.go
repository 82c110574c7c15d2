// Package serializer drives the content-defined chunker and the SHA-512
// hasher across every regular file in an index, in a single streaming pass,
// publishing the resulting blocks to a block store and recording each
// file's block references along the way.
//
// The tricky part is that a block may span the boundary between two files:
// the chunker sees the concatenation of every regular file's bytes as one
// stream, so cuts fall where the data says they should, not where file
// boundaries happen to be. Serialize tracks, for the block currently being
// assembled, which files have contributed to it and at what offsets, so
// that closing the block can fill in both the block's shard list and each
// contributing file's content-block list in one pass.
package serializer

import (
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/aep/sixpool/internal/blockstore"
	"github.com/aep/sixpool/internal/chunker"
	"github.com/aep/sixpool/internal/index"
)

// windowSize is the size of the reads that drive the chunker, matching the
// 1 KiB scan window the chunk-bits parameter below was tuned against.
const windowSize = 1024

// ChunkBits controls the chunker's boundary predicate: an expected average
// chunk size of 2^ChunkBits bytes.
const ChunkBits = 13

// Progress receives notifications as Serialize works through an index.
// Inode may be called many times and must be cheap; implementations that
// only care about one of the methods can no-op the other.
type Progress interface {
	// Inode is called once for every inode in the index, directory or file,
	// in the order Serialize visits them.
	Inode(in *index.Inode, i, total int)
	// Done is called once, after the index has been fully serialized.
	Done(inodes, blocks int, totalBlockBytes, totalInodeBytes int64)
}

// intermediateRef tracks, for the block currently being assembled, the
// sub-range of one file that has contributed to it so far.
type intermediateRef struct {
	inode      uint64
	fileStart  int64
	fileEnd    int64
	blockStart int64
}

type pass struct {
	chunker *chunker.Chunker
	hasher  hash.Hash

	currentBlockLen int64
	filesInBlock    []intermediateRef
}

// Serialize performs the single streaming pass described at package level.
// idx's regular-file inodes are visited in order; each gains a Content list
// describing the blocks it contributed to, and store gains every block
// produced.
//
// Serialize stops at the first error: a host I/O failure opening or reading
// a file, or store.Insert reporting an integrity violation or hash
// collision. Either way idx and store are left partially populated and must
// not be treated as a consistent snapshot.
func Serialize(idx *index.Index, store *blockstore.Store, progress Progress) error {
	s := &pass{
		chunker: chunker.New(ChunkBits),
		hasher:  sha512.New(),
	}

	total := len(idx.Inodes)
	for i, inode := range idx.Inodes {
		if progress != nil {
			progress.Inode(inode, i, total)
		}
		if inode.Kind != index.KindFile {
			continue
		}
		if err := s.consumeFile(idx, store, inode); err != nil {
			return xerrors.Errorf("serializer: %s: %w", inode.HostPath, err)
		}
	}

	// The block being assembled is never forcibly closed at a file
	// boundary, so whatever is left over once every file has been read
	// becomes the final block — even if the chunker never found a cut for
	// it.
	finalHash := hex.EncodeToString(s.hasher.Sum(nil))
	if err := s.emit(idx, store, finalHash); err != nil {
		return xerrors.Errorf("serializer: finalizing last block: %w", err)
	}

	if progress != nil {
		progress.Done(total, store.Len(), store.TotalSize(), totalInodeSize(idx))
	}
	return nil
}

func totalInodeSize(idx *index.Index) int64 {
	var total int64
	for _, in := range idx.Inodes {
		total += int64(in.Size)
	}
	return total
}

// consumeFile reads inode's bytes in fixed windows, feeding each to the
// chunker and the running hasher, closing and emitting a block each time
// the chunker reports a cut.
func (s *pass) consumeFile(idx *index.Index, store *blockstore.Store, inode *index.Inode) error {
	f, err := os.Open(inode.HostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	s.filesInBlock = append(s.filesInBlock, intermediateRef{
		inode:      inode.ID,
		fileStart:  0,
		blockStart: s.currentBlockLen,
	})

	var currentFilePos int64
	buf := make([]byte, windowSize)
	for {
		n, readErr := f.Read(buf)
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		if n > 0 {
			window := buf[:n]
			count, cut := s.chunker.FindEdge(window)

			if cut {
				s.currentBlockLen += int64(count)
				currentFilePos += int64(count)
				s.filesInBlock[len(s.filesInBlock)-1].fileEnd = currentFilePos

				s.hasher.Write(window[:count])
				cutHash := hex.EncodeToString(s.hasher.Sum(nil))
				s.hasher.Reset()

				if err := s.emit(idx, store, cutHash); err != nil {
					return err
				}

				s.filesInBlock = s.filesInBlock[:0]
				s.filesInBlock = append(s.filesInBlock, intermediateRef{
					inode:     inode.ID,
					fileStart: currentFilePos,
				})

				s.hasher.Write(window[count:n])
				s.currentBlockLen = int64(n - count)
				currentFilePos += int64(n - count)
			} else {
				s.hasher.Write(window)
				s.currentBlockLen += int64(n)
				currentFilePos += int64(n)
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	s.filesInBlock[len(s.filesInBlock)-1].fileEnd = currentFilePos
	return nil
}

// emit closes the block currently being assembled: it records a shard and a
// content-block entry for every file that contributed to it, then inserts
// the block into store under hash.
func (s *pass) emit(idx *index.Index, store *blockstore.Store, hash string) error {
	shards := make([]blockstore.Shard, 0, len(s.filesInBlock))
	for _, ref := range s.filesInBlock {
		inode := idx.Inode(ref.inode)
		length := ref.fileEnd - ref.fileStart
		shards = append(shards, blockstore.Shard{
			File:   inode.HostPath,
			Offset: ref.fileStart,
			Size:   length,
		})
		inode.Content = append(inode.Content, index.ContentBlockEntry{
			Hash:   hash,
			Offset: uint64(ref.blockStart),
			Length: uint64(length),
		})
	}
	return store.Insert(hash, &blockstore.Block{Shards: shards, Size: s.currentBlockLen})
}
