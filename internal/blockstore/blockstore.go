// Package blockstore is the content-addressed map from a block's SHA-512
// digest to the ordered list of on-disk shards that, concatenated, form its
// bytes.
package blockstore

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/aep/sixpool/internal/readchain"
)

// Shard is a contiguous byte range of a host file that contributes to a
// block.
type Shard struct {
	File   string `json:"-"`
	Offset int64  `json:"-"`
	Size   int64  `json:"-"`
}

// Block is a variable-size, content-defined unit of deduplication: exactly
// Size bytes, formed by concatenating Shards in order.
type Block struct {
	Shards []Shard
	Size   int64
}

type shardOpener []Shard

func (o shardOpener) Len() int { return len(o) }

func (o shardOpener) At(i int) (io.ReadSeeker, int64, error) {
	s := o[i]
	f, err := os.Open(s.File)
	if err != nil {
		return nil, 0, err
	}
	if _, err := f.Seek(s.Offset, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, s.Size, nil
}

// Chain returns a reader over the block's byte stream: its shards, in
// order, each clipped to its own size.
func (b *Block) Chain() *readchain.Chain {
	return readchain.New(shardOpener(b.Shards))
}

// Store is a mapping from hex-encoded SHA-512 digest to the Block it
// addresses. The zero value is ready to use.
type Store struct {
	blocks map[string]*Block
}

// New returns an empty Store.
func New() *Store {
	return &Store{blocks: make(map[string]*Block)}
}

// Get looks up the block stored under hash. The second return value is
// false if no such block exists.
func (s *Store) Get(hash string) (*Block, bool) {
	b, ok := s.blocks[hash]
	return b, ok
}

// Len returns the number of distinct blocks in the store.
func (s *Store) Len() int {
	return len(s.blocks)
}

// TotalSize returns the sum of Size across every stored block.
func (s *Store) TotalSize() int64 {
	var total int64
	for _, b := range s.blocks {
		total += b.Size
	}
	return total
}

// Insert stores block under hash after checking two invariants: that
// hashing block's own byte stream really does yield hash (a bug in the
// caller otherwise), and that, if hash is already present, the stored block
// is byte-identical to the incoming one (otherwise a SHA-512 collision has
// occurred). A byte-identical incoming block is accepted silently and
// discarded — the existing entry wins.
//
// Both checks are fatal: the caller should treat a non-nil error as reason
// to abort ingest entirely, not to skip this one block.
func (s *Store) Insert(hash string, block *Block) error {
	if err := verifyIntegrity(hash, block); err != nil {
		return err
	}

	if existing, ok := s.blocks[hash]; ok {
		identical, err := identicalBlocks(existing, block)
		if err != nil {
			return xerrors.Errorf("blockstore: comparing block %s against existing entry: %w", hash, err)
		}
		if !identical {
			return xerrors.Errorf("blockstore: HASH COLLISION on %s — this is extremely unlikely; "+
				"preserve the block store for analysis instead of retrying", hash)
		}
		return nil
	}

	if s.blocks == nil {
		s.blocks = make(map[string]*Block)
	}
	s.blocks[hash] = block
	return nil
}

func verifyIntegrity(hash string, block *Block) error {
	h := sha512.New()
	n, err := io.Copy(h, block.Chain())
	if err != nil {
		return xerrors.Errorf("blockstore: reading block %s for integrity check: %w", hash, err)
	}
	if n != block.Size {
		return xerrors.Errorf("blockstore: BUG: block %s should be %d bytes but read %d", hash, block.Size, n)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != hash {
		return xerrors.Errorf("blockstore: BUG: block inserted under %s actually hashes to %s", hash, got)
	}
	return nil
}

const collisionWindow = 1024

func identicalBlocks(a, b *Block) (bool, error) {
	ra := a.Chain()
	rb := b.Chain()
	bufA := make([]byte, collisionWindow)
	bufB := make([]byte, collisionWindow)
	for {
		na, erra := io.ReadFull(ra, bufA)
		if erra != nil && erra != io.EOF && erra != io.ErrUnexpectedEOF {
			return false, erra
		}
		nb, errb := io.ReadFull(rb, bufB)
		if errb != nil && errb != io.EOF && errb != io.ErrUnexpectedEOF {
			return false, errb
		}
		if na != nb {
			return false, nil
		}
		if string(bufA[:na]) != string(bufB[:nb]) {
			return false, nil
		}
		if na == 0 {
			return true, nil
		}
	}
}

// String implements fmt.Stringer for diagnostics.
func (b *Block) String() string {
	return fmt.Sprintf("block{size=%d shards=%d}", b.Size, len(b.Shards))
}
