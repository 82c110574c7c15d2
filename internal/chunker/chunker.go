// Package chunker finds content-defined cut points in a byte stream: split
// positions that depend on the bytes around them rather than on their
// distance from the start of the stream, so an insertion or deletion only
// perturbs the chunks adjacent to it.
//
// The rolling hash itself is github.com/creachadair/ffs/block's
// Rabin-Karp implementation; this package only adds the boundary predicate
// and the call-by-call-window interface the serializer drives it with.
package chunker

import "github.com/creachadair/ffs/block"

// Chunker finds the next content-defined edge in a byte stream that is fed
// to it one window at a time. Its rolling-hash state carries across calls
// to FindEdge, so the cut positions it reports are the same whether the
// caller presents the stream in one window or many — including across the
// file boundaries the serializer feeds it without a break.
type Chunker struct {
	hash block.Hash
	mask uint64
}

// New returns a Chunker whose boundary predicate fires on roughly one byte
// in 2^bits, i.e. an expected average chunk size of 2^bits bytes.
func New(bits uint) *Chunker {
	return &Chunker{
		hash: block.DefaultHasher.Hash(),
		mask: 1<<bits - 1,
	}
}

// FindEdge scans window for the first content-defined cut. If it finds one
// at position p (1-indexed, so 1 <= p <= len(window)), it returns (p,
// true): the cut falls at the end of window[:p]. If no cut is found before
// the window is exhausted, it returns (len(window), false) and the caller
// should feed the next window to the same Chunker — the rolling-hash state
// is preserved across the call.
func (c *Chunker) FindEdge(window []byte) (int, bool) {
	for i, b := range window {
		h := c.hash.Update(b)
		if h&c.mask == c.mask {
			return i + 1, true
		}
	}
	return len(window), false
}
