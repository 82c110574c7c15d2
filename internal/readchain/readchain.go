// Package readchain presents an indexed sequence of bounded byte sources as
// a single sequential, partially-seekable stream.
//
// The same abstraction chains two very different kinds of sources in this
// repository: a Block is a chain of on-disk file shards, and an open inode is
// a chain of (offset, length)-limited Blocks. Express it once, here, rather
// than duplicating the bookkeeping at both layers.
package readchain

import (
	"io"

	"golang.org/x/xerrors"
)

// Opener is an indexed factory of bounded byte sources. At(i) opens the i'th
// source lazily — it must not be called before the chain actually needs
// bytes from that source — and returns it already positioned at its logical
// start, together with the number of bytes the chain may read from it.
type Opener interface {
	Len() int
	At(i int) (r io.ReadSeeker, limit int64, err error)
}

// Chain concatenates the sources named by an Opener into one stream. No
// source is opened before it is needed, and each source is released as soon
// as the chain has consumed its limit.
type Chain struct {
	src Opener

	idx      int
	cur      io.ReadSeeker
	curLimit int64
	curUsed  int64
}

// New returns a Chain over the sources named by src.
func New(src Opener) *Chain {
	return &Chain{src: src}
}

func (c *Chain) realRead(p []byte) (int, error) {
	if c.cur == nil {
		if c.idx >= c.src.Len() {
			return 0, io.EOF
		}
		r, limit, err := c.src.At(c.idx)
		if err != nil {
			return 0, xerrors.Errorf("readchain: opening source %d: %w", c.idx, err)
		}
		c.cur = r
		c.curLimit = limit
		c.curUsed = 0
	}

	n, err := c.cur.Read(p)
	if err != nil && err != io.EOF {
		return 0, err
	}
	if n > 0 {
		if c.curUsed+int64(n) > c.curLimit {
			n = int(c.curLimit - c.curUsed)
		}
		if n > 0 {
			c.curUsed += int64(n)
			return n, nil
		}
	}

	// Source exhausted, either by a zero read or by reaching its limit.
	c.cur = nil
	c.idx++
	return c.realRead(p)
}

// Read implements io.Reader. It fills the buffer across a source boundary
// when the first read came up short: some readers (hash.Hash among them) and
// naive copy loops assume that a short read means end of stream, which is
// not true here at a shard boundary. One extra attempt is made against the
// remainder of the buffer; if that second attempt also hits the true end of
// the chain, the partial result is returned with a nil error — io.EOF is
// reserved for the next call, once there is truly nothing left, so io.Copy
// and io.ReadAll terminate correctly instead of spinning on it.
func (c *Chain) Read(p []byte) (int, error) {
	n, err := c.realRead(p)
	if err != nil {
		return n, err
	}
	if n < len(p) && n > 0 {
		n2, err := c.realRead(p[n:])
		n += n2
		if err != nil && err != io.EOF {
			return n, err
		}
	}
	return n, nil
}

// Seek only supports io.SeekStart; relative and end-relative seeks are
// rejected outright since the chain does not know its total length without
// consuming it. Each source is moved relative to the position At left it
// at, so its own Seek must accept io.SeekCurrent; a Chain, which accepts only
// io.SeekStart, cannot be a source of a Chain that is seeked.
func (c *Chain) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, xerrors.Errorf("readchain: unsupported seek kind %d", whence)
	}

	if c.src.Len() < 1 {
		return 0, nil
	}

	c.idx = 0
	c.cur = nil

	var seeked int64
	for {
		if c.idx >= c.src.Len() {
			return seeked, nil
		}
		r, limit, err := c.src.At(c.idx)
		if err != nil {
			return seeked, xerrors.Errorf("readchain: opening source %d: %w", c.idx, err)
		}
		c.cur = r
		c.curLimit = limit
		c.curUsed = 0

		want := offset - seeked
		if want > limit {
			want = limit
		}
		// At leaves the source at its logical start, which need not be its
		// physical start (a shard begins partway into its file), so move it
		// relative to where it already is.
		base, err := c.cur.Seek(0, io.SeekCurrent)
		if err != nil {
			return seeked, err
		}
		pos, err := c.cur.Seek(want, io.SeekCurrent)
		if err != nil {
			return seeked, err
		}
		rs := pos - base
		seeked += rs
		c.curUsed += rs

		// The source is exhausted iff the position it reports reaches its
		// limit — derive this from rs itself, not from the clamp we computed
		// above, since the two can disagree when a source's own Seek clamps
		// to its physical size rather than to our logical limit.
		exhausted := rs >= c.curLimit
		if exhausted {
			c.cur = nil
			c.idx++
		}

		if seeked >= offset {
			return seeked, nil
		}
		if !exhausted {
			c.idx++
		}
	}
}
