// Package sixpool implements a content-addressed file system: it splits the
// regular files under a host directory into content-defined blocks, hashes
// each block, and serves the resulting tree read-only through a FUSE mount.
//
// Ingest (see the index and serializer packages) and serving (see the fuse
// package) are two distinct phases. Nothing under internal/ mutates an Index
// or a BlockStore once serving has begun.
package sixpool
