// Package manifest encodes and decodes an index as the JSON document
// described by the external interface: a compact, host-path-free
// description of every inode, suitable for printing to the operator or
// persisting alongside a block store in a future revision.
package manifest

import (
	"encoding/json"
	"io"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/aep/sixpool/internal/index"
)

// Encode writes idx to w as the manifest JSON document: a single object
// with field "inodes" holding every inode in identifier order.
func Encode(w io.Writer, idx *index.Index) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(idx); err != nil {
		return xerrors.Errorf("manifest: encoding: %w", err)
	}
	return nil
}

// Marshal returns idx as an indented manifest JSON document, for printing.
func Marshal(idx *index.Index) ([]byte, error) {
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, xerrors.Errorf("manifest: marshaling: %w", err)
	}
	return b, nil
}

// Decode reads a manifest JSON document from r. HostPath is left empty on
// every returned inode — a decoded manifest describes a mount's shape, not
// where to find its bytes, since block shards carry their own host paths.
func Decode(r io.Reader) (*index.Index, error) {
	var idx index.Index
	if err := json.NewDecoder(r).Decode(&idx); err != nil {
		return nil, xerrors.Errorf("manifest: decoding: %w", err)
	}
	return &idx, nil
}

// WriteFile persists idx to path as a manifest JSON document, replacing any
// existing file atomically so a reader never observes a partially-written
// manifest.
func WriteFile(path string, idx *index.Index) error {
	b, err := Marshal(idx)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, b, 0644); err != nil {
		return xerrors.Errorf("manifest: writing %s: %w", path, err)
	}
	return nil
}
