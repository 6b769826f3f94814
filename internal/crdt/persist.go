package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// snapshotState is the full persisted form of a Store: document content
// plus enough causal metadata (clock, version vector) to resume exchanging
// changes with peers after a restart without replaying history.
type snapshotState struct {
	Node      NodeID
	Seq       uint64
	CharClock uint64
	VV        map[NodeID]uint64
	Doc       *Document
}

// encodeSnapshot serializes state with encoding/gob: a self-describing
// binary codec for a plain Go struct, with no schema or code-generation
// step, read and written only by this daemon.
func encodeSnapshot(s snapshotState) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("crdt: encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (snapshotState, error) {
	var s snapshotState
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return snapshotState{}, fmt.Errorf("crdt: decode snapshot: %w", err)
	}
	if s.VV == nil {
		s.VV = make(map[NodeID]uint64)
	}
	if s.Doc == nil {
		s.Doc = NewDocument()
	}
	return s, nil
}

// writeFileAtomic writes data to path via a temp file in the same
// directory followed by rename, so a reader never observes a partial
// write and a crash mid-write never corrupts the previous snapshot.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("crdt: create temp snapshot file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("crdt: write temp snapshot file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("crdt: fsync temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("crdt: close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("crdt: rename snapshot file into place: %w", err)
	}
	return nil
}
