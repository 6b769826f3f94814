package crdt

// Range is a half-open rune-offset span [Start, End) within a file's flat
// character sequence. Unlike the wire protocol's {line, character}
// Positions (see internal/ot), the CRDT layer only ever deals in rune
// offsets; converting between the two is entirely the OT engine's job.
type Range struct {
	Start int
	End   int
}

// Edit replaces Range with Replacement. A Delta is an ordered list of
// non-overlapping Edits, anchored to the pre-edit text, applied atomically.
type Edit struct {
	Range       Range
	Replacement string
}

// Delta is an ordered list of non-overlapping edits against one path.
type Delta []Edit

// Op is a single CRDT-level mutation: insert one character at an identifier
// position, or delete the character currently at one. Deltas decompose into
// Ops at the point they're applied to a Text (see Store.ApplyLocal); Ops are
// what travels the wire to peers and what Store.subscribe listeners see.
type Op struct {
	Insert bool         `json:"insert"`
	Pos    []Identifier `json:"pos"`
	Value  rune         `json:"value,omitempty"`
	Clock  uint64       `json:"clock"`
}

// ChangeID uniquely identifies one Store.ApplyLocal/ApplyRemote call. Seq is
// a per-node monotonically increasing counter; (Node, Seq) also doubles as
// the version-vector entry used for peer resume and duplicate detection, so
// Store never needs a separate unbounded "seen" set.
type ChangeID struct {
	Node NodeID
	Seq  uint64
}

// Change is one causally-ordered batch of Ops against one path, the unit
// Store de-duplicates, persists causality for, and delivers to listeners.
type Change struct {
	ID   ChangeID
	Path string
	Ops  []Op
}
