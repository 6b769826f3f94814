package crdt

import (
	"fmt"
	"sort"
	"strings"
)

// Character is a single tombstone-free CRDT element: a value anchored to a
// fixed identifier path. Deletion removes it outright (no tombstone) which
// is safe here because merges only ever combine a causally-complete set of
// inserts and deletes replayed through Store; see store.go.
type Character struct {
	Pos   []Identifier `json:"pos"`
	Clock uint64       `json:"clock"`
	Value rune         `json:"value"`
}

// Text is the ordered character sequence CRDT for one file. Two Texts that
// have applied the same set of inserts/deletes, in any order, hold identical
// Characters slices once sorted by position; that sort is an invariant
// maintained incrementally by Insert and never recomputed wholesale (a Text
// decoded from a snapshot keeps the order it was saved in).
type Text struct {
	Characters []Character
}

// NewText builds a Text from plain content, anchoring every character to a
// fresh identifier generated in sequence. The OT engine uses it for its
// mirror of a file the store does not track yet (see ot.NewEngine).
func NewText(content string, node NodeID) *Text {
	t := &Text{}
	var prev []Identifier
	var clock uint64
	for _, r := range content {
		pos := generatePositionBetween(prev, nil, node)
		clock++
		t.Characters = append(t.Characters, Character{Pos: pos, Clock: clock, Value: r})
		prev = pos
	}
	return t
}

// String returns the current plain-text content.
func (t *Text) String() string {
	var b strings.Builder
	b.Grow(len(t.Characters))
	for _, c := range t.Characters {
		b.WriteRune(c.Value)
	}
	return b.String()
}

// Len returns the number of characters (runes), not bytes.
func (t *Text) Len() int {
	return len(t.Characters)
}

func (t *Text) indexOf(pos []Identifier) (int, bool) {
	i := sort.Search(len(t.Characters), func(i int) bool {
		return ComparePositions(t.Characters[i].Pos, pos) >= 0
	})
	if i < len(t.Characters) && ComparePositions(t.Characters[i].Pos, pos) == 0 {
		return i, true
	}
	return i, false
}

// insertionIndex returns where a new character at pos belongs, assuming pos
// is not already present.
func (t *Text) insertionIndex(pos []Identifier) int {
	return sort.Search(len(t.Characters), func(i int) bool {
		return ComparePositions(t.Characters[i].Pos, pos) > 0
	})
}

// Insert places a character at pos. Re-inserting the same pos (a duplicate
// remote delivery) is a no-op, which is what makes ApplyRemote idempotent
// at the text level in addition to the version-vector dedup in Store.
func (t *Text) Insert(pos []Identifier, value rune, clock uint64) {
	if _, exists := t.indexOf(pos); exists {
		return
	}
	i := t.insertionIndex(pos)
	t.Characters = append(t.Characters, Character{})
	copy(t.Characters[i+1:], t.Characters[i:])
	t.Characters[i] = Character{Pos: pos, Clock: clock, Value: value}
}

// Delete removes the character at pos, if present. Deleting an absent
// position is a no-op; a peer may have already seen this delete via a
// different causal path (e.g. a full resync after reconnect).
func (t *Text) Delete(pos []Identifier) (ok bool) {
	i, exists := t.indexOf(pos)
	if !exists {
		return false
	}
	t.Characters = append(t.Characters[:i], t.Characters[i+1:]...)
	return true
}

// PositionAt returns the identifier path of the character currently at the
// given rune offset (0-based). offset == Len() is in range but has no
// character, so it returns a nil path and a nil error.
func (t *Text) PositionAt(offset int) ([]Identifier, error) {
	if offset < 0 || offset > len(t.Characters) {
		return nil, fmt.Errorf("crdt: offset %d out of range [0,%d]", offset, len(t.Characters))
	}
	if offset == len(t.Characters) {
		return nil, nil
	}
	return t.Characters[offset].Pos, nil
}

// GenerateInsertPosition returns a fresh identifier path that sorts at the
// given rune offset, i.e. strictly between the characters currently at
// offset-1 and offset.
func (t *Text) GenerateInsertPosition(offset int, node NodeID) ([]Identifier, error) {
	if offset < 0 || offset > len(t.Characters) {
		return nil, fmt.Errorf("crdt: offset %d out of range [0,%d]", offset, len(t.Characters))
	}
	var before, after []Identifier
	if offset > 0 {
		before = t.Characters[offset-1].Pos
	}
	if offset < len(t.Characters) {
		after = t.Characters[offset].Pos
	}
	return generatePositionBetween(before, after, node), nil
}

// Clone returns a deep copy. Document.Clone uses it so a snapshot write
// encodes state the store can keep mutating meanwhile.
func (t *Text) Clone() *Text {
	clone := &Text{Characters: make([]Character, len(t.Characters))}
	for i, c := range t.Characters {
		pos := make([]Identifier, len(c.Pos))
		copy(pos, c.Pos)
		clone.Characters[i] = Character{Pos: pos, Clock: c.Clock, Value: c.Value}
	}
	return clone
}
