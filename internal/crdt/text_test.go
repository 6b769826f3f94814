package crdt

import "testing"

func TestTextRoundTrip(t *testing.T) {
	text := NewText("hello, world", 1)
	if got := text.String(); got != "hello, world" {
		t.Fatalf("String() = %q, want %q", got, "hello, world")
	}
	if text.Len() != len("hello, world") {
		t.Fatalf("Len() = %d, want %d", text.Len(), len("hello, world"))
	}
}

func TestTextInsertAtOffsets(t *testing.T) {
	text := NewText("helo", 1)

	pos, err := text.GenerateInsertPosition(3, 1)
	if err != nil {
		t.Fatalf("GenerateInsertPosition: %v", err)
	}
	text.Insert(pos, 'l', 100)

	if got := text.String(); got != "hello" {
		t.Fatalf("String() = %q, want %q", got, "hello")
	}
}

func TestTextInsertAtStartAndEnd(t *testing.T) {
	text := NewText("ello", 1)

	start, err := text.GenerateInsertPosition(0, 1)
	if err != nil {
		t.Fatalf("GenerateInsertPosition(0): %v", err)
	}
	text.Insert(start, 'h', 1)

	end, err := text.GenerateInsertPosition(text.Len(), 1)
	if err != nil {
		t.Fatalf("GenerateInsertPosition(end): %v", err)
	}
	text.Insert(end, '!', 2)

	if got := text.String(); got != "hello!" {
		t.Fatalf("String() = %q, want %q", got, "hello!")
	}
}

func TestTextDeleteCharacter(t *testing.T) {
	text := NewText("hellxo", 1)
	pos, err := text.PositionAt(4)
	if err != nil {
		t.Fatalf("PositionAt: %v", err)
	}
	if !text.Delete(pos) {
		t.Fatalf("Delete returned false for an existing position")
	}
	if got := text.String(); got != "hello" {
		t.Fatalf("String() = %q, want %q", got, "hello")
	}
}

func TestTextDeleteNonExistentCharacter(t *testing.T) {
	text := NewText("hello", 1)
	fake := []Identifier{{Digit: 250, Node: 99}}
	if text.Delete(fake) {
		t.Fatalf("Delete returned true for a position that was never inserted")
	}
	if got := text.String(); got != "hello" {
		t.Fatalf("String() changed after deleting a non-existent position: %q", got)
	}
}

func TestTextInsertDuplicatePositionIsNoOp(t *testing.T) {
	text := NewText("ac", 1)
	pos, err := text.GenerateInsertPosition(1, 1)
	if err != nil {
		t.Fatalf("GenerateInsertPosition: %v", err)
	}
	text.Insert(pos, 'b', 10)
	before := text.String()

	text.Insert(pos, 'b', 10)
	if got := text.String(); got != before {
		t.Fatalf("re-inserting the same position changed content: got %q, want %q", got, before)
	}
	if text.Len() != 3 {
		t.Fatalf("Len() = %d after duplicate insert, want 3", text.Len())
	}
}

func TestComparePositions(t *testing.T) {
	a := []Identifier{{Digit: 10, Node: 1}}
	b := []Identifier{{Digit: 20, Node: 1}}
	if ComparePositions(a, b) >= 0 {
		t.Fatalf("ComparePositions(a, b) >= 0, want < 0")
	}
	if ComparePositions(b, a) <= 0 {
		t.Fatalf("ComparePositions(b, a) <= 0, want > 0")
	}
	if ComparePositions(a, a) != 0 {
		t.Fatalf("ComparePositions(a, a) != 0")
	}

	tie1 := []Identifier{{Digit: 10, Node: 1}}
	tie2 := []Identifier{{Digit: 10, Node: 2}}
	if ComparePositions(tie1, tie2) >= 0 {
		t.Fatalf("node tie-break: ComparePositions(tie1, tie2) >= 0, want < 0 (lower node sorts first)")
	}
}

// TestConcurrentInsertTieBreak mirrors the CRDT layer's seed scenario: two
// peers insert a character at the same visual position without seeing each
// other's change first. Applying both orderings must converge to the same
// text, with the lower NodeID's character sorting first.
func TestConcurrentInsertTieBreak(t *testing.T) {
	base := NewText("ac", 1)
	posA, err := base.GenerateInsertPosition(1, 5)
	if err != nil {
		t.Fatalf("GenerateInsertPosition: %v", err)
	}
	posB, err := base.GenerateInsertPosition(1, 9)
	if err != nil {
		t.Fatalf("GenerateInsertPosition: %v", err)
	}

	order1 := base.Clone()
	order1.Insert(posA, 'x', 1)
	order1.Insert(posB, 'y', 2)

	order2 := base.Clone()
	order2.Insert(posB, 'y', 2)
	order2.Insert(posA, 'x', 1)

	if order1.String() != order2.String() {
		t.Fatalf("insert order changed converged text: %q vs %q", order1.String(), order2.String())
	}
	if order1.String() != "axyc" {
		t.Fatalf("converged text = %q, want %q (node 5's 'x' before node 9's 'y')", order1.String(), "axyc")
	}
}

func TestTextClone(t *testing.T) {
	original := NewText("hello", 1)
	clone := original.Clone()

	pos, err := clone.GenerateInsertPosition(5, 1)
	if err != nil {
		t.Fatalf("GenerateInsertPosition: %v", err)
	}
	clone.Insert(pos, '!', 1)

	if original.String() != "hello" {
		t.Fatalf("mutating clone affected original: %q", original.String())
	}
	if clone.String() != "hello!" {
		t.Fatalf("clone = %q, want %q", clone.String(), "hello!")
	}
}
