// Package crdt implements the per-file sequence CRDT that backs every
// shared document: a path-keyed map of LSEQ-identifier character
// sequences. Positions are compared digit by digit in base 256 and a new
// position is always generated strictly between its neighbors, so two
// replicas that apply the same set of inserts and deletes converge on the
// same order without coordination.
package crdt

// NodeID identifies the peer that created a given identifier digit. It is
// derived from a peer's stable identity so that identifier comparisons are
// deterministic across daemons (the tie-break the OT/CRDT layers both rely
// on: lower NodeID wins a simultaneous insert at the same position).
type NodeID uint64

// Identifier is one digit of an LSEQ position, fractional-indexing style:
// positions are compared digit by digit, and a new position is always
// generated strictly between its neighbors.
type Identifier struct {
	Digit int    `json:"digit"`
	Node  NodeID `json:"node"`
}

// Base is the arity of each identifier digit. It only bounds how many
// concurrent inserts can be wedged between two neighboring digits before
// a deeper digit is required.
const Base = 256

// ComparePositions orders two identifier paths lexicographically: digit
// first, then node as a deterministic tie-break, then length (a position
// that is a strict prefix of another sorts first).
func ComparePositions(a, b []Identifier) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].Digit != b[i].Digit {
			return a[i].Digit - b[i].Digit
		}
		if a[i].Node != b[i].Node {
			if a[i].Node < b[i].Node {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func fromIdentifierList(ids []Identifier) []int {
	digits := make([]int, len(ids))
	for i, id := range ids {
		digits[i] = id.Digit
	}
	return digits
}

func add(n1, n2 []int) []int {
	carry := 0
	sum := make([]int, max(len(n1), len(n2)))
	for i := len(sum) - 1; i >= 0; i-- {
		s := carry
		if i < len(n1) {
			s += n1[i]
		}
		if i < len(n2) {
			s += n2[i]
		}
		carry = s / Base
		sum[i] = s % Base
	}
	if carry != 0 {
		panic("crdt: position overflow, cannot represent sum in this digit width")
	}
	return sum
}

func subtractGreaterThan(n1, n2 []int) []int {
	carry := 0
	diff := make([]int, max(len(n1), len(n2)))
	for i := len(diff) - 1; i >= 0; i-- {
		d1 := 0
		if i < len(n1) {
			d1 = n1[i] - carry
		}
		d2 := 0
		if i < len(n2) {
			d2 = n2[i]
		}
		if d1 < d2 {
			carry = 1
			diff[i] = d1 + Base - d2
		} else {
			carry = 0
			diff[i] = d1 - d2
		}
	}
	return diff
}

func increment(n1, delta []int) []int {
	firstNonZero := -1
	for i, x := range delta {
		if x != 0 {
			firstNonZero = i
			break
		}
	}
	if firstNonZero == -1 {
		panic("crdt: increment delta must contain a non-zero digit")
	}

	inc := append(append([]int{}, delta[:firstNonZero]...), 0, 1)
	v1 := add(n1, inc)
	if v1[len(v1)-1] == 0 {
		v1 = add(v1, inc)
	}
	return v1
}

func toIdentifierList(n []int, before, after []Identifier, creationNode NodeID) []Identifier {
	ids := make([]Identifier, len(n))
	for i, digit := range n {
		switch {
		case i == len(n)-1:
			ids[i] = Identifier{Digit: digit, Node: creationNode}
		case i < len(before) && digit == before[i].Digit:
			ids[i] = Identifier{Digit: digit, Node: before[i].Node}
		case i < len(after) && digit == after[i].Digit:
			ids[i] = Identifier{Digit: digit, Node: after[i].Node}
		default:
			ids[i] = Identifier{Digit: digit, Node: creationNode}
		}
	}
	return ids
}

// generatePositionBetween returns a new identifier path that sorts strictly
// between before and after (either bound may be empty, meaning "start" or
// "end" of the sequence respectively).
func generatePositionBetween(before, after []Identifier, node NodeID) []Identifier {
	var head1, head2 Identifier
	var rest1, rest2 []Identifier
	if len(before) > 0 {
		head1, rest1 = before[0], before[1:]
	} else {
		head1 = Identifier{Digit: 0, Node: 0} // node 0: the start sorts before any real digit 0
	}
	if len(after) > 0 {
		head2, rest2 = after[0], after[1:]
	} else {
		head2 = Identifier{Digit: Base, Node: node}
	}

	switch {
	case head1.Digit != head2.Digit:
		n1 := fromIdentifierList(before)
		n2 := fromIdentifierList(after)
		if len(after) == 0 {
			n2 = []int{Base}
		}
		delta := subtractGreaterThan(n2, n1)
		next := increment(n1, delta)
		return toIdentifierList(next, before, after, node)
	case head1.Node < head2.Node:
		return append([]Identifier{head1}, generatePositionBetween(rest1, nil, node)...)
	case head1.Node == head2.Node:
		return append([]Identifier{head1}, generatePositionBetween(rest1, rest2, node)...)
	default:
		panic("crdt: identifier paths out of order")
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
