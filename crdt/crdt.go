// Package crdt implements the replicated document type TidalSync
// synchronizes: a sequence CRDT (RGA, replicated growable array) over
// lines of characters, addressed by fractional identifiers so that
// concurrent inserts at the same position converge deterministically.
//
// It provides document construction, change application, and change
// extraction given a remote clock; the change-observation hook lives
// in package repo. The sync engine in package docsync uses only the
// Change type from this package and reaches documents through its
// ObservableDocument interface.
package crdt

import "tidalsync/clock"

// Identifier is one fractional-indexing digit in a character's
// position. Digit breaks ties by value; Actor breaks ties between two
// actors who independently chose the same digit.
type Identifier struct {
	Digit int    `json:"digit"`
	Actor string `json:"actor"`
}

// Character is a single CRDT-managed rune, placed by Pos and
// attributed to the actor/seq of the Change that introduced it.
type Character struct {
	Pos   []Identifier `json:"pos"`
	Actor string       `json:"actor"`
	Seq   uint64       `json:"seq"`
	Value rune         `json:"value"`
}

// Line is a run of characters terminated by (and including) a '\n'
// character, except for the document's final line.
type Line struct {
	Characters []Character `json:"characters"`
}

// OpKind distinguishes the two mutations a Change can carry.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Op is one character-level edit inside a Change.
type Op struct {
	Kind      OpKind       `json:"kind"`
	Pos       []Identifier `json:"pos"`
	Character rune         `json:"character,omitempty"`
}

// Change is the CRDT library's unit of causally-tagged mutation:
// immutable once created, and safe to apply more than once (applying
// an already-applied change is a no-op; see Document.ApplyChanges).
type Change struct {
	Actor string            `json:"actor"`
	Seq   uint64            `json:"seq"`
	Deps  clock.VectorClock `json:"deps"`
	Ops   []Op              `json:"ops"`
}

const base = 256

// fromIdentifierList extracts the digit sequence of a position,
// ignoring actor tie-breakers, for use in the increment arithmetic
// below.
func fromIdentifierList(identifiers []Identifier) []int {
	digits := make([]int, len(identifiers))
	for i, ident := range identifiers {
		digits[i] = ident.Digit
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
		carry = s / base
		sum[i] = s % base
	}
	if carry != 0 {
		panic("crdt: position overflow, cannot represent sum")
	}
	return sum
}

func subtractGreaterThan(n1, n2 []int) []int {
	carry := 0
	diff := make([]int, max(len(n1), len(n2)))
	for i := len(diff) - 1; i >= 0; i-- {
		d1, d2 := 0, 0
		if i < len(n1) {
			d1 = n1[i] - carry
		}
		if i < len(n2) {
			d2 = n2[i]
		}
		if d1 < d2 {
			carry = 1
			diff[i] = d1 + base - d2
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
		panic("crdt: delta must contain at least one non-zero digit")
	}

	inc := append(append([]int{}, delta[:firstNonZero]...), 0, 1)
	v1 := add(n1, inc)
	if v1[len(v1)-1] == 0 {
		v1 = add(v1, inc)
	}
	return v1
}

func toIdentifierList(n []int, before, after []Identifier, creationActor string) []Identifier {
	identifiers := make([]Identifier, len(n))
	for index, digit := range n {
		switch {
		case index == len(n)-1:
			identifiers[index] = Identifier{Digit: digit, Actor: creationActor}
		case index < len(before) && digit == before[index].Digit:
			identifiers[index] = Identifier{Digit: digit, Actor: before[index].Actor}
		case index < len(after) && digit == after[index].Digit:
			identifiers[index] = Identifier{Digit: digit, Actor: after[index].Actor}
		default:
			identifiers[index] = Identifier{Digit: digit, Actor: creationActor}
		}
	}
	return identifiers
}

// generatePositionBetween produces a fresh position strictly between
// position1 and position2 (either may be empty, meaning "start of
// document" / "end of document").
func generatePositionBetween(position1, position2 []Identifier, actor string) []Identifier {
	var head1, head2 Identifier
	if len(position1) > 0 {
		head1 = position1[0]
	} else {
		head1 = Identifier{Digit: 0, Actor: actor}
	}
	if len(position2) > 0 {
		head2 = position2[0]
	} else {
		head2 = Identifier{Digit: base, Actor: actor}
	}

	switch {
	case head1.Digit != head2.Digit:
		n1 := fromIdentifierList(position1)
		n2 := fromIdentifierList(position2)
		delta := subtractGreaterThan(n2, n1)
		next := increment(n1, delta)
		return toIdentifierList(next, position1, position2, actor)
	case len(position1) == 0:
		// position1 is exhausted and position2 continues with digit 0:
		// keep position2's identifier and find room below its tail.
		return append([]Identifier{head2}, generatePositionBetween(nil, position2[1:], actor)...)
	case head1.Actor < head2.Actor:
		return append([]Identifier{head1}, generatePositionBetween(position1[1:], nil, actor)...)
	case head1.Actor == head2.Actor:
		return append([]Identifier{head1}, generatePositionBetween(position1[1:], position2[1:], actor)...)
	default:
		panic("crdt: invalid actor ordering between two positions sharing a digit")
	}
}

// comparePositions orders two positions lexicographically by
// (digit, actor) pairs; a position that is a strict prefix of the
// other sorts first.
func comparePositions(pos1, pos2 []Identifier) int {
	n := min(len(pos1), len(pos2))
	for i := 0; i < n; i++ {
		if pos1[i].Digit != pos2[i].Digit {
			return pos1[i].Digit - pos2[i].Digit
		}
		if pos1[i].Actor != pos2[i].Actor {
			if pos1[i].Actor < pos2[i].Actor {
				return -1
			}
			return 1
		}
	}
	return len(pos1) - len(pos2)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
