package crdt

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"tidalsync/clock"
)

// Document is the local CRDT replica for one documentId. It is safe
// for concurrent use, though callers in this module only ever touch
// it from the single dispatch loop a Repository owns.
type Document struct {
	documentID string
	actor      string

	mu    sync.Mutex
	lines []Line
	clock clock.VectorClock
	log   []Change
	// pending holds changes that arrived before their causal
	// predecessors, keyed by actor and kept in seq order. Flushed
	// whenever a new change closes the gap.
	pending map[string][]Change
}

// New creates an empty document for documentID, authored locally as
// actor.
func New(documentID, actor string) *Document {
	return &Document{
		documentID: documentID,
		actor:      actor,
		lines:      []Line{{Characters: []Character{}}},
		clock:      clock.VectorClock{},
		pending:    map[string][]Change{},
	}
}

// FromText seeds a new document with existing plain text, attributed
// to actor as a single Change. Used for createStore's initial state.
func FromText(documentID, actor, text string) *Document {
	d := New(documentID, actor)
	if text == "" {
		return d
	}
	d.Change(func(m *Mutator) {
		m.InsertText(0, text)
	})
	return d
}

// DocumentID returns the id this replica was created for.
func (d *Document) DocumentID() string { return d.documentID }

// Actor returns the local actor id used to author new changes.
func (d *Document) Actor() string { return d.actor }

// Clock returns a snapshot of the document's current vector clock.
func (d *Document) Clock() clock.VectorClock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.Clone()
}

// ToText renders the document as plain text.
func (d *Document) ToText() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result strings.Builder
	for lineIndex, line := range d.lines {
		for _, char := range line.Characters {
			if char.Value != '\n' {
				result.WriteRune(char.Value)
			}
		}
		if lineIndex < len(d.lines)-1 {
			result.WriteRune('\n')
		}
	}
	return result.String()
}

// Mutator accumulates the ops of one in-flight Change. It is only
// valid for the duration of the Document.Change callback that owns
// it.
type Mutator struct {
	doc   *Document
	actor string
	seq   uint64
	ops   []Op
}

// Change runs fn against a fresh Mutator, records every op it
// performs as one immutable, causally-tagged Change, applies it to
// the document, and returns it. Returns nil if fn made no edits.
func (d *Document) Change(fn func(m *Mutator)) *Change {
	d.mu.Lock()
	seq := d.clock[d.actor] + 1
	deps := d.clock.Clone()
	m := &Mutator{doc: d, actor: d.actor, seq: seq}
	fn(m)
	if len(m.ops) == 0 {
		d.mu.Unlock()
		return nil
	}
	change := Change{Actor: d.actor, Seq: seq, Deps: deps, Ops: m.ops}
	d.clock = clock.Increment(d.clock, change.Actor, change.Seq)
	d.log = append(d.log, change)
	d.mu.Unlock()
	return &change
}

// InsertText inserts text at the given rune offset into the overall
// document (newlines included), generating a fresh fractional
// position for every character.
func (m *Mutator) InsertText(offset int, text string) {
	for _, ch := range text {
		line, col := m.doc.offsetToLineCol(offset)
		pos := m.doc.generatePositionAtLocked(line, col, m.actor)
		op := Op{Kind: OpInsert, Pos: pos, Character: ch}
		m.ops = append(m.ops, op)
		m.doc.insertCharacterLocked(Character{Pos: pos, Actor: m.actor, Seq: m.seq, Value: ch})
		offset++
	}
}

// DeleteText removes length runes starting at offset.
func (m *Mutator) DeleteText(offset, length int) {
	for i := 0; i < length; i++ {
		line, col := m.doc.offsetToLineCol(offset)
		pos, ok := m.doc.findPositionAtLocked(line, col)
		if !ok {
			return
		}
		m.ops = append(m.ops, Op{Kind: OpDelete, Pos: pos})
		m.doc.deleteCharacterLocked(pos)
	}
}

// ApplyChanges applies remote changes to the document. Changes whose
// causal predecessors are missing are buffered until those
// predecessors arrive; changes already reflected in the local clock
// are silently ignored, making repeated application of the same
// change a no-op.
func (d *Document) ApplyChanges(changes []Change) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range changes {
		if c.Seq <= d.clock[c.Actor] {
			continue // already applied
		}
		d.pending[c.Actor] = insertBySeq(d.pending[c.Actor], c)
	}
	d.flushPendingLocked()
	return nil
}

func insertBySeq(queue []Change, c Change) []Change {
	for _, existing := range queue {
		if existing.Seq == c.Seq {
			return queue // duplicate delivery
		}
	}
	i := sort.Search(len(queue), func(i int) bool { return queue[i].Seq >= c.Seq })
	queue = append(queue, Change{})
	copy(queue[i+1:], queue[i:])
	queue[i] = c
	return queue
}

func (d *Document) flushPendingLocked() {
	progressed := true
	for progressed {
		progressed = false
		for actor, queue := range d.pending {
			for len(queue) > 0 {
				next := queue[0]
				if next.Seq != d.clock[actor]+1 {
					break
				}
				if !clock.LessOrEqual(next.Deps, d.clock) {
					break
				}
				d.applyOneLocked(next)
				queue = queue[1:]
				progressed = true
			}
			d.pending[actor] = queue
		}
	}
}

func (d *Document) applyOneLocked(c Change) {
	for _, op := range c.Ops {
		switch op.Kind {
		case OpInsert:
			d.insertCharacterLocked(Character{Pos: op.Pos, Actor: c.Actor, Seq: c.Seq, Value: op.Character})
		case OpDelete:
			d.deleteCharacterLocked(op.Pos)
		}
	}
	d.clock = clock.Increment(d.clock, c.Actor, c.Seq)
	d.log = append(d.log, c)
}

// MissingChanges returns every change in the document's log that
// since does not yet reflect, in log (causal) order.
func (d *Document) MissingChanges(since clock.VectorClock) []Change {
	d.mu.Lock()
	defer d.mu.Unlock()

	var missing []Change
	for _, c := range d.log {
		if c.Seq > since[c.Actor] {
			missing = append(missing, c)
		}
	}
	return missing
}

// --- internal RGA mechanics ---

func (d *Document) insertCharacterLocked(newChar Character) {
	if len(d.lines) == 0 {
		d.lines = append(d.lines, Line{Characters: []Character{}})
	}

	if newChar.Value == '\n' {
		lineIndex, charIndex := d.findInsertionPoint(newChar.Pos)
		currentLine := d.lines[lineIndex]

		newLine := Line{Characters: make([]Character, len(currentLine.Characters)-charIndex)}
		copy(newLine.Characters, currentLine.Characters[charIndex:])

		d.lines[lineIndex].Characters = append(append([]Character{}, currentLine.Characters[:charIndex]...), newChar)
		tail := append([]Line{newLine}, d.lines[lineIndex+1:]...)
		d.lines = append(d.lines[:lineIndex+1], tail...)
		return
	}

	lineIndex, charIndex := d.findInsertionPoint(newChar.Pos)
	line := &d.lines[lineIndex]
	line.Characters = append(line.Characters[:charIndex:charIndex], append([]Character{newChar}, line.Characters[charIndex:]...)...)
}

func (d *Document) deleteCharacterLocked(position []Identifier) {
	lineIndex, charIndex, found := d.findCharacter(position)
	if !found {
		return
	}

	char := d.lines[lineIndex].Characters[charIndex]
	if char.Value != '\n' {
		line := &d.lines[lineIndex]
		line.Characters = append(line.Characters[:charIndex], line.Characters[charIndex+1:]...)
		return
	}

	if lineIndex+1 < len(d.lines) {
		d.lines[lineIndex].Characters = append(d.lines[lineIndex].Characters[:charIndex], d.lines[lineIndex].Characters[charIndex+1:]...)
		d.lines[lineIndex].Characters = append(d.lines[lineIndex].Characters, d.lines[lineIndex+1].Characters...)
		d.lines = append(d.lines[:lineIndex+1], d.lines[lineIndex+2:]...)
	} else {
		d.lines[lineIndex].Characters = append(d.lines[lineIndex].Characters[:charIndex], d.lines[lineIndex].Characters[charIndex+1:]...)
	}
}

// offsetToLineCol converts an overall rune offset (newlines count as
// one position) into 1-indexed (line, column) text coordinates.
func (d *Document) offsetToLineCol(offset int) (line, col int) {
	remaining := offset
	for i, l := range d.lines {
		n := len(l.Characters)
		if remaining <= n {
			return i + 1, remaining + 1
		}
		remaining -= n
	}
	if len(d.lines) == 0 {
		return 1, 1
	}
	return len(d.lines), len(d.lines[len(d.lines)-1].Characters) + 1
}

func (d *Document) generatePositionAtLocked(textLine, textColumn int, actor string) []Identifier {
	if len(d.lines) == 0 {
		return []Identifier{{Digit: 1, Actor: actor}}
	}

	charIndex := 0
	for i := 0; i < textLine-1 && i < len(d.lines); i++ {
		charIndex += len(d.lines[i].Characters)
	}
	if textLine-1 < len(d.lines) {
		charIndex += min(textColumn-1, len(d.lines[textLine-1].Characters))
	}

	allChars := d.getAllCharacters()
	if len(allChars) == 0 {
		return []Identifier{{Digit: 1, Actor: actor}}
	}

	var prevPos, nextPos []Identifier
	switch {
	case charIndex == 0:
		nextPos = allChars[0].Pos
	case charIndex >= len(allChars):
		prevPos = allChars[len(allChars)-1].Pos
	default:
		prevPos = allChars[charIndex-1].Pos
		nextPos = allChars[charIndex].Pos
	}
	return generatePositionBetween(prevPos, nextPos, actor)
}

func (d *Document) findPositionAtLocked(textLine, textColumn int) ([]Identifier, bool) {
	if textLine < 1 || textLine > len(d.lines) {
		return nil, false
	}
	line := d.lines[textLine-1]
	if textColumn < 1 || textColumn > len(line.Characters) {
		return nil, false
	}
	return line.Characters[textColumn-1].Pos, true
}

func (d *Document) findInsertionPoint(position []Identifier) (lineIndex, charIndex int) {
	allChars := d.getAllCharacters()
	for i, char := range allChars {
		if comparePositions(position, char.Pos) < 0 {
			return d.getLineAndCharIndex(i)
		}
	}
	if len(d.lines) == 0 {
		return 0, 0
	}
	return len(d.lines) - 1, len(d.lines[len(d.lines)-1].Characters)
}

func (d *Document) findCharacter(position []Identifier) (lineIndex, charIndex int, found bool) {
	for lineIdx, line := range d.lines {
		for charIdx, char := range line.Characters {
			if comparePositions(position, char.Pos) == 0 {
				return lineIdx, charIdx, true
			}
		}
	}
	return 0, 0, false
}

func (d *Document) getAllCharacters() []Character {
	var allChars []Character
	for _, line := range d.lines {
		allChars = append(allChars, line.Characters...)
	}
	sort.Slice(allChars, func(i, j int) bool {
		return comparePositions(allChars[i].Pos, allChars[j].Pos) < 0
	})
	return allChars
}

func (d *Document) getLineAndCharIndex(charIndex int) (lineIndex, charIndexInLine int) {
	currentIndex := 0
	for lineIdx, line := range d.lines {
		if currentIndex+len(line.Characters) > charIndex {
			return lineIdx, charIndex - currentIndex
		}
		currentIndex += len(line.Characters)
	}
	if len(d.lines) == 0 {
		return 0, 0
	}
	return len(d.lines) - 1, len(d.lines[len(d.lines)-1].Characters)
}

// Snapshot is the JSON-serializable form of a document's full state,
// used by Repository for bbolt snapshot rows.
type Snapshot struct {
	DocumentID string            `json:"documentId"`
	Lines      []Line            `json:"lines"`
	Clock      clock.VectorClock `json:"clock"`
}

// ToSnapshot captures the document's current state.
func (d *Document) ToSnapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	lines := make([]Line, len(d.lines))
	copy(lines, d.lines)
	return Snapshot{DocumentID: d.documentID, Lines: lines, Clock: d.clock.Clone()}
}

// LoadSnapshot replaces the document's state with a previously
// captured snapshot, used during Repository recovery before replaying
// the tail of the change log.
func (d *Document) LoadSnapshot(s Snapshot) error {
	if s.DocumentID != "" && s.DocumentID != d.documentID {
		return fmt.Errorf("crdt: snapshot documentId %q does not match %q", s.DocumentID, d.documentID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = s.Lines
	d.clock = s.Clock.Clone()
	return nil
}
