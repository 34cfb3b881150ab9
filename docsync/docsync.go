// Package docsync implements the per-peer, per-document synchronization
// state machine: given a local document clock and a record of what a
// single peer last told us it holds, decide which changes to push and
// when to ask the peer to push back.
package docsync

import (
	"fmt"

	"tidalsync/clock"
	"tidalsync/crdt"
)

// Message is the wire-independent shape DocumentSync exchanges with a
// peer: a clock, and optionally the changes that justify it. A message
// with no changes is a pull request.
type Message struct {
	Clock   clock.VectorClock
	Changes []crdt.Change
}

// ObservableDocument is the minimal surface DocumentSync needs from the
// Repository's document wrapper. DocumentSync never reaches past this
// interface into the CRDT library's concrete types.
type ObservableDocument interface {
	Clock() clock.VectorClock
	MissingChanges(since clock.VectorClock) []crdt.Change
	ApplyChanges(changes []crdt.Change) error
	RegisterHandler(fn func()) int
	UnregisterHandler(token int)
}

// Transport is how DocumentSync hands an outbound Message to its
// Connection. Connection supplies the concrete implementation that
// encodes via package wire and writes to the socket.
type Transport interface {
	Send(msg Message) error
}

// NoClockError means the local document's clock was missing entirely:
// the document is not a CRDT replica, or is a historical snapshot.
type NoClockError struct{}

func (NoClockError) Error() string {
	return "docsync: document has no clock"
}

// OldClockError means a clock failed to dominate ours: the local
// document regressed to an earlier state than what was already
// advertised to this peer.
type OldClockError struct {
	Ours clock.VectorClock
	Got  clock.VectorClock
}

func (e OldClockError) Error() string {
	return fmt.Sprintf("docsync: clock %v does not dominate previously advertised %v", e.Got, e.Ours)
}

// DocumentSync is the per-peer, per-document state machine. One
// instance exists per open Connection; Connection is responsible for
// ensuring all calls are serialized so only one goroutine ever
// touches a given instance at a time.
type DocumentSync struct {
	doc       ObservableDocument
	transport Transport

	ours   clock.VectorClock
	theirs clock.VectorClock // nil means "unknown"

	handlerToken int
	closed       bool

	// generation counts how many times ours has been advanced. Nothing
	// logs, reads or serializes it.
	generation int
}

// New constructs a DocumentSync; call Open to begin the protocol.
func New(doc ObservableDocument, transport Transport) *DocumentSync {
	return &DocumentSync{
		doc:       doc,
		transport: transport,
		ours:      clock.VectorClock{},
	}
}

// Open reads the current document clock, validates it, sends an
// initial pull request, advances ours, and subscribes to the
// document's change-observation hook so that local edits trigger
// DocChanged automatically.
func (s *DocumentSync) Open() error {
	c := s.doc.Clock()
	if err := s.validate(c); err != nil {
		return err
	}
	if err := s.transport.Send(Message{Clock: c}); err != nil {
		return err
	}
	s.advanceOurs(c)
	s.handlerToken = s.doc.RegisterHandler(func() {
		// Errors from an asynchronous change notification have no
		// caller to return to and are dropped here; a broken socket
		// surfaces through the Connection's read loop instead.
		_ = s.DocChanged()
	})
	return nil
}

// Close unregisters the change-observation hook. It does not touch the
// transport; Connection owns the socket's lifecycle.
func (s *DocumentSync) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.doc.UnregisterHandler(s.handlerToken)
}

// Receive handles an inbound Message from the peer.
func (s *DocumentSync) Receive(msg Message) error {
	if msg.Clock != nil {
		s.theirs = clock.Merge(s.theirsOrEmpty(), msg.Clock)
	}
	if len(msg.Changes) > 0 {
		if err := s.doc.ApplyChanges(msg.Changes); err != nil {
			return err
		}
	}
	if len(msg.Changes) == 0 {
		return s.maybeSendChanges()
	}
	return s.maybeRequestChanges(s.doc.Clock())
}

// DocChanged is invoked whenever the local document advances,
// whether from a local edit or from applying remote changes via
// Receive. It is also wired as the document's change-observation
// handler in Open.
func (s *DocumentSync) DocChanged() error {
	c := s.doc.Clock()
	if err := s.validate(c); err != nil {
		return err
	}
	if err := s.maybeSendChanges(); err != nil {
		return err
	}
	if err := s.maybeRequestChanges(c); err != nil {
		return err
	}
	s.advanceOurs(c)
	return nil
}

// maybeSendChanges pushes anything the document holds that theirs does
// not yet reflect. Does nothing if theirs is still unknown (we have
// not heard from the peer yet).
func (s *DocumentSync) maybeSendChanges() error {
	if s.theirs == nil {
		return nil
	}
	c := s.doc.Clock()
	missing := s.doc.MissingChanges(s.theirs)
	if len(missing) == 0 {
		return nil
	}
	if err := s.transport.Send(Message{Clock: c, Changes: missing}); err != nil {
		return err
	}
	s.advanceOurs(c)
	return nil
}

// maybeRequestChanges emits a bare-clock pull when the local clock c
// strictly advanced past what we last advertised (ours); both call
// sites (after a local change, after applying remote changes) share
// this single rule per the source's ambiguous but reconcilable
// semantics.
func (s *DocumentSync) maybeRequestChanges(c clock.VectorClock) error {
	if clock.LessOrEqual(c, s.ours) {
		return nil
	}
	return s.transport.Send(Message{Clock: c})
}

// validate enforces spec's clock preconditions: c must be non-nil
// (NoClockError) and must dominate ours (OldClockError).
func (s *DocumentSync) validate(c clock.VectorClock) error {
	if c == nil {
		return NoClockError{}
	}
	if !clock.LessOrEqual(s.ours, c) {
		return OldClockError{Ours: s.ours, Got: c}
	}
	return nil
}

func (s *DocumentSync) advanceOurs(c clock.VectorClock) {
	s.ours = clock.Merge(s.ours, c)
	s.generation++
}

func (s *DocumentSync) theirsOrEmpty() clock.VectorClock {
	if s.theirs == nil {
		return clock.VectorClock{}
	}
	return s.theirs
}

// Ours returns a snapshot of the clock last advertised to this peer.
// Exposed for tests verifying the monotone-ours property.
func (s *DocumentSync) Ours() clock.VectorClock {
	return s.ours.Clone()
}

// Theirs returns a snapshot of what this peer is known to hold, or
// nil if unknown.
func (s *DocumentSync) Theirs() clock.VectorClock {
	if s.theirs == nil {
		return nil
	}
	return s.theirs.Clone()
}
