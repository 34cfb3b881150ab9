// Package conn implements Connection: one peer pairing, wrapping a
// docsync.DocumentSync, a paired byte-stream socket, and the host's
// command dispatcher.
package conn

import (
	"fmt"
	"io"
	"sync"

	"tidalsync/crdt"
	"tidalsync/docsync"
	"tidalsync/wire"
)

// ChangeFunc mutates a document in place, the shape the host's
// reducer returns for a handled command.
type ChangeFunc func(m *crdt.Mutator)

// DispatchResult is a tagged Handled(ChangeFunc) | NotHandled variant,
// used in place of a nullable function pointer so a dispatcher can
// report "no mutation for this command" without a nil-check footgun.
type DispatchResult struct {
	handled bool
	change  ChangeFunc
}

// Handled wraps a ChangeFunc the dispatcher produced for a command.
func Handled(fn ChangeFunc) DispatchResult {
	return DispatchResult{handled: true, change: fn}
}

// NotHandled signals that the dispatcher has no mutation for this
// command.
func NotHandled() DispatchResult {
	return DispatchResult{}
}

// IsHandled reports whether the result carries a ChangeFunc.
func (d DispatchResult) IsHandled() bool { return d.handled }

// Change returns the wrapped ChangeFunc; only valid when IsHandled.
func (d DispatchResult) Change() ChangeFunc { return d.change }

// PeerStateCommand is the synthetic command Connection dispatches to
// the host after applying changes received from a peer, so the host's
// read-models can update.
type PeerStateCommand struct {
	DocumentID string
	PeerID     string
}

// Dispatcher is the host's command bus collaborator.
type Dispatcher interface {
	Dispatch(command any) DispatchResult
}

// TransportError wraps a failure reading or writing the peer socket.
// Expected in steady-state operation: it closes the Connection and
// lets the caller emit a peer-removal event rather than crashing the
// process.
type TransportError struct {
	PeerID string
	Err    error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("conn: transport error with peer %s: %v", e.PeerID, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// transportAdapter lets a *wire.Framer satisfy docsync.Transport.
type transportAdapter struct {
	framer *wire.Framer
}

func (t *transportAdapter) Send(msg docsync.Message) error {
	return t.framer.Send(wire.Message{Clock: msg.Clock, Changes: msg.Changes})
}

// Connection is one peer pairing for one document: exactly one
// DocumentSync and exactly one socket, both closed together.
type Connection struct {
	PeerID     string
	DocumentID string

	sync       *docsync.DocumentSync
	framer     *wire.Framer
	dispatcher Dispatcher

	// OnClose is invoked exactly once, with a non-nil err only if the
	// socket failed rather than was closed deliberately. StoreManager
	// wires this to emit PEER_REMOVE and consider re-adoption.
	OnClose func(err error)

	closeOnce sync.Once
	closed    chan struct{}
}

// Open constructs the DocumentSync over doc, opens it (sending the
// initial pull request), and starts the read loop that feeds inbound
// messages back into the sync state machine.
func Open(peerID, documentID string, doc docsync.ObservableDocument, socket io.ReadWriteCloser, dispatcher Dispatcher) (*Connection, error) {
	framer := wire.NewFramer(socket)
	adapter := &transportAdapter{framer: framer}
	sync := docsync.New(doc, adapter)

	c := &Connection{
		PeerID:     peerID,
		DocumentID: documentID,
		sync:       sync,
		framer:     framer,
		dispatcher: dispatcher,
		closed:     make(chan struct{}),
	}

	if err := sync.Open(); err != nil {
		framer.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Connection) readLoop() {
	for {
		msg, err := c.framer.Receive()
		if err != nil {
			c.fail(TransportError{PeerID: c.PeerID, Err: err})
			return
		}
		if err := c.sync.Receive(docsync.Message{Clock: msg.Clock, Changes: msg.Changes}); err != nil {
			c.fail(err)
			return
		}
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(PeerStateCommand{DocumentID: c.DocumentID, PeerID: c.PeerID})
		}
	}
}

func (c *Connection) fail(err error) {
	c.closeOnce.Do(func() {
		c.sync.Close()
		c.framer.Close()
		close(c.closed)
		if c.OnClose != nil {
			c.OnClose(err)
		}
	})
}

// Close closes the DocumentSync and the socket without treating it as
// a transport failure; used for deliberate shutdown, which drops any
// pending outbound messages rather than flushing them.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.sync.Close()
		c.framer.Close()
		close(c.closed)
		if c.OnClose != nil {
			c.OnClose(nil)
		}
	})
}

// Done returns a channel closed once the Connection has shut down,
// deliberately or otherwise.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}
