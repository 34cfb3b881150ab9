// Package wire encodes and frames the {clock, changes?} messages
// DocumentSync peers exchange, using newline-delimited JSON over any
// io.ReadWriteCloser (a paired signaling socket or a direct net.Conn).
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"tidalsync/clock"
	"tidalsync/crdt"
)

// Message is the canonical `{ "clock": {...}, "changes": [...] }`
// wire object DocumentSync peers exchange.
type Message struct {
	Clock   clock.VectorClock `json:"clock"`
	Changes []crdt.Change     `json:"changes,omitempty"`
}

// MarshalJSON emits the clock's keys in sorted order so that two
// equal messages always produce byte-identical wire output,
// regardless of Go's randomized map iteration.
func (m Message) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m.Clock))
	for k := range m.Clock {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(`{"clock":{`)
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		fmt.Fprintf(&buf, "%d", m.Clock[k])
	}
	buf.WriteString("}")

	if len(m.Changes) > 0 {
		buf.WriteString(`,"changes":`)
		changesBytes, err := json.Marshal(m.Changes)
		if err != nil {
			return nil, err
		}
		buf.Write(changesBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON delegates to an aliased struct to avoid recursing into
// MarshalJSON's custom encoding.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Message(a)
	return nil
}

// Framer sends and receives newline-delimited Messages over a single
// io.ReadWriteCloser.
type Framer struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader
}

// NewFramer wraps rw for newline-delimited Message exchange.
func NewFramer(rw io.ReadWriteCloser) *Framer {
	return &Framer{rw: rw, reader: bufio.NewReader(rw)}
}

// Send serializes msg to canonical JSON and writes it followed by a
// newline delimiter.
func (f *Framer) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: failed to serialize message: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.rw.Write(data); err != nil {
		return fmt.Errorf("wire: failed to send message: %w", err)
	}
	return nil
}

// Receive blocks until a full newline-delimited message arrives and
// decodes it.
func (f *Framer) Receive() (Message, error) {
	data, err := f.reader.ReadBytes('\n')
	if err != nil {
		return Message{}, fmt.Errorf("wire: failed to read message: %w", err)
	}
	data = bytes.TrimSuffix(data, []byte{'\n'})

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("wire: failed to deserialize message: %w", err)
	}
	return msg, nil
}

// Close closes the underlying stream.
func (f *Framer) Close() error {
	return f.rw.Close()
}
