// Package signalclient implements the client side of the signaling
// protocol: joining a signal server's introduction channel,
// surfacing Introduction events, and dialing the per-peer connect
// endpoint to obtain a piped byte-stream socket for package conn.
package signalclient

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SignalError wraps a lost signaling connection. It is recovered
// locally via reconnect with backoff and does not close existing peer
// Connections.
type SignalError struct {
	Err error
}

func (e SignalError) Error() string {
	return fmt.Sprintf("signalclient: lost signaling connection: %v", e.Err)
}

func (e SignalError) Unwrap() error { return e.Err }

// Introduction is delivered to OnIntroduction when the signal server
// reports a peer sharing interest in at least one document.
type Introduction struct {
	PeerID      string
	DocumentIDs []string
}

type joinMessage struct {
	Type string   `json:"type"`
	Join []string `json:"join"`
}

type introductionMessage struct {
	Type string   `json:"type"`
	ID   string   `json:"id"`
	Keys []string `json:"keys"`
}

// Backoff controls the delay between reconnect attempts after a
// SignalError.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff starts fast and caps at a sane ceiling.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second}

// Client maintains the introduction websocket to one signal server
// and can dial additional connect sockets against the same server.
type Client struct {
	serverURL string
	localID   string
	logger    *zap.Logger
	backoff   Backoff

	// OnIntroduction is called for every Introduction the server
	// reports. StoreManager wires this to its peer-adoption logic.
	OnIntroduction func(Introduction)
	// OnError is called whenever the introduction socket fails and a
	// reconnect is about to be attempted.
	OnError func(SignalError)

	mu     sync.Mutex
	conn   *websocket.Conn
	joined map[string]bool
	closed bool
}

// New constructs a Client for serverURL (e.g. "ws://host:port") and
// localID, the id this replica advertises to the signal server.
func New(serverURL, localID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		serverURL: serverURL,
		localID:   localID,
		logger:    logger,
		backoff:   DefaultBackoff,
		joined:    map[string]bool{},
	}
}

// Start dials the introduction endpoint and begins reading
// Introduction messages in a background goroutine, reconnecting with
// backoff on failure until Close is called.
// If the first dial fails its error is returned, and the background
// goroutine keeps retrying.
func (c *Client) Start(ctx context.Context) error {
	err := c.connect()
	go c.readLoop(ctx)
	return err
}

func (c *Client) connect() error {
	introURL := strings.TrimSuffix(c.serverURL, "/") + "/introduction/" + url.PathEscape(c.localID)
	conn, _, err := websocket.DefaultDialer.Dial(introURL, nil)
	if err != nil {
		return SignalError{Err: err}
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return c.rejoinLocked()
}

func (c *Client) rejoinLocked() error {
	c.mu.Lock()
	docIDs := make([]string, 0, len(c.joined))
	for id := range c.joined {
		docIDs = append(docIDs, id)
	}
	conn := c.conn
	c.mu.Unlock()

	if len(docIDs) == 0 || conn == nil {
		return nil
	}
	return conn.WriteJSON(joinMessage{Type: "Join", Join: docIDs})
}

// Join advertises interest in documentID, triggering introductions
// from any peer already interested in it.
func (c *Client) Join(documentID string) error {
	c.mu.Lock()
	c.joined[documentID] = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil // will be sent on (re)connect
	}
	return conn.WriteJSON(joinMessage{Type: "Join", Join: []string{documentID}})
}

func (c *Client) readLoop(ctx context.Context) {
	delay := c.backoff.Initial
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := c.connect(); err != nil {
				delay = nextDelay(delay, c.backoff.Max)
				continue
			}
			delay = c.backoff.Initial
			continue
		}

		var msg introductionMessage
		if err := conn.ReadJSON(&msg); err != nil {
			signalErr := SignalError{Err: err}
			if c.OnError != nil {
				c.OnError(signalErr)
			}
			c.logger.Warn("introduction socket failed, will reconnect", zap.Error(err))
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			continue
		}
		if msg.Type != "Introduction" {
			continue
		}
		if c.OnIntroduction != nil {
			c.OnIntroduction(Introduction{PeerID: msg.ID, DocumentIDs: msg.Keys})
		}
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// Close closes the introduction socket. In-flight reconnect attempts
// observe Close and stop.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// DialConnect dials the per-peer connect endpoint and returns the
// resulting socket wrapped as an io.ReadWriteCloser so package conn
// can frame messages over it without depending on gorilla/websocket.
func (c *Client) DialConnect(remoteID, documentID string) (io.ReadWriteCloser, error) {
	connectURL := fmt.Sprintf("%s/connection/%s/%s/%s",
		strings.TrimSuffix(c.serverURL, "/"),
		url.PathEscape(c.localID), url.PathEscape(remoteID), url.PathEscape(documentID))
	conn, _, err := websocket.DefaultDialer.Dial(connectURL, nil)
	if err != nil {
		return nil, SignalError{Err: err}
	}
	return newSocketAdapter(conn), nil
}

// socketAdapter presents a *websocket.Conn as an io.ReadWriteCloser by
// buffering whole text messages, since wire.Framer expects a plain
// byte stream with its own newline delimiting.
type socketAdapter struct {
	conn *websocket.Conn
	buf  []byte
}

func newSocketAdapter(conn *websocket.Conn) *socketAdapter {
	return &socketAdapter{conn: conn}
}

func (s *socketAdapter) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		s.buf = data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *socketAdapter) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *socketAdapter) Close() error {
	return s.conn.Close()
}
