// Package storemanager implements StoreManager, the top-level façade
// for one database: peer discovery via package signalclient,
// connection lifecycle via package conn, and persistence via package
// repo and package keychain.
package storemanager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"tidalsync/conn"
	"tidalsync/crdt"
	"tidalsync/eventbus"
	"tidalsync/keychain"
	"tidalsync/repo"
	"tidalsync/signalclient"
)

// EventKind names the events StoreManager emits.
type EventKind string

const (
	EventOpen       EventKind = "OPEN"
	EventClose      EventKind = "CLOSE"
	EventPeer       EventKind = "PEER"
	EventPeerRemove EventKind = "PEER_REMOVE"
	EventChange     EventKind = "CHANGE"
	EventError      EventKind = "ERROR"
)

// Event is the payload delivered to every registered handler.
type Event struct {
	Kind       EventKind
	DocumentID string
	PeerID     string
	Err        error
}

// Reducer translates a host command into a document mutation, or
// reports it was not handled.
type Reducer func(command any) conn.DispatchResult

func (r Reducer) Dispatch(command any) conn.DispatchResult {
	if r == nil {
		return conn.NotHandled()
	}
	return r(command)
}

// Config configures a StoreManager for one database.
type Config struct {
	DatabaseName string
	DataDir      string
	SignalURL    string
	Reducer      Reducer
	Logger       *zap.Logger
}

type documentState struct {
	repo        *repo.Repository
	connections map[string]*conn.Connection // peerId -> Connection
	mu          sync.Mutex
}

// StoreManager is the host-facing façade. Exactly one per database;
// created once, closed once.
type StoreManager struct {
	cfg       Config
	localID   string
	logger    *zap.Logger
	db        *bolt.DB
	keychain  *keychain.Keychain
	signaling *signalclient.Client
	bus       *eventbus.Bus[Event]

	mu        sync.Mutex
	documents map[string]*documentState
	closed    bool
}

// Open opens (creating if necessary) the database at cfg.DataDir and
// starts the signaling client. The returned StoreManager emits OPEN
// once the database is ready.
func Open(cfg Config) (*StoreManager, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	path := filepath.Join(cfg.DataDir, cfg.DatabaseName+".db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storemanager: failed to open database: %w", err)
	}

	kc, err := keychain.Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	sm := &StoreManager{
		cfg:       cfg,
		localID:   uuid.NewString(),
		logger:    cfg.Logger,
		db:        db,
		keychain:  kc,
		bus:       eventbus.New[Event](eventbus.DefaultListenerCap),
		documents: map[string]*documentState{},
	}

	sm.signaling = signalclient.New(cfg.SignalURL, sm.localID, cfg.Logger)
	sm.signaling.OnIntroduction = sm.handleIntroduction
	sm.signaling.OnError = func(err signalclient.SignalError) {
		sm.bus.Emit(string(EventError), Event{Kind: EventError, Err: err})
	}
	if err := sm.signaling.Start(context.Background()); err != nil {
		sm.logger.Warn("initial signaling connect failed, will retry with backoff", zap.Error(err))
	}

	sm.bus.Emit(string(EventOpen), Event{Kind: EventOpen})
	return sm, nil
}

// CreateStore creates a fresh document in "new" mode, seeds it with
// initial, and advertises interest in documentId to the signal
// server.
func (sm *StoreManager) CreateStore(documentID string, initial []byte) error {
	return sm.openDocument(documentID, true, initial)
}

// JoinStore opens documentId in "join" mode: empty until peers sync.
func (sm *StoreManager) JoinStore(documentID string) error {
	return sm.openDocument(documentID, false, nil)
}

func (sm *StoreManager) openDocument(documentID string, isCreating bool, initial []byte) error {
	sm.mu.Lock()
	if _, exists := sm.documents[documentID]; exists {
		sm.mu.Unlock()
		return fmt.Errorf("storemanager: document %q is already open", documentID)
	}
	sm.mu.Unlock()

	r, err := repo.OpenWithDB(sm.db, documentID, isCreating, initial)
	if err != nil {
		return err
	}
	if _, err := sm.keychain.Get(documentID); err != nil {
		if _, createErr := sm.keychain.Create(documentID); createErr != nil {
			sm.logger.Warn("failed to create keychain entry", zap.String("documentId", documentID), zap.Error(createErr))
		}
	}

	state := &documentState{repo: r, connections: map[string]*conn.Connection{}}
	sm.mu.Lock()
	sm.documents[documentID] = state
	sm.mu.Unlock()

	r.AddHandler(func() {
		sm.bus.Emit(string(EventChange), Event{Kind: EventChange, DocumentID: documentID})
	})

	return sm.signaling.Join(documentID)
}

func (sm *StoreManager) handleIntroduction(intro signalclient.Introduction) {
	for _, documentID := range intro.DocumentIDs {
		sm.adoptPeer(documentID, intro.PeerID)
	}
}

// adoptPeer dials the connect endpoint for (peerID, documentID),
// replacing any prior Connection under the same peerId.
func (sm *StoreManager) adoptPeer(documentID, peerID string) {
	sm.mu.Lock()
	state, ok := sm.documents[documentID]
	sm.mu.Unlock()
	if !ok {
		return // not interested in this document
	}

	socket, err := sm.signaling.DialConnect(peerID, documentID)
	if err != nil {
		sm.bus.Emit(string(EventError), Event{Kind: EventError, DocumentID: documentID, PeerID: peerID, Err: err})
		return
	}

	// The old Connection's OnClose takes state.mu, so close it unlocked.
	state.mu.Lock()
	existing, hadExisting := state.connections[peerID]
	state.mu.Unlock()
	if hadExisting {
		existing.Close()
	}

	c, err := conn.Open(peerID, documentID, state.repo.GetDocument(), socket, sm.cfg.Reducer)
	if err != nil {
		sm.bus.Emit(string(EventError), Event{Kind: EventError, DocumentID: documentID, PeerID: peerID, Err: err})
		return
	}
	c.OnClose = func(closeErr error) {
		state.mu.Lock()
		delete(state.connections, peerID)
		state.mu.Unlock()
		sm.bus.Emit(string(EventPeerRemove), Event{Kind: EventPeerRemove, DocumentID: documentID, PeerID: peerID, Err: closeErr})
		// Re-adoption happens naturally: the signal server sends a
		// fresh Introduction when this peer rejoins the interest set,
		// driving handleIntroduction -> adoptPeer again.
	}

	state.mu.Lock()
	state.connections[peerID] = c
	state.mu.Unlock()

	sm.bus.Emit(string(EventPeer), Event{Kind: EventPeer, DocumentID: documentID, PeerID: peerID})
}

// Change runs fn against documentId's document as one local edit,
// the concrete path a host reducer's ChangeFunc takes.
func (sm *StoreManager) Change(documentID string, fn func(m *crdt.Mutator)) error {
	sm.mu.Lock()
	state, ok := sm.documents[documentID]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("storemanager: document %q is not open", documentID)
	}
	_, err := state.repo.Change(fn)
	return err
}

// ConnectionCount returns the number of live peer Connections across
// every open document.
func (sm *StoreManager) ConnectionCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	count := 0
	for _, state := range sm.documents {
		state.mu.Lock()
		count += len(state.connections)
		state.mu.Unlock()
	}
	return count
}

// KnownDocumentIds returns every documentId with a keychain entry.
func (sm *StoreManager) KnownDocumentIds() ([]string, error) {
	return sm.keychain.List()
}

// On registers fn for kind and returns a token for Off.
func (sm *StoreManager) On(kind EventKind, fn func(Event)) (eventbus.Token, error) {
	return sm.bus.On(string(kind), fn)
}

// Off unregisters a handler previously added with On.
func (sm *StoreManager) Off(kind EventKind, token eventbus.Token) {
	sm.bus.Off(string(kind), token)
}

// Close closes all Connections, all Repositories, the signaling
// client, and the database, then emits CLOSE.
func (sm *StoreManager) Close() error {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil
	}
	sm.closed = true
	documents := sm.documents
	sm.documents = map[string]*documentState{}
	sm.mu.Unlock()

	for _, state := range documents {
		// Each Connection's OnClose takes state.mu, so close them unlocked.
		state.mu.Lock()
		conns := make([]*conn.Connection, 0, len(state.connections))
		for _, c := range state.connections {
			conns = append(conns, c)
		}
		state.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
		state.repo.Close()
	}

	sm.signaling.Close()
	err := sm.db.Close()
	sm.bus.Emit(string(EventClose), Event{Kind: EventClose})
	return err
}
