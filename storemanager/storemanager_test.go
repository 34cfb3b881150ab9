package storemanager

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidalsync/crdt"
	"tidalsync/signalserver"
)

func newTestSignalServer(t *testing.T) string {
	t.Helper()
	s := signalserver.New(nil, prometheus.NewRegistry())
	httpServer := httptest.NewServer(s.Router())
	t.Cleanup(httpServer.Close)
	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func TestCreateAndJoinStoreSyncInitialDocument(t *testing.T) {
	// S1: A creates a document, B joins, B ends up with A's content.
	signalURL := newTestSignalServer(t)

	alice, err := Open(Config{DatabaseName: "alice-db", DataDir: t.TempDir(), SignalURL: signalURL})
	require.NoError(t, err)
	t.Cleanup(func() { alice.Close() })

	bob, err := Open(Config{DatabaseName: "bob-db", DataDir: t.TempDir(), SignalURL: signalURL})
	require.NoError(t, err)
	t.Cleanup(func() { bob.Close() })

	require.NoError(t, alice.CreateStore("doc-1", []byte("x=1")))

	var peerSeen bool
	_, err = bob.On(EventPeer, func(Event) { peerSeen = true })
	require.NoError(t, err)

	require.NoError(t, bob.JoinStore("doc-1"))

	assert.Eventually(t, func() bool { return peerSeen }, 3*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		bob.mu.Lock()
		state, ok := bob.documents["doc-1"]
		bob.mu.Unlock()
		if !ok {
			return false
		}
		return state.repo.GetDocument().Clock() != nil && textOf(state) == "x=1"
	}, 3*time.Second, 20*time.Millisecond)
}

func textOf(state *documentState) string {
	snap := state.repo.GetDocument()
	doc := crdt.New("doc-1", "scratch")
	doc.ApplyChanges(snap.MissingChanges(nil))
	return doc.ToText()
}

func TestConnectionCountReflectsAdoptedPeers(t *testing.T) {
	signalURL := newTestSignalServer(t)

	alice, err := Open(Config{DatabaseName: "alice-db", DataDir: t.TempDir(), SignalURL: signalURL})
	require.NoError(t, err)
	t.Cleanup(func() { alice.Close() })

	bob, err := Open(Config{DatabaseName: "bob-db", DataDir: t.TempDir(), SignalURL: signalURL})
	require.NoError(t, err)
	t.Cleanup(func() { bob.Close() })

	assert.Equal(t, 0, alice.ConnectionCount())

	require.NoError(t, alice.CreateStore("doc-1", nil))
	require.NoError(t, bob.JoinStore("doc-1"))

	assert.Eventually(t, func() bool {
		return alice.ConnectionCount() == 1 && bob.ConnectionCount() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestKnownDocumentIdsEnumeratesOpenedDocuments(t *testing.T) {
	signalURL := newTestSignalServer(t)

	sm, err := Open(Config{DatabaseName: "solo-db", DataDir: t.TempDir(), SignalURL: signalURL})
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })

	require.NoError(t, sm.CreateStore("doc-1", nil))
	require.NoError(t, sm.CreateStore("doc-2", nil))

	ids, err := sm.KnownDocumentIds()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, ids)
}

func TestCloseEmitsCloseEvent(t *testing.T) {
	signalURL := newTestSignalServer(t)

	sm, err := Open(Config{DatabaseName: "solo-db", DataDir: t.TempDir(), SignalURL: signalURL})
	require.NoError(t, err)

	var closed bool
	_, err = sm.On(EventClose, func(Event) { closed = true })
	require.NoError(t, err)

	require.NoError(t, sm.Close())
	assert.True(t, closed)
}

func TestChangeAppliesLocalEditAndEmitsChange(t *testing.T) {
	signalURL := newTestSignalServer(t)

	sm, err := Open(Config{DatabaseName: "solo-db", DataDir: t.TempDir(), SignalURL: signalURL})
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })

	require.NoError(t, sm.CreateStore("doc-1", nil))

	changed := make(chan struct{}, 1)
	_, err = sm.On(EventChange, func(Event) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	require.NoError(t, sm.Change("doc-1", func(m *crdt.Mutator) { m.InsertText(0, "hi") }))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a CHANGE event after a local edit")
	}
}
