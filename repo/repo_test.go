package repo

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidalsync/clock"
	"tidalsync/crdt"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "tidalsync.db")
}

func TestOpenCreatingSeedsInitialText(t *testing.T) {
	path := tempDBPath(t)
	r, err := Open(path, "doc-1", true, []byte("hello"))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "hello", r.doc.ToText())
}

func TestApplyChangesNotifiesHandlers(t *testing.T) {
	path := tempDBPath(t)
	r, err := Open(path, "doc-1", true, nil)
	require.NoError(t, err)
	defer r.Close()

	var notified int
	_, err = r.AddHandler(func() { notified++ })
	require.NoError(t, err)

	other := crdt.New("doc-1", "bob")
	change := other.Change(func(m *crdt.Mutator) { m.InsertText(0, "x") })
	require.NoError(t, r.ApplyChanges([]crdt.Change{*change}))

	assert.Equal(t, 1, notified)
}

func TestChangePersistsAcrossReopen(t *testing.T) {
	path := tempDBPath(t)
	r, err := Open(path, "doc-1", true, nil)
	require.NoError(t, err)

	_, err = r.Change(func(m *crdt.Mutator) { m.InsertText(0, "persisted") })
	require.NoError(t, err)
	require.NoError(t, r.Close())

	reopened, err := Open(path, "doc-1", false, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, "persisted", reopened.doc.ToText())
}

func TestRemoveHandlerStopsNotifications(t *testing.T) {
	path := tempDBPath(t)
	r, err := Open(path, "doc-1", true, nil)
	require.NoError(t, err)
	defer r.Close()

	var notified int
	token, err := r.AddHandler(func() { notified++ })
	require.NoError(t, err)
	r.RemoveHandler(token)

	_, err = r.Change(func(m *crdt.Mutator) { m.InsertText(0, "x") })
	require.NoError(t, err)

	assert.Equal(t, 0, notified)
}

func TestObservableDocumentRoundTripsThroughRepository(t *testing.T) {
	path := tempDBPath(t)
	r, err := Open(path, "doc-1", true, []byte("seed"))
	require.NoError(t, err)
	defer r.Close()

	observable := r.GetDocument()
	assert.Equal(t, r.doc.Clock(), observable.Clock())

	other := crdt.New("doc-1", "bob")
	other.ApplyChanges(observable.MissingChanges(clock.VectorClock{}))
	assert.Equal(t, "seed", other.ToText())
}

func TestActorIDIsStableAcrossReopen(t *testing.T) {
	path := tempDBPath(t)
	r1, err := Open(path, "doc-1", true, nil)
	require.NoError(t, err)
	actor1 := r1.doc.Actor()
	require.NoError(t, r1.Close())

	r2, err := Open(path, "doc-1", false, nil)
	require.NoError(t, err)
	defer r2.Close()

	assert.Equal(t, actor1, r2.doc.Actor())
}

func TestOpenFailsOnUnwritablePath(t *testing.T) {
	_, err := Open("/nonexistent-dir-for-tidalsync/test.db", "doc-1", true, nil)
	assert.Error(t, err)
}
