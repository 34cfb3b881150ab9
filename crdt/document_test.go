package crdt

import (
	"testing"

	"tidalsync/clock"
)

func TestFromTextRoundTrips(t *testing.T) {
	doc := FromText("doc-1", "alice", "hello\nworld")
	if got := doc.ToText(); got != "hello\nworld" {
		t.Errorf("expected %q, got %q", "hello\nworld", got)
	}
}

func TestChangeAdvancesLocalClock(t *testing.T) {
	doc := New("doc-1", "alice")
	c := doc.Change(func(m *Mutator) {
		m.InsertText(0, "hi")
	})
	if c == nil {
		t.Fatal("expected a non-nil change")
	}
	if c.Actor != "alice" || c.Seq != 1 {
		t.Errorf("expected alice seq 1, got %s seq %d", c.Actor, c.Seq)
	}
	if doc.Clock().At("alice") != 1 {
		t.Errorf("expected local clock to advance to 1, got %d", doc.Clock().At("alice"))
	}
}

func TestChangeWithNoEditsReturnsNil(t *testing.T) {
	doc := New("doc-1", "alice")
	c := doc.Change(func(m *Mutator) {})
	if c != nil {
		t.Errorf("expected nil change for a no-op mutator callback")
	}
}

func TestInsertThenDeleteRoundTrips(t *testing.T) {
	doc := FromText("doc-1", "alice", "hello")
	doc.Change(func(m *Mutator) {
		m.DeleteText(0, 1)
	})
	if got := doc.ToText(); got != "ello" {
		t.Errorf("expected %q, got %q", "ello", got)
	}
}

func TestApplyChangesIsIdempotent(t *testing.T) {
	alice := New("doc-1", "alice")
	change := alice.Change(func(m *Mutator) {
		m.InsertText(0, "hi")
	})

	bob := New("doc-1", "bob")
	if err := bob.ApplyChanges([]Change{*change}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := bob.ApplyChanges([]Change{*change}); err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if got := bob.ToText(); got != "hi" {
		t.Errorf("expected %q, got %q", "hi", got)
	}
	if bob.Clock().At("alice") != 1 {
		t.Errorf("expected replayed change to count once, got seq %d", bob.Clock().At("alice"))
	}
}

func TestApplyChangesBuffersOutOfOrderDelivery(t *testing.T) {
	alice := New("doc-1", "alice")
	first := alice.Change(func(m *Mutator) { m.InsertText(0, "a") })
	second := alice.Change(func(m *Mutator) { m.InsertText(1, "b") })

	bob := New("doc-1", "bob")
	if err := bob.ApplyChanges([]Change{*second}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := bob.ToText(); got != "" {
		t.Errorf("expected second change to be buffered, got text %q", got)
	}

	if err := bob.ApplyChanges([]Change{*first}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := bob.ToText(); got != "ab" {
		t.Errorf("expected buffered change to flush once its predecessor arrived, got %q", got)
	}
}

func TestMissingChangesReturnsOnlyWhatSinceLacks(t *testing.T) {
	doc := New("doc-1", "alice")
	doc.Change(func(m *Mutator) { m.InsertText(0, "a") })
	doc.Change(func(m *Mutator) { m.InsertText(1, "b") })

	missing := doc.MissingChanges(clock.VectorClock{"alice": 1})
	if len(missing) != 1 {
		t.Fatalf("expected 1 missing change, got %d", len(missing))
	}
	if missing[0].Seq != 2 {
		t.Errorf("expected the missing change to be seq 2, got %d", missing[0].Seq)
	}
}

func TestConcurrentInsertsConverge(t *testing.T) {
	base := FromText("doc-1", "alice", "ac")
	// One snapshot of the shared "ac" base per replica, all taken
	// before either insert, so the two inserts are concurrent.
	bobStart, aliceReplicaStart, bobReplicaStart := base.ToSnapshot(), base.ToSnapshot(), base.ToSnapshot()

	aliceChange := base.Change(func(m *Mutator) {
		m.InsertText(1, "B")
	})

	bob := New("doc-1", "bob")
	bob.LoadSnapshot(bobStart)
	bobChange := bob.Change(func(m *Mutator) {
		m.InsertText(1, "X")
	})
	_ = aliceChange
	_ = bobChange

	// Apply both changes to two fresh copies of the shared base, in
	// opposite orders, and check both converge to the same text
	// regardless of arrival order.
	aliceReplica := New("doc-1", "alice")
	aliceReplica.LoadSnapshot(aliceReplicaStart)
	aliceReplica.ApplyChanges([]Change{*aliceChange})
	aliceReplica.ApplyChanges([]Change{*bobChange})

	bobReplica := New("doc-1", "bob")
	bobReplica.LoadSnapshot(bobReplicaStart)
	bobReplica.ApplyChanges([]Change{*bobChange})
	bobReplica.ApplyChanges([]Change{*aliceChange})

	if aliceReplica.ToText() != bobReplica.ToText() {
		t.Errorf("expected convergence regardless of delivery order, got %q vs %q", aliceReplica.ToText(), bobReplica.ToText())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	doc := FromText("doc-1", "alice", "snapshot me")
	snap := doc.ToSnapshot()

	restored := New("doc-1", "bob")
	if err := restored.LoadSnapshot(snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := restored.ToText(); got != "snapshot me" {
		t.Errorf("expected %q, got %q", "snapshot me", got)
	}
}

func TestLoadSnapshotRejectsMismatchedDocumentID(t *testing.T) {
	doc := New("doc-1", "alice")
	other := Snapshot{DocumentID: "doc-2"}
	if err := doc.LoadSnapshot(other); err == nil {
		t.Errorf("expected an error loading a snapshot for a different document id")
	}
}
