package repo

import (
	"tidalsync/clock"
	"tidalsync/crdt"
)

// ObservableDocument is the minimal read/apply/subscribe surface a
// Repository exposes to DocumentSync, matching docsync.ObservableDocument
// without either package importing the other's concrete types.
type ObservableDocument struct {
	repo *Repository
}

// Clock returns the document's current vector clock.
func (o *ObservableDocument) Clock() clock.VectorClock {
	return o.repo.doc.Clock()
}

// MissingChanges returns every change the document holds that since
// does not yet reflect.
func (o *ObservableDocument) MissingChanges(since clock.VectorClock) []crdt.Change {
	return o.repo.doc.MissingChanges(since)
}

// ApplyChanges applies remote changes through the Repository's
// dispatch loop, persisting and notifying handlers.
func (o *ObservableDocument) ApplyChanges(changes []crdt.Change) error {
	return o.repo.ApplyChanges(changes)
}

// RegisterHandler registers fn against the Repository's change hook.
func (o *ObservableDocument) RegisterHandler(fn func()) int {
	tok, err := o.repo.AddHandler(fn)
	if err != nil {
		// The cap was hit; the caller (a DocumentSync) has no graceful
		// fallback, so surface it loudly rather than silently failing
		// to notify a peer of future changes.
		o.repo.logger.Warn("dropping change subscription, listener cap exceeded")
		return -1
	}
	return tok
}

// UnregisterHandler removes a handler added via RegisterHandler.
func (o *ObservableDocument) UnregisterHandler(token int) {
	if token < 0 {
		return
	}
	o.repo.RemoveHandler(token)
}
