// Package repo implements the Repository: the sole owner of a
// database's local CRDT replicas, persisted with bbolt and dispatched
// through a per-document actor-style worker loop, so every mutation to
// a document runs one at a time regardless of which goroutine
// triggered it.
//
// Buckets are split one concern per bucket: a shared "documents"
// bucket enumerating known ids, a "meta" bucket holding the database's
// local actor id, and one change-log bucket plus one snapshot entry
// per document.
package repo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"tidalsync/clock"
	"tidalsync/crdt"
	"tidalsync/eventbus"
)

// SnapshotInterval is the default number of applied changes between
// snapshot writes, bounding how much of the change log must be
// replayed on recovery.
const SnapshotInterval = 200

var (
	metaBucket      = []byte("meta")
	documentsBucket = []byte("documents")
	snapshotBucket  = []byte("snapshots")
)

const localActorKey = "localActor"

func changeLogBucketName(documentID string) []byte {
	return []byte("changelog:" + documentID)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// PersistenceError wraps a bbolt failure. Repository does not treat
// this as fatal: it degrades to in-memory-only operation and keeps
// syncing with peers.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("repo: persistence failed during %s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

// HandlerFunc is invoked whenever the Repository's document changes,
// whether from a local edit or an applied remote Change.
type HandlerFunc func()

type snapshotRecord struct {
	Snapshot crdt.Snapshot `json:"snapshot"`
	UpToSeq  uint64        `json:"upToSeq"`
}

type job struct {
	fn   func() error
	done chan error
}

// Repository owns a single document of a database; StoreManager opens
// one Repository per documentId.
type Repository struct {
	db         *bolt.DB
	documentID string
	doc        *crdt.Document
	bus        *eventbus.Bus[struct{}]
	logger     *zap.Logger

	jobs chan job

	changesSinceSnapshot int
	degraded             bool
	ownsDB               bool
}

// Open opens (or creates) the database at path and returns a
// Repository for documentId. When isCreating is true, initial seeds a
// brand-new document's text; otherwise the document is recovered from
// its persisted snapshot and change log.
func Open(path string, documentID string, isCreating bool, initial []byte) (*Repository, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("repo: failed to open database: %w", err)
	}

	r, err := OpenWithDB(db, documentID, isCreating, initial)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.ownsDB = true
	return r, nil
}

// OpenWithDB opens a Repository for documentID against an
// already-open *bolt.DB, letting multiple documents (and a
// keychain.Keychain) share one database file the way StoreManager
// manages one bbolt file per database across many documentIds. The
// caller retains ownership of db; Repository.Close will not close it.
func OpenWithDB(db *bolt.DB, documentID string, isCreating bool, initial []byte) (*Repository, error) {
	var actorID string
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metaBucket, documentsBucket, snapshotBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBucket)
		if existing := meta.Get([]byte(localActorKey)); existing != nil {
			actorID = string(existing)
		} else {
			actorID = newActorID()
			if err := meta.Put([]byte(localActorKey), []byte(actorID)); err != nil {
				return err
			}
		}
		return tx.Bucket(documentsBucket).Put([]byte(documentID), []byte{1})
	})
	if err != nil {
		return nil, fmt.Errorf("repo: failed to initialize buckets: %w", err)
	}

	r := &Repository{
		db:         db,
		documentID: documentID,
		bus:        eventbus.New[struct{}](eventbus.DefaultListenerCap),
		logger:     zap.NewNop(),
		jobs:       make(chan job),
	}

	if isCreating {
		r.doc = crdt.FromText(documentID, actorID, string(initial))
		if err := r.persistChangesLocked(r.doc.MissingChanges(clock.VectorClock{})); err != nil {
			r.degraded = true
			r.logger.Warn("persistence failed during create, continuing in-memory-only", zap.Error(err))
		}
	} else {
		r.doc = crdt.New(documentID, actorID)
		if err := r.recover(); err != nil {
			return nil, err
		}
	}

	go r.run()
	return r, nil
}

// SetLogger installs a structured logger, replacing the no-op default.
func (r *Repository) SetLogger(logger *zap.Logger) {
	r.logger = logger
}

func (r *Repository) run() {
	for j := range r.jobs {
		j.done <- j.fn()
	}
}

func (r *Repository) dispatch(fn func() error) error {
	done := make(chan error, 1)
	r.jobs <- job{fn: fn, done: done}
	return <-done
}

func (r *Repository) recover() error {
	var rec snapshotRecord
	var haveSnapshot bool

	err := r.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(snapshotBucket).Get([]byte(r.documentID)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			haveSnapshot = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("repo: failed to read snapshot: %w", err)
	}
	if haveSnapshot {
		if err := r.doc.LoadSnapshot(rec.Snapshot); err != nil {
			return fmt.Errorf("repo: failed to load snapshot: %w", err)
		}
	}

	var changes []crdt.Change
	err = r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(changeLogBucketName(r.documentID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k, v []byte
		if haveSnapshot {
			k, v = c.Seek(seqKey(rec.UpToSeq + 1))
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			var change crdt.Change
			if err := json.Unmarshal(v, &change); err != nil {
				return err
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("repo: failed to read change log: %w", err)
	}

	if len(changes) > 0 {
		if err := r.doc.ApplyChanges(changes); err != nil {
			return fmt.Errorf("repo: failed to replay change log: %w", err)
		}
	}
	return nil
}

// ApplyChanges applies remote changes to the local document,
// persisting each and notifying registered handlers. A persistence
// failure degrades the Repository to in-memory-only mode rather than
// failing the sync.
func (r *Repository) ApplyChanges(changes []crdt.Change) error {
	return r.dispatch(func() error {
		if err := r.doc.ApplyChanges(changes); err != nil {
			return err
		}
		if err := r.persistChangesLocked(changes); err != nil {
			r.degraded = true
			r.logger.Warn("persistence failed, continuing in-memory-only", zap.Error(err))
		}
		r.bus.Emit("change", struct{}{})
		return nil
	})
}

// Change runs fn against the local document as one causally-tagged
// transaction, persists the result, and notifies handlers. This is
// how the host's reducer reaches the document to apply a local edit.
func (r *Repository) Change(fn func(m *crdt.Mutator)) (*crdt.Change, error) {
	var change *crdt.Change
	err := r.dispatch(func() error {
		change = r.doc.Change(fn)
		if change == nil {
			return nil
		}
		if err := r.persistChangesLocked([]crdt.Change{*change}); err != nil {
			r.degraded = true
			r.logger.Warn("persistence failed, continuing in-memory-only", zap.Error(err))
		}
		r.bus.Emit("change", struct{}{})
		return nil
	})
	return change, err
}

func (r *Repository) persistChangesLocked(changes []crdt.Change) error {
	if len(changes) == 0 {
		return nil
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(changeLogBucketName(r.documentID))
		if err != nil {
			return PersistenceError{Op: "create change log bucket", Err: err}
		}
		var lastSeq uint64
		for _, c := range changes {
			seq, err := b.NextSequence()
			if err != nil {
				return PersistenceError{Op: "allocate sequence", Err: err}
			}
			data, err := json.Marshal(c)
			if err != nil {
				return PersistenceError{Op: "marshal change", Err: err}
			}
			if err := b.Put(seqKey(seq), data); err != nil {
				return PersistenceError{Op: "write change", Err: err}
			}
			lastSeq = seq
		}

		r.changesSinceSnapshot += len(changes)
		if r.changesSinceSnapshot >= SnapshotInterval {
			rec := snapshotRecord{Snapshot: r.doc.ToSnapshot(), UpToSeq: lastSeq}
			data, err := json.Marshal(rec)
			if err != nil {
				return PersistenceError{Op: "marshal snapshot", Err: err}
			}
			if err := tx.Bucket(snapshotBucket).Put([]byte(r.documentID), data); err != nil {
				return PersistenceError{Op: "write snapshot", Err: err}
			}
			r.changesSinceSnapshot = 0
		}
		return nil
	})
}

// AddHandler registers fn to be called after every applied change and
// returns a token for RemoveHandler. The cap on simultaneous handlers
// is eventbus.DefaultListenerCap.
func (r *Repository) AddHandler(fn HandlerFunc) (int, error) {
	tok, err := r.bus.On("change", func(struct{}) { fn() })
	return int(tok), err
}

// RemoveHandler unregisters a handler previously added with AddHandler.
func (r *Repository) RemoveHandler(token int) {
	r.bus.Off("change", eventbus.Token(token))
}

// GetDocument returns the observable wrapper DocumentSync instances
// use: minimal surface, no leaked CRDT types.
func (r *Repository) GetDocument() *ObservableDocument {
	return &ObservableDocument{repo: r}
}

// DocumentID returns the id this Repository was opened for.
func (r *Repository) DocumentID() string { return r.documentID }

// Degraded reports whether persistence has failed and the Repository
// is running in-memory-only.
func (r *Repository) Degraded() bool { return r.degraded }

// Close closes the dispatch loop, and the underlying database if it
// was opened by Open rather than passed to OpenWithDB.
func (r *Repository) Close() error {
	close(r.jobs)
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying *bolt.DB so a caller can share it with a
// keychain.Keychain opened against the same database.
func (r *Repository) DB() *bolt.DB { return r.db }

func newActorID() string {
	return uuid.NewString()
}
