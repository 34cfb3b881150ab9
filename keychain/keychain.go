// Package keychain manages the per-database set of document keypairs:
// one keypair per documentId, persisted in the same bbolt file as
// package repo, with a discovery id derived from the public key so
// that two peers who never exchanged a document's secret key cannot
// derive the same discovery channel.
package keychain

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/nacl/box"
)

var keychainBucket = []byte("keychain")

// KeyPair is one document's identity: a nacl/box keypair whose public
// half's hex encoding is also the document's discovery id.
type KeyPair struct {
	DocumentID string `json:"documentId"`
	PublicKey  []byte `json:"publicKey"`
	SecretKey  []byte `json:"secretKey"`
}

// DiscoveryID returns the hex-encoded public key. StoreManager does
// not advertise it: it joins the SignalServer under the plain
// documentId, and each database generates its own keypair per
// document.
func (k KeyPair) DiscoveryID() string {
	return hex.EncodeToString(k.PublicKey)
}

// ErrNotFound is returned by Get when no keypair exists for a
// documentId.
type ErrNotFound struct {
	DocumentID string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("keychain: no keypair for document %q", e.DocumentID)
}

// Keychain persists document keypairs in a shared bbolt database,
// normally the same *bolt.DB StoreManager passes to its repositories.
type Keychain struct {
	db *bolt.DB
}

// Open ensures the keychain bucket exists in db and returns a
// Keychain backed by it. db is typically shared with the
// repo.Repository instances StoreManager opens against it.
func Open(db *bolt.DB) (*Keychain, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keychainBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("keychain: failed to initialize bucket: %w", err)
	}
	return &Keychain{db: db}, nil
}

// Get returns the keypair for documentId, or ErrNotFound.
func (k *Keychain) Get(documentID string) (KeyPair, error) {
	var pair KeyPair
	err := k.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(keychainBucket).Get([]byte(documentID))
		if raw == nil {
			return ErrNotFound{DocumentID: documentID}
		}
		return json.Unmarshal(raw, &pair)
	})
	return pair, err
}

// Create generates a fresh keypair for documentId and persists it.
// Calling Create for a documentId that already has a keypair
// overwrites it, the same way the original regenerates identity when
// a document is explicitly recreated.
func (k *Keychain) Create(documentID string) (KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keychain: failed to generate keypair: %w", err)
	}
	pair := KeyPair{
		DocumentID: documentID,
		PublicKey:  pub[:],
		SecretKey:  sec[:],
	}

	err = k.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(pair)
		if err != nil {
			return err
		}
		return tx.Bucket(keychainBucket).Put([]byte(documentID), data)
	})
	if err != nil {
		return KeyPair{}, fmt.Errorf("keychain: failed to persist keypair: %w", err)
	}
	return pair, nil
}

// List returns every documentId with a keypair in this database,
// backing StoreManager.KnownDocumentIds.
func (k *Keychain) List() ([]string, error) {
	var ids []string
	err := k.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(keychainBucket).ForEach(func(key, _ []byte) error {
			ids = append(ids, string(key))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("keychain: failed to list documents: %w", err)
	}
	return ids, nil
}
