package netdb

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var descriptorPrefix = []byte("ri/")

// BadgerBackend persists descriptors in a badger database.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens or creates a database at path. An empty path opens an
// in-memory database.
func OpenBadger(path string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path).WithLogger(logrus.StandardLogger())
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OpenBadger",
			"path":     path,
			"error":    err.Error(),
		}).Error("Failed to open netdb")
		return nil, fmt.Errorf("failed to open netdb at %q: %w", path, err)
	}
	return &BadgerBackend{db: db}, nil
}

func descriptorKey(ident Identity) []byte {
	key := make([]byte, 0, len(descriptorPrefix)+IdentitySize)
	key = append(key, descriptorPrefix...)
	return append(key, ident[:]...)
}

// Get returns the descriptor for ident or ErrNotFound.
func (b *BadgerBackend) Get(ident Identity) (*RouterDescriptor, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(descriptorKey(ident))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	return UnmarshalDescriptor(raw)
}

// Put stores d under its identity.
func (b *BadgerBackend) Put(d *RouterDescriptor) error {
	raw, err := MarshalDescriptor(d)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(descriptorKey(d.Identity()), raw)
	})
}

// Delete removes the descriptor for ident.
func (b *BadgerBackend) Delete(ident Identity) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(descriptorKey(ident))
	})
}

// Len counts stored descriptors.
func (b *BadgerBackend) Len() (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = descriptorPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
