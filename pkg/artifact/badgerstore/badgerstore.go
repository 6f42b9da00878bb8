// Package badgerstore is an [artifact.Store] on an embedded Badger database.
// Metadata and payload live under separate keys so listing metadata never
// touches recording bytes.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dgraph-io/badger/v3"

	"github.com/MrWong99/tutorcall/pkg/artifact"
)

// Compile-time interface assertion.
var _ artifact.Store = (*Store)(nil)

const (
	metaPrefix = "meta/"
	dataPrefix = "data/"
)

// Store is a Badger-backed [artifact.Store]. URIs have the form badger://<id>.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a Badger database in dir. An empty dir opens an
// in-memory database.
func Open(dir string) (*Store, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("badgerstore: create %q: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Put implements [artifact.Store].
func (s *Store) Put(_ context.Context, a artifact.Artifact, data []byte) (artifact.Artifact, error) {
	a, err := artifact.Prepare(a, data)
	if err != nil {
		return artifact.Artifact{}, err
	}
	a.URI = "badger://" + a.ID
	meta, err := json.Marshal(a)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("badgerstore: marshal metadata: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(dataPrefix+a.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(metaPrefix+a.ID), meta)
	})
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("badgerstore: put %s: %w", a.ID, err)
	}
	return a, nil
}

// Get implements [artifact.Store].
func (s *Store) Get(_ context.Context, id string) (artifact.Artifact, io.ReadCloser, error) {
	var a artifact.Artifact
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
			return err
		}
		item, err = txn.Get([]byte(dataPrefix + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return artifact.Artifact{}, nil, artifact.ErrNotFound
	}
	if err != nil {
		return artifact.Artifact{}, nil, fmt.Errorf("badgerstore: get %s: %w", id, err)
	}
	return a, io.NopCloser(bytes.NewReader(data)), nil
}

// List returns the metadata of every stored artifact.
func (s *Store) List(_ context.Context) ([]artifact.Artifact, error) {
	var out []artifact.Artifact
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var a artifact.Artifact
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: list: %w", err)
	}
	return out, nil
}

// Close implements [artifact.Store].
func (s *Store) Close() error {
	return s.db.Close()
}
