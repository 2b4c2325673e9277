// Package store wraps goleveldb into the single-writer, fsync-bounded
// persistence surface used by the ledger, capsule, task, and rating
// components (see SPEC_FULL.md §2's "Durable storage" entry).
package store

import (
	"encoding/json"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var syncWrite = &opt.WriteOptions{Sync: true}

// DB is a single-writer key/value store. All Put calls go through one
// mutex so that callers observing a key after Put has returned see a
// durable, fsync'd write — there is no partial-apply window.
type DB struct {
	mu   sync.Mutex
	ldb  *leveldb.DB
	path string
}

// Open opens (or creates) a goleveldb database at path. An empty path
// opens an in-memory store, useful for tests.
func Open(path string) (*DB, error) {
	var (
		ldb *leveldb.DB
		err error
	)
	if path == "" {
		ldb, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		ldb, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb, path: path}, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ldb.Close()
}

// Put writes raw bytes under key with a synchronous fsync, so that the
// write is durable before Put returns (§5: "fsync boundaries are after
// each accepted ledger entry and after each task mutation").
func (d *DB) Put(key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ldb.Put([]byte(key), value, syncWrite)
}

// PutJSON marshals v and writes it under key.
func (d *DB) PutJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.Put(key, raw)
}

// Get reads the raw bytes stored under key. ok is false if absent.
func (d *DB) Get(key string) (value []byte, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.ldb.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// GetJSON reads and unmarshals the value stored under key into v.
func (d *DB) GetJSON(key string, v interface{}) (ok bool, err error) {
	raw, ok, err := d.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	return true, json.Unmarshal(raw, v)
}

// Delete removes key, if present.
func (d *DB) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ldb.Delete([]byte(key), syncWrite)
}

// IteratePrefix calls fn for every key/value pair whose key starts with
// prefix, in key order. fn's return value stops iteration early on false.
func (d *DB) IteratePrefix(prefix string, fn func(key string, value []byte) bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	it := d.ldb.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		k := string(it.Key())
		v := append([]byte(nil), it.Value()...)
		if !fn(k, v) {
			break
		}
	}
	return it.Error()
}
