// Package kv implements the key-value façade of §4.A: a single ordered,
// transactional key-value store (BadgerDB) exposed as named tables with
// keyed get/put/del, a duplicate-key table variant, a record-numbered
// table variant, and range cursors.
//
// BadgerDB has no notion of named tables; REVFS namespaces every table
// under its own key prefix, a technique used by graph-database
// secondary indexes generally ("single-byte prefixes for efficiency")
// — REVFS uses short string prefixes instead, since the table set here
// is open-ended and driven by §6's table list rather than fixed at five.
package kv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/ids"
)

// TableKind selects the indexing discipline for a table, mirroring the
// three backends §4.A's open_table asks for.
type TableKind int

const (
	// KindBTree is an ordered, unique-key table.
	KindBTree TableKind = iota
	// KindRecno is a record-numbered table (keys are sequential integers
	// assigned by Append).
	KindRecno
	// KindDup is an ordered table that allows multiple values per key,
	// iterated in insertion order via Cursor.NextDup.
	KindDup
)

const nextKeyRow = "next-key"
const nextRecnoRow = "next-recno"

// Store is a handle onto one BadgerDB environment. Multiple Store values
// may be opened against the same directory from different goroutines; the
// underlying *badger.DB is safe for concurrent use and is reference
// counted by the caller (see pkg/fs for the per-handle wrapper that
// enforces the "one trail at a time" rule of §4.B).
type Store struct {
	db     *badger.DB
	tables map[string]TableKind
}

// Options configures Open.
type Options struct {
	Dir      string
	InMemory bool
	Logger   badger.Logger
}

// Open opens (creating if necessary) a BadgerDB environment at opts.Dir,
// or an in-memory one if opts.InMemory is set (used by tests and by
// pkg/fs when its data dir is empty).
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true)
	}
	if opts.Logger != nil {
		bopts = bopts.WithLogger(opts.Logger)
	} else {
		bopts = bopts.WithLoggingLevel(badger.WARNING)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("kv: opening environment: %w", err)
	}
	return &Store{db: db, tables: make(map[string]TableKind)}, nil
}

// Close releases the underlying environment. Once closed, a Store's
// tables and transactions must not be used; doing so is a programming
// error, not a recoverable one (§5's "panic state is sticky" policy
// covers the analogous case of a corrupted, still-open environment).
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("kv: closing environment: %w", err)
	}
	return nil
}

// OpenTable declares a named table of the given kind. Table declarations
// are idempotent: opening the same name twice with the same kind returns
// the same handle, and with a different kind is a fatal programming error.
func (s *Store) OpenTable(name string, kind TableKind) (Table, error) {
	if existing, ok := s.tables[name]; ok {
		if existing != kind {
			return Table{}, fmt.Errorf("kv: table %q already open with a different kind", name)
		}
		return Table{name: name, kind: kind, store: s}, nil
	}
	s.tables[name] = kind
	return Table{name: name, kind: kind, store: s}, nil
}

// Txn is one BadgerDB transaction, the atomic unit every trail attempt
// (pkg/trail) wraps exactly one of.
type Txn struct {
	bt    *badger.Txn
	store *Store
}

// Begin starts a new read-write transaction.
func (s *Store) Begin() *Txn {
	return &Txn{bt: s.db.NewTransaction(true), store: s}
}

// Commit commits the transaction. A write-write conflict detected by
// Badger's optimistic concurrency control surfaces as fserrors.ErrDeadlock,
// matching §5's "KV store detects deadlocks by aborting one participant"
// contract closely enough for the trail runner's retry loop to treat the
// two uniformly.
func (t *Txn) Commit() error {
	if err := t.bt.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("kv: commit conflict: %w", fserrors.ErrDeadlock)
		}
		return fmt.Errorf("kv: commit: %w", err)
	}
	return nil
}

// Abort discards the transaction without applying any of its writes.
func (t *Txn) Abort() {
	t.bt.Discard()
}

// Table is a handle onto one namespaced region of the shared keyspace.
type Table struct {
	name  string
	kind  TableKind
	store *Store
}

func (tb Table) rowKey(key string) []byte {
	return []byte(tb.name + "\x00" + key)
}

func (tb Table) dupPrefix(key string) []byte {
	return []byte(tb.name + "\x00" + key + "\x00")
}

func dupSeqKey(prefix []byte, seq uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], seq)
	return buf
}

// Get fetches the value stored under key, or fserrors.ErrNotFound.
func (tb Table) Get(txn *Txn, key string) ([]byte, error) {
	item, err := txn.bt.Get(tb.rowKey(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fserrors.ErrNotFound
		}
		return nil, fmt.Errorf("kv: get %s/%s: %w", tb.name, key, err)
	}
	return item.ValueCopy(nil)
}

// Put writes value under key, overwriting any prior value.
func (tb Table) Put(txn *Txn, key string, value []byte) error {
	if err := txn.bt.Set(tb.rowKey(key), value); err != nil {
		return fmt.Errorf("kv: put %s/%s: %w", tb.name, key, err)
	}
	return nil
}

// Delete removes key, returning fserrors.ErrNotFound if it was absent.
func (tb Table) Delete(txn *Txn, key string) error {
	if _, err := tb.Get(txn, key); err != nil {
		return err
	}
	if err := txn.bt.Delete(tb.rowKey(key)); err != nil {
		return fmt.Errorf("kv: delete %s/%s: %w", tb.name, key, err)
	}
	return nil
}

// NextKey bumps and returns the table's base-36 "next-key" counter,
// exactly as §6 describes: the first allocation returns "0", and each
// call after that returns ids.Next of the previous value.
func (tb Table) NextKey(txn *Txn) (string, error) {
	cur, err := tb.Get(txn, nextKeyRow)
	var key string
	if err != nil {
		if !errors.Is(err, fserrors.ErrNotFound) {
			return "", err
		}
		key = ids.First
	} else {
		key = ids.Next(string(cur))
	}
	if err := tb.Put(txn, nextKeyRow, []byte(key)); err != nil {
		return "", err
	}
	return key, nil
}

// Append adds value to a KindRecno table under a freshly assigned record
// number, returning that number. Record numbers start at 0.
func (tb Table) Append(txn *Txn, value []byte) (uint64, error) {
	if tb.kind != KindRecno {
		return 0, fmt.Errorf("kv: Append called on non-recno table %q", tb.name)
	}
	next, err := tb.nextRecno(txn)
	if err != nil {
		return 0, err
	}
	if err := tb.Put(txn, recnoKey(next), value); err != nil {
		return 0, err
	}
	if err := tb.Put(txn, nextRecnoRow, recnoKey(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

func (tb Table) nextRecno(txn *Txn) (uint64, error) {
	raw, err := tb.Get(txn, nextRecnoRow)
	if err != nil {
		if errors.Is(err, fserrors.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return decodeRecno(raw), nil
}

// Count returns the number of records appended so far to a KindRecno
// table (i.e. one past the highest valid record number).
func (tb Table) Count(txn *Txn) (uint64, error) {
	return tb.nextRecno(txn)
}

// GetRecno fetches record number recno from a KindRecno table.
func (tb Table) GetRecno(txn *Txn, recno uint64) ([]byte, error) {
	return tb.Get(txn, string(recnoKey(recno)))
}

func recnoKey(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeRecno(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}

// AddDup appends value as a new duplicate row under key in a KindDup
// table, preserving insertion order for Cursor.NextDup.
func (tb Table) AddDup(txn *Txn, key string, value []byte) error {
	if tb.kind != KindDup {
		return fmt.Errorf("kv: AddDup called on non-dup table %q", tb.name)
	}
	prefix := tb.dupPrefix(key)
	seq, err := tb.nextDupSeq(txn, prefix)
	if err != nil {
		return err
	}
	if err := txn.bt.Set(dupSeqKey(prefix, seq), value); err != nil {
		return fmt.Errorf("kv: adddup %s/%s: %w", tb.name, key, err)
	}
	return nil
}

func (tb Table) nextDupSeq(txn *Txn, prefix []byte) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	it := txn.bt.NewIterator(opts)
	defer it.Close()
	seekKey := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	it.Seek(seekKey)
	if it.ValidForPrefix(prefix) {
		k := it.Item().KeyCopy(nil)
		seq := binary.BigEndian.Uint64(k[len(prefix):])
		return seq + 1, nil
	}
	return 0, nil
}

// DeleteAllDup removes every duplicate row stored under key.
func (tb Table) DeleteAllDup(txn *Txn, key string) error {
	prefix := tb.dupPrefix(key)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.bt.NewIterator(opts)
	defer it.Close()
	var keysToDelete [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
	}
	for _, k := range keysToDelete {
		if err := txn.bt.Delete(k); err != nil {
			return fmt.Errorf("kv: deleting dup row: %w", err)
		}
	}
	return nil
}

// Cursor iterates over a table's rows in key order, or over one key's
// duplicate rows in insertion order.
type Cursor struct {
	tb     Table
	txn    *Txn
	it     *badger.Iterator
	prefix []byte
}

// Cursor opens an iterator over tb's full keyspace.
func (tb Table) Cursor(txn *Txn) *Cursor {
	prefix := []byte(tb.name + "\x00")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.bt.NewIterator(opts)
	return &Cursor{tb: tb, txn: txn, it: it, prefix: prefix}
}

// First seeks the cursor to the table's first row.
func (c *Cursor) First() { c.it.Seek(c.prefix) }

// SeekRange seeks the cursor to the first row whose key is >= key.
func (c *Cursor) SeekRange(key string) {
	c.it.Seek(append(append([]byte{}, c.prefix...), []byte(key)...))
}

// Next advances the cursor.
func (c *Cursor) Next() { c.it.Next() }

// Valid reports whether the cursor currently addresses a row of its
// table.
func (c *Cursor) Valid() bool { return c.it.ValidForPrefix(c.prefix) }

// Key returns the logical (table-relative) key of the current row.
func (c *Cursor) Key() string {
	raw := c.it.Item().Key()
	return string(bytes.TrimPrefix(raw, c.prefix))
}

// Value returns the value of the current row.
func (c *Cursor) Value() ([]byte, error) {
	return c.it.Item().ValueCopy(nil)
}

// DeleteCurrent removes the row the cursor currently addresses.
func (c *Cursor) DeleteCurrent() error {
	key := c.it.Item().KeyCopy(nil)
	if err := c.txn.bt.Delete(key); err != nil {
		return fmt.Errorf("kv: delete-current: %w", err)
	}
	return nil
}

// Close releases the cursor's resources. Callers must call Close before
// the enclosing Txn commits or aborts.
func (c *Cursor) Close() { c.it.Close() }

// DupCursor iterates the duplicate rows stored under one key of a KindDup
// table, in insertion order.
type DupCursor struct {
	*Cursor
}

// DupCursor opens an iterator over key's duplicate rows.
func (tb Table) DupCursor(txn *Txn, key string) *DupCursor {
	prefix := tb.dupPrefix(key)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.bt.NewIterator(opts)
	return &DupCursor{&Cursor{tb: tb, txn: txn, it: it, prefix: prefix}}
}

// NextDup is an alias for Next provided for readability at call sites
// that are explicitly walking duplicate rows rather than a whole table.
func (c *DupCursor) NextDup() { c.Next() }
