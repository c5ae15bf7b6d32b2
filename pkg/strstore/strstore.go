// Package strstore implements the string store of §4.C: append-only
// byte-run storage keyed by a generated string-id, with streaming write,
// random read, size, and copy-on-reference.
//
// Each string is stored as one row: an 8-byte big-endian uncompressed
// length followed by an s2-compressed payload (github.com/klauspost/compress/s2).
// Fulltext file and directory-listing representations are often highly
// compressible text, and s2 trades a little CPU for materially less
// space on the string table without the complexity of a real
// block-chunked format — deltas built on top (pkg/repstore) stay tiny
// either way, so only fulltext runs benefit.
package strstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/kv"
	"github.com/revfs/revfs/pkg/trail"
)

const tableName = "strings"

// Store is the string table handle.
type Store struct {
	tb kv.Table
}

// Open declares the strings table on kvStore. Strings are record-numbered
// internally (§6 lists "strings" among the record-numbered tables) but
// are addressed externally by the base-36 id §4.C calls a string-id, so
// the table is opened as a KindBTree keyed by that rendered id;
// WriteStream and Copy allocate ids from the table's own next-key counter.
func Open(kvStore *kv.Store) (*Store, error) {
	tb, err := kvStore.OpenTable(tableName, kv.KindBTree)
	if err != nil {
		return nil, fmt.Errorf("strstore: %w", err)
	}
	return &Store{tb: tb}, nil
}

// Writer accepts chunks of a new string's bytes, terminated by Close.
type Writer struct {
	store *Store
	tr    *trail.Trail
	id    string
	buf   bytes.Buffer
	done  bool
}

// WriteStream allocates a fresh string-id and returns a writer for it.
func (s *Store) WriteStream(tr *trail.Trail) (string, *Writer, error) {
	id, err := s.tb.NextKey(tr.Txn)
	if err != nil {
		return "", nil, fmt.Errorf("strstore: allocating string-id: %w", err)
	}
	return id, &Writer{store: s, tr: tr, id: id}, nil
}

// Write buffers p for later flush at Close.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("strstore: write after close")
	}
	return w.buf.Write(p)
}

// Close flushes the accumulated bytes to the string table.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.store.put(w.tr, w.id, w.buf.Bytes())
}

func (s *Store) put(tr *trail.Trail, id string, raw []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(raw)))
	compressed := s2.Encode(nil, raw)
	value := append(hdr[:], compressed...)
	if err := s.tb.Put(tr.Txn, id, value); err != nil {
		return fmt.Errorf("strstore: writing %s: %w", id, err)
	}
	return nil
}

func (s *Store) get(tr *trail.Trail, id string) ([]byte, error) {
	value, err := s.tb.Get(tr.Txn, id)
	if err != nil {
		if err == fserrors.ErrNotFound {
			return nil, fmt.Errorf("strstore: string %s: %w", id, fserrors.ErrDanglingID)
		}
		return nil, err
	}
	if len(value) < 8 {
		return nil, fmt.Errorf("strstore: string %s: %w", id, fserrors.ErrCorrupt)
	}
	length := binary.BigEndian.Uint64(value[:8])
	raw, err := s2.Decode(nil, value[8:])
	if err != nil {
		return nil, fmt.Errorf("strstore: decompressing %s: %w", id, fserrors.ErrCorrupt)
	}
	if uint64(len(raw)) != length {
		return nil, fmt.Errorf("strstore: string %s: length mismatch: %w", id, fserrors.ErrCorrupt)
	}
	return raw, nil
}

// ReadStream returns a reader over id's bytes starting at offset.
func (s *Store) ReadStream(tr *trail.Trail, id string, offset uint64) (io.Reader, error) {
	raw, err := s.get(tr, id)
	if err != nil {
		return nil, err
	}
	if offset > uint64(len(raw)) {
		offset = uint64(len(raw))
	}
	return bytes.NewReader(raw[offset:]), nil
}

// Size returns the uncompressed byte length of id's contents.
func (s *Store) Size(tr *trail.Trail, id string) (uint64, error) {
	raw, err := s.get(tr, id)
	if err != nil {
		return 0, err
	}
	return uint64(len(raw)), nil
}

// Copy performs a logical copy of id: the returned string-id is
// independently mutable (overwriting it never affects id's contents),
// even though the implementation happens to duplicate bytes up front
// rather than sharing storage, since BadgerDB gives no cheaper
// copy-on-write primitive to exploit here.
func (s *Store) Copy(tr *trail.Trail, id string) (string, error) {
	raw, err := s.get(tr, id)
	if err != nil {
		return "", err
	}
	newID, err := s.tb.NextKey(tr.Txn)
	if err != nil {
		return "", fmt.Errorf("strstore: allocating copy id: %w", err)
	}
	if err := s.put(tr, newID, raw); err != nil {
		return "", err
	}
	return newID, nil
}

// Delete reclaims a string. Per §4.C this is permitted but not required
// at txn-abort time; pkg/repstore calls it when it discards a superseded
// string (repWriter.Close, Deltify) and when its Store.Delete reclaims a
// whole rep.
func (s *Store) Delete(tr *trail.Trail, id string) error {
	if err := s.tb.Delete(tr.Txn, id); err != nil {
		return fmt.Errorf("strstore: deleting %s: %w", id, err)
	}
	return nil
}
