// Package repstore implements the representation store of §4.D: rep-id
// to either a fulltext string or an ordered delta chain, MD5-verified
// reads, copy-on-write mutable reps, and the skip-deltification policy
// that keeps any revision reachable in O(log N) window applications.
package repstore

import (
	"bytes"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/revfs/revfs/pkg/delta"
	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/kv"
	"github.com/revfs/revfs/pkg/strstore"
	"github.com/revfs/revfs/pkg/trail"
)

const tableName = "representations"

// Kind distinguishes a fulltext representation from a delta chain.
type Kind int

const (
	KindFulltext Kind = iota
	KindDelta
)

// Chunk is one entry of a delta representation's chunk list (§4.D). This
// implementation always produces a single chunk spanning the whole
// logical content per delta rep — the windowing granularity is collapsed
// to "one window per predecessor edge", which is sufficient to express
// the skip-delta chain and keeps reconstruction a straight walk instead
// of a per-byte-range merge.
type Chunk struct {
	Version          int    `json:"version"`
	Offset           uint64 `json:"offset"`
	Size             uint64 `json:"size"`
	StringID         string `json:"string_id"`
	PredecessorRepID string `json:"predecessor_rep_id"`
}

// Representation is the on-disk record for one rep-id.
type Representation struct {
	ID       string  `json:"id"`
	Kind     Kind    `json:"kind"`
	StringID string  `json:"string_id,omitempty"` // fulltext only
	Chunks   []Chunk `json:"chunks,omitempty"`     // delta only
	MD5      [16]byte `json:"md5"`
	TxnID    string  `json:"txn_id,omitempty"` // mutable owner; "" => immutable
}

// IsMutableUnder reports whether r is mutable within txnID.
func (r *Representation) IsMutableUnder(txnID string) bool {
	return r.TxnID != "" && r.TxnID == txnID
}

// Store is the representation table handle.
type Store struct {
	tb   kv.Table
	strs *strstore.Store
}

// Open declares the representations table.
func Open(kvStore *kv.Store, strs *strstore.Store) (*Store, error) {
	tb, err := kvStore.OpenTable(tableName, kv.KindBTree)
	if err != nil {
		return nil, fmt.Errorf("repstore: %w", err)
	}
	return &Store{tb: tb, strs: strs}, nil
}

func (s *Store) load(tr *trail.Trail, id string) (*Representation, error) {
	raw, err := s.tb.Get(tr.Txn, id)
	if err != nil {
		if err == fserrors.ErrNotFound {
			return nil, fmt.Errorf("repstore: rep %s: %w", id, fserrors.ErrDanglingID)
		}
		return nil, err
	}
	var rep Representation
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("repstore: rep %s: %w", id, fserrors.ErrCorrupt)
	}
	return &rep, nil
}

func (s *Store) save(tr *trail.Trail, rep *Representation) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("repstore: marshaling rep %s: %w", rep.ID, err)
	}
	return s.tb.Put(tr.Txn, rep.ID, raw)
}

// Get returns the raw representation record, for callers (the DAG layer)
// that need its metadata (kind, mutability) without materializing
// content.
func (s *Store) Get(tr *trail.Trail, id string) (*Representation, error) {
	return s.load(tr, id)
}

// ReadContents materializes rep id's full logical content and verifies it
// against the rep's stored MD5, per §4.D's read contract. A checksum of
// all-zero bytes means "not set" (§8.5) and is accepted unconditionally.
func (s *Store) ReadContents(tr *trail.Trail, id string) ([]byte, [16]byte, error) {
	rep, err := s.load(tr, id)
	if err != nil {
		return nil, [16]byte{}, err
	}
	content, err := s.reconstruct(tr, rep, make(map[string]bool))
	if err != nil {
		return nil, [16]byte{}, err
	}
	sum := md5.Sum(content)
	if rep.MD5 != ([16]byte{}) && sum != rep.MD5 {
		return nil, [16]byte{}, fmt.Errorf("repstore: rep %s: %w", id, fserrors.ErrChecksumMismatch)
	}
	return content, sum, nil
}

func (s *Store) reconstruct(tr *trail.Trail, rep *Representation, visiting map[string]bool) ([]byte, error) {
	if visiting[rep.ID] {
		return nil, fmt.Errorf("repstore: cyclic delta chain at %s: %w", rep.ID, fserrors.ErrCorrupt)
	}
	visiting[rep.ID] = true

	switch rep.Kind {
	case KindFulltext:
		r, err := s.strs.ReadStream(tr, rep.StringID, 0)
		if err != nil {
			return nil, fmt.Errorf("repstore: reading fulltext of %s: %w", rep.ID, err)
		}
		return io.ReadAll(r)
	case KindDelta:
		if len(rep.Chunks) == 0 {
			return nil, fmt.Errorf("repstore: delta rep %s has no chunks: %w", rep.ID, fserrors.ErrCorrupt)
		}
		var out bytes.Buffer
		for _, c := range rep.Chunks {
			base, err := s.readByID(tr, c.PredecessorRepID, visiting)
			if err != nil {
				return nil, fmt.Errorf("repstore: resolving predecessor %s of %s: %w", c.PredecessorRepID, rep.ID, err)
			}
			encoded, err := s.strs.ReadStream(tr, c.StringID, 0)
			if err != nil {
				return nil, fmt.Errorf("repstore: reading delta window of %s: %w", rep.ID, err)
			}
			encBytes, err := io.ReadAll(encoded)
			if err != nil {
				return nil, err
			}
			window, err := delta.Apply(base, encBytes)
			if err != nil {
				return nil, fmt.Errorf("repstore: applying delta window of %s: %w", rep.ID, err)
			}
			out.Write(window)
		}
		return out.Bytes(), nil
	default:
		return nil, fmt.Errorf("repstore: rep %s: %w", rep.ID, fserrors.ErrCorrupt)
	}
}

func (s *Store) readByID(tr *trail.Trail, id string, visiting map[string]bool) ([]byte, error) {
	rep, err := s.load(tr, id)
	if err != nil {
		return nil, err
	}
	return s.reconstruct(tr, rep, visiting)
}

// GetMutableRep implements §4.D's write contract: if id is nil or the rep
// it names is not mutable under txnID, a fresh fulltext rep (backed by a
// fresh empty mutable string) is allocated and returned; otherwise id is
// returned unchanged.
func (s *Store) GetMutableRep(tr *trail.Trail, id *string, txnID string) (string, error) {
	if id != nil && *id != "" {
		rep, err := s.load(tr, *id)
		switch {
		case err == nil:
			if rep.IsMutableUnder(txnID) {
				return rep.ID, nil
			}
		case errors.Is(err, fserrors.ErrDanglingID):
			// Falls through to allocating a fresh rep below.
		default:
			return "", err
		}
	}
	newID, err := s.tb.NextKey(tr.Txn)
	if err != nil {
		return "", fmt.Errorf("repstore: allocating rep-id: %w", err)
	}
	strID, w, err := s.strs.WriteStream(tr)
	if err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	rep := &Representation{ID: newID, Kind: KindFulltext, StringID: strID, TxnID: txnID}
	if err := s.save(tr, rep); err != nil {
		return "", err
	}
	return newID, nil
}

// WriteStream returns a writer into rep id's backing fulltext string.
// Calling WriteStream on a representation that is not mutable under
// txnID is a programming error (the caller must call GetMutableRep
// first), matching §4.D's contract exactly.
func (s *Store) WriteStream(tr *trail.Trail, id string, txnID string, truncate bool) (io.WriteCloser, error) {
	rep, err := s.load(tr, id)
	if err != nil {
		return nil, err
	}
	if !rep.IsMutableUnder(txnID) {
		panic(fmt.Sprintf("repstore: WriteStream on non-mutable rep %s under txn %s", id, txnID))
	}
	if rep.Kind != KindFulltext {
		// A mutable rep is always fulltext by construction (GetMutableRep
		// never hands back a mutable delta rep), but guard explicitly.
		return nil, fmt.Errorf("repstore: rep %s is not fulltext: %w", id, fserrors.ErrCorrupt)
	}

	var prefix []byte
	if !truncate {
		existing, err := s.strs.ReadStream(tr, rep.StringID, 0)
		if err != nil {
			return nil, err
		}
		prefix, err = io.ReadAll(existing)
		if err != nil {
			return nil, err
		}
	}

	return &repWriter{store: s, tr: tr, rep: rep, prefix: prefix}, nil
}

type repWriter struct {
	store  *Store
	tr     *trail.Trail
	rep    *Representation
	prefix []byte
	buf    bytes.Buffer
}

func (w *repWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *repWriter) Close() error {
	full := append(append([]byte{}, w.prefix...), w.buf.Bytes()...)
	newStrID, sw, err := w.store.strs.WriteStream(w.tr)
	if err != nil {
		return err
	}
	if _, err := sw.Write(full); err != nil {
		return err
	}
	if err := sw.Close(); err != nil {
		return err
	}
	oldStrID := w.rep.StringID
	w.rep.StringID = newStrID
	w.rep.MD5 = md5.Sum(full)
	if err := w.store.save(w.tr, w.rep); err != nil {
		return err
	}
	if oldStrID != "" && oldStrID != newStrID {
		// Best-effort reclamation: this string was owned solely by this
		// mutable rep, so nothing else can reference it.
		_ = w.store.strs.Delete(w.tr, oldStrID)
	}
	return nil
}

// FinalizeMD5 returns the MD5 of id's current content without
// requiring the caller to know whether it is fulltext or delta; the DAG
// layer's finalize_edits uses this to validate the edit rep's checksum
// against an expected value before promoting it.
func (s *Store) FinalizeMD5(tr *trail.Trail, id string) ([16]byte, error) {
	_, sum, err := s.ReadContents(tr, id)
	return sum, err
}

// Deltify rewrites targetID as a delta against baseID. It must not be
// called on a rep reachable through a mutable node (the DAG layer
// enforces this by only calling Deltify on node-revisions it has just
// committed). The target's MD5 is preserved exactly, satisfying the
// round-trip law in §8 ("deltify(target, source); read(target) =
// read(target_before) byte-for-byte").
func (s *Store) Deltify(tr *trail.Trail, targetID, baseID string) error {
	target, err := s.load(tr, targetID)
	if err != nil {
		return err
	}
	if target.TxnID != "" {
		return fmt.Errorf("repstore: refusing to deltify mutable rep %s: %w", targetID, fserrors.ErrNotMutable)
	}
	targetContent, _, err := s.ReadContents(tr, targetID)
	if err != nil {
		return err
	}
	baseContent, _, err := s.ReadContents(tr, baseID)
	if err != nil {
		return err
	}

	encoded := delta.Encode(baseContent, targetContent)
	strID, w, err := s.strs.WriteStream(tr)
	if err != nil {
		return err
	}
	if _, err := w.Write(encoded); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	oldStringID := target.StringID
	target.Kind = KindDelta
	target.StringID = ""
	target.Chunks = []Chunk{{
		Version:          len(target.Chunks) + 1,
		Offset:           0,
		Size:             uint64(len(targetContent)),
		StringID:         strID,
		PredecessorRepID: baseID,
	}}
	if err := s.save(tr, target); err != nil {
		return err
	}
	if oldStringID != "" {
		_ = s.strs.Delete(tr, oldStringID)
	}
	return nil
}

// Delete removes rep id's record, reclaiming its backing string(s). It
// must only be called on a rep nothing else can reach — a discarded
// mutable draft that was never committed to a node-revision, since a
// committed rep may still be a skip-delta chain's base.
func (s *Store) Delete(tr *trail.Trail, id string) error {
	rep, err := s.load(tr, id)
	if err != nil {
		if errors.Is(err, fserrors.ErrDanglingID) {
			return nil
		}
		return err
	}
	switch rep.Kind {
	case KindFulltext:
		if rep.StringID != "" {
			if err := s.strs.Delete(tr, rep.StringID); err != nil {
				return err
			}
		}
	case KindDelta:
		for _, c := range rep.Chunks {
			if err := s.strs.Delete(tr, c.StringID); err != nil {
				return err
			}
		}
	}
	return s.tb.Delete(tr.Txn, id)
}

// DeltifyTargets implements the skip-deltification policy of §4.D: given
// the predecessor-count n of a freshly committed node-revision, it
// returns the set of exponents k for which the ancestor 2^k revisions
// back should be redeltified against (the immediate predecessor, k=0, is
// always included when n>0). Callers must additionally skip any k whose
// target ancestor is the chain's original (oldest) node-revision, which
// this package has no way to know about on its own.
func DeltifyTargets(n uint64) []int {
	if n == 0 {
		return nil
	}
	var ks []int
	for k := 0; (uint64(1) << uint(k)) <= n; k++ {
		step := uint64(1) << uint(k)
		if n%step != 0 {
			continue
		}
		if k == 1 {
			continue // skip k=1 unconditionally
		}
		if k >= 2 && n < 32 {
			continue
		}
		ks = append(ks, k)
	}
	return ks
}
