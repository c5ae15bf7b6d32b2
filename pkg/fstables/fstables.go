// Package fstables implements the small-record tables of §4.F: copies,
// changes, transactions, revisions, and the repository uuid row. These
// sit directly on top of the key-value façade (pkg/kv) the way the
// node-revision store does, but each table's shape is simple enough to
// not warrant its own package.
package fstables

import (
	"encoding/json"
	"fmt"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/kv"
	"github.com/revfs/revfs/pkg/trail"
)

const (
	copiesTableName       = "copies"
	changesTableName      = "changes"
	transactionsTableName = "transactions"
	revisionsTableName    = "revisions"
	uuidTableName         = "uuids"
)

// CopyKind distinguishes a user-requested copy from one implicitly
// created to carry a fresh copy-id through a modified subtree.
type CopyKind int

const (
	CopyReal CopyKind = iota
	CopySoft
)

// Copy is one row of the copies table (§3's Copy entity).
type Copy struct {
	Kind          CopyKind `json:"kind"`
	SrcPath       string   `json:"src_path"`
	SrcTxnID      string   `json:"src_txn_id"`
	DstNodeRevID  string   `json:"dst_noderev_id"`
}

// ChangeKind tags one raw change-table row.
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeDelete
	ChangeReplace
	ChangeModify
)

// Change is one raw row appended to the change table for a path touched
// within a txn (§3's Change entity).
type Change struct {
	Path       string     `json:"path"`
	NodeRevID  string     `json:"noderev_id"`
	Kind       ChangeKind `json:"kind"`
	TextMod    bool       `json:"text_mod"`
	PropMod    bool       `json:"prop_mod"`
}

// TxnKind is a transaction's lifecycle state.
type TxnKind int

const (
	TxnNormal TxnKind = iota
	TxnCommitted
	TxnDead
)

// Transaction is §3's Transaction entity.
type Transaction struct {
	Kind       TxnKind           `json:"kind"`
	Revision   int64             `json:"revision"` // valid iff Kind == TxnCommitted
	Proplist   map[string]string `json:"proplist,omitempty"`
	RootID     string            `json:"root_id"`
	BaseID     string            `json:"base_id"`
	Copies     []string          `json:"copies,omitempty"`
	CheckLocks bool              `json:"check_locks,omitempty"`
	LockToken  string            `json:"lock_token,omitempty"`
}

// Revision is §3's Revision entity: a committed txn's identity, indexed
// by revision number.
type Revision struct {
	TxnID string `json:"txn_id"`
}

// Store bundles the five small-record tables.
type Store struct {
	copies       kv.Table
	changes      kv.Table
	transactions kv.Table
	revisions    kv.Table
	uuids        kv.Table
}

// Open declares the copies, changes, transactions, revisions and uuids
// tables.
func Open(kvStore *kv.Store) (*Store, error) {
	copies, err := kvStore.OpenTable(copiesTableName, kv.KindBTree)
	if err != nil {
		return nil, fmt.Errorf("fstables: %w", err)
	}
	changes, err := kvStore.OpenTable(changesTableName, kv.KindDup)
	if err != nil {
		return nil, fmt.Errorf("fstables: %w", err)
	}
	transactions, err := kvStore.OpenTable(transactionsTableName, kv.KindBTree)
	if err != nil {
		return nil, fmt.Errorf("fstables: %w", err)
	}
	revisions, err := kvStore.OpenTable(revisionsTableName, kv.KindRecno)
	if err != nil {
		return nil, fmt.Errorf("fstables: %w", err)
	}
	uuids, err := kvStore.OpenTable(uuidTableName, kv.KindRecno)
	if err != nil {
		return nil, fmt.Errorf("fstables: %w", err)
	}
	return &Store{copies: copies, changes: changes, transactions: transactions, revisions: revisions, uuids: uuids}, nil
}

// ---- Copy table ----

// ReserveCopy allocates a fresh copy-id.
func (s *Store) ReserveCopy(tr *trail.Trail) (string, error) {
	id, err := s.copies.NextKey(tr.Txn)
	if err != nil {
		return "", fmt.Errorf("fstables: reserving copy-id: %w", err)
	}
	return id, nil
}

// PutCopy writes c under copyID.
func (s *Store) PutCopy(tr *trail.Trail, copyID string, c *Copy) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.copies.Put(tr.Txn, copyID, raw)
}

// GetCopy fetches the copy row stored under copyID.
func (s *Store) GetCopy(tr *trail.Trail, copyID string) (*Copy, error) {
	raw, err := s.copies.Get(tr.Txn, copyID)
	if err != nil {
		if err == fserrors.ErrNotFound {
			return nil, fmt.Errorf("fstables: copy %s: %w", copyID, fserrors.ErrNoSuchCopy)
		}
		return nil, err
	}
	var c Copy
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("fstables: copy %s: %w", copyID, fserrors.ErrCorrupt)
	}
	return &c, nil
}

// ---- Change table ----

// AddChange appends one raw change row for txnID.
func (s *Store) AddChange(tr *trail.Trail, txnID string, c *Change) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.changes.AddDup(tr.Txn, txnID, raw)
}

// FetchChanges aggregates every raw row recorded for txnID into one
// net-effect entry per path, per the rules of §4.F.
func (s *Store) FetchChanges(tr *trail.Trail, txnID string) (map[string]*Change, error) {
	type acc struct {
		firstNodeRevID string
		change         Change
		deleted        bool
	}
	order := []string{}
	accs := map[string]*acc{}

	cur := s.changes.DupCursor(tr.Txn, txnID)
	defer cur.Close()
	for cur.First(); cur.Valid(); cur.NextDup() {
		raw, err := cur.Value()
		if err != nil {
			return nil, err
		}
		var row Change
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("fstables: change row for txn %s: %w", txnID, fserrors.ErrCorrupt)
		}

		a, ok := accs[row.Path]
		if !ok || a.deleted {
			// an add followed by a delete removed the entry; a later row
			// starts a fresh one
			a = &acc{firstNodeRevID: row.NodeRevID, change: row}
			accs[row.Path] = a
			if !ok {
				order = append(order, row.Path)
			}
			continue
		}

		a.change.TextMod = a.change.TextMod || row.TextMod
		a.change.PropMod = a.change.PropMod || row.PropMod
		a.change.NodeRevID = row.NodeRevID

		switch {
		case row.Kind == ChangeDelete && a.change.Kind == ChangeAdd:
			a.deleted = true
		case row.Kind == ChangeAdd && a.change.Kind == ChangeDelete:
			a.change.Kind = ChangeReplace
		case row.Kind == ChangeModify && a.change.Kind == ChangeAdd:
			// keep add
		case a.change.Kind == ChangeReplace:
			// a replace in progress absorbs further modifications without
			// reverting to a weaker kind
		default:
			a.change.Kind = row.Kind
		}
	}

	out := make(map[string]*Change, len(accs))
	for _, path := range order {
		a := accs[path]
		if a.deleted {
			continue
		}
		c := a.change
		c.Path = path
		if c.NodeRevID != a.firstNodeRevID {
			c.Kind = ChangeReplace
		}
		out[path] = &c
	}
	return out, nil
}

// ---- Transaction table ----

// GetTxn fetches the transaction row stored under txnID.
func (s *Store) GetTxn(tr *trail.Trail, txnID string) (*Transaction, error) {
	raw, err := s.transactions.Get(tr.Txn, txnID)
	if err != nil {
		if err == fserrors.ErrNotFound {
			return nil, fmt.Errorf("fstables: txn %s: %w", txnID, fserrors.ErrNoSuchTxn)
		}
		return nil, err
	}
	var t Transaction
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("fstables: txn %s: %w", txnID, fserrors.ErrCorrupt)
	}
	return &t, nil
}

// PutTxn writes t under txnID.
func (s *Store) PutTxn(tr *trail.Trail, txnID string, t *Transaction) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.transactions.Put(tr.Txn, txnID, raw)
}

// DeleteTxn removes txnID's row.
func (s *Store) DeleteTxn(tr *trail.Trail, txnID string) error {
	if err := s.transactions.Delete(tr.Txn, txnID); err != nil {
		return fmt.Errorf("fstables: deleting txn %s: %w", txnID, err)
	}
	return nil
}

// ListTxns returns every transaction row whose kind is not committed.
func (s *Store) ListTxns(tr *trail.Trail) (map[string]*Transaction, error) {
	out := map[string]*Transaction{}
	cur := s.transactions.Cursor(tr.Txn)
	defer cur.Close()
	for cur.First(); cur.Valid(); cur.Next() {
		key := cur.Key()
		if key == "next-key" {
			continue
		}
		raw, err := cur.Value()
		if err != nil {
			return nil, err
		}
		var t Transaction
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("fstables: txn %s: %w", key, fserrors.ErrCorrupt)
		}
		if t.Kind == TxnCommitted {
			continue
		}
		out[key] = &t
	}
	return out, nil
}

// NewTxnID allocates a fresh txn-id.
func (s *Store) NewTxnID(tr *trail.Trail) (string, error) {
	id, err := s.transactions.NextKey(tr.Txn)
	if err != nil {
		return "", fmt.Errorf("fstables: allocating txn-id: %w", err)
	}
	return id, nil
}

// ---- Revision table ----

// PutRevision appends a revision row, returning its revision number.
func (s *Store) PutRevision(tr *trail.Trail, rev *Revision) (uint64, error) {
	raw, err := json.Marshal(rev)
	if err != nil {
		return 0, err
	}
	return s.revisions.Append(tr.Txn, raw)
}

// GetRevision fetches the row at revision number revno.
func (s *Store) GetRevision(tr *trail.Trail, revno uint64) (*Revision, error) {
	raw, err := s.revisions.GetRecno(tr.Txn, revno)
	if err != nil {
		if err == fserrors.ErrNotFound {
			return nil, fmt.Errorf("fstables: revision %d: %w", revno, fserrors.ErrDanglingRev)
		}
		return nil, err
	}
	var rev Revision
	if err := json.Unmarshal(raw, &rev); err != nil {
		return nil, fmt.Errorf("fstables: revision %d: %w", revno, fserrors.ErrCorrupt)
	}
	return &rev, nil
}

// Youngest returns the highest committed revision number.
//
// Reading the revno counter row inside the enclosing trail's transaction
// is what gives this the read-lock semantics §4.F asks for: the
// underlying store's optimistic concurrency control will abort (as
// fserrors.ErrDeadlock) any concurrent committer that both read this row
// and tried to append a new one before this trail finishes, which the
// trail runner turns into a retry of the whole commit loop.
func (s *Store) Youngest(tr *trail.Trail) (uint64, error) {
	count, err := s.revisions.Count(tr.Txn)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("fstables: no revisions yet: %w", fserrors.ErrDanglingRev)
	}
	return count - 1, nil
}

// ---- UUID row ----

// PutUUID stores the repository uuid, generated once at repository
// creation (the uuid generator itself is out of scope here; callers
// supply the string).
func (s *Store) PutUUID(tr *trail.Trail, uuid string) error {
	_, err := s.uuids.Append(tr.Txn, []byte(uuid))
	return err
}

// GetUUID returns the repository's uuid (the first row ever appended).
func (s *Store) GetUUID(tr *trail.Trail) (string, error) {
	raw, err := s.uuids.GetRecno(tr.Txn, 0)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
