// Package noderev implements the node-revision store of §4.E: the
// node-rev-id → (kind, predecessor-id, predecessor-count, prop-rep-id,
// data-rep-id, edit-rep-id, created-path) mapping, plus the id allocation
// rules of §3 ("Identifiers").
package noderev

import (
	"encoding/json"
	"fmt"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/kv"
	"github.com/revfs/revfs/pkg/trail"
)

const tableName = "nodes"
const nodeIDTableName = "node-origins" // node-id -> first node-rev-id (origin)
const successorsTableName = "successors"

// Kind distinguishes a file node-revision from a directory one.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// ID is the (node-id, copy-id, txn-id) triple of §3, rendered in its
// string form "<node>.<copy>.<txn>" by String.
type ID struct {
	NodeID string
	CopyID string
	TxnID  string
}

// String renders id in the canonical "<node>.<copy>.<txn>" form.
func (id ID) String() string {
	return id.NodeID + "." + id.CopyID + "." + id.TxnID
}

// Related reports whether id and other share the same node-id.
func (id ID) Related(other ID) bool { return id.NodeID == other.NodeID }

// NodeRevision is one versioned state of one node.
type NodeRevision struct {
	ID               ID     `json:"id"`
	Kind             Kind   `json:"kind"`
	PredecessorID    *ID    `json:"predecessor_id,omitempty"`
	PredecessorCount int64  `json:"predecessor_count"` // -1 = unknown
	PropRepID        string `json:"prop_rep_id,omitempty"`
	DataRepID        string `json:"data_rep_id,omitempty"`
	EditRepID        string `json:"edit_rep_id,omitempty"`
	CreatedPath      string `json:"created_path"`
}

// Mutable reports whether n is mutable within txnID, i.e. whether its own
// id carries txnID as the owning transaction (§3, §4.E's mutability
// predicate restated for a bare node-revision value).
func (n *NodeRevision) Mutable(txnID string) bool { return n.ID.TxnID == txnID }

// Store is the node-revision table handle.
type Store struct {
	tb     kv.Table
	nodeID kv.Table // node-origins: node-id -> node-rev-id of its first revision
	succ   kv.Table // dup table: predecessor node-rev-id string -> successor node-rev-id string
}

// Open declares the nodes, node-origins and successors tables.
func Open(kvStore *kv.Store) (*Store, error) {
	tb, err := kvStore.OpenTable(tableName, kv.KindBTree)
	if err != nil {
		return nil, fmt.Errorf("noderev: %w", err)
	}
	nodeID, err := kvStore.OpenTable(nodeIDTableName, kv.KindBTree)
	if err != nil {
		return nil, fmt.Errorf("noderev: %w", err)
	}
	succ, err := kvStore.OpenTable(successorsTableName, kv.KindDup)
	if err != nil {
		return nil, fmt.Errorf("noderev: %w", err)
	}
	return &Store{tb: tb, nodeID: nodeID, succ: succ}, nil
}

// Get fetches the node-revision stored under id.
func (s *Store) Get(tr *trail.Trail, id ID) (*NodeRevision, error) {
	raw, err := s.tb.Get(tr.Txn, id.String())
	if err != nil {
		if err == fserrors.ErrNotFound {
			return nil, fmt.Errorf("noderev: %s: %w", id, fserrors.ErrDanglingID)
		}
		return nil, err
	}
	var nr NodeRevision
	if err := json.Unmarshal(raw, &nr); err != nil {
		return nil, fmt.Errorf("noderev: %s: %w", id, fserrors.ErrCorrupt)
	}
	return &nr, nil
}

// Put writes nr under its own id.
func (s *Store) Put(tr *trail.Trail, nr *NodeRevision) error {
	raw, err := json.Marshal(nr)
	if err != nil {
		return fmt.Errorf("noderev: marshaling %s: %w", nr.ID, err)
	}
	if err := s.tb.Put(tr.Txn, nr.ID.String(), raw); err != nil {
		return err
	}
	if nr.PredecessorID != nil {
		if err := s.succ.AddDup(tr.Txn, nr.PredecessorID.String(), []byte(nr.ID.String())); err != nil {
			return fmt.Errorf("noderev: recording successor of %s: %w", *nr.PredecessorID, err)
		}
	} else {
		// This is an origin node-revision: record it as its own node-id's
		// first ever revision, read back by Origin.
		if err := s.nodeID.Put(tr.Txn, nr.ID.NodeID, []byte(nr.ID.String())); err != nil {
			return fmt.Errorf("noderev: recording origin of %s: %w", nr.ID.NodeID, err)
		}
	}
	return nil
}

// Delete removes id's row. Must only be called for a mutable row in a
// dying txn, per §4.E.
func (s *Store) Delete(tr *trail.Trail, id ID) error {
	if err := s.tb.Delete(tr.Txn, id.String()); err != nil {
		return fmt.Errorf("noderev: deleting %s: %w", id, err)
	}
	return nil
}

// Origin returns the node-rev-id of node-id's very first revision.
func (s *Store) Origin(tr *trail.Trail, nodeID string) (ID, error) {
	raw, err := s.nodeID.Get(tr.Txn, nodeID)
	if err != nil {
		if err == fserrors.ErrNotFound {
			return ID{}, fmt.Errorf("noderev: node %s: %w", nodeID, fserrors.ErrNoSuchNodeOrigin)
		}
		return ID{}, err
	}
	return parseID(string(raw))
}

// NewNodeID allocates a fresh node-id and returns the id of its very
// first (origin) node-revision, under copyID and txnID.
func (s *Store) NewNodeID(tr *trail.Trail, copyID, txnID string) (ID, error) {
	nodeID, err := s.tb.NextKey(tr.Txn)
	if err != nil {
		return ID{}, fmt.Errorf("noderev: allocating node-id: %w", err)
	}
	return ID{NodeID: nodeID, CopyID: copyID, TxnID: txnID}, nil
}

// NewSuccessorID keeps predecessor's node-id, assigning a fresh copy-id
// if copyID is non-empty, else reusing predecessor's copy-id (§4.E).
func (s *Store) NewSuccessorID(predecessor ID, copyID, txnID string) ID {
	if copyID == "" {
		copyID = predecessor.CopyID
	}
	return ID{NodeID: predecessor.NodeID, CopyID: copyID, TxnID: txnID}
}

func parseID(s string) (ID, error) {
	parts := splitID(s)
	if len(parts) != 3 {
		return ID{}, fmt.Errorf("noderev: malformed node-rev-id %q: %w", s, fserrors.ErrMalformed)
	}
	return ID{NodeID: parts[0], CopyID: parts[1], TxnID: parts[2]}, nil
}

func splitID(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
