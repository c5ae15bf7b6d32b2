// Package dag implements the typed operations of §4.G over the
// node-revision, representation, and small-record tables: revision and
// txn roots, directory traversal, just-in-time cloning, file edit
// streams, copies, and deltification — enforcing the mutability rule
// "a node-rev-id is mutable iff its txn-id component equals the active
// txn-id" throughout.
package dag

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/fstables"
	"github.com/revfs/revfs/pkg/noderev"
	"github.com/revfs/revfs/pkg/repstore"
	"github.com/revfs/revfs/pkg/trail"
)

// dirEntry is one entry of a directory node-revision's data-rep content,
// a JSON map of child name to dirEntry.
type dirEntry struct {
	NodeRevID string `json:"node_rev_id"`
	Kind      noderev.Kind `json:"kind"`
}

// Node is a Trail-scoped handle onto one node-revision, carrying the
// (fs, node-rev-id, kind, created-path) tuple §4.G's operations close
// over.
type Node struct {
	g           *Graph
	id          noderev.ID
	kind        noderev.Kind
	createdPath string
	txnID       string // owning txn if this node was opened as part of a txn root; "" for a revision root
}

// ID returns n's node-rev-id.
func (n *Node) ID() noderev.ID { return n.id }

// Kind returns whether n is a file or directory.
func (n *Node) Kind() noderev.Kind { return n.kind }

// CreatedPath returns the path n's node-revision was created at.
func (n *Node) CreatedPath() string { return n.createdPath }

// IsMutable reports whether n is mutable within txnID (§4.G's mutability
// predicate).
func (n *Node) IsMutable(txnID string) bool { return n.id.TxnID == txnID }

// Graph wires the node-revision, representation, and small-record
// tables together behind the typed operations of §4.G.
type Graph struct {
	nodes  *noderev.Store
	reps   *repstore.Store
	tables *fstables.Store
}

// New builds a Graph over already-open component stores.
func New(nodes *noderev.Store, reps *repstore.Store, tables *fstables.Store) *Graph {
	return &Graph{nodes: nodes, reps: reps, tables: tables}
}

// RevisionRoot opens the root node of revision rev.
func (g *Graph) RevisionRoot(tr *trail.Trail, rev uint64) (*Node, error) {
	revRow, err := g.tables.GetRevision(tr, rev)
	if err != nil {
		return nil, err
	}
	txn, err := g.tables.GetTxn(tr, revRow.TxnID)
	if err != nil {
		return nil, err
	}
	return g.GetNode(tr, txn.RootID)
}

// TxnRoot opens txnID's current (possibly already-cloned) root.
func (g *Graph) TxnRoot(tr *trail.Trail, txnID string) (*Node, error) {
	txn, err := g.tables.GetTxn(tr, txnID)
	if err != nil {
		return nil, err
	}
	n, err := g.GetNode(tr, txn.RootID)
	if err != nil {
		return nil, err
	}
	n.txnID = txnID
	return n, nil
}

// TxnBaseRoot opens the revision root txnID was based on.
func (g *Graph) TxnBaseRoot(tr *trail.Trail, txnID string) (*Node, error) {
	txn, err := g.tables.GetTxn(tr, txnID)
	if err != nil {
		return nil, err
	}
	return g.GetNode(tr, txn.BaseID)
}

// GetNode fetches the node-revision named by idStr and wraps it as a
// Node.
func (g *Graph) GetNode(tr *trail.Trail, idStr string) (*Node, error) {
	id, err := parseID(idStr)
	if err != nil {
		return nil, err
	}
	nr, err := g.nodes.Get(tr, id)
	if err != nil {
		return nil, err
	}
	return &Node{g: g, id: id, kind: nr.Kind, createdPath: nr.CreatedPath}, nil
}

// GetPredecessor returns n's predecessor node-rev-id and count.
func (g *Graph) GetPredecessor(tr *trail.Trail, n *Node) (*noderev.ID, int64, error) {
	nr, err := g.nodes.Get(tr, n.id)
	if err != nil {
		return nil, 0, err
	}
	return nr.PredecessorID, nr.PredecessorCount, nil
}

// GetPropRepID returns n's prop-rep-id (possibly "").
func (g *Graph) GetPropRepID(tr *trail.Trail, n *Node) (string, error) {
	nr, err := g.nodes.Get(tr, n.id)
	if err != nil {
		return "", err
	}
	return nr.PropRepID, nil
}

// SetPredecessor rewrites n's predecessor-id to predID and bumps its
// predecessor-count (leaving -1 as -1), as the three-way merge's
// post-merge step requires.
func (g *Graph) SetPredecessor(tr *trail.Trail, n *Node, predID *noderev.ID) error {
	nr, err := g.nodes.Get(tr, n.id)
	if err != nil {
		return err
	}
	nr.PredecessorID = predID
	if nr.PredecessorCount != -1 {
		nr.PredecessorCount++
	}
	return g.nodes.Put(tr, nr)
}

// DirEntries returns dir's child map. Fails NotDirectory if dir is a
// file.
func (g *Graph) DirEntries(tr *trail.Trail, dir *Node) (map[string]*noderev.ID, error) {
	if dir.kind != noderev.KindDir {
		return nil, fmt.Errorf("dag: %s: %w", dir.createdPath, fserrors.ErrNotDirectory)
	}
	nr, err := g.nodes.Get(tr, dir.id)
	if err != nil {
		return nil, err
	}
	raw, err := g.readRepOrEmpty(tr, nr.DataRepID)
	if err != nil {
		return nil, err
	}
	ents, err := decodeEntries(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*noderev.ID, len(ents))
	for name, e := range ents {
		id, err := parseID(e.NodeRevID)
		if err != nil {
			return nil, err
		}
		out[name] = &id
	}
	return out, nil
}

// Open opens dir's child named name, or ErrNoSuchEntry.
func (g *Graph) Open(tr *trail.Trail, dir *Node, name string) (*Node, error) {
	ents, err := g.DirEntries(tr, dir)
	if err != nil {
		return nil, err
	}
	childID, ok := ents[name]
	if !ok {
		return nil, fmt.Errorf("dag: %s/%s: %w", dir.createdPath, name, fserrors.ErrNoSuchEntry)
	}
	return g.GetNode(tr, childID.String())
}

func (g *Graph) readRepOrEmpty(tr *trail.Trail, repID string) ([]byte, error) {
	if repID == "" {
		return []byte("{}"), nil
	}
	content, _, err := g.reps.ReadContents(tr, repID)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return []byte("{}"), nil
	}
	return content, nil
}

func decodeEntries(raw []byte) (map[string]dirEntry, error) {
	ents := map[string]dirEntry{}
	if err := json.Unmarshal(raw, &ents); err != nil {
		return nil, fmt.Errorf("dag: decoding directory entries: %w", fserrors.ErrCorrupt)
	}
	return ents, nil
}

func encodeEntries(ents map[string]dirEntry) ([]byte, error) {
	return json.Marshal(ents)
}

func decodeProps(raw []byte) (map[string]string, error) {
	props := map[string]string{}
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("dag: decoding properties: %w", fserrors.ErrCorrupt)
	}
	return props, nil
}

func encodeProps(props map[string]string) ([]byte, error) {
	return json.Marshal(props)
}

// CloneRoot implements §4.G's clone_root: if txnID's root-id still
// equals its base-id, the base node-rev is fetched, re-written as a
// successor owned by txnID, and the txn's root-id is updated; repeated
// calls are idempotent.
func (g *Graph) CloneRoot(tr *trail.Trail, txnID string) (*Node, error) {
	txn, err := g.tables.GetTxn(tr, txnID)
	if err != nil {
		return nil, err
	}
	if txn.RootID != txn.BaseID {
		return g.TxnRoot(tr, txnID)
	}
	baseID, err := parseID(txn.BaseID)
	if err != nil {
		return nil, err
	}
	baseNR, err := g.nodes.Get(tr, baseID)
	if err != nil {
		return nil, err
	}
	cloneID := g.nodes.NewSuccessorID(baseID, "", txnID)
	count := baseNR.PredecessorCount
	if count != -1 {
		count++
	}
	clone := &noderev.NodeRevision{
		ID:               cloneID,
		Kind:             baseNR.Kind,
		PredecessorID:    &baseID,
		PredecessorCount: count,
		PropRepID:        baseNR.PropRepID,
		DataRepID:        baseNR.DataRepID,
		CreatedPath:      baseNR.CreatedPath,
	}
	if err := g.nodes.Put(tr, clone); err != nil {
		return nil, err
	}
	txn.RootID = cloneID.String()
	if err := g.tables.PutTxn(tr, txnID, txn); err != nil {
		return nil, err
	}
	return &Node{g: g, id: cloneID, kind: clone.Kind, createdPath: clone.CreatedPath, txnID: txnID}, nil
}

// CloneChild implements §4.G's clone_child. parent must be mutable
// under txnID.
func (g *Graph) CloneChild(tr *trail.Trail, parent *Node, parentPath, name string, copyID *string, txnID string) (*Node, error) {
	if !parent.IsMutable(txnID) {
		return nil, fmt.Errorf("dag: clone_child: parent %s: %w", parentPath, fserrors.ErrNotMutable)
	}
	ents, err := g.rawEntries(tr, parent)
	if err != nil {
		return nil, err
	}
	e, ok := ents[name]
	if !ok {
		return nil, fmt.Errorf("dag: %s/%s: %w", parentPath, name, fserrors.ErrNoSuchEntry)
	}
	childID, err := parseID(e.NodeRevID)
	if err != nil {
		return nil, err
	}
	if childID.TxnID == txnID {
		nr, err := g.nodes.Get(tr, childID)
		if err != nil {
			return nil, err
		}
		return &Node{g: g, id: childID, kind: nr.Kind, createdPath: nr.CreatedPath, txnID: txnID}, nil
	}

	childNR, err := g.nodes.Get(tr, childID)
	if err != nil {
		return nil, err
	}
	cID := ""
	if copyID != nil {
		cID = *copyID
	}
	cloneID := g.nodes.NewSuccessorID(childID, cID, txnID)
	count := childNR.PredecessorCount
	if count != -1 {
		count++
	}
	clone := &noderev.NodeRevision{
		ID:               cloneID,
		Kind:             childNR.Kind,
		PredecessorID:    &childID,
		PredecessorCount: count,
		PropRepID:        childNR.PropRepID,
		DataRepID:        childNR.DataRepID,
		CreatedPath:      childNR.CreatedPath,
	}
	if err := g.nodes.Put(tr, clone); err != nil {
		return nil, err
	}
	ents[name] = dirEntry{NodeRevID: cloneID.String(), Kind: clone.Kind}
	if err := g.writeEntries(tr, parent, ents, txnID); err != nil {
		return nil, err
	}
	return &Node{g: g, id: cloneID, kind: clone.Kind, createdPath: clone.CreatedPath, txnID: txnID}, nil
}

func (g *Graph) rawEntries(tr *trail.Trail, dir *Node) (map[string]dirEntry, error) {
	nr, err := g.nodes.Get(tr, dir.id)
	if err != nil {
		return nil, err
	}
	raw, err := g.readRepOrEmpty(tr, nr.DataRepID)
	if err != nil {
		return nil, err
	}
	return decodeEntries(raw)
}

// writeEntries copy-on-writes dir's entries representation with ents,
// requiring dir to already be mutable under txnID.
func (g *Graph) writeEntries(tr *trail.Trail, dir *Node, ents map[string]dirEntry, txnID string) error {
	nr, err := g.nodes.Get(tr, dir.id)
	if err != nil {
		return err
	}
	raw, err := encodeEntries(ents)
	if err != nil {
		return err
	}
	var repIDPtr *string
	if nr.DataRepID != "" {
		repIDPtr = &nr.DataRepID
	}
	repID, err := g.reps.GetMutableRep(tr, repIDPtr, txnID)
	if err != nil {
		return err
	}
	w, err := g.reps.WriteStream(tr, repID, txnID, true)
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	nr.DataRepID = repID
	return g.nodes.Put(tr, nr)
}

// MakeFile creates an empty file node named name under parent. parent
// must be mutable and must not already contain name.
func (g *Graph) MakeFile(tr *trail.Trail, parent *Node, parentPath, name string, txnID string) (*Node, error) {
	return g.makeNode(tr, parent, parentPath, name, txnID, noderev.KindFile)
}

// MakeDir creates an empty directory node named name under parent.
func (g *Graph) MakeDir(tr *trail.Trail, parent *Node, parentPath, name string, txnID string) (*Node, error) {
	return g.makeNode(tr, parent, parentPath, name, txnID, noderev.KindDir)
}

func (g *Graph) makeNode(tr *trail.Trail, parent *Node, parentPath, name string, txnID string, kind noderev.Kind) (*Node, error) {
	if !parent.IsMutable(txnID) {
		return nil, fmt.Errorf("dag: make: parent %s: %w", parentPath, fserrors.ErrNotMutable)
	}
	ents, err := g.rawEntries(tr, parent)
	if err != nil {
		return nil, err
	}
	if _, exists := ents[name]; exists {
		return nil, fmt.Errorf("dag: %s/%s: %w", parentPath, name, fserrors.ErrAlreadyExists)
	}
	id, err := g.nodes.NewNodeID(tr, "0", txnID)
	if err != nil {
		return nil, err
	}
	createdPath := joinPath(parent.createdPath, name)
	nr := &noderev.NodeRevision{ID: id, Kind: kind, PredecessorCount: 0, CreatedPath: createdPath}
	if err := g.nodes.Put(tr, nr); err != nil {
		return nil, err
	}
	ents[name] = dirEntry{NodeRevID: id.String(), Kind: kind}
	if err := g.writeEntries(tr, parent, ents, txnID); err != nil {
		return nil, err
	}
	return &Node{g: g, id: id, kind: kind, createdPath: createdPath, txnID: txnID}, nil
}

// SetProp implements §4.H's change_node_prop: it decodes node's current
// prop-rep (a JSON string-to-string map, or {} if node has none), sets
// name to *value or deletes it if value is nil, and writes the result
// back through GetMutableRep/WriteStream exactly as writeEntries does for
// directory entries. node must be mutable under txnID.
func (g *Graph) SetProp(tr *trail.Trail, node *Node, txnID string, name string, value *string) error {
	if !node.IsMutable(txnID) {
		return fmt.Errorf("dag: change_node_prop: %s: %w", node.createdPath, fserrors.ErrNotMutable)
	}
	nr, err := g.nodes.Get(tr, node.id)
	if err != nil {
		return err
	}
	raw, err := g.readRepOrEmpty(tr, nr.PropRepID)
	if err != nil {
		return err
	}
	props, err := decodeProps(raw)
	if err != nil {
		return err
	}
	if value == nil {
		delete(props, name)
	} else {
		props[name] = *value
	}
	encoded, err := encodeProps(props)
	if err != nil {
		return err
	}
	var repIDPtr *string
	if nr.PropRepID != "" {
		repIDPtr = &nr.PropRepID
	}
	repID, err := g.reps.GetMutableRep(tr, repIDPtr, txnID)
	if err != nil {
		return err
	}
	w, err := g.reps.WriteStream(tr, repID, txnID, true)
	if err != nil {
		return err
	}
	if _, err := w.Write(encoded); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	nr.PropRepID = repID
	return g.nodes.Put(tr, nr)
}

// SetEntry points parent's entry name at childID. parent must be a
// mutable directory.
func (g *Graph) SetEntry(tr *trail.Trail, parent *Node, name string, childID noderev.ID, childKind noderev.Kind, txnID string) error {
	if parent.kind != noderev.KindDir {
		return fmt.Errorf("dag: set_entry: %s: %w", parent.createdPath, fserrors.ErrNotDirectory)
	}
	if !parent.IsMutable(txnID) {
		return fmt.Errorf("dag: set_entry: %s: %w", parent.createdPath, fserrors.ErrNotMutable)
	}
	ents, err := g.rawEntries(tr, parent)
	if err != nil {
		return err
	}
	ents[name] = dirEntry{NodeRevID: childID.String(), Kind: childKind}
	return g.writeEntries(tr, parent, ents, txnID)
}

// Delete removes name from parent. If the referenced child is mutable
// under txnID, its mutable node-revisions are recursively removed; their
// representations and strings are left in place.
func (g *Graph) Delete(tr *trail.Trail, parent *Node, name string, txnID string) error {
	if !parent.IsMutable(txnID) {
		return fmt.Errorf("dag: delete: %s: %w", parent.createdPath, fserrors.ErrNotMutable)
	}
	ents, err := g.rawEntries(tr, parent)
	if err != nil {
		return err
	}
	e, ok := ents[name]
	if !ok {
		return fmt.Errorf("dag: %s/%s: %w", parent.createdPath, name, fserrors.ErrNoSuchEntry)
	}
	childID, err := parseID(e.NodeRevID)
	if err != nil {
		return err
	}
	if childID.TxnID == txnID {
		if err := g.purgeMutableSubtree(tr, childID, txnID); err != nil {
			return err
		}
	}
	delete(ents, name)
	return g.writeEntries(tr, parent, ents, txnID)
}

func (g *Graph) purgeMutableSubtree(tr *trail.Trail, id noderev.ID, txnID string) error {
	nr, err := g.nodes.Get(tr, id)
	if err != nil {
		return err
	}
	if nr.Kind == noderev.KindDir && nr.DataRepID != "" {
		raw, err := g.readRepOrEmpty(tr, nr.DataRepID)
		if err != nil {
			return err
		}
		ents, err := decodeEntries(raw)
		if err != nil {
			return err
		}
		for _, e := range ents {
			childID, err := parseID(e.NodeRevID)
			if err != nil {
				return err
			}
			if childID.TxnID == txnID {
				if err := g.purgeMutableSubtree(tr, childID, txnID); err != nil {
					return err
				}
			}
		}
	}
	return g.nodes.Delete(tr, id)
}

// GetContents returns a reader over file's content.
func (g *Graph) GetContents(tr *trail.Trail, file *Node) (io.Reader, error) {
	if file.kind != noderev.KindFile {
		return nil, fmt.Errorf("dag: %s: %w", file.createdPath, fserrors.ErrNotFile)
	}
	nr, err := g.nodes.Get(tr, file.id)
	if err != nil {
		return nil, err
	}
	if nr.DataRepID == "" {
		return bytesReader(nil), nil
	}
	content, _, err := g.reps.ReadContents(tr, nr.DataRepID)
	if err != nil {
		return nil, err
	}
	return bytesReader(content), nil
}

// FileLength returns the byte length of file's current content.
func (g *Graph) FileLength(tr *trail.Trail, file *Node) (uint64, error) {
	nr, err := g.nodes.Get(tr, file.id)
	if err != nil {
		return 0, err
	}
	if nr.DataRepID == "" {
		return 0, nil
	}
	content, _, err := g.reps.ReadContents(tr, nr.DataRepID)
	if err != nil {
		return 0, err
	}
	return uint64(len(content)), nil
}

// FileChecksum returns file's content MD5.
func (g *Graph) FileChecksum(tr *trail.Trail, file *Node) ([16]byte, error) {
	nr, err := g.nodes.Get(tr, file.id)
	if err != nil {
		return [16]byte{}, err
	}
	if nr.DataRepID == "" {
		return [16]byte{}, nil
	}
	return g.reps.FinalizeMD5(tr, nr.DataRepID)
}

// GetEditStream transactionally allocates a new mutable rep for file's
// edits (discarding any prior in-progress edit), points edit-rep-id at
// it, and returns a writer.
func (g *Graph) GetEditStream(tr *trail.Trail, file *Node, txnID string) (io.WriteCloser, error) {
	if !file.IsMutable(txnID) {
		return nil, fmt.Errorf("dag: get_edit_stream: %s: %w", file.createdPath, fserrors.ErrNotMutable)
	}
	nr, err := g.nodes.Get(tr, file.id)
	if err != nil {
		return nil, err
	}
	repID, err := g.reps.GetMutableRep(tr, nil, txnID)
	if err != nil {
		return nil, err
	}
	nr.EditRepID = repID
	if err := g.nodes.Put(tr, nr); err != nil {
		return nil, err
	}
	return g.reps.WriteStream(tr, repID, txnID, true)
}

// FinalizeEdits validates the edit rep's computed MD5 against
// expectedMD5 (if non-nil), promotes edit-rep-id to data-rep-id, and
// clears edit-rep-id.
func (g *Graph) FinalizeEdits(tr *trail.Trail, file *Node, expectedMD5 *[16]byte, txnID string) error {
	nr, err := g.nodes.Get(tr, file.id)
	if err != nil {
		return err
	}
	if nr.EditRepID == "" {
		return nil
	}
	sum, err := g.reps.FinalizeMD5(tr, nr.EditRepID)
	if err != nil {
		return err
	}
	if expectedMD5 != nil && sum != *expectedMD5 {
		return fmt.Errorf("dag: finalize_edits: %s: %w", file.createdPath, fserrors.ErrChecksumMismatch)
	}
	oldDataRepID := nr.DataRepID
	nr.DataRepID = nr.EditRepID
	nr.EditRepID = ""
	if err := g.nodes.Put(tr, nr); err != nil {
		return err
	}
	if oldDataRepID != "" && oldDataRepID != nr.DataRepID {
		if oldRep, err := g.reps.Get(tr, oldDataRepID); err == nil && oldRep.IsMutableUnder(txnID) {
			// The old rep was this txn's own discarded draft; nothing else
			// can reference it since it was never committed.
			if err := g.reps.Delete(tr, oldDataRepID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Copy implements §4.G's copy operation.
func (g *Graph) Copy(tr *trail.Trail, parent *Node, entry string, source *Node, preserveHistory bool, srcRev uint64, srcPath string, txnID string) error {
	if !preserveHistory {
		return g.SetEntry(tr, parent, entry, source.id, source.kind, txnID)
	}
	copyID, err := g.tables.ReserveCopy(tr)
	if err != nil {
		return err
	}
	if err := g.tables.PutCopy(tr, copyID, &fstables.Copy{
		Kind:         fstables.CopyReal,
		SrcPath:      srcPath,
		SrcTxnID:     fmt.Sprintf("r%d", srcRev),
		DstNodeRevID: "", // filled in below once the successor id is known
	}); err != nil {
		return err
	}
	successorID := g.nodes.NewSuccessorID(source.id, copyID, txnID)
	srcNR, err := g.nodes.Get(tr, source.id)
	if err != nil {
		return err
	}
	createdPath := joinPath(parent.createdPath, entry)
	count := srcNR.PredecessorCount
	if count != -1 {
		count++
	}
	successor := &noderev.NodeRevision{
		ID:               successorID,
		Kind:             srcNR.Kind,
		PredecessorID:    &source.id,
		PredecessorCount: count,
		PropRepID:        srcNR.PropRepID,
		DataRepID:        srcNR.DataRepID,
		CreatedPath:      createdPath,
	}
	if err := g.nodes.Put(tr, successor); err != nil {
		return err
	}
	if err := g.tables.PutCopy(tr, copyID, &fstables.Copy{
		Kind:         fstables.CopyReal,
		SrcPath:      srcPath,
		SrcTxnID:     fmt.Sprintf("r%d", srcRev),
		DstNodeRevID: successorID.String(),
	}); err != nil {
		return err
	}
	txn, err := g.tables.GetTxn(tr, txnID)
	if err != nil {
		return err
	}
	txn.Copies = append(txn.Copies, copyID)
	if err := g.tables.PutTxn(tr, txnID, txn); err != nil {
		return err
	}
	return g.SetEntry(tr, parent, entry, successorID, successor.Kind, txnID)
}

// Deltify redeltifies target's prop-rep against source's prop-rep if
// they differ, and (unless propsOnly) likewise for the data-rep.
func (g *Graph) Deltify(tr *trail.Trail, target, source *Node, propsOnly bool) error {
	tnr, err := g.nodes.Get(tr, target.id)
	if err != nil {
		return err
	}
	snr, err := g.nodes.Get(tr, source.id)
	if err != nil {
		return err
	}
	if tnr.PropRepID != "" && snr.PropRepID != "" && tnr.PropRepID != snr.PropRepID {
		if err := g.reps.Deltify(tr, tnr.PropRepID, snr.PropRepID); err != nil {
			return err
		}
	}
	if propsOnly {
		return nil
	}
	if tnr.DataRepID != "" && snr.DataRepID != "" && tnr.DataRepID != snr.DataRepID {
		if err := g.reps.Deltify(tr, tnr.DataRepID, snr.DataRepID); err != nil {
			return err
		}
	}
	return nil
}

// CommitTxn appends a revision row for txnID and promotes the txn to
// committed.
func (g *Graph) CommitTxn(tr *trail.Trail, txnID string, now func() int64) (uint64, error) {
	txn, err := g.tables.GetTxn(tr, txnID)
	if err != nil {
		return 0, err
	}
	revno, err := g.tables.PutRevision(tr, &fstables.Revision{TxnID: txnID})
	if err != nil {
		return 0, err
	}
	if txn.Proplist == nil {
		txn.Proplist = map[string]string{}
	}
	txn.Proplist["svn:date"] = fmt.Sprintf("%d", now())
	txn.Kind = fstables.TxnCommitted
	txn.Revision = int64(revno)
	if err := g.tables.PutTxn(tr, txnID, txn); err != nil {
		return 0, err
	}
	return revno, nil
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func parseID(s string) (noderev.ID, error) {
	var parts [3]string
	start, idx := 0, 0
	for i := 0; i < len(s) && idx < 2; i++ {
		if s[i] == '.' {
			parts[idx] = s[start:i]
			idx++
			start = i + 1
		}
	}
	parts[idx] = s[start:]
	if idx != 2 {
		return noderev.ID{}, fmt.Errorf("dag: malformed node-rev-id %q: %w", s, fserrors.ErrMalformed)
	}
	return noderev.ID{NodeID: parts[0], CopyID: parts[1], TxnID: parts[2]}, nil
}

type bytesReaderImpl struct {
	b   []byte
	pos int
}

func bytesReader(b []byte) io.Reader { return &bytesReaderImpl{b: b} }

func (r *bytesReaderImpl) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
