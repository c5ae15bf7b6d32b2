package editor

import (
	"fmt"

	"github.com/revfs/revfs/pkg/branch"
	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/noderev"
)

// ElementEditor is editor3e: an unordered set of independent
// element-identity changes against one branch of a revision-root,
// expressed in terms of copy_one (editable shallow copy) and copy_tree
// (O(1) immutable deep copy). Every eid this editor allocates is
// txn-local (negative) until branch.RevisionRoot.FinalizeEIDs remaps the
// whole edit to permanent ids at commit.
type ElementEditor struct {
	rr        *branch.RevisionRoot
	target    *branch.BranchState
	cancel    func() error
	immutable map[branch.EID]bool
	closed    bool
}

// NewElementEditor opens an editor3e edit against target, a branch
// within rr.
func NewElementEditor(rr *branch.RevisionRoot, target *branch.BranchState, cancel func() error) *ElementEditor {
	return &ElementEditor{rr: rr, target: target, cancel: cancel, immutable: map[branch.EID]bool{}}
}

func (e *ElementEditor) poll() error {
	if e.closed {
		return ErrEditClosed
	}
	if e.cancel != nil {
		if err := e.cancel(); err != nil {
			e.closed = true
			return fmt.Errorf("editor: cancelled: %w", fserrors.ErrCancelled)
		}
	}
	return nil
}

// CopyOne creates an editable shallow copy of the element at
// (srcBranch, srcEID): the returned eid carries newPayload (or, if nil,
// a copy of the source element's own payload) but none of srcEID's
// children. It is parented under newParentEID in the editor's target
// branch.
func (e *ElementEditor) CopyOne(srcBranch *branch.BranchState, srcEID branch.EID, newParentEID branch.EID, newName string, newPayload *noderev.ID) (branch.EID, error) {
	if err := e.poll(); err != nil {
		return 0, err
	}
	if e.immutable[newParentEID] {
		return 0, fmt.Errorf("editor: copy_one: parent eid %d is an immutable copy_tree result: %w", newParentEID, fserrors.ErrNotMutable)
	}
	src, ok := srcBranch.Elements[srcEID]
	if !ok {
		return 0, fmt.Errorf("editor: copy_one: no such source eid %d: %w", srcEID, fserrors.ErrNoSuchEntry)
	}
	payload := newPayload
	if payload == nil {
		payload = src.Payload
	}
	eid := e.rr.AllocLocalEID()
	e.target.SetElement(eid, newParentEID, newName, payload)
	return eid, nil
}

// CopyTree creates an O(1) deep copy of the subtree rooted at
// (srcBranch, srcEID): the new eid shares srcEID's payload (and,
// transitively, its whole node-revision subtree) without walking any
// descendants, since the underlying DAG layer's representations are
// already copy-on-write. The result cannot be further modified within
// this edit — editor3e forbids mutating a copy_tree result in place, so
// any further change must target a fresh copy_one of it instead.
func (e *ElementEditor) CopyTree(srcBranch *branch.BranchState, srcEID branch.EID, newParentEID branch.EID, newName string) (branch.EID, error) {
	if err := e.poll(); err != nil {
		return 0, err
	}
	if e.immutable[newParentEID] {
		return 0, fmt.Errorf("editor: copy_tree: parent eid %d is an immutable copy_tree result: %w", newParentEID, fserrors.ErrNotMutable)
	}
	src, ok := srcBranch.Elements[srcEID]
	if !ok {
		return 0, fmt.Errorf("editor: copy_tree: no such source eid %d: %w", srcEID, fserrors.ErrNoSuchEntry)
	}
	eid := e.rr.AllocLocalEID()
	e.target.SetElement(eid, newParentEID, newName, src.Payload)
	e.immutable[eid] = true
	return eid, nil
}

// Complete closes the edit for further operations.
func (e *ElementEditor) Complete() error {
	if e.closed {
		return ErrEditClosed
	}
	e.closed = true
	return nil
}

// Abort closes the edit, discarding it without a commit.
func (e *ElementEditor) Abort() error {
	if e.closed {
		return ErrEditClosed
	}
	e.closed = true
	return nil
}
