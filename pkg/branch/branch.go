// Package branch implements the element-identity layer of §4.J: a
// revision-root holding a forest of branch states, each mapping a dense
// space of element-ids to (parent-eid, name, payload) triples; elements
// whose payload is nil mark the root of a nested sub-branch rather than
// an ordinary file or directory.
//
// Unlike the small-record tables in pkg/fstables, a revision-root is
// built and mutated entirely in memory during an edit (§4.K) and only
// serialized to its ASCII form (Serialize/Parse, §6) at commit time, so
// this package holds no kv.Table of its own.
package branch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/noderev"
)

// EID is an element-id. Non-negative values are permanent; negative
// values are txn-local, valid only until FinalizeEIDs remaps them.
type EID int

// NoParent is the parent-eid recorded on a branch's root element.
const NoParent EID = -1

// Element is one row of a branch state's element map. A nil Payload
// marks the eid as the root of a nested sub-branch: the real content
// lives in that sub-branch's own elements, addressed by its own
// root-eid.
type Element struct {
	ParentEID EID
	Name      string
	Payload   *noderev.ID
}

// IsSubbranchRoot reports whether e marks a nested sub-branch rather
// than an ordinary node.
func (e *Element) IsSubbranchRoot() bool { return e.Payload == nil }

// BranchState is one branch's element map, per §4.J.
type BranchState struct {
	id          string
	RootEID     EID
	OuterBranch *BranchState // nil for a top-level branch
	OuterEID    EID          // NoParent for a top-level branch
	Elements    map[EID]*Element

	// pendingNormal tracks, immediately after Parse, which eids were
	// read as "normal" but still need ResolvePayloads to attach their
	// real node-revision reference.
	pendingNormal map[EID]bool
}

// ID returns b's branch-id string ("B0", "B0.14", "B0.14.27", ...).
func (b *BranchState) ID() string { return b.id }

// RevisionRoot is §4.J's revision-root: the edit-time container for the
// whole branch forest plus the eid allocator.
type RevisionRoot struct {
	Rev          int64 // -1 while uncommitted
	BaseRev      int64
	FirstEID     EID
	NextEID      EID
	nextTopLevel int
	nextLocal    EID
	RootBranches []*BranchState
	Branches     []*BranchState
}

// NewRevisionRoot builds an empty revision-root based on baseRev, with
// no branches yet.
func NewRevisionRoot(baseRev int64) *RevisionRoot {
	return &RevisionRoot{Rev: -1, BaseRev: baseRev, FirstEID: 0, NextEID: 0}
}

// AllocEID returns a fresh permanent eid and advances NextEID.
func (rr *RevisionRoot) AllocEID() EID {
	id := rr.NextEID
	rr.NextEID++
	return id
}

// AllocLocalEID returns a fresh negative, txn-local eid, for use inside
// a single editor3e edit (§4.K) before FinalizeEIDs runs.
func (rr *RevisionRoot) AllocLocalEID() EID {
	rr.nextLocal--
	return rr.nextLocal
}

// AddNewBranch creates a new branch rooted at a freshly allocated eid.
// outer is nil for a top-level branch; otherwise outerEID is the eid in
// outer's element map that this branch hangs off (outer.Elements[outerEID]
// must exist and have a nil Payload once the caller wires it up).
func (rr *RevisionRoot) AddNewBranch(outer *BranchState, outerEID EID) *BranchState {
	var id string
	if outer == nil {
		id = "B" + strconv.Itoa(rr.nextTopLevel)
		rr.nextTopLevel++
	} else {
		id = outer.id + "." + strconv.Itoa(int(outerEID))
	}
	root := rr.AllocEID()
	b := &BranchState{
		id:          id,
		RootEID:     root,
		OuterBranch: outer,
		OuterEID:    outerEID,
		Elements:    map[EID]*Element{root: {ParentEID: NoParent, Name: ""}},
	}
	rr.Branches = append(rr.Branches, b)
	if outer == nil {
		rr.RootBranches = append(rr.RootBranches, b)
	}
	return b
}

// GetSubbranchAtEID returns the sub-branch hanging off eid in branch, if
// any.
func (rr *RevisionRoot) GetSubbranchAtEID(branch *BranchState, eid EID) *BranchState {
	for _, b := range rr.Branches {
		if b.OuterBranch == branch && b.OuterEID == eid {
			return b
		}
	}
	return nil
}

// DeleteBranchR removes branch and, recursively, every sub-branch
// rooted anywhere inside it.
func (rr *RevisionRoot) DeleteBranchR(branch *BranchState) {
	for eid := range branch.Elements {
		if sub := rr.GetSubbranchAtEID(branch, eid); sub != nil {
			rr.DeleteBranchR(sub)
		}
	}
	rr.Branches = removeBranch(rr.Branches, branch)
	rr.RootBranches = removeBranch(rr.RootBranches, branch)
}

func removeBranch(list []*BranchState, b *BranchState) []*BranchState {
	out := list[:0]
	for _, x := range list {
		if x != b {
			out = append(out, x)
		}
	}
	return out
}

// SetElement writes or overwrites the element at eid.
func (b *BranchState) SetElement(eid EID, parentEID EID, name string, payload *noderev.ID) {
	if b.Elements == nil {
		b.Elements = map[EID]*Element{}
	}
	b.Elements[eid] = &Element{ParentEID: parentEID, Name: name, Payload: payload}
}

// DeleteElement removes eid from b's element map outright (callers that
// want orphan semantics instead should simply delete the parent and let
// PurgeOrphans clean up descendants).
func (b *BranchState) DeleteElement(eid EID) {
	delete(b.Elements, eid)
}

// PathByEID walks eid's parent-eid chain to the branch root, returning
// the root-relative path, or false if the chain is dangling (purge
// orphans first, per §9's open question on these accessors).
func (b *BranchState) PathByEID(eid EID) (string, bool) {
	var parts []string
	cur := eid
	for {
		e, ok := b.Elements[cur]
		if !ok {
			return "", false
		}
		if cur == b.RootEID {
			break
		}
		parts = append(parts, e.Name)
		cur = e.ParentEID
		if cur == NoParent {
			return "", false
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	if len(parts) == 0 {
		return "/", true
	}
	return "/" + strings.Join(parts, "/"), true
}

// EIDByPath is the inverse of PathByEID; §4.J documents it as an O(N)
// linear scan rather than an indexed lookup.
func (b *BranchState) EIDByPath(path string) (EID, bool) {
	for eid := range b.Elements {
		p, ok := b.PathByEID(eid)
		if ok && p == path {
			return eid, true
		}
	}
	return 0, false
}

// PurgeOrphans implements §4.J/§9's stabilization pass: repeatedly drops
// any element whose parent-eid chain doesn't reach the branch root,
// until a fixed point is reached. A purely cyclic cluster disconnected
// from the root is left unreclaimed: such a cluster indicates a
// programming error upstream, not a condition this layer must detect.
func (b *BranchState) PurgeOrphans() {
	for {
		removed := false
		for eid, e := range b.Elements {
			if eid == b.RootEID {
				continue
			}
			if _, ok := b.Elements[e.ParentEID]; !ok {
				delete(b.Elements, eid)
				removed = true
			}
		}
		if !removed {
			return
		}
	}
}

// Subtree is the self-contained, orphan-free view get_subtree returns:
// a copy of one branch's reachable elements rooted at eid, plus the
// sub-branches (themselves recursively captured) hanging underneath it.
type Subtree struct {
	RootEID     EID
	Elements    map[EID]*Element
	Subbranches map[EID]*Subtree
}

// GetSubtree implements §4.J's get_subtree: branch must have no dangling
// parent-eids (call PurgeOrphans first).
func (rr *RevisionRoot) GetSubtree(branch *BranchState, eid EID) (*Subtree, error) {
	root, ok := branch.Elements[eid]
	if !ok {
		return nil, fmt.Errorf("branch: %s: no such eid %d: %w", branch.id, eid, fserrors.ErrNoSuchEntry)
	}
	_ = root
	st := &Subtree{RootEID: eid, Elements: map[EID]*Element{}, Subbranches: map[EID]*Subtree{}}
	rr.collectSubtree(branch, eid, st)
	return st, nil
}

func (rr *RevisionRoot) collectSubtree(branch *BranchState, eid EID, st *Subtree) {
	e := branch.Elements[eid]
	cp := *e
	st.Elements[eid] = &cp
	if sub := rr.GetSubbranchAtEID(branch, eid); sub != nil {
		subTree, _ := rr.GetSubtree(sub, sub.RootEID)
		st.Subbranches[eid] = subTree
	}
	for childEID, child := range branch.Elements {
		if child.ParentEID == eid && childEID != eid {
			rr.collectSubtree(branch, childEID, st)
		}
	}
}

// InstantiateSubtree implements §4.J's instantiate_subtree: writes every
// element of subtree into branch under parentEID/name, preserving the
// subtree's own eids, and recursively re-creating any sub-branches it
// carried.
func (rr *RevisionRoot) InstantiateSubtree(branch *BranchState, parentEID EID, name string, subtree *Subtree) error {
	if _, ok := branch.Elements[parentEID]; !ok {
		return fmt.Errorf("branch: %s: no such parent eid %d: %w", branch.id, parentEID, fserrors.ErrNoSuchEntry)
	}
	return rr.instantiate(branch, parentEID, name, subtree.RootEID, subtree)
}

func (rr *RevisionRoot) instantiate(branch *BranchState, parentEID EID, name string, srcEID EID, subtree *Subtree) error {
	src := subtree.Elements[srcEID]
	branch.SetElement(srcEID, parentEID, name, src.Payload)
	if sub, ok := subtree.Subbranches[srcEID]; ok {
		newBranch := rr.AddNewBranch(branch, srcEID)
		if err := rr.instantiate(newBranch, newBranch.RootEID, "", sub.RootEID, sub); err != nil {
			return err
		}
	}
	for childEID, child := range subtree.Elements {
		if child.ParentEID == srcEID && childEID != srcEID {
			if err := rr.instantiate(branch, srcEID, child.Name, childEID, subtree); err != nil {
				return err
			}
		}
	}
	return nil
}

// MapAddSubtree implements §4.J's map_add_subtree: like
// InstantiateSubtree, but allocates a fresh eid for every non-root
// element, an O(N) deep copy that discards history. It refuses a
// subtree containing sub-branches, per the restriction described in §9.
func (rr *RevisionRoot) MapAddSubtree(branch *BranchState, parentEID EID, name string, subtree *Subtree) error {
	if len(subtree.Subbranches) > 0 {
		return fmt.Errorf("branch: map_add_subtree: %w", fserrors.ErrUnsupportedFeature)
	}
	if _, ok := branch.Elements[parentEID]; !ok {
		return fmt.Errorf("branch: %s: no such parent eid %d: %w", branch.id, parentEID, fserrors.ErrNoSuchEntry)
	}
	order := sortedEIDs(subtree.Elements)
	remap := map[EID]EID{}
	for _, eid := range order {
		remap[eid] = rr.AllocEID()
	}
	for _, eid := range order {
		e := subtree.Elements[eid]
		newEID := remap[eid]
		newParent := parentEID
		newName := name
		if eid != subtree.RootEID {
			newName = e.Name
			if p, ok := remap[e.ParentEID]; ok {
				newParent = p
			}
		}
		branch.SetElement(newEID, newParent, newName, e.Payload)
	}
	return nil
}

func sortedEIDs(m map[EID]*Element) []EID {
	out := make([]EID, 0, len(m))
	for eid := range m {
		out = append(out, eid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FinalizeEIDs remaps every negative, txn-local eid appearing across
// rr's branches to a fresh permanent eid in [FirstEID, NextEID), as
// required before commit.
func (rr *RevisionRoot) FinalizeEIDs() {
	remap := map[EID]EID{}
	for _, b := range rr.Branches {
		for eid := range b.Elements {
			if eid < 0 {
				if _, ok := remap[eid]; !ok {
					remap[eid] = rr.AllocEID()
				}
			}
		}
	}
	if len(remap) == 0 {
		return
	}
	for _, b := range rr.Branches {
		newElements := make(map[EID]*Element, len(b.Elements))
		for eid, e := range b.Elements {
			newEID := eid
			if r, ok := remap[eid]; ok {
				newEID = r
			}
			newParent := e.ParentEID
			if r, ok := remap[e.ParentEID]; ok {
				newParent = r
			}
			newElements[newEID] = &Element{ParentEID: newParent, Name: e.Name, Payload: e.Payload}
		}
		b.Elements = newElements
		if r, ok := remap[b.RootEID]; ok {
			b.RootEID = r
		}
		if r, ok := remap[b.OuterEID]; ok {
			b.OuterEID = r
		}
	}
}
