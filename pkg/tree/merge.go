package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/revfs/revfs/pkg/dag"
	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/fstables"
	"github.com/revfs/revfs/pkg/noderev"
	"github.com/revfs/revfs/pkg/trail"
)

// ThreeWayMerge implements §4.H's per-directory recursive merge. target
// is the txn's own root, source is the currently-committed root being
// rebased onto, ancestor is their common base. On success target is
// mutated in place (via the DAG layer) to reflect source's upstream
// changes layered under target's own edits; on conflict the returned
// error wraps a *fserrors.ConflictError naming the first conflicting
// path.
func ThreeWayMerge(tr *trail.Trail, g *dag.Graph, targetPath string, target, source, ancestor *dag.Node, txnID string) error {
	if target.Kind() != noderev.KindDir || source.Kind() != noderev.KindDir || ancestor.Kind() != noderev.KindDir {
		return fserrors.NewConflict(targetPath)
	}

	tProp, err := g.GetPropRepID(tr, target)
	if err != nil {
		return err
	}
	sProp, err := g.GetPropRepID(tr, source)
	if err != nil {
		return err
	}
	aProp, err := g.GetPropRepID(tr, ancestor)
	if err != nil {
		return err
	}
	if aProp != tProp || aProp != sProp {
		return fserrors.NewConflict(targetPath)
	}

	aEntries, err := g.DirEntries(tr, ancestor)
	if err != nil {
		return err
	}
	sEntries, err := g.DirEntries(tr, source)
	if err != nil {
		return err
	}
	tEntries, err := g.DirEntries(tr, target)
	if err != nil {
		return err
	}

	for name, a := range aEntries {
		s, sPresent := sEntries[name]
		t, tPresent := tEntries[name]

		if sPresent && idsEqual(s, a) {
			continue // no change upstream
		}
		if tPresent && idsEqual(t, a) {
			// Only upstream changed.
			if !sPresent {
				if err := g.Delete(tr, target, name, txnID); err != nil {
					return err
				}
			} else if err := setEntryFromID(tr, g, target, name, *s, txnID); err != nil {
				return err
			}
			continue
		}

		// Both sides changed relative to ancestor.
		if !sPresent || !tPresent {
			return fserrors.NewConflict(joinPathStr(targetPath, name))
		}
		if s.NodeID != a.NodeID || s.CopyID != a.CopyID || t.NodeID != a.NodeID || t.CopyID != a.CopyID {
			return fserrors.NewConflict(joinPathStr(targetPath, name))
		}
		sChild, err := g.GetNode(tr, s.String())
		if err != nil {
			return err
		}
		tChild, err := g.GetNode(tr, t.String())
		if err != nil {
			return err
		}
		aChild, err := g.GetNode(tr, a.String())
		if err != nil {
			return err
		}
		if sChild.Kind() == noderev.KindFile || tChild.Kind() == noderev.KindFile || aChild.Kind() == noderev.KindFile {
			return fserrors.NewConflict(joinPathStr(targetPath, name))
		}
		childPath := joinPathStr(targetPath, name)
		mutableChild, err := g.CloneChild(tr, target, targetPath, name, nil, txnID)
		if err != nil {
			return err
		}
		if err := ThreeWayMerge(tr, g, childPath, mutableChild, sChild, aChild, txnID); err != nil {
			return err
		}
	}

	for name, s := range sEntries {
		if _, inAncestor := aEntries[name]; inAncestor {
			continue
		}
		if _, inTarget := tEntries[name]; inTarget {
			return fserrors.NewConflict(joinPathStr(targetPath, name))
		}
		if err := setEntryFromID(tr, g, target, name, *s, txnID); err != nil {
			return err
		}
	}

	// Entries in target but not in ancestor are left alone.

	sourceID := source.ID()
	return g.SetPredecessor(tr, target, &sourceID)
}

func idsEqual(id *noderev.ID, a *noderev.ID) bool {
	if id == nil || a == nil {
		return id == a
	}
	return *id == *a
}

func joinPathStr(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func setEntryFromID(tr *trail.Trail, g *dag.Graph, target *dag.Node, name string, id noderev.ID, txnID string) error {
	child, err := g.GetNode(tr, id.String())
	if err != nil {
		return err
	}
	return g.SetEntry(tr, target, name, id, child.Kind(), txnID)
}

// CommitTxn implements §4.H's commit loop: repeatedly re-merges the txn
// against the youngest revision until a commit wins the race, or the
// merge reports an unresolvable conflict. trailBody runs one trail.Retry
// attempt; callers pass in their own wrapper so this package stays free
// of a dependency on the telemetry handle.
func CommitTxn(ctx context.Context, g *dag.Graph, tables *fstables.Store, txnID string, now func() int64, trailBody func(body func(*trail.Trail) (uint64, error)) (uint64, error)) (uint64, error) {
	for {
		youngest, err := trailBody(func(tr *trail.Trail) (uint64, error) {
			return tables.Youngest(tr)
		})
		if err != nil {
			return 0, err
		}

		_, err = trailBody(func(tr *trail.Trail) (uint64, error) {
			youngRoot, err := g.RevisionRoot(tr, youngest)
			if err != nil {
				return 0, err
			}
			txnRoot, err := g.TxnRoot(tr, txnID)
			if err != nil {
				return 0, err
			}
			baseRoot, err := g.TxnBaseRoot(tr, txnID)
			if err != nil {
				return 0, err
			}
			if baseRoot.ID() == youngRoot.ID() {
				return 0, nil // trivial merge: nothing to rebase
			}
			if err := ThreeWayMerge(tr, g, "/", txnRoot, youngRoot, baseRoot, txnID); err != nil {
				return 0, err
			}
			txn, err := tables.GetTxn(tr, txnID)
			if err != nil {
				return 0, err
			}
			txn.BaseID = youngRoot.ID().String()
			return 0, tables.PutTxn(tr, txnID, txn)
		})
		if err != nil {
			return 0, err
		}

		revno, err := trailBody(func(tr *trail.Trail) (uint64, error) {
			latest, err := tables.Youngest(tr)
			if err != nil {
				return 0, err
			}
			if latest != youngest {
				return 0, fmt.Errorf("tree: commit: %w", fserrors.ErrTxnOutOfDate)
			}
			return g.CommitTxn(tr, txnID, now)
		})
		if err == nil {
			return revno, nil
		}
		if errors.Is(err, fserrors.ErrTxnOutOfDate) {
			continue
		}
		return 0, err
	}
}
