package tree

import (
	"context"
	"testing"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/kv"
	"github.com/revfs/revfs/pkg/trail"
)

func newTestHandle() *trail.Handle { return &trail.Handle{} }

func trailBodyFor(kvs *kv.Store) func(body func(*trail.Trail) (uint64, error)) (uint64, error) {
	h := newTestHandle()
	return func(body func(*trail.Trail) (uint64, error)) (uint64, error) {
		return trail.Retry(context.Background(), h, kvs, nil, body)
	}
}

func TestCommitTxnTrivialMerge(t *testing.T) {
	kvs, g, tables, nodes := newTestTreeGraph(t)
	bootstrapTreeRev0(t, kvs, nodes, tables)
	txnID := beginTreeTxn(t, kvs, tables, "0.0.0")

	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := TxnRoot(tr, g, tables, txnID, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tt.MakeDir(tr, "/a")
	})

	revno, err := CommitTxn(context.Background(), g, tables, txnID, func() int64 { return 1 }, trailBodyFor(kvs))
	if err != nil {
		t.Fatal(err)
	}
	if revno != 1 {
		t.Fatalf("got revno %d, want 1", revno)
	}
}

func TestCommitTxnConcurrentNonConflictingMerge(t *testing.T) {
	kvs, g, tables, nodes := newTestTreeGraph(t)
	bootstrapTreeRev0(t, kvs, nodes, tables)

	txnA := beginTreeTxn(t, kvs, tables, "0.0.0")
	txnB := beginTreeTxn(t, kvs, tables, "0.0.0")

	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := TxnRoot(tr, g, tables, txnA, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tt.MakeDir(tr, "/a")
	})
	if _, err := CommitTxn(context.Background(), g, tables, txnA, func() int64 { return 1 }, trailBodyFor(kvs)); err != nil {
		t.Fatal(err)
	}

	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := TxnRoot(tr, g, tables, txnB, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tt.MakeDir(tr, "/b")
	})
	revno, err := CommitTxn(context.Background(), g, tables, txnB, func() int64 { return 2 }, trailBodyFor(kvs))
	if err != nil {
		t.Fatalf("expected non-conflicting commit to succeed, got %v", err)
	}
	if revno != 2 {
		t.Fatalf("got revno %d, want 2", revno)
	}

	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		rt, err := RevisionRoot(tr, g, tables, 2, nil)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := rt.OpenPath(tr, "/a", false); err != nil {
			t.Fatalf("expected /a from txnA's commit to survive the merge: %v", err)
		}
		if _, err := rt.OpenPath(tr, "/b", false); err != nil {
			t.Fatalf("expected /b from txnB's commit to survive the merge: %v", err)
		}
		return struct{}{}, nil
	})
}

func TestCommitTxnConflictingMerge(t *testing.T) {
	kvs, g, tables, nodes := newTestTreeGraph(t)
	bootstrapTreeRev0(t, kvs, nodes, tables)

	txnA := beginTreeTxn(t, kvs, tables, "0.0.0")
	txnB := beginTreeTxn(t, kvs, tables, "0.0.0")

	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := TxnRoot(tr, g, tables, txnA, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tt.MakeFile(tr, "/same")
	})
	if _, err := CommitTxn(context.Background(), g, tables, txnA, func() int64 { return 1 }, trailBodyFor(kvs)); err != nil {
		t.Fatal(err)
	}

	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := TxnRoot(tr, g, tables, txnB, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tt.MakeFile(tr, "/same")
	})
	_, err := CommitTxn(context.Background(), g, tables, txnB, func() int64 { return 2 }, trailBodyFor(kvs))
	if err == nil {
		t.Fatal("expected a conflict committing two txns that both add /same")
	}
	if _, ok := fserrors.AsConflict(err); !ok {
		t.Fatalf("expected a ConflictError, got %v", err)
	}
}

func TestThreeWayMergeRecursesIntoSharedSubdirectory(t *testing.T) {
	kvs, g, tables, nodes := newTestTreeGraph(t)
	bootstrapTreeRev0(t, kvs, nodes, tables)

	base := beginTreeTxn(t, kvs, tables, "0.0.0")
	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := TxnRoot(tr, g, tables, base, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tt.MakeDir(tr, "/dir")
	})
	if _, err := CommitTxn(context.Background(), g, tables, base, func() int64 { return 1 }, trailBodyFor(kvs)); err != nil {
		t.Fatal(err)
	}

	txnA := beginTreeTxn(t, kvs, tables, "0.0.0")
	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		root, err := g.RevisionRoot(tr, 1)
		if err != nil {
			return struct{}{}, err
		}
		txn, err := tables.GetTxn(tr, txnA)
		if err != nil {
			return struct{}{}, err
		}
		txn.RootID = root.ID().String()
		txn.BaseID = root.ID().String()
		return struct{}{}, tables.PutTxn(tr, txnA, txn)
	})
	txnB := beginTreeTxn(t, kvs, tables, "")
	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		root, err := g.RevisionRoot(tr, 1)
		if err != nil {
			return struct{}{}, err
		}
		txn, err := tables.GetTxn(tr, txnB)
		if err != nil {
			return struct{}{}, err
		}
		txn.RootID = root.ID().String()
		txn.BaseID = root.ID().String()
		return struct{}{}, tables.PutTxn(tr, txnB, txn)
	})

	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := TxnRoot(tr, g, tables, txnA, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tt.MakeFile(tr, "/dir/x")
	})
	if _, err := CommitTxn(context.Background(), g, tables, txnA, func() int64 { return 2 }, trailBodyFor(kvs)); err != nil {
		t.Fatal(err)
	}

	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := TxnRoot(tr, g, tables, txnB, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tt.MakeFile(tr, "/dir/y")
	})
	revno, err := CommitTxn(context.Background(), g, tables, txnB, func() int64 { return 3 }, trailBodyFor(kvs))
	if err != nil {
		t.Fatalf("expected recursive merge of disjoint subdirectory entries to succeed: %v", err)
	}

	withTreeTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		rt, err := RevisionRoot(tr, g, tables, revno, nil)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := rt.OpenPath(tr, "/dir/x", false); err != nil {
			t.Fatalf("expected /dir/x to survive the merge: %v", err)
		}
		if _, err := rt.OpenPath(tr, "/dir/y", false); err != nil {
			t.Fatalf("expected /dir/y to survive the merge: %v", err)
		}
		return struct{}{}, nil
	})
}
