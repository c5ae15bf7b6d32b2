package editor

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-logr/logr"

	"github.com/revfs/revfs/pkg/branch"
	"github.com/revfs/revfs/pkg/dag"
	"github.com/revfs/revfs/pkg/fstables"
	"github.com/revfs/revfs/pkg/kv"
	"github.com/revfs/revfs/pkg/noderev"
	"github.com/revfs/revfs/pkg/repstore"
	"github.com/revfs/revfs/pkg/strstore"
	"github.com/revfs/revfs/pkg/trail"
	"github.com/revfs/revfs/pkg/tree"
)

func newTestEditorGraph(t *testing.T) (*kv.Store, *dag.Graph, *fstables.Store) {
	t.Helper()
	kvs, err := kv.Open(kv.Options{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kvs.Close() })

	strs, err := strstore.Open(kvs)
	if err != nil {
		t.Fatal(err)
	}
	reps, err := repstore.Open(kvs, strs)
	if err != nil {
		t.Fatal(err)
	}
	nodes, err := noderev.Open(kvs)
	if err != nil {
		t.Fatal(err)
	}
	tables, err := fstables.Open(kvs)
	if err != nil {
		t.Fatal(err)
	}

	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		root := &noderev.NodeRevision{
			ID:               noderev.ID{NodeID: "0", CopyID: "0", TxnID: "0"},
			Kind:             noderev.KindDir,
			PredecessorCount: -1,
			CreatedPath:      "/",
		}
		if err := nodes.Put(tr, root); err != nil {
			return struct{}{}, err
		}
		if err := tables.PutTxn(tr, "0", &fstables.Transaction{
			Kind: fstables.TxnCommitted, RootID: "0.0.0", BaseID: "0.0.0",
		}); err != nil {
			return struct{}{}, err
		}
		_, err := tables.PutRevision(tr, &fstables.Revision{TxnID: "0"})
		return struct{}{}, err
	})

	return kvs, dag.New(nodes, reps, tables), tables
}

func withTrail[T any](t *testing.T, kvs *kv.Store, body func(tr *trail.Trail) (T, error)) T {
	t.Helper()
	got, err := trail.Retry(context.Background(), &trail.Handle{}, kvs, nil, body)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func beginTxn(t *testing.T, kvs *kv.Store, tables *fstables.Store) string {
	t.Helper()
	return withTrail(t, kvs, func(tr *trail.Trail) (string, error) {
		txnID, err := tables.NewTxnID(tr)
		if err != nil {
			return "", err
		}
		return txnID, tables.PutTxn(tr, txnID, &fstables.Transaction{
			Kind: fstables.TxnNormal, RootID: "0.0.0", BaseID: "0.0.0",
		})
	})
}

func TestPathEditorMkAndPut(t *testing.T) {
	kvs, g, tables := newTestEditorGraph(t)
	txnID := beginTxn(t, kvs, tables)

	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := tree.TxnRoot(tr, g, tables, txnID, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		ed := NewPathEditor(tr, tt, nil)
		if err := ed.Mk(noderev.KindDir, Loc{Path: "/"}, "a"); err != nil {
			return struct{}{}, err
		}
		if err := ed.Mk(noderev.KindFile, Loc{Path: "/a"}, "f"); err != nil {
			return struct{}{}, err
		}
		if err := ed.Put(Loc{Path: "/a/f"}, bytes.NewBufferString("hello"), nil); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, ed.Complete()
	})

	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := tree.TxnRoot(tr, g, tables, txnID, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		link, err := tt.OpenPath(tr, "/a/f", false)
		if err != nil {
			return struct{}{}, err
		}
		if link.Node.Kind() != noderev.KindFile {
			t.Fatal("expected a file at /a/f")
		}
		return struct{}{}, nil
	})
}

func TestPathEditorRejectsOperationsAfterComplete(t *testing.T) {
	kvs, g, tables := newTestEditorGraph(t)
	txnID := beginTxn(t, kvs, tables)

	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := tree.TxnRoot(tr, g, tables, txnID, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		ed := NewPathEditor(tr, tt, nil)
		if err := ed.Complete(); err != nil {
			t.Fatal(err)
		}
		if err := ed.Mk(noderev.KindDir, Loc{Path: "/"}, "a"); err != ErrEditClosed {
			t.Fatalf("got %v, want ErrEditClosed", err)
		}
		return struct{}{}, nil
	})
}

func TestPathEditorPollsCancelBeforeEachOp(t *testing.T) {
	kvs, g, tables := newTestEditorGraph(t)
	txnID := beginTxn(t, kvs, tables)

	calls := 0
	cancel := func() error {
		calls++
		return context.Canceled
	}

	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := tree.TxnRoot(tr, g, tables, txnID, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		ed := NewPathEditor(tr, tt, cancel)
		err = ed.Mk(noderev.KindDir, Loc{Path: "/"}, "a")
		if err == nil {
			t.Fatal("expected the cancellation to abort the operation")
		}
		return struct{}{}, nil
	})
	if calls != 1 {
		t.Fatalf("got %d cancel polls, want 1", calls)
	}
}

func TestPathEditorRmRejectsWhenDescendantWasCreatedThisEdit(t *testing.T) {
	kvs, g, tables := newTestEditorGraph(t)
	txnID := beginTxn(t, kvs, tables)

	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := tree.TxnRoot(tr, g, tables, txnID, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		ed := NewPathEditor(tr, tt, nil)
		if err := ed.Mk(noderev.KindDir, Loc{Path: "/"}, "a"); err != nil {
			return struct{}{}, err
		}
		if err := ed.Mk(noderev.KindFile, Loc{Path: "/a"}, "f"); err != nil {
			return struct{}{}, err
		}
		if err := ed.Rm(Loc{Path: "/a"}); err != ErrHasDescendant {
			t.Fatalf("got %v, want ErrHasDescendant", err)
		}
		return struct{}{}, nil
	})
}

func TestTracingPathEditorDelegates(t *testing.T) {
	kvs, g, tables := newTestEditorGraph(t)
	txnID := beginTxn(t, kvs, tables)

	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := tree.TxnRoot(tr, g, tables, txnID, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		ed := NewTracingPathEditor(NewPathEditor(tr, tt, nil), logr.Discard())
		return struct{}{}, ed.Mk(noderev.KindDir, Loc{Path: "/"}, "a")
	})

	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		tt, err := tree.TxnRoot(tr, g, tables, txnID, nil, nil, 0)
		if err != nil {
			return struct{}{}, err
		}
		_, err = tt.OpenPath(tr, "/a", false)
		return struct{}{}, err
	})
}

func TestElementEditorCopyTreeThenRejectsFurtherMutation(t *testing.T) {
	rr := branch.NewRevisionRoot(-1)
	b0 := rr.AddNewBranch(nil, branch.NoParent)
	id := noderev.ID{NodeID: "1", CopyID: "0", TxnID: "0"}
	b0.Elements[b0.RootEID].Payload = &id

	fileID := rr.AllocEID()
	fid := noderev.ID{NodeID: "2", CopyID: "0", TxnID: "0"}
	b0.SetElement(fileID, b0.RootEID, "f", &fid)

	ed := NewElementEditor(rr, b0, nil)
	newEID, err := ed.CopyTree(b0, fileID, b0.RootEID, "f-copy")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ed.CopyOne(b0, fileID, newEID, "nested", nil); err == nil {
		t.Fatal("expected copy_one under a copy_tree result to be rejected")
	}

	path, ok := b0.PathByEID(newEID)
	if !ok || path != "/f-copy" {
		t.Fatalf("got %q, %v", path, ok)
	}
}

func TestElementEditorCopyOneIsEditable(t *testing.T) {
	rr := branch.NewRevisionRoot(-1)
	b0 := rr.AddNewBranch(nil, branch.NoParent)
	id := noderev.ID{NodeID: "1", CopyID: "0", TxnID: "0"}
	b0.Elements[b0.RootEID].Payload = &id

	fileID := rr.AllocEID()
	fid := noderev.ID{NodeID: "2", CopyID: "0", TxnID: "0"}
	b0.SetElement(fileID, b0.RootEID, "f", &fid)

	ed := NewElementEditor(rr, b0, nil)
	copyEID, err := ed.CopyOne(b0, fileID, b0.RootEID, "f-copy", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ed.CopyOne(b0, fileID, copyEID, "nested", nil); err != nil {
		t.Fatalf("expected a copy_one result to remain editable: %v", err)
	}
}
