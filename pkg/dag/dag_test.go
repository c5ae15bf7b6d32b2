package dag

import (
	"context"
	"testing"

	"github.com/revfs/revfs/pkg/fstables"
	"github.com/revfs/revfs/pkg/kv"
	"github.com/revfs/revfs/pkg/noderev"
	"github.com/revfs/revfs/pkg/repstore"
	"github.com/revfs/revfs/pkg/strstore"
	"github.com/revfs/revfs/pkg/trail"
)

func newTestGraph(t *testing.T) (*kv.Store, *Graph, *fstables.Store) {
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
	return kvs, New(nodes, reps, tables), tables
}

func withTrail[T any](t *testing.T, kvs *kv.Store, body func(tr *trail.Trail) (T, error)) T {
	t.Helper()
	h := &trail.Handle{}
	got, err := trail.Retry(context.Background(), h, kvs, nil, body)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

// bootstrapRev0 writes the revision-0 bootstrap state §6 describes:
// committed txn "0" whose root is the empty directory 0.0.0.
func bootstrapRev0(t *testing.T, kvs *kv.Store, g *Graph, tables *fstables.Store) {
	t.Helper()
	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		root := &noderev.NodeRevision{
			ID:               noderev.ID{NodeID: "0", CopyID: "0", TxnID: "0"},
			Kind:             noderev.KindDir,
			PredecessorCount: -1,
			CreatedPath:      "/",
		}
		if err := g.nodes.Put(tr, root); err != nil {
			return struct{}{}, err
		}
		if err := tables.PutTxn(tr, "0", &fstables.Transaction{
			Kind:   fstables.TxnCommitted,
			RootID: "0.0.0",
			BaseID: "0.0.0",
		}); err != nil {
			return struct{}{}, err
		}
		_, err := tables.PutRevision(tr, &fstables.Revision{TxnID: "0"})
		return struct{}{}, err
	})
}

func beginTxn(t *testing.T, kvs *kv.Store, tables *fstables.Store, baseRootID string) string {
	t.Helper()
	return withTrail(t, kvs, func(tr *trail.Trail) (string, error) {
		txnID, err := tables.NewTxnID(tr)
		if err != nil {
			return "", err
		}
		err = tables.PutTxn(tr, txnID, &fstables.Transaction{
			Kind:   fstables.TxnNormal,
			RootID: baseRootID,
			BaseID: baseRootID,
		})
		return txnID, err
	})
}

func TestCreateFileAndReadBack(t *testing.T) {
	kvs, g, tables := newTestGraph(t)
	bootstrapRev0(t, kvs, g, tables)
	txnID := beginTxn(t, kvs, tables, "0.0.0")

	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		root, err := g.CloneRoot(tr, txnID)
		if err != nil {
			return struct{}{}, err
		}
		dir, err := g.MakeDir(tr, root, "/", "a", txnID)
		if err != nil {
			return struct{}{}, err
		}
		file, err := g.MakeFile(tr, dir, "/a", "f", txnID)
		if err != nil {
			return struct{}{}, err
		}
		w, err := g.GetEditStream(tr, file, txnID)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := w.Write([]byte("hello")); err != nil {
			return struct{}{}, err
		}
		if err := w.Close(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, g.FinalizeEdits(tr, file, nil, txnID)
	})

	content := withTrail(t, kvs, func(tr *trail.Trail) ([]byte, error) {
		root, err := g.TxnRoot(tr, txnID)
		if err != nil {
			return nil, err
		}
		dir, err := g.Open(tr, root, "a")
		if err != nil {
			return nil, err
		}
		file, err := g.Open(tr, dir, "f")
		if err != nil {
			return nil, err
		}
		r, err := g.GetContents(tr, file)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 64)
		n, _ := r.Read(buf)
		return buf[:n], nil
	})
	if string(content) != "hello" {
		t.Fatalf("got %q", content)
	}
}

func TestMakeFileRejectsDuplicateName(t *testing.T) {
	kvs, g, tables := newTestGraph(t)
	bootstrapRev0(t, kvs, g, tables)
	txnID := beginTxn(t, kvs, tables, "0.0.0")

	_, err := trail.Retry(context.Background(), &trail.Handle{}, kvs, nil, func(tr *trail.Trail) (struct{}, error) {
		root, err := g.CloneRoot(tr, txnID)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := g.MakeFile(tr, root, "/", "f", txnID); err != nil {
			return struct{}{}, err
		}
		_, err = g.MakeFile(tr, root, "/", "f", txnID)
		return struct{}{}, err
	})
	if err == nil {
		t.Fatal("expected error creating duplicate name")
	}
}

func TestCloneRootIsIdempotent(t *testing.T) {
	kvs, g, tables := newTestGraph(t)
	bootstrapRev0(t, kvs, g, tables)
	txnID := beginTxn(t, kvs, tables, "0.0.0")

	first := withTrail(t, kvs, func(tr *trail.Trail) (string, error) {
		n, err := g.CloneRoot(tr, txnID)
		if err != nil {
			return "", err
		}
		return n.ID().String(), nil
	})
	second := withTrail(t, kvs, func(tr *trail.Trail) (string, error) {
		n, err := g.CloneRoot(tr, txnID)
		if err != nil {
			return "", err
		}
		return n.ID().String(), nil
	})
	if first != second {
		t.Fatalf("clone_root not idempotent: %s vs %s", first, second)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	kvs, g, tables := newTestGraph(t)
	bootstrapRev0(t, kvs, g, tables)
	txnID := beginTxn(t, kvs, tables, "0.0.0")

	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		root, err := g.CloneRoot(tr, txnID)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := g.MakeFile(tr, root, "/", "f", txnID); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, g.Delete(tr, root, "f", txnID)
	})

	_, err := trail.Retry(context.Background(), &trail.Handle{}, kvs, nil, func(tr *trail.Trail) (struct{}, error) {
		root, err := g.TxnRoot(tr, txnID)
		if err != nil {
			return struct{}{}, err
		}
		_, err = g.Open(tr, root, "f")
		return struct{}{}, err
	})
	if err == nil {
		t.Fatal("expected NoSuchEntry after delete")
	}
}

func TestCommitTxnAppendsRevision(t *testing.T) {
	kvs, g, tables := newTestGraph(t)
	bootstrapRev0(t, kvs, g, tables)
	txnID := beginTxn(t, kvs, tables, "0.0.0")

	withTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		root, err := g.CloneRoot(tr, txnID)
		if err != nil {
			return struct{}{}, err
		}
		_, err = g.MakeDir(tr, root, "/", "a", txnID)
		return struct{}{}, err
	})

	revno := withTrail(t, kvs, func(tr *trail.Trail) (uint64, error) {
		return g.CommitTxn(tr, txnID, func() int64 { return 1000 })
	})
	if revno != 1 {
		t.Fatalf("got revno %d, want 1", revno)
	}

	y := withTrail(t, kvs, func(tr *trail.Trail) (uint64, error) {
		return tables.Youngest(tr)
	})
	if y != 1 {
		t.Fatalf("got youngest %d", y)
	}
}
