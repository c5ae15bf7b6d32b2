package fs

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/go-logr/logr"

	"github.com/revfs/revfs/pkg/config"
	"github.com/revfs/revfs/pkg/lock"
	"github.com/revfs/revfs/pkg/noderev"
	"github.com/revfs/revfs/pkg/trail"
	"github.com/revfs/revfs/pkg/tree"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fsys, err := Create(&config.Config{DataDir: ""}, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fsys.Close() })
	return fsys
}

func TestCreateBootstrapsRevisionZero(t *testing.T) {
	fsys := newTestFilesystem(t)
	ctx := context.Background()

	youngest, err := fsys.Youngest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if youngest != 0 {
		t.Fatalf("got youngest %d, want 0", youngest)
	}

	uuid, err := fsys.UUID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if uuid == "" {
		t.Fatal("expected a non-empty repository uuid")
	}

	root, err := fsys.RevisionRoot(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if root.Root().Kind() != noderev.KindDir {
		t.Fatal("expected revision 0's root to be a directory")
	}
}

func TestCreateTwiceProducesDifferentUUIDs(t *testing.T) {
	a, err := Create(&config.Config{DataDir: ""}, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Create(&config.Config{DataDir: ""}, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ua, err := a.UUID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ub, err := b.UUID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ua == ub {
		t.Fatal("expected distinct repositories to receive distinct uuids")
	}
}

func TestBeginTxnWriteAndCommit(t *testing.T) {
	fsys := newTestFilesystem(t)
	ctx := context.Background()

	txnID, err := fsys.BeginTxn(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	err = fsys.WithTxn(ctx, txnID, func(tr *trail.Trail, tt *tree.Tree) error {
		if err := tt.MakeDir(tr, "/a"); err != nil {
			return err
		}
		if err := tt.MakeFile(tr, "/a/f"); err != nil {
			return err
		}
		w, err := tt.ApplyText(tr, "/a/f", nil)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, bytes.NewBufferString("hello")); err != nil {
			return err
		}
		return w.Close()
	})
	if err != nil {
		t.Fatal(err)
	}

	rev, err := fsys.CommitTxn(ctx, txnID)
	if err != nil {
		t.Fatal(err)
	}
	if rev != 1 {
		t.Fatalf("got revision %d, want 1", rev)
	}

	youngest, err := fsys.Youngest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if youngest != 1 {
		t.Fatalf("got youngest %d, want 1", youngest)
	}
}

func TestLockAndUnlockRoundTrip(t *testing.T) {
	fsys := newTestFilesystem(t)
	ctx := context.Background()

	l, err := fsys.Lock(ctx, "/a/f", lock.KindFile, "alice", "", false, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if l.Token == "" {
		t.Fatal("expected a non-empty lock token")
	}

	locks, err := fsys.GetLocks(ctx, "/a")
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 1 {
		t.Fatalf("got %d locks, want 1", len(locks))
	}

	if err := fsys.Unlock(ctx, l.Token, "alice", false); err != nil {
		t.Fatal(err)
	}

	locks, err = fsys.GetLocks(ctx, "/a")
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 0 {
		t.Fatalf("got %d locks after unlock, want 0", len(locks))
	}
}

func TestVerifyChecksumsWalksEveryFile(t *testing.T) {
	fsys := newTestFilesystem(t)
	ctx := context.Background()

	txnID, err := fsys.BeginTxn(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = fsys.WithTxn(ctx, txnID, func(tr *trail.Trail, tt *tree.Tree) error {
		if err := tt.MakeFile(tr, "/f"); err != nil {
			return err
		}
		w, err := tt.ApplyText(tr, "/f", nil)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, bytes.NewBufferString("payload")); err != nil {
			return err
		}
		return w.Close()
	})
	if err != nil {
		t.Fatal(err)
	}
	rev, err := fsys.CommitTxn(ctx, txnID)
	if err != nil {
		t.Fatal(err)
	}

	var visited []string
	err = fsys.VerifyChecksums(ctx, rev, func(path string, verr error) error {
		visited = append(visited, path)
		return verr
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(visited) != 1 || visited[0] != "/f" {
		t.Fatalf("got %v, want [/f]", visited)
	}
}
