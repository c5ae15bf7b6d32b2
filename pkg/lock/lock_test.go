package lock

import (
	"context"
	"testing"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/kv"
	"github.com/revfs/revfs/pkg/trail"
)

func newTestLockStore(t *testing.T) (*kv.Store, *Store) {
	t.Helper()
	kvs, err := kv.Open(kv.Options{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kvs.Close() })
	s, err := Open(kvs)
	if err != nil {
		t.Fatal(err)
	}
	return kvs, s
}

func withLockTrail[T any](t *testing.T, kvs *kv.Store, body func(tr *trail.Trail) (T, error)) T {
	t.Helper()
	got, err := trail.Retry(context.Background(), &trail.Handle{}, kvs, nil, body)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestLockAndGetLockFromPath(t *testing.T) {
	kvs, s := newTestLockStore(t)

	l := withLockTrail(t, kvs, func(tr *trail.Trail) (*Lock, error) {
		return s.Lock(tr, "/a/f", KindFile, "alice", "", false, 0, "", 1000)
	})
	if l.Token == "" {
		t.Fatal("expected non-empty token")
	}

	got := withLockTrail(t, kvs, func(tr *trail.Trail) (*Lock, error) {
		return s.GetLockFromPath(tr, "/a/f", 1000)
	})
	if got.Token != l.Token || got.Owner != "alice" {
		t.Fatalf("got %+v", got)
	}
}

func TestLockWithoutForceRejectsDoubleLock(t *testing.T) {
	kvs, s := newTestLockStore(t)

	withLockTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		_, err := s.Lock(tr, "/a/f", KindFile, "alice", "", false, 0, "", 1000)
		return struct{}{}, err
	})

	_, err := trail.Retry(context.Background(), &trail.Handle{}, kvs, nil, func(tr *trail.Trail) (struct{}, error) {
		_, err := s.Lock(tr, "/a/f", KindFile, "bob", "", false, 0, "", 1000)
		return struct{}{}, err
	})
	if err == nil {
		t.Fatal("expected error locking an already-locked path without force")
	}
}

func TestLockExpiresLazily(t *testing.T) {
	kvs, s := newTestLockStore(t)

	withLockTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		_, err := s.Lock(tr, "/a/f", KindFile, "alice", "", false, 10, "", 1000)
		return struct{}{}, err
	})

	_, err := trail.Retry(context.Background(), &trail.Handle{}, kvs, nil, func(tr *trail.Trail) (struct{}, error) {
		_, err := s.GetLockFromPath(tr, "/a/f", 1011)
		return struct{}{}, err
	})
	if err != fserrors.ErrLockExpired {
		t.Fatalf("got %v, want ErrLockExpired", err)
	}

	// The expired lock's rows should now be gone, not just masked.
	_, err = trail.Retry(context.Background(), &trail.Handle{}, kvs, nil, func(tr *trail.Trail) (struct{}, error) {
		_, err := s.GetLockFromPath(tr, "/a/f", 1011)
		return struct{}{}, err
	})
	if err != fserrors.ErrNoSuchLock {
		t.Fatalf("got %v, want ErrNoSuchLock after expiry cleanup", err)
	}
}

func TestUnlockRequiresOwnershipWithoutForce(t *testing.T) {
	kvs, s := newTestLockStore(t)

	l := withLockTrail(t, kvs, func(tr *trail.Trail) (*Lock, error) {
		return s.Lock(tr, "/a/f", KindFile, "alice", "", false, 0, "", 1000)
	})

	_, err := trail.Retry(context.Background(), &trail.Handle{}, kvs, nil, func(tr *trail.Trail) (struct{}, error) {
		return struct{}{}, s.Unlock(tr, l.Token, "bob", false)
	})
	if err == nil {
		t.Fatal("expected error unlocking someone else's lock without force")
	}

	withLockTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		return struct{}{}, s.Unlock(tr, l.Token, "bob", true)
	})

	_, err = trail.Retry(context.Background(), &trail.Handle{}, kvs, nil, func(tr *trail.Trail) (struct{}, error) {
		_, err := s.GetLockFromToken(tr, l.Token, 1000)
		return struct{}{}, err
	})
	if err != fserrors.ErrNoSuchLock {
		t.Fatalf("got %v, want ErrNoSuchLock after force unlock", err)
	}
}

func TestGetLocksEnumeratesDescendants(t *testing.T) {
	kvs, s := newTestLockStore(t)

	withLockTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		if _, err := s.Lock(tr, "/a", KindDir, "alice", "", false, 0, "", 1000); err != nil {
			return struct{}{}, err
		}
		if _, err := s.Lock(tr, "/a/x", KindFile, "alice", "", false, 0, "", 1000); err != nil {
			return struct{}{}, err
		}
		_, err := s.Lock(tr, "/a/y", KindFile, "bob", "", false, 0, "", 1000)
		return struct{}{}, err
	})

	locks := withLockTrail(t, kvs, func(tr *trail.Trail) ([]*Lock, error) {
		return s.GetLocks(tr, "/a", 1000)
	})
	if len(locks) != 3 {
		t.Fatalf("got %d locks, want 3", len(locks))
	}
}

func TestAllowLockedOperationRecursiveRejectsForeignToken(t *testing.T) {
	kvs, s := newTestLockStore(t)

	aliceLock := withLockTrail(t, kvs, func(tr *trail.Trail) (*Lock, error) {
		return s.Lock(tr, "/a", KindDir, "alice", "", false, 0, "", 1000)
	})
	withLockTrail(t, kvs, func(tr *trail.Trail) (struct{}, error) {
		_, err := s.Lock(tr, "/a/x", KindFile, "bob", "", false, 0, "", 1000)
		return struct{}{}, err
	})

	_, err := trail.Retry(context.Background(), &trail.Handle{}, kvs, nil, func(tr *trail.Trail) (struct{}, error) {
		return struct{}{}, s.AllowLockedOperation(tr, "/a", true, aliceLock.Token, 1000)
	})
	if err == nil {
		t.Fatal("expected rejection: /a/x is locked under a different token")
	}
}
