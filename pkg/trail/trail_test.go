package trail

import (
	"context"
	"testing"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/kv"
)

func openTestStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open(kv.Options{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRetryCommitsOnSuccess(t *testing.T) {
	store := openTestStore(t)
	tb, _ := store.OpenTable("widgets", kv.KindBTree)
	h := &Handle{}

	got, err := Retry(context.Background(), h, store, nil, func(tr *Trail) (string, error) {
		if err := tb.Put(tr.Txn, "k", []byte("v")); err != nil {
			return "", err
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" {
		t.Fatalf("got %q", got)
	}

	txn := store.Begin()
	defer txn.Abort()
	v, err := tb.Get(txn, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v" {
		t.Fatalf("value not committed: %q", v)
	}
}

func TestRetryRunsUndoOnFailure(t *testing.T) {
	store := openTestStore(t)
	h := &Handle{}
	var ranFailure, ranSuccess bool

	_, err := Retry(context.Background(), h, store, nil, func(tr *Trail) (struct{}, error) {
		tr.Defer(OnFailure, func() { ranFailure = true })
		tr.Defer(OnSuccess, func() { ranSuccess = true })
		return struct{}{}, fserrors.ErrNotFound
	})
	if err != fserrors.ErrNotFound {
		t.Fatalf("got %v", err)
	}
	if !ranFailure || ranSuccess {
		t.Fatalf("ranFailure=%v ranSuccess=%v", ranFailure, ranSuccess)
	}
}

func TestRetryPanicsOnReentrance(t *testing.T) {
	store := openTestStore(t)
	h := &Handle{}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on re-entrant trail")
		}
	}()

	Retry(context.Background(), h, store, nil, func(tr *Trail) (struct{}, error) {
		return Retry(context.Background(), h, store, nil, func(*Trail) (struct{}, error) {
			return struct{}{}, nil
		})
	})
}

func TestRetryLoopsOnDeadlock(t *testing.T) {
	store := openTestStore(t)
	h := &Handle{}
	attempts := 0

	got, err := Retry(context.Background(), h, store, nil, func(tr *Trail) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, fserrors.ErrDeadlock
		}
		return attempts, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Fatalf("got %d attempts, want 3", got)
	}
}
