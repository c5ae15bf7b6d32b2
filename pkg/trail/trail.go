// Package trail implements the trail runner of §4.B: the atomic unit that
// wraps every multi-table DAG/tree/lock/branch operation in one KV
// transaction, retries it on deadlock, and threads an undo chain for
// in-memory side effects that must be unwound on failure (or cleaned up
// only once the surrounding transaction is known to have committed).
package trail

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/kv"
	"github.com/revfs/revfs/pkg/telemetry"
)

// UndoWhen selects when an undo-chain entry runs.
type UndoWhen int

const (
	// OnFailure runs only if the attempt is abandoned (deadlock retry or
	// a non-retryable error).
	OnFailure UndoWhen = iota
	// OnSuccess runs only once the KV transaction has committed.
	OnSuccess
	// Always runs regardless of outcome.
	Always
)

type undoEntry struct {
	when UndoWhen
	fn   func()
}

// Handle is the reentrance guard described in §4.B/§5: one Handle exists
// per filesystem handle (one per goroutine that calls into the engine),
// and Retry refuses to start a trail while another is already open on
// the same Handle.
type Handle struct {
	inTrail atomic.Bool
}

// Trail is the per-attempt state a trail body sees: the open KV
// transaction, a scratch arena that is discarded across retries, and the
// undo chain accumulated so far in the current attempt.
type Trail struct {
	Txn   *kv.Txn
	ctx   context.Context
	store *kv.Store
	undo  []undoEntry
	arena map[string]any
}

// Context returns the context the enclosing Retry call was given, for
// cancellation checks and span propagation.
func (t *Trail) Context() context.Context { return t.ctx }

// Defer registers fn to run when. Entries run in reverse registration
// order, like deferred function calls.
func (t *Trail) Defer(when UndoWhen, fn func()) {
	t.undo = append(t.undo, undoEntry{when: when, fn: fn})
}

// Arena is the per-attempt scratch map described in §9's "pool-scoped
// resources" note: it is fresh on every attempt (including retries) and
// is never consulted after the trail body returns, so results a caller
// needs past that point must be copied out, not stashed here.
func (t *Trail) Arena() map[string]any {
	if t.arena == nil {
		t.arena = make(map[string]any)
	}
	return t.arena
}

func (t *Trail) runUndo(outcome UndoWhen) {
	for i := len(t.undo) - 1; i >= 0; i-- {
		e := t.undo[i]
		if e.when == outcome || e.when == Always {
			e.fn()
		}
	}
}

// Retry runs body repeatedly inside a fresh KV transaction on h's store
// until body succeeds and the transaction commits, or a non-deadlock
// error escapes. It is the sole entry point that may open a KV
// transaction; every multi-table composition in this engine goes through
// it.
//
// Retry panics if h already has a trail open — nesting trails is a
// programming error per §4.B/§5, not a recoverable condition.
func Retry[T any](ctx context.Context, h *Handle, store *kv.Store, tel *telemetry.Telemetry, body func(*Trail) (T, error)) (T, error) {
	var zero T
	if !h.inTrail.CompareAndSwap(false, true) {
		panic("trail: re-entrant trail-txn start on the same handle")
	}
	defer h.inTrail.Store(false)

	ctx, span := tel.StartSpan(ctx, "trail.retry")
	defer span.End()

	for {
		txn := store.Begin()
		t := &Trail{Txn: txn, ctx: ctx, store: store}

		result, err := body(t)

		if err == nil {
			if cerr := txn.Commit(); cerr != nil {
				if errors.Is(cerr, fserrors.ErrDeadlock) {
					txn.Abort()
					t.runUndo(OnFailure)
					tel.RecordDeadlockRetry(ctx)
					continue
				}
				t.runUndo(OnFailure)
				return zero, fmt.Errorf("trail: commit: %w", cerr)
			}
			t.runUndo(OnSuccess)
			return result, nil
		}

		txn.Abort()
		t.runUndo(OnFailure)

		if errors.Is(err, fserrors.ErrDeadlock) {
			tel.RecordDeadlockRetry(ctx)
			continue
		}
		return zero, err
	}
}
