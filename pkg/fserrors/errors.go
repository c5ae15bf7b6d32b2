// Package fserrors defines the error taxonomy shared by every layer of the
// engine (§7 of the design). Every fallible operation returns one of these
// sentinels, wrapped with context via fmt.Errorf's %w so the full cause
// chain survives to the ultimate caller and so errors.Is/errors.As keep
// working after wrapping.
package fserrors

import "errors"

// Structural errors: the on-disk data itself is wrong.
var (
	ErrCorrupt         = errors.New("revfs: corrupt data")
	ErrMalformed       = errors.New("revfs: malformed record")
	ErrVersionMismatch = errors.New("revfs: version mismatch")
)

// Lookup errors: the thing asked for does not exist.
var (
	ErrNotFound          = errors.New("revfs: not found")
	ErrDanglingID        = errors.New("revfs: dangling id")
	ErrDanglingRev       = errors.New("revfs: dangling revision")
	ErrNoSuchTxn         = errors.New("revfs: no such transaction")
	ErrNoSuchCopy        = errors.New("revfs: no such copy")
	ErrNoSuchNodeOrigin  = errors.New("revfs: no such node origin")
	ErrNoSuchChecksumRep = errors.New("revfs: no such checksum rep")
	ErrNoSuchLock        = errors.New("revfs: no such lock")
	ErrBadLockToken      = errors.New("revfs: bad lock token")
	ErrLockExpired       = errors.New("revfs: lock expired")
)

// State errors: the operation does not make sense given current state.
var (
	ErrNotMutable             = errors.New("revfs: not mutable")
	ErrAlreadyExists          = errors.New("revfs: already exists")
	ErrNotDirectory           = errors.New("revfs: not a directory")
	ErrNotFile                = errors.New("revfs: not a file")
	ErrNotSinglePathComponent = errors.New("revfs: not a single path component")
	ErrRootDir                = errors.New("revfs: operation not allowed on root directory")
	ErrNotTxnRoot             = errors.New("revfs: not a transaction root")
	ErrNotRevisionRoot        = errors.New("revfs: not a revision root")
	ErrNoSuchEntry            = errors.New("revfs: no such directory entry")
)

// Concurrency errors.
var (
	// ErrDeadlock is retryable: the trail runner catches it anywhere in the
	// returned error chain and retries the body from scratch.
	ErrDeadlock    = errors.New("revfs: deadlock, retry transaction")
	ErrTxnOutOfDate = errors.New("revfs: transaction out of date")
)

// ConflictError is returned by the three-way merge. Unlike the other
// sentinels it carries state (the first conflicting path) so it is a
// concrete type rather than a package-level value; wrap it with
// NewConflict and detect it with AsConflict.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return "revfs: conflict at " + e.Path
}

// NewConflict builds a ConflictError for path.
func NewConflict(path string) error { return &ConflictError{Path: path} }

// AsConflict reports whether err is (or wraps) a *ConflictError and returns
// it if so.
func AsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// Integrity errors.
var ErrChecksumMismatch = errors.New("revfs: checksum mismatch")

// Operational errors.
var (
	ErrCancelled           = errors.New("revfs: operation cancelled")
	ErrPanic               = errors.New("revfs: environment panicked, recovery required")
	ErrAlreadyOpen         = errors.New("revfs: trail already open on this handle")
	ErrUnsupportedFeature  = errors.New("revfs: unsupported feature")
)
