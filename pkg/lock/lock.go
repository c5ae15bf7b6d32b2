// Package lock implements the path-based advisory lock subsystem of
// §4.I: a token-keyed locks table, a path-keyed lock-tokens table
// (directories suffixed with "/" so a prefix scan over a directory's
// descendants is unambiguous), lazy expiry, and recursive sub-path
// authorization checks used by the tree layer's mutation surface.
package lock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/kv"
	"github.com/revfs/revfs/pkg/trail"
)

const (
	locksTableName      = "locks"
	lockTokensTableName = "lock-tokens"
)

// Kind distinguishes a lock taken on a file from one taken on a
// directory; only the path-key encoding differs between the two.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// Lock is one row of the locks table, keyed by token.
type Lock struct {
	Token          string `json:"token"`
	Path           string `json:"path"`
	Kind           Kind   `json:"kind"`
	Owner          string `json:"owner"`
	Comment        string `json:"comment,omitempty"`
	Created        int64  `json:"created"`
	ExpirationDate int64  `json:"expiration_date,omitempty"` // 0 means never
}

// Store bundles the two lock tables.
type Store struct {
	locks  kv.Table
	tokens kv.Table
}

// Open declares the locks and lock-tokens tables.
func Open(kvStore *kv.Store) (*Store, error) {
	locks, err := kvStore.OpenTable(locksTableName, kv.KindBTree)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	tokens, err := kvStore.OpenTable(lockTokensTableName, kv.KindBTree)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	return &Store{locks: locks, tokens: tokens}, nil
}

func pathKey(path string, kind Kind) string {
	if kind == KindDir {
		return path + "/"
	}
	return path
}

// Lock implements §4.I's lock operation. If path is already locked and
// force is false (and currentToken does not match the existing lock's
// token, allowing a holder to refresh their own lock), it fails with
// ErrAlreadyExists. timeout <= 0 means the lock never expires.
func (s *Store) Lock(tr *trail.Trail, path string, kind Kind, owner, comment string, force bool, timeoutSeconds int64, currentToken string, now int64) (*Lock, error) {
	if existing, err := s.getLockFromPathRaw(tr, path, now); err == nil {
		if !force && existing.Token != currentToken {
			return nil, fmt.Errorf("lock: %s: %w", path, fserrors.ErrAlreadyExists)
		}
		if err := s.unlockRows(tr, existing); err != nil {
			return nil, err
		}
	} else if err != fserrors.ErrNoSuchLock {
		return nil, err
	}

	token, err := s.locks.NextKey(tr.Txn)
	if err != nil {
		return nil, fmt.Errorf("lock: allocating token: %w", err)
	}
	tokenStr := "opaquelocktoken:" + token

	var expiry int64
	if timeoutSeconds > 0 {
		expiry = now + timeoutSeconds
	}
	l := &Lock{
		Token:          tokenStr,
		Path:           path,
		Kind:           kind,
		Owner:          owner,
		Comment:        comment,
		Created:        now,
		ExpirationDate: expiry,
	}
	if err := s.putLock(tr, l); err != nil {
		return nil, err
	}
	if err := s.tokens.Put(tr.Txn, pathKey(path, kind), []byte(tokenStr)); err != nil {
		return nil, fmt.Errorf("lock: %s: %w", path, err)
	}
	return l, nil
}

// Unlock implements §4.I's unlock. force bypasses the ownership check
// (owner must equal the lock's Owner) that otherwise applies.
func (s *Store) Unlock(tr *trail.Trail, token, owner string, force bool) error {
	l, err := s.GetLockFromToken(tr, token, 0)
	if err != nil {
		return err
	}
	if !force && l.Owner != owner {
		return fmt.Errorf("lock: %s: %w", l.Path, fserrors.ErrBadLockToken)
	}
	return s.unlockRows(tr, l)
}

func (s *Store) unlockRows(tr *trail.Trail, l *Lock) error {
	if err := s.locks.Delete(tr.Txn, l.Token); err != nil && err != fserrors.ErrNotFound {
		return fmt.Errorf("lock: deleting %s: %w", l.Token, err)
	}
	key := pathKey(l.Path, l.Kind)
	if err := s.tokens.Delete(tr.Txn, key); err != nil && err != fserrors.ErrNotFound {
		return fmt.Errorf("lock: deleting token row %s: %w", key, err)
	}
	return nil
}

func (s *Store) putLock(tr *trail.Trail, l *Lock) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return s.locks.Put(tr.Txn, l.Token, raw)
}

// GetLockFromToken implements §4.I's get_lock_from_token, applying the
// lazy-expiry rule: a lock found past its expiration-date is deleted and
// ErrLockExpired is returned instead.
func (s *Store) GetLockFromToken(tr *trail.Trail, token string, now int64) (*Lock, error) {
	raw, err := s.locks.Get(tr.Txn, token)
	if err != nil {
		if err == fserrors.ErrNotFound {
			return nil, fserrors.ErrNoSuchLock
		}
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("lock: token %s: %w", token, fserrors.ErrCorrupt)
	}
	if l.ExpirationDate != 0 && now != 0 && now >= l.ExpirationDate {
		_ = s.unlockRows(tr, &l)
		return nil, fserrors.ErrLockExpired
	}
	return &l, nil
}

// GetLockFromPath implements §4.I's get_lock_from_path.
func (s *Store) GetLockFromPath(tr *trail.Trail, path string, now int64) (*Lock, error) {
	return s.getLockFromPathRaw(tr, path, now)
}

func (s *Store) getLockFromPathRaw(tr *trail.Trail, path string, now int64) (*Lock, error) {
	for _, key := range []string{path, path + "/"} {
		raw, err := s.tokens.Get(tr.Txn, key)
		if err == fserrors.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		token := string(raw)
		l, err := s.GetLockFromToken(tr, token, now)
		if err != nil {
			if err == fserrors.ErrLockExpired || err == fserrors.ErrNoSuchLock {
				if delErr := s.tokens.Delete(tr.Txn, key); delErr != nil && delErr != fserrors.ErrNotFound {
					return nil, delErr
				}
			}
			return nil, err
		}
		return l, nil
	}
	return nil, fserrors.ErrNoSuchLock
}

// GetLocks implements §4.I's get_locks: path's own lock (if any, valid)
// followed by every still-valid lock on a descendant path, in key order.
func (s *Store) GetLocks(tr *trail.Trail, path string, now int64) ([]*Lock, error) {
	var out []*Lock
	if l, err := s.getLockFromPathRaw(tr, path, now); err == nil {
		out = append(out, l)
	} else if err != fserrors.ErrNoSuchLock {
		return nil, err
	}

	prefix := strings.TrimSuffix(path, "/") + "/"
	cur := s.tokens.Cursor(tr.Txn)
	defer cur.Close()
	for cur.SeekRange(prefix); cur.Valid(); cur.Next() {
		key := cur.Key()
		if !strings.HasPrefix(key, prefix) {
			break
		}
		if key == pathKey(path, KindDir) {
			continue // already included above
		}
		raw, err := cur.Value()
		if err != nil {
			return nil, err
		}
		l, err := s.GetLockFromToken(tr, string(raw), now)
		if err != nil {
			if err == fserrors.ErrLockExpired || err == fserrors.ErrNoSuchLock {
				continue
			}
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// AllowLockedOperation implements §4.I's allow_locked_operation: path
// must either be unlocked or locked under callerToken; recursive also
// requires every descendant lock to be held under callerToken.
func (s *Store) AllowLockedOperation(tr *trail.Trail, path string, recursive bool, callerToken string, now int64) error {
	if !recursive {
		l, err := s.getLockFromPathRaw(tr, path, now)
		if err == fserrors.ErrNoSuchLock {
			return nil
		}
		if err != nil {
			return err
		}
		if l.Token != callerToken {
			return fmt.Errorf("lock: %s: %w", path, fserrors.ErrBadLockToken)
		}
		return nil
	}
	locks, err := s.GetLocks(tr, path, now)
	if err != nil {
		return err
	}
	for _, l := range locks {
		if l.Token != callerToken {
			return fmt.Errorf("lock: %s: %w", l.Path, fserrors.ErrBadLockToken)
		}
	}
	return nil
}
