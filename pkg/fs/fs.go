// Package fs wires components A through K into the single filesystem
// handle callers open: the key-value façade, trail runner, string and
// representation stores, node-revision store, small-record tables, the
// DAG and tree layers, the lock subsystem, and repository bootstrap
// (revision 0 plus a freshly generated repository uuid), split between
// Open (an existing repository) and Create (a fresh one).
package fs

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/revfs/revfs/pkg/config"
	"github.com/revfs/revfs/pkg/dag"
	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/fstables"
	"github.com/revfs/revfs/pkg/ids"
	"github.com/revfs/revfs/pkg/kv"
	"github.com/revfs/revfs/pkg/lock"
	"github.com/revfs/revfs/pkg/noderev"
	"github.com/revfs/revfs/pkg/repstore"
	"github.com/revfs/revfs/pkg/strstore"
	"github.com/revfs/revfs/pkg/telemetry"
	"github.com/revfs/revfs/pkg/trail"
	"github.com/revfs/revfs/pkg/tree"
)

const rootUUIDTokenBytes = 20

// Filesystem is one open repository: every component store, plus the
// reentrance guard that keeps at most one trail open per handle at a
// time.
type Filesystem struct {
	kv     *kv.Store
	handle *trail.Handle
	tel    *telemetry.Telemetry

	strs   *strstore.Store
	reps   *repstore.Store
	nodes  *noderev.Store
	tables *fstables.Store
	graph  *dag.Graph
	locks  *lock.Store
	cache  *tree.NodeCache

	cfg config.RepoConfig
}

// Open opens an already-created repository at dataDir. Passing an empty
// dataDir opens an in-memory, scratch repository instead (used by tests).
func Open(env *config.Config, log logr.Logger) (*Filesystem, error) {
	return open(env, log, false)
}

// Create bootstraps a brand-new repository at env.DataDir: revision 0,
// a fresh repository uuid, and a default revfs.yaml.
func Create(env *config.Config, log logr.Logger) (*Filesystem, error) {
	return open(env, log, true)
}

func open(env *config.Config, log logr.Logger, create bool) (*Filesystem, error) {
	inMemory := env == nil || env.DataDir == ""
	if create && !inMemory {
		if err := os.MkdirAll(env.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("fs: creating %s: %w", env.DataDir, err)
		}
	}

	var dataDir string
	if env != nil {
		dataDir = env.DataDir
	}
	var repoCfg config.RepoConfig
	var err error
	if create {
		repoCfg = config.DefaultRepoConfig()
		if env != nil && env.LockDefaultTimeout != 0 {
			repoCfg.LockDefaultTimeout = env.LockDefaultTimeout
		}
		if !inMemory {
			if err := config.SaveRepoConfig(dataDir, repoCfg); err != nil {
				return nil, err
			}
		}
	} else if !inMemory {
		repoCfg, err = config.LoadRepoConfig(dataDir, env)
		if err != nil {
			return nil, err
		}
	} else {
		repoCfg = config.DefaultRepoConfig()
	}

	kvStore, err := kv.Open(kv.Options{Dir: dataDir, InMemory: inMemory})
	if err != nil {
		return nil, err
	}

	strs, err := strstore.Open(kvStore)
	if err != nil {
		return nil, err
	}
	reps, err := repstore.Open(kvStore, strs)
	if err != nil {
		return nil, err
	}
	nodes, err := noderev.Open(kvStore)
	if err != nil {
		return nil, err
	}
	tables, err := fstables.Open(kvStore)
	if err != nil {
		return nil, err
	}
	locks, err := lock.Open(kvStore)
	if err != nil {
		return nil, err
	}
	cache, err := tree.NewNodeCache()
	if err != nil {
		return nil, err
	}

	fsys := &Filesystem{
		kv:     kvStore,
		handle: &trail.Handle{},
		tel:    telemetry.New(log),
		strs:   strs,
		reps:   reps,
		nodes:  nodes,
		tables: tables,
		graph:  dag.New(nodes, reps, tables),
		locks:  locks,
		cache:  cache,
		cfg:    repoCfg,
	}

	if create {
		if err := fsys.bootstrap(context.Background()); err != nil {
			kvStore.Close()
			return nil, err
		}
	}
	return fsys, nil
}

// bootstrap creates revision 0: a single committed txn "0" whose root is
// an empty directory at node-rev-id "0.0.0", one revision row pointing
// at it, and a freshly generated repository uuid.
func (fsys *Filesystem) bootstrap(ctx context.Context) error {
	_, err := trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) (struct{}, error) {
		root := &noderev.NodeRevision{
			ID:               noderev.ID{NodeID: ids.First, CopyID: ids.First, TxnID: ids.First},
			Kind:             noderev.KindDir,
			PredecessorCount: -1,
			CreatedPath:      "/",
		}
		if err := fsys.nodes.Put(tr, root); err != nil {
			return struct{}{}, err
		}
		if err := fsys.tables.PutTxn(tr, ids.First, &fstables.Transaction{
			Kind:   fstables.TxnCommitted,
			RootID: root.ID.String(),
			BaseID: root.ID.String(),
		}); err != nil {
			return struct{}{}, err
		}
		if _, err := fsys.tables.PutRevision(tr, &fstables.Revision{TxnID: ids.First}); err != nil {
			return struct{}{}, err
		}
		uuid, err := ids.RandomToken(rootUUIDTokenBytes)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, fsys.tables.PutUUID(tr, uuid)
	})
	return err
}

// Close releases the underlying key-value environment.
func (fsys *Filesystem) Close() error { return fsys.kv.Close() }

// Config returns the repository's current repo-format settings.
func (fsys *Filesystem) Config() config.RepoConfig { return fsys.cfg }

// UUID returns the repository's uuid.
func (fsys *Filesystem) UUID(ctx context.Context) (string, error) {
	v, err := trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) (string, error) {
		return fsys.tables.GetUUID(tr)
	})
	return v, err
}

// Youngest returns the highest committed revision number.
func (fsys *Filesystem) Youngest(ctx context.Context) (uint64, error) {
	return trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) (uint64, error) {
		return fsys.tables.Youngest(tr)
	})
}

// RevisionRoot opens a read-only tree rooted at revision rev.
func (fsys *Filesystem) RevisionRoot(ctx context.Context, rev uint64) (*tree.Tree, error) {
	return trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) (*tree.Tree, error) {
		return tree.RevisionRoot(tr, fsys.graph, fsys.tables, rev, fsys.cache)
	})
}

// BeginTxn starts a new txn based on revision baseRev's root.
func (fsys *Filesystem) BeginTxn(ctx context.Context, baseRev uint64) (string, error) {
	return fsys.beginTxn(ctx, baseRev, false, "")
}

// BeginTxnWithLocks starts a new txn the same way BeginTxn does, but
// marks it check-locks: every mutation through the returned txn's tree
// is authorized against lockToken via the lock subsystem (§4.H step 2),
// failing BadLockToken on a path locked under a different token.
func (fsys *Filesystem) BeginTxnWithLocks(ctx context.Context, baseRev uint64, lockToken string) (string, error) {
	return fsys.beginTxn(ctx, baseRev, true, lockToken)
}

func (fsys *Filesystem) beginTxn(ctx context.Context, baseRev uint64, checkLocks bool, lockToken string) (string, error) {
	return trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) (string, error) {
		root, err := fsys.graph.RevisionRoot(tr, baseRev)
		if err != nil {
			return "", err
		}
		txnID, err := fsys.tables.NewTxnID(tr)
		if err != nil {
			return "", err
		}
		rootID := root.ID().String()
		err = fsys.tables.PutTxn(tr, txnID, &fstables.Transaction{
			Kind: fstables.TxnNormal, RootID: rootID, BaseID: rootID,
			CheckLocks: checkLocks, LockToken: lockToken,
		})
		return txnID, err
	})
}

// TxnRoot opens the mutable tree rooted at txnID.
func (fsys *Filesystem) TxnRoot(ctx context.Context, txnID string) (*tree.Tree, error) {
	return trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) (*tree.Tree, error) {
		return tree.TxnRoot(tr, fsys.graph, fsys.tables, txnID, fsys.cache, fsys.locks, time.Now().Unix())
	})
}

// WithTxn opens txnID's tree and runs body against it inside one trail,
// the shape every multi-step mutation (editor3p/editor3e edits included)
// should use rather than opening a trail per call.
func (fsys *Filesystem) WithTxn(ctx context.Context, txnID string, body func(tr *trail.Trail, t *tree.Tree) error) error {
	_, err := trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) (struct{}, error) {
		t, err := tree.TxnRoot(tr, fsys.graph, fsys.tables, txnID, fsys.cache, fsys.locks, time.Now().Unix())
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, body(tr, t)
	})
	return err
}

// CommitTxn implements §4.H's commit loop over txnID: repeated
// three-way-merge rebase against the youngest revision (pkg/tree.CommitTxn)
// until a commit wins the race or an unresolvable conflict surfaces,
// retrying TxnOutOfDate races against other committers automatically.
func (fsys *Filesystem) CommitTxn(ctx context.Context, txnID string) (uint64, error) {
	return tree.CommitTxn(ctx, fsys.graph, fsys.tables, txnID, func() int64 { return time.Now().Unix() },
		func(body func(*trail.Trail) (uint64, error)) (uint64, error) {
			return trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, body)
		})
}

// Lock acquires a lock on path, using the repository's configured
// default timeout when timeoutSeconds is 0.
func (fsys *Filesystem) Lock(ctx context.Context, path string, kind lock.Kind, owner, comment string, force bool, timeoutSeconds int64, currentToken string) (*lock.Lock, error) {
	if timeoutSeconds == 0 {
		timeoutSeconds = fsys.cfg.LockDefaultTimeout
	}
	now := time.Now().Unix()
	return trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) (*lock.Lock, error) {
		return fsys.locks.Lock(tr, path, kind, owner, comment, force, timeoutSeconds, currentToken, now)
	})
}

// Unlock releases the lock identified by token.
func (fsys *Filesystem) Unlock(ctx context.Context, token, owner string, force bool) error {
	_, err := trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) (struct{}, error) {
		return struct{}{}, fsys.locks.Unlock(tr, token, owner, force)
	})
	return err
}

// GetLocks returns every still-valid lock on path or beneath it.
func (fsys *Filesystem) GetLocks(ctx context.Context, path string) ([]*lock.Lock, error) {
	now := time.Now().Unix()
	return trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) ([]*lock.Lock, error) {
		return fsys.locks.GetLocks(tr, path, now)
	})
}

// VerifyChecksums implements `revfs verify`'s core invariant check:
// every file's stored content must hash to its recorded MD5. walk is
// called once per file with either a checksum-verification error or
// nil.
func (fsys *Filesystem) VerifyChecksums(ctx context.Context, rev uint64, walk func(path string, err error) error) error {
	_, err := trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) (struct{}, error) {
		root, err := fsys.graph.RevisionRoot(tr, rev)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, fsys.verifySubtree(tr, root, "/", walk)
	})
	return err
}

// DirEntry is one row of a directory listing returned by ListDir.
type DirEntry struct {
	Name string
	Kind noderev.Kind
}

// ListDir lists the immediate children of path within revision rev, for
// `revfs info`'s directory summary and similar read-only tooling.
func (fsys *Filesystem) ListDir(ctx context.Context, rev uint64, path string) ([]DirEntry, error) {
	return trail.Retry(ctx, fsys.handle, fsys.kv, fsys.tel, func(tr *trail.Trail) ([]DirEntry, error) {
		t, err := tree.RevisionRoot(tr, fsys.graph, fsys.tables, rev, fsys.cache)
		if err != nil {
			return nil, err
		}
		link, err := t.OpenPath(tr, path, false)
		if err != nil {
			return nil, err
		}
		entries, err := fsys.graph.DirEntries(tr, link.Node)
		if err != nil {
			return nil, err
		}
		out := make([]DirEntry, 0, len(entries))
		for name, id := range entries {
			child, err := fsys.graph.GetNode(tr, id.String())
			if err != nil {
				return nil, err
			}
			out = append(out, DirEntry{Name: name, Kind: child.Kind()})
		}
		return out, nil
	})
}

func (fsys *Filesystem) verifySubtree(tr *trail.Trail, n *dag.Node, path string, walk func(string, error) error) error {
	if n.Kind() == noderev.KindFile {
		_, err := fsys.graph.FileChecksum(tr, n)
		if err != nil && err != fserrors.ErrNotFound {
			err = walk(path, err)
		} else {
			err = walk(path, nil)
		}
		return err
	}
	entries, err := fsys.graph.DirEntries(tr, n)
	if err != nil {
		return err
	}
	for name, id := range entries {
		child, err := fsys.graph.GetNode(tr, id.String())
		if err != nil {
			return err
		}
		childPath := path
		if path == "/" {
			childPath += name
		} else {
			childPath += "/" + name
		}
		if err := fsys.verifySubtree(tr, child, childPath, walk); err != nil {
			return err
		}
	}
	return nil
}
