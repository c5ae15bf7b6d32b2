// Package tree implements the path layer of §4.H on top of the DAG:
// path canonicalization, the parent-path chain with copy-id inheritance
// tracking, just-in-time cloning, the mutation surface, and the
// commit-time three-way merge against the current youngest revision.
package tree

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/revfs/revfs/pkg/dag"
	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/fstables"
	"github.com/revfs/revfs/pkg/lock"
	"github.com/revfs/revfs/pkg/noderev"
	"github.com/revfs/revfs/pkg/trail"
)

// CanonicalizePath folds path to: leading "/", no trailing "/" except
// for the root, no duplicate interior "/".
func CanonicalizePath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "/"
	}
	return "/" + strings.Join(kept, "/")
}

// SplitLastComponent splits a canonical path into its parent directory
// and final component. For "/" both are "/" and "" respectively.
func SplitLastComponent(path string) (parent, name string) {
	path = CanonicalizePath(path)
	if path == "/" {
		return "/", ""
	}
	idx := strings.LastIndexByte(path, '/')
	name = path[idx+1:]
	if idx == 0 {
		return "/", name
	}
	return path[:idx], name
}

// CopyStyle is the per-level copy-id inheritance annotation of §4.H.
type CopyStyle int

const (
	StyleSelf CopyStyle = iota
	StyleParent
	StyleNew
)

// ParentPathLink is one leaf-to-root element of the chain open_path
// builds while walking a path.
type ParentPathLink struct {
	Node        *dag.Node // nil iff this is the requested leaf and last-optional allowed it to be absent
	EntryName   string    // "" for the root link
	Parent      *ParentPathLink
	Style       CopyStyle
	CopySrcPath string // valid when Style == StyleNew
}

// FullPath reconstructs the canonical path this link addresses by
// walking up to the root.
func (l *ParentPathLink) FullPath() string {
	var names []string
	for cur := l; cur != nil && cur.EntryName != ""; cur = cur.Parent {
		names = append([]string{cur.EntryName}, names...)
	}
	if len(names) == 0 {
		return "/"
	}
	return "/" + strings.Join(names, "/")
}

// NodeCache is the per-root node cache type §4.H allows the tree layer
// to maintain: a root-scoped canonical path, hashed with xxhash (the
// same hash badger uses internally) to a uint64 key, mapped to a
// node-rev-id string. It is invalidated explicitly by Tree.invalidate
// rather than relying on TTL, matching §4.H's "MUST invalidate on any
// set_entry/delete touching a prefix" requirement.
type NodeCache = ristretto.Cache[uint64, string]

func cacheKey(rootKey, path string) uint64 {
	h := xxhash.New()
	h.WriteString(rootKey)
	h.WriteString(":")
	h.WriteString(path)
	return h.Sum64()
}

// Tree is one opened root (a revision root or a txn root) together with
// the DAG graph it walks and an optional shared node cache.
type Tree struct {
	g       *dag.Graph
	tables  *fstables.Store
	root    *dag.Node
	txnID   string // "" for a revision root
	rootKey string // cache namespace: "rev:<n>" or "txn:<id>"
	cache   *NodeCache

	locks      *lock.Store
	checkLocks bool
	lockToken  string
	now        int64
}

// NewNodeCache builds a node cache. Entries are namespaced by each Tree's
// root key, so one cache can serve several roots: pkg/fs builds one per
// Filesystem and hands it to every Tree it opens, one trail at a time.
func NewNodeCache() (*NodeCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[uint64, string]{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("tree: building node cache: %w", err)
	}
	return c, nil
}

// RevisionRoot opens revision rev as a read-only tree root.
func RevisionRoot(tr *trail.Trail, g *dag.Graph, tables *fstables.Store, rev uint64, cache *NodeCache) (*Tree, error) {
	root, err := g.RevisionRoot(tr, rev)
	if err != nil {
		return nil, err
	}
	return &Tree{g: g, tables: tables, root: root, rootKey: fmt.Sprintf("rev:%d", rev), cache: cache}, nil
}

// TxnRoot opens txnID as a mutable tree root. locks and now back the
// mutation surface's §4.H step-2 lock authorization check, driven by
// whatever check-locks/lock-token the txn was created with; locks may be
// nil when the caller never authorizes mutations against locks (e.g.
// tests that construct a txn directly against the DAG layer).
func TxnRoot(tr *trail.Trail, g *dag.Graph, tables *fstables.Store, txnID string, cache *NodeCache, locks *lock.Store, now int64) (*Tree, error) {
	root, err := g.TxnRoot(tr, txnID)
	if err != nil {
		return nil, err
	}
	txn, err := tables.GetTxn(tr, txnID)
	if err != nil {
		return nil, err
	}
	// cache may be shared with other Trees: entries are keyed by rootKey,
	// and every mutation through this Tree clears it (see invalidate).
	return &Tree{
		g: g, tables: tables, root: root, txnID: txnID, rootKey: "txn:" + txnID, cache: cache,
		locks: locks, checkLocks: txn.CheckLocks, lockToken: txn.LockToken, now: now,
	}, nil
}

// checkLock implements §4.H mutation step 2: when t's txn was created
// with check-locks, path (and, if recursive, everything beneath it) must
// be unlocked or locked under t's own lock-token.
func (t *Tree) checkLock(tr *trail.Trail, path string, recursive bool) error {
	if !t.checkLocks || t.locks == nil {
		return nil
	}
	return t.locks.AllowLockedOperation(tr, path, recursive, t.lockToken, t.now)
}

func (t *Tree) invalidate(prefix string) {
	if t.cache == nil {
		return
	}
	// keys are hashes, so the entries under prefix cannot be enumerated;
	// the whole cache is cleared
	t.cache.Clear()
}

// OpenPath walks path from t's root, returning the leaf-first
// parent-path chain. lastOptional mirrors §4.H's last-optional flag.
func (t *Tree) OpenPath(tr *trail.Trail, path string, lastOptional bool) (*ParentPathLink, error) {
	path = CanonicalizePath(path)
	root := &ParentPathLink{Node: t.root, EntryName: ""}
	if path == "/" {
		return root, nil
	}
	components := strings.Split(strings.TrimPrefix(path, "/"), "/")

	cur := root
	for i, name := range components {
		if strings.Contains(name, "/") || name == "" {
			return nil, fmt.Errorf("tree: %q: %w", path, fserrors.ErrNotSinglePathComponent)
		}
		if cur.Node == nil {
			return nil, fmt.Errorf("tree: %s: %w", cur.FullPath(), fserrors.ErrNotFound)
		}
		if cur.Node.Kind() != noderev.KindDir {
			return nil, fmt.Errorf("tree: %s: %w", cur.FullPath(), fserrors.ErrNotDirectory)
		}
		childPath := joinFullPath(cur, name)
		child, err := t.lookupChild(tr, cur.Node, childPath, name)
		isLast := i == len(components)-1
		if err != nil {
			if isLast && lastOptional && isNoSuchEntry(err) {
				style, srcPath := t.inheritanceStyle(tr, cur, nil, name)
				cur = &ParentPathLink{Node: nil, EntryName: name, Parent: cur, Style: style, CopySrcPath: srcPath}
				continue
			}
			return nil, err
		}
		style, srcPath := t.inheritanceStyle(tr, cur, child, name)
		cur = &ParentPathLink{Node: child, EntryName: name, Parent: cur, Style: style, CopySrcPath: srcPath}
	}
	return cur, nil
}

func isNoSuchEntry(err error) bool {
	return errors.Is(err, fserrors.ErrNoSuchEntry)
}

// lookupChild resolves dir's entry named name at childPath, consulting
// t's node cache first. A cache hit still re-fetches the node-revision
// by id (cheap, a single point lookup) rather than trusting a possibly
// stale Node value, so the cache only ever saves the directory-entries
// decode, never risks serving a torn Node.
func (t *Tree) lookupChild(tr *trail.Trail, dir *dag.Node, childPath, name string) (*dag.Node, error) {
	if t.cache != nil {
		if nodeID, ok := t.cache.Get(cacheKey(t.rootKey, childPath)); ok {
			if n, err := t.g.GetNode(tr, nodeID); err == nil {
				return n, nil
			}
		}
	}
	child, err := t.g.Open(tr, dir, name)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Set(cacheKey(t.rootKey, childPath), child.ID().String(), 1)
	}
	return child, nil
}

// inheritanceStyle implements the copy-id inheritance determination rule
// of §4.H given a parent link and a (possibly nil, for last-optional
// misses) child node.
func (t *Tree) inheritanceStyle(tr *trail.Trail, parentLink *ParentPathLink, child *dag.Node, name string) (CopyStyle, string) {
	if child == nil {
		return StyleParent, ""
	}
	if t.txnID != "" && child.IsMutable(t.txnID) {
		return StyleSelf, ""
	}
	parentCopyID := ""
	if parentLink.Node != nil {
		parentCopyID = parentLink.Node.ID().CopyID
	}
	childID := child.ID()
	if childID.CopyID == "0" || childID.CopyID == parentCopyID {
		return StyleParent, ""
	}
	copyRow, err := t.tables.GetCopy(tr, childID.CopyID)
	if err != nil {
		return StyleParent, ""
	}
	if copyRow.DstNodeRevID != childID.String() {
		return StyleParent, ""
	}
	currentPath := joinFullPath(parentLink, name)
	if child.CreatedPath() != currentPath {
		return StyleNew, child.CreatedPath()
	}
	return StyleSelf, ""
}

func joinFullPath(parent *ParentPathLink, name string) string {
	p := parent.FullPath()
	if p == "/" {
		return "/" + name
	}
	return p + "/" + name
}

// MakePathMutable walks the chain from root downward, reserving fresh
// copy-ids where the inheritance style calls for StyleNew, and calling
// CloneRoot/CloneChild at each level. Idempotent across repeated calls
// with the same arguments.
func (t *Tree) MakePathMutable(tr *trail.Trail, parentPath string, txnID string) (*dag.Node, error) {
	link, err := t.OpenPath(tr, parentPath, false)
	if err != nil {
		return nil, err
	}
	return t.makeLinkMutable(tr, link, txnID)
}

func (t *Tree) makeLinkMutable(tr *trail.Trail, link *ParentPathLink, txnID string) (*dag.Node, error) {
	if link.Parent == nil {
		// Root.
		n, err := t.g.CloneRoot(tr, txnID)
		if err != nil {
			return nil, err
		}
		t.root = n
		return n, nil
	}
	parentNode, err := t.makeLinkMutable(tr, link.Parent, txnID)
	if err != nil {
		return nil, err
	}
	var copyID *string
	switch link.Style {
	case StyleNew:
		id, err := t.tables.ReserveCopy(tr)
		if err != nil {
			return nil, err
		}
		if err := t.tables.PutCopy(tr, id, &fstables.Copy{
			Kind:         fstables.CopySoft,
			SrcPath:      link.CopySrcPath,
			DstNodeRevID: link.Node.ID().String(),
		}); err != nil {
			return nil, err
		}
		txn, err := t.tables.GetTxn(tr, txnID)
		if err != nil {
			return nil, err
		}
		txn.Copies = append(txn.Copies, id)
		if err := t.tables.PutTxn(tr, txnID, txn); err != nil {
			return nil, err
		}
		copyID = &id
	case StyleParent:
		c := parentNode.ID().CopyID
		copyID = &c
	}
	child, err := t.g.CloneChild(tr, parentNode, link.Parent.FullPath(), link.EntryName, copyID, txnID)
	if err != nil {
		return nil, err
	}
	t.invalidate(joinFullPath(link.Parent, link.EntryName))
	return child, nil
}

// ---- Mutation surface ----

func (t *Tree) requireTxnRoot() error {
	if t.txnID == "" {
		return fserrors.ErrNotTxnRoot
	}
	return nil
}

// MakeDir creates a directory at path.
func (t *Tree) MakeDir(tr *trail.Trail, path string) error {
	if err := t.requireTxnRoot(); err != nil {
		return err
	}
	parentPath, name := SplitLastComponent(path)
	if name == "" {
		return fserrors.ErrRootDir
	}
	parent, err := t.MakePathMutable(tr, parentPath, t.txnID)
	if err != nil {
		return err
	}
	if err := t.checkLock(tr, path, false); err != nil {
		return err
	}
	id, err := t.g.MakeDir(tr, parent, parentPath, name, t.txnID)
	if err != nil {
		return err
	}
	t.invalidate(path)
	return t.recordChange(tr, path, id.ID().String(), fstables.ChangeAdd, false, false)
}

// MakeFile creates a file at path.
func (t *Tree) MakeFile(tr *trail.Trail, path string) error {
	if err := t.requireTxnRoot(); err != nil {
		return err
	}
	parentPath, name := SplitLastComponent(path)
	if name == "" {
		return fserrors.ErrRootDir
	}
	parent, err := t.MakePathMutable(tr, parentPath, t.txnID)
	if err != nil {
		return err
	}
	if err := t.checkLock(tr, path, false); err != nil {
		return err
	}
	node, err := t.g.MakeFile(tr, parent, parentPath, name, t.txnID)
	if err != nil {
		return err
	}
	t.invalidate(path)
	return t.recordChange(tr, path, node.ID().String(), fstables.ChangeAdd, false, false)
}

// Delete removes path. Deleting "/" is ErrRootDir.
func (t *Tree) Delete(tr *trail.Trail, path string) error {
	if err := t.requireTxnRoot(); err != nil {
		return err
	}
	path = CanonicalizePath(path)
	if path == "/" {
		return fserrors.ErrRootDir
	}
	parentPath, name := SplitLastComponent(path)
	leaf, err := t.OpenPath(tr, path, false)
	if err != nil {
		return err
	}
	parent, err := t.MakePathMutable(tr, parentPath, t.txnID)
	if err != nil {
		return err
	}
	if err := t.checkLock(tr, path, true); err != nil {
		return err
	}
	if err := t.g.Delete(tr, parent, name, t.txnID); err != nil {
		return err
	}
	t.invalidate(path)
	return t.recordChange(tr, path, leaf.Node.ID().String(), fstables.ChangeDelete, false, false)
}

// ChangeNodeProp sets or clears (value == nil) a property on path.
// Property storage reuses the same representation mechanism as file
// content: the node's PropRepID names a fulltext rep holding a small
// JSON property map.
func (t *Tree) ChangeNodeProp(tr *trail.Trail, path string, name string, value *string) error {
	if err := t.requireTxnRoot(); err != nil {
		return err
	}
	parentPath, entryName := SplitLastComponent(path)
	parent, err := t.MakePathMutable(tr, parentPath, t.txnID)
	if err != nil {
		return err
	}
	node, err := t.g.CloneChild(tr, parent, parentPath, entryName, nil, t.txnID)
	if err != nil {
		return err
	}
	if err := t.checkLock(tr, path, false); err != nil {
		return err
	}
	if err := t.g.SetProp(tr, node, t.txnID, name, value); err != nil {
		return err
	}
	t.invalidate(path)
	return t.recordChange(tr, path, node.ID().String(), fstables.ChangeModify, false, true)
}

// ApplyText returns a writer for path's full replacement content,
// verified against resultMD5 (if non-nil) when closed.
func (t *Tree) ApplyText(tr *trail.Trail, path string, resultMD5 *[16]byte) (io.WriteCloser, error) {
	if err := t.requireTxnRoot(); err != nil {
		return nil, err
	}
	parentPath, name := SplitLastComponent(path)
	parent, err := t.MakePathMutable(tr, parentPath, t.txnID)
	if err != nil {
		return nil, err
	}
	node, err := t.g.CloneChild(tr, parent, parentPath, name, nil, t.txnID)
	if err != nil {
		return nil, err
	}
	if err := t.checkLock(tr, path, false); err != nil {
		return nil, err
	}
	w, err := t.g.GetEditStream(tr, node, t.txnID)
	if err != nil {
		return nil, err
	}
	return &finalizingWriter{tr: tr, g: t.g, node: node, w: w, expect: resultMD5, onClose: func() error {
		t.invalidate(path)
		return t.recordChange(tr, path, node.ID().String(), fstables.ChangeModify, true, false)
	}}, nil
}

type finalizingWriter struct {
	tr      *trail.Trail
	g       *dag.Graph
	node    *dag.Node
	w       io.WriteCloser
	expect  *[16]byte
	onClose func() error
}

func (f *finalizingWriter) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f *finalizingWriter) Close() error {
	if err := f.w.Close(); err != nil {
		return err
	}
	if err := f.g.FinalizeEdits(f.tr, f.node, f.expect, f.node.ID().TxnID); err != nil {
		return err
	}
	return f.onClose()
}

// Copy copies srcPath from srcTree at srcRev into dstPath of t.
func (t *Tree) Copy(tr *trail.Trail, srcTree *Tree, srcRev uint64, srcPath, dstPath string, preserveHistory bool) error {
	if err := t.requireTxnRoot(); err != nil {
		return err
	}
	srcLink, err := srcTree.OpenPath(tr, srcPath, false)
	if err != nil {
		return err
	}
	dstParentPath, name := SplitLastComponent(dstPath)
	dstParent, err := t.MakePathMutable(tr, dstParentPath, t.txnID)
	if err != nil {
		return err
	}
	if err := t.checkLock(tr, dstPath, true); err != nil {
		return err
	}
	if err := t.g.Copy(tr, dstParent, name, srcLink.Node, preserveHistory, srcRev, srcPath, t.txnID); err != nil {
		return err
	}
	t.invalidate(dstPath)
	kind := fstables.ChangeAdd
	return t.recordChange(tr, dstPath, srcLink.Node.ID().String(), kind, true, true)
}

func (t *Tree) recordChange(tr *trail.Trail, path, nodeRevID string, kind fstables.ChangeKind, textMod, propMod bool) error {
	return t.tables.AddChange(tr, t.txnID, &fstables.Change{
		Path: path, NodeRevID: nodeRevID, Kind: kind, TextMod: textMod, PropMod: propMod,
	})
}

// Root returns the underlying DAG node this tree currently roots at.
func (t *Tree) Root() *dag.Node { return t.root }

// TxnID returns the owning txn-id, or "" for a revision root.
func (t *Tree) TxnID() string { return t.txnID }
