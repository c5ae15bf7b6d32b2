// Package editor implements the ordered path-based and element-based
// edit façades of §4.K over the tree (pkg/tree) and branch/element
// (pkg/branch) layers: a sequenced kernel of mk/cp/mv/rm/put operations
// addressed by location, cancellation polling before every operation,
// rejection of operations after the edit completes or aborts, and an
// optional debug-tracing wrapper.
package editor

import (
	"errors"
	"fmt"
	"io"

	"github.com/revfs/revfs/pkg/fserrors"
	"github.com/revfs/revfs/pkg/noderev"
	"github.com/revfs/revfs/pkg/trail"
	"github.com/revfs/revfs/pkg/tree"
)

// ErrEditClosed is returned by any operation issued after Complete or
// Abort has already run.
var ErrEditClosed = errors.New("editor: edit already completed")

// ErrHasDescendant is rm's precondition failure: loc has a descendant
// this same edit already created.
var ErrHasDescendant = errors.New("editor: refusing to remove a location with previously-created descendants")

// Loc is a §4.K location: a path resolved against some tree. A nil Tree
// means "this edit's own txn tree", the only form mk/mv/rm/put accept;
// cp's from-loc may instead name a path in an arbitrary committed
// revision tree, per the "(peg-path @ peg-rev, created-relpath)"
// addressing scheme.
type Loc struct {
	Tree *tree.Tree
	Rev  uint64
	Path string
}

// PathEditor is editor3p: a sequenced, path-addressed edit over a single
// txn.
type PathEditor struct {
	tr      *trail.Trail
	tree    *tree.Tree
	cancel  func() error
	created map[string]bool
	closed  bool
}

// NewPathEditor opens an editor3p edit over t, within tr. cancel, if
// non-nil, is polled before every operation; a non-nil return closes the
// edit and the operation fails with fserrors.ErrCancelled (the callback's
// own error is not returned).
func NewPathEditor(tr *trail.Trail, t *tree.Tree, cancel func() error) *PathEditor {
	return &PathEditor{tr: tr, tree: t, cancel: cancel, created: map[string]bool{}}
}

func (e *PathEditor) poll() error {
	if e.closed {
		return ErrEditClosed
	}
	if e.cancel != nil {
		if err := e.cancel(); err != nil {
			e.closed = true
			return fmt.Errorf("editor: cancelled: %w", fserrors.ErrCancelled)
		}
	}
	return nil
}

// Mk implements mk(kind, parent-loc, name): parent-loc must already
// exist in the txn and carry no child named name.
func (e *PathEditor) Mk(kind noderev.Kind, parent Loc, name string) error {
	if err := e.poll(); err != nil {
		return err
	}
	if parent.Tree != nil && parent.Tree != e.tree {
		return fmt.Errorf("editor: mk: parent-loc must be in this edit's own tree: %w", fserrors.ErrNotTxnRoot)
	}
	path := joinPath(parent.Path, name)
	var err error
	if kind == noderev.KindDir {
		err = e.tree.MakeDir(e.tr, path)
	} else {
		err = e.tree.MakeFile(e.tr, path)
	}
	if err != nil {
		return err
	}
	e.created[path] = true
	return nil
}

// Cp implements cp(from-loc, parent-loc, name): from-loc names a
// location in a committed revision (or, if fromLoc.Tree is this edit's
// own tree, the in-progress txn); parent-loc must exist with no
// same-named sibling.
func (e *PathEditor) Cp(from Loc, parent Loc, name string) error {
	if err := e.poll(); err != nil {
		return err
	}
	if parent.Tree != nil && parent.Tree != e.tree {
		return fmt.Errorf("editor: cp: parent-loc must be in this edit's own tree: %w", fserrors.ErrNotTxnRoot)
	}
	srcTree := from.Tree
	if srcTree == nil {
		srcTree = e.tree
	}
	dstPath := joinPath(parent.Path, name)
	if err := e.tree.Copy(e.tr, srcTree, from.Rev, from.Path, dstPath, true); err != nil {
		return err
	}
	e.created[dstPath] = true
	return nil
}

// Mv implements mv(from-loc, new-parent-loc, name): both locations must
// be in this edit's own txn. There is no native rename primitive at the
// tree layer (§4.G works in terms of copy and delete), so Mv is
// history-preserving copy followed by delete of the source.
func (e *PathEditor) Mv(from Loc, newParent Loc, name string) error {
	if err := e.poll(); err != nil {
		return err
	}
	if from.Tree != nil && from.Tree != e.tree {
		return fmt.Errorf("editor: mv: from-loc must be in this edit's own tree: %w", fserrors.ErrNotTxnRoot)
	}
	if newParent.Tree != nil && newParent.Tree != e.tree {
		return fmt.Errorf("editor: mv: new-parent-loc must be in this edit's own tree: %w", fserrors.ErrNotTxnRoot)
	}
	dstPath := joinPath(newParent.Path, name)
	if err := e.tree.Copy(e.tr, e.tree, 0, from.Path, dstPath, true); err != nil {
		return err
	}
	if err := e.tree.Delete(e.tr, from.Path); err != nil {
		return err
	}
	delete(e.created, from.Path)
	e.created[dstPath] = true
	return nil
}

// Rm implements rm(loc): loc must exist in the txn, and this same edit
// must not have already created anything beneath it (callers remove a
// freshly added subtree's own contents first, rather than in one shot).
func (e *PathEditor) Rm(loc Loc) error {
	if err := e.poll(); err != nil {
		return err
	}
	if loc.Tree != nil && loc.Tree != e.tree {
		return fmt.Errorf("editor: rm: loc must be in this edit's own tree: %w", fserrors.ErrNotTxnRoot)
	}
	prefix := loc.Path + "/"
	for p := range e.created {
		if p != loc.Path && (p == loc.Path || hasPrefix(p, prefix)) {
			return ErrHasDescendant
		}
	}
	if err := e.tree.Delete(e.tr, loc.Path); err != nil {
		return err
	}
	delete(e.created, loc.Path)
	return nil
}

// Put implements put(loc, content): loc must exist in the edit's final
// state and be a file.
func (e *PathEditor) Put(loc Loc, content io.Reader, resultMD5 *[16]byte) error {
	if err := e.poll(); err != nil {
		return err
	}
	if loc.Tree != nil && loc.Tree != e.tree {
		return fmt.Errorf("editor: put: loc must be in this edit's own tree: %w", fserrors.ErrNotTxnRoot)
	}
	w, err := e.tree.ApplyText(e.tr, loc.Path, resultMD5)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, content); err != nil {
		w.Close()
		return fmt.Errorf("editor: put %s: %w", loc.Path, err)
	}
	return w.Close()
}

// Complete closes the edit for further operations. The caller commits
// the underlying txn separately (pkg/tree.CommitTxn); Complete only
// marks this editor handle as spent.
func (e *PathEditor) Complete() error {
	if e.closed {
		return ErrEditClosed
	}
	e.closed = true
	return nil
}

// Abort closes the edit, discarding it without a commit. The caller is
// responsible for actually abandoning the underlying txn.
func (e *PathEditor) Abort() error {
	if e.closed {
		return ErrEditClosed
	}
	e.closed = true
	return nil
}

func joinPath(parent, name string) string {
	if name == "" {
		return parent
	}
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
