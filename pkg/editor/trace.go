package editor

import (
	"io"

	"github.com/go-logr/logr"

	"github.com/revfs/revfs/pkg/noderev"
)

// PathOps is the subset of PathEditor's surface the tracing and
// production implementations share, so tests can swap one for the
// other.
type PathOps interface {
	Mk(kind noderev.Kind, parent Loc, name string) error
	Cp(from Loc, parent Loc, name string) error
	Mv(from Loc, newParent Loc, name string) error
	Rm(loc Loc) error
	Put(loc Loc, content io.Reader, resultMD5 *[16]byte) error
	Complete() error
	Abort() error
}

var _ PathOps = (*PathEditor)(nil)
var _ PathOps = (*TracingPathEditor)(nil)

// TracingPathEditor wraps a PathOps implementation, logging one line per
// call at V(1) before delegating, per §4.K's debug-build tracing
// requirement.
type TracingPathEditor struct {
	inner PathOps
	log   logr.Logger
}

// NewTracingPathEditor wraps inner for tracing under log.
func NewTracingPathEditor(inner PathOps, log logr.Logger) *TracingPathEditor {
	return &TracingPathEditor{inner: inner, log: log}
}

func (t *TracingPathEditor) Mk(kind noderev.Kind, parent Loc, name string) error {
	t.log.V(1).Info("editor3p mk", "kind", kind, "parent", parent.Path, "name", name)
	return t.inner.Mk(kind, parent, name)
}

func (t *TracingPathEditor) Cp(from Loc, parent Loc, name string) error {
	t.log.V(1).Info("editor3p cp", "from", from.Path, "parent", parent.Path, "name", name)
	return t.inner.Cp(from, parent, name)
}

func (t *TracingPathEditor) Mv(from Loc, newParent Loc, name string) error {
	t.log.V(1).Info("editor3p mv", "from", from.Path, "newParent", newParent.Path, "name", name)
	return t.inner.Mv(from, newParent, name)
}

func (t *TracingPathEditor) Rm(loc Loc) error {
	t.log.V(1).Info("editor3p rm", "loc", loc.Path)
	return t.inner.Rm(loc)
}

func (t *TracingPathEditor) Put(loc Loc, content io.Reader, resultMD5 *[16]byte) error {
	t.log.V(1).Info("editor3p put", "loc", loc.Path)
	return t.inner.Put(loc, content, resultMD5)
}

func (t *TracingPathEditor) Complete() error {
	t.log.V(1).Info("editor3p complete")
	return t.inner.Complete()
}

func (t *TracingPathEditor) Abort() error {
	t.log.V(1).Info("editor3p abort")
	return t.inner.Abort()
}
