// Package diff computes minimal wire patches between successive renders of a
// view tree. Given a freshly rendered tree and the fingerprints recorded for
// the previous render, it returns the patch to send and the updated
// fingerprints to keep for the next render. The full tree never crosses the
// wire after the first render.
package diff

import (
	"strconv"

	"github.com/lumen-dev/lumen/pkg/render"
)

// StaticsKey is the patch key carrying static segments when a node's
// fingerprint did not match the previous render.
const StaticsKey = "s"

// Patch is a JSON-encodable description of one render. Keys "0", "1", ...
// address dynamic slots (string value or nested Patch); the "s" key carries
// static segments and is present only when the node's template changed or
// was not seen before.
type Patch map[string]any

// Fingerprints records the structural identity of a rendered tree:
// the root fingerprint plus the fingerprints of nested subtrees by slot.
// A nil *Fingerprints means no prior render.
type Fingerprints struct {
	Root     uint64
	Children map[int]*Fingerprints
}

// Engine computes patches. The zero value is ready to use.
type Engine struct{}

// NewEngine returns a diff engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Diff compares rendered against the previous fingerprints and returns the
// patch plus the fingerprints for this render. prev may be nil (first
// render), in which case the patch carries the complete tree.
func (e *Engine) Diff(rendered *render.Rendered, prev *Fingerprints) (Patch, *Fingerprints) {
	fp := rendered.Fingerprint()

	next := &Fingerprints{Root: fp}
	patch := Patch{}

	// Statics travel only when the template is new or changed.
	if prev == nil || prev.Root != fp {
		statics := make([]string, len(rendered.Static))
		copy(statics, rendered.Static)
		patch[StaticsKey] = statics
		prev = nil // template changed: children diff from scratch
	}

	for i, d := range rendered.Dynamic {
		key := strconv.Itoa(i)
		switch v := d.(type) {
		case string:
			patch[key] = v
		case *render.Rendered:
			var childPrev *Fingerprints
			if prev != nil {
				childPrev = prev.Children[i]
			}
			childPatch, childFP := e.Diff(v, childPrev)
			patch[key] = childPatch
			if next.Children == nil {
				next.Children = make(map[int]*Fingerprints)
			}
			next.Children[i] = childFP
		}
	}

	return patch, next
}
