// Package render defines the rendered-tree contract between application
// views and the diff engine.
//
// A Rendered value is the output of a view's Render call: a list of static
// string segments interleaved with dynamic slots. A dynamic slot is either a
// plain string or a nested *Rendered subtree. The static segments of a tree
// are identified by a structural fingerprint; the diff engine uses matching
// fingerprints to omit statics from patches.
package render

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Rendered is a rendered view tree: len(Static) == len(Dynamic)+1 by
// construction, mirroring a template with interleaved dynamic slots.
type Rendered struct {
	// Static holds the fixed string segments of the template.
	Static []string

	// Dynamic holds the slot values between static segments.
	// Each entry is a string or a nested *Rendered.
	Dynamic []any
}

// New builds a Rendered tree from static segments and dynamic slots.
// It panics if the shape is invalid; shape errors are programmer errors
// in view code, not runtime conditions.
func New(static []string, dynamic ...any) *Rendered {
	if len(static) != len(dynamic)+1 {
		panic(fmt.Sprintf("render: %d static segments require %d dynamic slots, got %d",
			len(static), len(static)-1, len(dynamic)))
	}
	for i, d := range dynamic {
		switch d.(type) {
		case string, *Rendered:
		default:
			panic(fmt.Sprintf("render: dynamic slot %d must be string or *Rendered, got %T", i, d))
		}
	}
	return &Rendered{Static: static, Dynamic: dynamic}
}

// Text builds a Rendered tree with a single static segment and no slots.
func Text(s string) *Rendered {
	return &Rendered{Static: []string{s}}
}

// Fingerprint returns the structural identity of this node's statics.
// Two trees rendered from the same template share a fingerprint even when
// their dynamic slot values differ; nested subtrees carry their own
// fingerprints and do not contribute to the parent's.
func (r *Rendered) Fingerprint() uint64 {
	h := fnv.New64a()
	for _, s := range r.Static {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "%d", len(r.Dynamic))
	return h.Sum64()
}

// String flattens the tree into the full rendered output. It exists for
// first paints and tests; live updates go through the diff engine instead.
func (r *Rendered) String() string {
	var b strings.Builder
	r.writeTo(&b)
	return b.String()
}

func (r *Rendered) writeTo(b *strings.Builder) {
	for i, s := range r.Static {
		b.WriteString(s)
		if i < len(r.Dynamic) {
			switch d := r.Dynamic[i].(type) {
			case string:
				b.WriteString(d)
			case *Rendered:
				d.writeTo(b)
			}
		}
	}
}
