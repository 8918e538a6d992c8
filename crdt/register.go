package crdt

import (
	"iter"
	"strings"

	"scribe/util/btree"
)

// Register is a last-writer-wins register for a single value.
// A write lands only if its stamp strictly exceeds the current one by
// the (HLC, actor) total order; late or concurrent-but-lower writes are
// silently dropped. The zero value is an empty register.
type Register[T any] struct {
	value T
	stamp HLC
	set   bool
}

// Set applies the write if the stamp wins, reporting whether it did.
func (r *Register[T]) Set(v T, stamp HLC) bool {
	if r.set && !LastWriterWins(stamp, r.stamp) {
		return false
	}

	r.value = v
	r.stamp = stamp
	r.set = true
	return true
}

// Get returns the current value.
func (r *Register[T]) Get() (v T, ok bool) {
	return r.value, r.set
}

// Stamp returns the timestamp of the current value.
func (r *Register[T]) Stamp() HLC {
	return r.stamp
}

type attrKey struct {
	Block string
	Attr  string
}

func compareAttrKeys(a, b attrKey) int {
	if c := strings.Compare(a.Block, b.Block); c != 0 {
		return c
	}
	return strings.Compare(a.Attr, b.Attr)
}

// AttrSet holds one LWW register per (block, attribute) pair, so
// concurrent writes to different attributes of the same block both
// survive. Formatting conflicts resolve per attribute, never as a
// whole-style blob.
type AttrSet struct {
	regs *btree.Map[attrKey, *Register[string]]
}

// NewAttrSet creates an empty attribute set.
func NewAttrSet() *AttrSet {
	return &AttrSet{
		regs: btree.New[attrKey, *Register[string]](8, compareAttrKeys),
	}
}

// Set writes an attribute value with the given stamp, reporting whether
// the write won its register.
func (s *AttrSet) Set(block, attr, value string, stamp HLC) bool {
	k := attrKey{Block: block, Attr: attr}

	reg, ok := s.regs.Get(k)
	if !ok {
		reg = &Register[string]{}
		s.regs.Set(k, reg)
	}

	return reg.Set(value, stamp)
}

// Get returns the current value of an attribute.
func (s *AttrSet) Get(block, attr string) (string, bool) {
	reg, ok := s.regs.Get(attrKey{Block: block, Attr: attr})
	if !ok {
		return "", false
	}
	return reg.Get()
}

// Block iterates the attributes of one block in attribute-name order.
// Attributes set to the empty string are treated as cleared.
func (s *AttrSet) Block(block string) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for k, reg := range s.regs.Seek(attrKey{Block: block}) {
			if k.Block != block {
				break
			}

			v, ok := reg.Get()
			if !ok || v == "" {
				continue
			}

			if !yield(k.Attr, v) {
				break
			}
		}
	}
}
