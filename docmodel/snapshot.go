package docmodel

import "strings"

// Block is one node of the materialized document tree.
type Block struct {
	ID       string
	Text     string
	Attrs    map[string]string
	Children []*Block
}

// Snapshot is the renderable document state derived from CRDT state.
// It contains only visible content: tombstones and trashed subtrees
// are filtered out during materialization.
type Snapshot struct {
	Blocks []*Block
}

// Renderer is the external document/layout collaborator consuming
// materialized changes.
type Renderer interface {
	ApplyMaterializedDelta(changed []*Block)
}

// Materialize derives the renderable document tree from CRDT state.
// Block text is re-derived only for blocks touched since the last
// call; everything else is served from cache.
func (d *Document) Materialize() *Snapshot {
	state := d.tree.State()

	snap := &Snapshot{}
	byID := make(map[string]*Block)

	for pair := range state.DFT() {
		blk := &Block{
			ID:   pair.Child,
			Text: d.materializeText(pair.Child),
		}

		for attr, v := range d.attrs.Block(pair.Child) {
			if blk.Attrs == nil {
				blk.Attrs = make(map[string]string)
			}
			blk.Attrs[attr] = v
		}

		byID[pair.Child] = blk

		if pair.Parent == "" {
			snap.Blocks = append(snap.Blocks, blk)
			continue
		}

		parent, ok := byID[pair.Parent]
		if !ok {
			panic("BUG: depth-first traversal yielded a child before its parent")
		}
		parent.Children = append(parent.Children, blk)
	}

	d.dirty = make(map[string]struct{})
	return snap
}

// FlushDelta materializes only the blocks touched since the last flush
// and hands them to the renderer. Blocks that became invisible are not
// reported individually: their ancestors' subtrees are.
func (d *Document) FlushDelta(r Renderer) {
	if len(d.dirty) == 0 {
		return
	}

	state := d.tree.State()

	var changed []*Block
	for block := range d.dirty {
		if !state.IsAlive(block) {
			continue
		}
		blk := &Block{
			ID:   block,
			Text: d.materializeText(block),
		}
		for attr, v := range d.attrs.Block(block) {
			if blk.Attrs == nil {
				blk.Attrs = make(map[string]string)
			}
			blk.Attrs[attr] = v
		}
		changed = append(changed, blk)
	}

	d.dirty = make(map[string]struct{})

	if len(changed) > 0 {
		r.ApplyMaterializedDelta(changed)
	}
}

// Text returns the visible text of one block.
func (d *Document) Text(block string) string {
	return d.materializeText(block)
}

func (d *Document) materializeText(block string) string {
	if _, dirty := d.dirty[block]; !dirty {
		if cached, ok := d.blockText[block]; ok {
			return cached
		}
	}

	text, ok := d.texts[block]
	if !ok {
		return ""
	}

	var sb strings.Builder
	sb.Grow(text.Len())
	for _, r := range text.Values() {
		sb.WriteRune(r)
	}

	out := sb.String()
	d.blockText[block] = out
	return out
}

// IsAlive reports whether the block is currently reachable from the
// document root.
func (d *Document) IsAlive(block string) bool {
	return d.tree.State().IsAlive(block)
}
