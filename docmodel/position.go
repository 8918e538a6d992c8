package docmodel

import (
	"fmt"

	"scribe/crdt"
)

// ResolvePosition maps a document position (block, visible character
// offset) to the CRDT anchor for an insert at that position: the ID of
// the character right before the offset, or the zero ID for offset 0.
// Tombstoned characters are invisible to offsets by construction.
func (d *Document) ResolvePosition(block string, offset int) (crdt.OpID, error) {
	if offset == 0 {
		return crdt.RootID, nil
	}

	text := d.text(block)
	if offset < 0 || offset > text.Len() {
		return crdt.OpID{}, fmt.Errorf("offset %d out of bounds of %d visible characters in block %q", offset, text.Len(), block)
	}

	id, _, ok := text.At(offset - 1)
	if !ok {
		panic("BUG: bounds-checked offset not found")
	}

	return id, nil
}

// PositionOf is the inverse of ResolvePosition: it maps a character ID
// to the caret position right after that character. A tombstoned ID
// resolves to the position after the nearest live character to its
// left, so selections held across a concurrent delete stay valid.
func (d *Document) PositionOf(block string, id crdt.OpID) (int, error) {
	if id.IsZero() {
		return 0, nil
	}

	text := d.text(block)

	if idx, ok := text.IndexOf(id); ok {
		return idx + 1, nil
	}

	live, err := text.NearestLive(id)
	if err != nil {
		return 0, fmt.Errorf("resolving position in block %q: %w", block, err)
	}

	if live.IsZero() {
		return 0, nil
	}

	idx, ok := text.IndexOf(live)
	if !ok {
		panic("BUG: nearest live character has no visible index")
	}

	return idx + 1, nil
}
