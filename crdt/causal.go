package crdt

import "sort"

// Dependency keys for the causal buffer. An operation can wait either
// for another operation to be applied, or for a block to come into
// existence.

// OpDep is the dependency key for an operation ID.
func OpDep(id OpID) string {
	return "op:" + id.String()
}

// BlockDep is the dependency key for a block's existence.
func BlockDep(block string) string {
	return "block:" + block
}

type pendingOp struct {
	Op      Operation
	Retries int
}

// CausalBuffer holds operations whose causal dependencies haven't
// arrived yet. Ops are replayed in arrival order once their dependency
// resolves. Ops whose dependency stays missing after a bounded number
// of re-requests are dropped rather than blocking forever.
type CausalBuffer struct {
	pending map[string][]pendingOp
	count   int
}

// NewCausalBuffer creates an empty buffer.
func NewCausalBuffer() *CausalBuffer {
	return &CausalBuffer{
		pending: make(map[string][]pendingOp),
	}
}

// Add parks an operation until dep resolves.
func (b *CausalBuffer) Add(dep string, op Operation) {
	b.pending[dep] = append(b.pending[dep], pendingOp{Op: op})
	b.count++
}

// Take removes and returns the operations waiting on dep, in arrival order.
func (b *CausalBuffer) Take(dep string) []Operation {
	waiting, ok := b.pending[dep]
	if !ok {
		return nil
	}
	delete(b.pending, dep)
	b.count -= len(waiting)

	out := make([]Operation, len(waiting))
	for i, p := range waiting {
		out[i] = p.Op
	}
	return out
}

// Deps returns the sorted list of unresolved dependency keys.
func (b *CausalBuffer) Deps() []string {
	out := make([]string, 0, len(b.pending))
	for dep := range b.pending {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of parked operations.
func (b *CausalBuffer) Len() int {
	return b.count
}

// Bump increments the retry count of every parked operation and evicts
// those that exceeded maxRetries, returning the dropped ops so the
// caller can log the data-integrity warning.
func (b *CausalBuffer) Bump(maxRetries int) (dropped []Operation) {
	for dep, waiting := range b.pending {
		kept := waiting[:0]
		for _, p := range waiting {
			p.Retries++
			if p.Retries > maxRetries {
				dropped = append(dropped, p.Op)
				b.count--
				continue
			}
			kept = append(kept, p)
		}

		if len(kept) == 0 {
			delete(b.pending, dep)
		} else {
			b.pending[dep] = kept
		}
	}

	return dropped
}
