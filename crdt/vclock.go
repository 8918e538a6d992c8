package crdt

import "maps"

// VectorClock tracks the highest sequence number seen per actor.
// It is used only for sync gap detection between replicas, never for
// ordering operations within a document.
type VectorClock map[ActorID]uint64

// NewVectorClock creates an empty vector clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Observe records an operation ID.
func (vc VectorClock) Observe(id OpID) {
	if id.Seq > vc[id.Actor] {
		vc[id.Actor] = id.Seq
	}
}

// Includes reports whether the clock has observed the given ID.
func (vc VectorClock) Includes(id OpID) bool {
	return id.Seq <= vc[id.Actor]
}

// Merge folds another clock into this one, taking per-actor maximums.
func (vc VectorClock) Merge(other VectorClock) {
	for actor, seq := range other {
		if seq > vc[actor] {
			vc[actor] = seq
		}
	}
}

// Behind reports whether the other clock has observed operations
// this clock hasn't.
func (vc VectorClock) Behind(other VectorClock) bool {
	for actor, seq := range other {
		if seq > vc[actor] {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	return maps.Clone(vc)
}
