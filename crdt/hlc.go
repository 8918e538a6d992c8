package crdt

import (
	"cmp"
	"fmt"
	"time"
)

// HLC is a hybrid logical clock timestamp: wall-clock milliseconds with
// a logical counter for events within the same millisecond. Comparison
// is lexicographic by (Wall, Counter, Actor), which makes the order
// total and near-wall-clock while preserving causality.
type HLC struct {
	Wall    int64
	Counter uint64
	Actor   ActorID
}

// Compare returns -1, 0, or +1 ordering two timestamps.
func (t HLC) Compare(tt HLC) int {
	if t.Wall != tt.Wall {
		return cmp.Compare(t.Wall, tt.Wall)
	}
	if t.Counter != tt.Counter {
		return cmp.Compare(t.Counter, tt.Counter)
	}
	return cmp.Compare(t.Actor, tt.Actor)
}

// Before reports whether t is strictly before tt.
func (t HLC) Before(tt HLC) bool {
	return t.Compare(tt) < 0
}

func (t HLC) String() string {
	return fmt.Sprintf("%d.%d@%s", t.Wall, t.Counter, t.Actor)
}

// DefaultSkewThreshold bounds how far ahead of the local wall clock a
// remote timestamp may be before we refuse to track it. It's a local
// defensive bound so a single misbehaving clock can't starve future
// writes on this replica.
const DefaultSkewThreshold = 40 * time.Second

// Clock issues per-replica operation IDs and HLC timestamps.
//
// OpIDs increase monotonically even across process restarts when a
// Watermark is attached. HLC timestamps are guaranteed greater than any
// previously issued or tracked timestamp, unless the clock skew exceeds
// the configured threshold.
//
// Not safe for concurrent use: the clock belongs to the single
// sequential apply path of its replica.
type Clock struct {
	NowFunc       func() time.Time
	SkewThreshold time.Duration

	actor     ActorID
	seq       uint64
	last      HLC
	watermark Watermark
}

// Watermark persists the highest issued sequence number, so OpIDs stay
// monotonic across process restarts. Reusing an OpID is a fatal local
// invariant failure, so the watermark must be durable before the
// operation it covers leaves the replica.
type Watermark interface {
	SeqWatermark() (uint64, error)
	SetSeqWatermark(seq uint64) error
}

// NewClock creates a clock for the given actor.
func NewClock(actor ActorID) *Clock {
	return &Clock{
		NowFunc:       time.Now,
		SkewThreshold: DefaultSkewThreshold,
		actor:         actor,
	}
}

// Actor returns the replica identity the clock stamps operations with.
func (c *Clock) Actor() ActorID {
	return c.actor
}

// Restore attaches a persisted watermark and fast-forwards the sequence
// counter past it.
func (c *Clock) Restore(w Watermark) error {
	seq, err := w.SeqWatermark()
	if err != nil {
		return fmt.Errorf("reading seq watermark: %w", err)
	}

	if seq > c.seq {
		c.seq = seq
	}
	c.watermark = w
	return nil
}

// NextOpID issues a fresh operation ID. The ID is unique across the
// lifetime of the replica identity.
func (c *Clock) NextOpID() (OpID, error) {
	c.seq++
	id := OpID{Seq: c.seq, Actor: c.actor}

	if c.watermark != nil {
		if err := c.watermark.SetSeqWatermark(c.seq); err != nil {
			return OpID{}, fmt.Errorf("persisting seq watermark: %w", err)
		}
	}

	return id, nil
}

// NextOpIDRange reserves n consecutive sequence numbers and returns the
// first ID of the range. Text-run inserts use this so every character
// in the run gets its own anchor-addressable ID.
func (c *Clock) NextOpIDRange(n int) (OpID, error) {
	if n < 1 {
		return OpID{}, fmt.Errorf("op ID range must be positive, got %d", n)
	}

	first := c.seq + 1
	c.seq += uint64(n)

	if c.watermark != nil {
		if err := c.watermark.SetSeqWatermark(c.seq); err != nil {
			return OpID{}, fmt.Errorf("persisting seq watermark: %w", err)
		}
	}

	return OpID{Seq: first, Actor: c.actor}, nil
}

// TrackOpID fast-forwards the sequence counter past an observed remote
// ID. This keeps the (Seq, Actor) total order an extension of causal
// order: an operation issued after seeing another always gets the
// greater ID, which the RGA sibling rule depends on.
func (c *Clock) TrackOpID(id OpID) error {
	if id.Seq <= c.seq {
		return nil
	}

	c.seq = id.Seq

	if c.watermark != nil {
		if err := c.watermark.SetSeqWatermark(c.seq); err != nil {
			return fmt.Errorf("persisting seq watermark: %w", err)
		}
	}

	return nil
}

// Seq returns the last issued sequence number.
func (c *Clock) Seq() uint64 {
	return c.seq
}

// Now issues a timestamp strictly greater than every timestamp the
// clock has issued or tracked before.
func (c *Clock) Now() (HLC, error) {
	wall := c.NowFunc().UnixMilli()

	behind := c.last.Wall - wall
	if behind >= int64(c.SkewThreshold/time.Millisecond) {
		return HLC{}, fmt.Errorf("local clock is %dms behind the maximum tracked timestamp", behind)
	}

	next := HLC{Wall: wall, Actor: c.actor}
	if wall <= c.last.Wall {
		next.Wall = c.last.Wall
		next.Counter = c.last.Counter + 1
	}

	c.last = next
	return next, nil
}

// MustNow is like Now but panics on intolerable clock skew.
func (c *Clock) MustNow() HLC {
	t, err := c.Now()
	if err != nil {
		panic(err)
	}
	return t
}

// Track merges a timestamp observed on another replica, so that every
// future local timestamp sorts after it. Timestamps too far ahead of
// the local wall clock are rejected to clamp runaway skew.
func (c *Clock) Track(remote HLC) error {
	now := c.NowFunc().UnixMilli()

	if remote.Wall-now >= int64(c.SkewThreshold/time.Millisecond) {
		return fmt.Errorf("tracked timestamp %s is way ahead of the local time %d", remote, now)
	}

	if c.last.Compare(remote) < 0 {
		c.last = HLC{Wall: remote.Wall, Counter: remote.Counter, Actor: c.actor}
	}

	return nil
}
