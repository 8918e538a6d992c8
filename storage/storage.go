// Package storage persists the replication state of a document replica:
// the append-only operation log, the pending (not yet acknowledged)
// local queue, the clock watermark, and the last materialized snapshot.
//
// Everything lives in a single bbolt file per document, written from
// the replica's single logical writer, so no cross-process coordination
// is needed.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"scribe/crdt"
)

var (
	bucketOps     = []byte("ops")
	bucketPending = []byte("pending")
	bucketMeta    = []byte("meta")

	keySeqWatermark = []byte("seq_watermark")
	keyVectorClock  = []byte("vclock")
	keySnapshot     = []byte("snapshot")
)

// ErrCorrupt reports an unreadable store. The caller is expected to
// discard the file and fall back to a full resync from a peer snapshot.
var ErrCorrupt = errors.New("operation store is corrupt")

// Store is the persistent operation store of one replica.
type Store struct {
	db  *bolt.DB
	log *zap.Logger
}

// Open opens (or creates) the store at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketOps, bucketPending, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return &Store{db: db, log: log}, nil
}

// OpenOrReset opens the store, and if it's unreadable moves the corrupt
// file aside and starts fresh. The reset flag tells the caller that
// local queue contents were lost and a full resync is required.
func OpenOrReset(path string, log *zap.Logger) (s *Store, reset bool, err error) {
	s, err = Open(path, log)
	if err == nil {
		return s, false, nil
	}

	log.Warn("OperationStoreUnreadable",
		zap.String("path", path),
		zap.Error(err),
	)

	quarantine := path + ".corrupt"
	if err := os.Rename(path, quarantine); err != nil && !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("quarantining corrupt store: %w", err)
	}

	s, err = Open(path, log)
	if err != nil {
		return nil, false, err
	}

	return s, true, nil
}

// Close the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// opKey orders the log by (actor, seq). The zero separator keeps one
// actor's range from bleeding into another's during prefix scans.
func opKey(id crdt.OpID) []byte {
	out := make([]byte, 0, len(id.Actor)+9)
	out = append(out, id.Actor...)
	out = append(out, 0)
	return appendSeq(out, id.Seq)
}

func appendSeq(b []byte, seq uint64) []byte {
	return append(b,
		byte(seq>>56), byte(seq>>48), byte(seq>>40), byte(seq>>32),
		byte(seq>>24), byte(seq>>16), byte(seq>>8), byte(seq))
}

func splitOpKey(k []byte) (crdt.ActorID, uint64, error) {
	sep := bytes.LastIndexByte(k[:len(k)-8], 0)
	if sep < 0 || len(k) < sep+9 {
		return "", 0, fmt.Errorf("malformed op key")
	}

	var seq uint64
	for _, b := range k[len(k)-8:] {
		seq = seq<<8 | uint64(b)
	}

	return crdt.ActorID(k[:sep]), seq, nil
}

// Append records an applied operation in the log. Appending the same
// operation twice overwrites it with identical bytes, so replays are
// harmless.
func (s *Store) Append(op crdt.Operation) error {
	data, err := crdt.EncodeOperation(op)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).Put(opKey(op.ID), data)
	})
}

// ReadSince returns all logged operations not covered by the given
// vector clock, ordered by (actor, seq). Per-actor order is causal;
// cross-actor interleaving is left to the receiver's causal buffer.
func (s *Store) ReadSince(vc crdt.VectorClock) ([]crdt.Operation, error) {
	var out []crdt.Operation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).ForEach(func(k, v []byte) error {
			actor, seq, err := splitOpKey(k)
			if err != nil {
				return err
			}

			if seq <= vc[actor] {
				return nil
			}

			op, err := crdt.DecodeOperation(v)
			if err != nil {
				s.log.Warn("SkippingMalformedStoredOp", zap.Error(err))
				return nil
			}

			out = append(out, op)
			return nil
		})
	})

	return out, err
}

// EnqueuePending persists a local operation that hasn't been
// acknowledged yet, so offline edits survive a process restart.
func (s *Store) EnqueuePending(op crdt.Operation) error {
	data, err := crdt.EncodeOperation(op)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put(opKey(op.ID), data)
	})
}

// PendingOps returns the persisted local queue in FIFO order.
// All pending ops belong to the local actor, so key order is issue order.
func (s *Store) PendingOps() ([]crdt.Operation, error) {
	var out []crdt.Operation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			op, err := crdt.DecodeOperation(v)
			if err != nil {
				s.log.Warn("SkippingMalformedPendingOp", zap.Error(err))
				return nil
			}
			out = append(out, op)
			return nil
		})
	})

	return out, err
}

// AckPending drops an acknowledged operation from the pending queue.
func (s *Store) AckPending(id crdt.OpID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(opKey(id))
	})
}

// SeqWatermark returns the persisted clock watermark.
// Implements crdt.Watermark.
func (s *Store) SeqWatermark() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keySeqWatermark)
		if len(v) == 8 {
			for _, b := range v {
				seq = seq<<8 | uint64(b)
			}
		}
		return nil
	})
	return seq, err
}

// SetSeqWatermark persists the clock watermark.
// Implements crdt.Watermark.
func (s *Store) SetSeqWatermark(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keySeqWatermark, appendSeq(nil, seq))
	})
}

// SetVectorClock persists the replica's current vector clock.
func (s *Store) SetVectorClock(vc crdt.VectorClock) error {
	data, err := cbor.Marshal(vc)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyVectorClock, data)
	})
}

// VectorClock returns the persisted vector clock, empty if never saved.
func (s *Store) VectorClock() (crdt.VectorClock, error) {
	vc := crdt.NewVectorClock()
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyVectorClock)
		if v == nil {
			return nil
		}
		return cbor.Unmarshal(v, &vc)
	})
	return vc, err
}

// SaveSnapshot persists an opaque snapshot blob.
func (s *Store) SaveSnapshot(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keySnapshot, data)
	})
}

// Snapshot returns the last persisted snapshot blob, nil if none.
func (s *Store) Snapshot() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keySnapshot)
		if v != nil {
			out = bytes.Clone(v)
		}
		return nil
	})
	return out, err
}
