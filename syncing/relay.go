package syncing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scribe/crdt"
	"scribe/storage"
)

var (
	mRelaySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scribe_relay_sessions",
		Help: "Number of currently connected relay sessions.",
	})

	mRelayOpsStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_relay_ops_stored_total",
		Help: "The total number of distinct operations accepted by the relay.",
	})

	mRelayBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_relay_broadcasts_total",
		Help: "The total number of operation batches fanned out to sessions.",
	})
)

// Relay is the eventually-consistent rendezvous point for replicas.
// It never interprets operations: it stores them, acknowledges them,
// and fans them out. Convergence is the replicas' job.
type Relay struct {
	log     *zap.Logger
	dataDir string

	mu   sync.Mutex
	docs map[string]*relayDoc
}

type relayDoc struct {
	mu       sync.Mutex
	log      []crdt.Operation
	seen     map[crdt.OpID]struct{}
	vclock   crdt.VectorClock
	store    *storage.Store
	sessions map[string]chan Message
}

// NewRelay creates a relay. If dataDir is non-empty, each document's
// log is persisted to a bbolt file under it and survives restarts.
func NewRelay(log *zap.Logger, dataDir string) *Relay {
	return &Relay{
		log:     log,
		dataDir: dataDir,
		docs:    make(map[string]*relayDoc),
	}
}

// Close releases all per-document stores.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for _, d := range r.docs {
		if d.store != nil {
			err = multierr.Append(err, d.store.Close())
		}
	}
	return err
}

func (r *Relay) docFor(id string) (*relayDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.docs[id]; ok {
		return d, nil
	}

	d := &relayDoc{
		seen:     make(map[crdt.OpID]struct{}),
		vclock:   crdt.NewVectorClock(),
		sessions: make(map[string]chan Message),
	}

	if r.dataDir != "" {
		store, reset, err := storage.OpenOrReset(filepath.Join(r.dataDir, id+".db"), r.log)
		if err != nil {
			return nil, fmt.Errorf("opening store for document %s: %w", id, err)
		}
		if reset {
			r.log.Warn("RelayDocLogReset", zap.String("document", id))
		}
		d.store = store

		ops, err := store.ReadSince(crdt.NewVectorClock())
		if err != nil {
			return nil, fmt.Errorf("hydrating document %s: %w", id, err)
		}
		for _, op := range ops {
			d.log = append(d.log, op)
			d.seen[op.ID] = struct{}{}
			d.vclock.Observe(op.ID)
		}
	}

	r.docs[id] = d
	return d, nil
}

// ServeTransport attaches one client connection to a document and
// blocks until the connection fails or ctx is canceled.
func (r *Relay) ServeTransport(ctx context.Context, docID string, t Transport) error {
	doc, err := r.docFor(docID)
	if err != nil {
		return err
	}

	session := uuid.NewString()
	outbound := make(chan Message, 64)

	doc.mu.Lock()
	doc.sessions[session] = outbound
	doc.mu.Unlock()
	mRelaySessions.Inc()

	defer func() {
		doc.mu.Lock()
		delete(doc.sessions, session)
		doc.mu.Unlock()
		mRelaySessions.Dec()
	}()

	log := r.log.With(
		zap.String("document", docID),
		zap.String("session", session),
	)
	log.Debug("SessionStarted")
	defer log.Debug("SessionEnded")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case m := <-outbound:
				if err := t.Send(ctx, m); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		defer t.Close()

		for {
			m, err := t.Receive(ctx)
			if err != nil {
				return err
			}

			reply, err := r.handle(doc, session, m)
			if err != nil {
				log.Warn("RejectedClientMessage", zap.Error(err))
				reply = &Message{Type: MsgError, Code: "bad_request", Reason: err.Error()}
			}

			// Replies go through the outbound pump: the transport
			// allows only one writer per connection.
			if reply != nil {
				select {
				case outbound <- *reply:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, ErrTransportClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) handle(doc *relayDoc, session string, m Message) (*Message, error) {
	switch m.Type {
	case MsgOps:
		return r.handleOps(doc, session, m.Ops)

	case MsgSyncRequest:
		return r.handleSyncRequest(doc, m.VectorClock)

	default:
		return nil, fmt.Errorf("unexpected message type %q", m.Type)
	}
}

// handleOps records a batch and acknowledges every operation in it,
// including duplicates from client retransmissions. Only novel ops are
// fanned out to the other sessions.
func (r *Relay) handleOps(doc *relayDoc, session string, ops []crdt.Operation) (*Message, error) {
	acked := make([]crdt.OpID, 0, len(ops))
	var novel []crdt.Operation

	doc.mu.Lock()
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			doc.mu.Unlock()
			return nil, fmt.Errorf("op %s: %w", op.ID, err)
		}

		acked = append(acked, op.ID)
		if _, ok := doc.seen[op.ID]; ok {
			continue
		}

		doc.seen[op.ID] = struct{}{}
		doc.log = append(doc.log, op)
		doc.vclock.Observe(lastOpID(op))
		novel = append(novel, op)
		mRelayOpsStoredTotal.Inc()

		if doc.store != nil {
			if err := doc.store.Append(op); err != nil {
				doc.mu.Unlock()
				return nil, fmt.Errorf("persisting op %s: %w", op.ID, err)
			}
		}
	}

	var fanout []chan Message
	if len(novel) > 0 {
		if doc.store != nil {
			if err := doc.store.SetVectorClock(doc.vclock); err != nil {
				r.log.Error("PersistingRelayVectorClock", zap.Error(err))
			}
		}
		for id, ch := range doc.sessions {
			if id != session {
				fanout = append(fanout, ch)
			}
		}
	}
	doc.mu.Unlock()

	if len(novel) > 0 {
		mRelayBroadcastsTotal.Inc()
		broadcast := Message{Type: MsgOps, Ops: novel}
		for _, ch := range fanout {
			select {
			case ch <- broadcast:
			default:
				// Slow session; it will recover via catch-up.
			}
		}
	}

	return &Message{Type: MsgAck, Acked: acked}, nil
}

func (r *Relay) handleSyncRequest(doc *relayDoc, vc crdt.VectorClock) (*Message, error) {
	if vc == nil {
		vc = crdt.NewVectorClock()
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()

	var out []crdt.Operation
	for _, op := range doc.log {
		if !vc.Includes(lastOpID(op)) {
			out = append(out, op)
		}
	}

	return &Message{
		Type:        MsgSyncResponse,
		Ops:         out,
		ServerClock: doc.vclock.Clone(),
	}, nil
}

// lastOpID is the highest ID an operation occupies: text inserts
// consume one ID per rune.
func lastOpID(op crdt.Operation) crdt.OpID {
	id := op.ID
	if op.Kind == crdt.OpTextInsert {
		if n := len([]rune(op.Text)); n > 1 {
			id.Seq += uint64(n - 1)
		}
	}
	return id
}
