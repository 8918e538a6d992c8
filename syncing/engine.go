// Package syncing implements the replication engine that keeps a local
// document converged with a relay: queueing local operations until they
// are acknowledged, catching up after reconnects, and reapplying remote
// operations through the document's single application path.
package syncing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"scribe/config"
	"scribe/crdt"
	"scribe/docmodel"
	"scribe/storage"
)

var (
	mConnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_syncing_connects_total",
		Help: "The total number of successful relay connections.",
	})

	mConnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_syncing_connect_attempts_total",
		Help: "The total number of relay connection attempts, including failed ones.",
	})

	mOpsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_syncing_ops_sent_total",
		Help: "The total number of operations sent to the relay, including resends.",
	})

	mOpsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_syncing_ops_received_total",
		Help: "The total number of operations received from the relay.",
	})

	mResendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_syncing_resends_total",
		Help: "The total number of unacknowledged operations that were resent.",
	})

	mSyncRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_syncing_catchup_rounds_total",
		Help: "The total number of catch-up exchanges performed after connecting.",
	})

	mDeferredDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_syncing_deferred_dropped_total",
		Help: "The total number of operations dropped after their dependencies never arrived.",
	})

	mPendingOps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scribe_syncing_pending_ops",
		Help: "Number of local operations awaiting acknowledgement.",
	})
)

// State of the engine's connection to the relay.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Dialer establishes a new transport to the relay.
type Dialer func(ctx context.Context) (Transport, error)

type pendingEntry struct {
	op       crdt.Operation
	interval time.Duration
	nextSend time.Time
	attempts int
}

type connectResult struct {
	t   Transport
	err error
}

type readEvent struct {
	t   Transport
	m   Message
	err error
}

// Engine replicates one document over a transport. All of its state is
// owned by the Run loop; external callers communicate through channels,
// so no locks are involved.
type Engine struct {
	log   *zap.Logger
	doc   *docmodel.Document
	store *storage.Store
	dial  Dialer
	cfg   config.Syncing

	state     State
	transport Transport

	queue         []*pendingEntry
	pendingBlocks map[string]int

	requests  chan func()
	connected chan connectResult
	reads     chan readEvent
	conflicts chan []string

	// OnStateChange, if set before Run, is invoked from the run loop
	// on every state transition.
	OnStateChange func(State)

	runCtx context.Context
	now    func() time.Time
}

// NewEngine creates an engine for the given document. The store may be
// nil for a memory-only replica. Previously persisted unacknowledged
// operations are loaded back into the queue.
func NewEngine(log *zap.Logger, doc *docmodel.Document, store *storage.Store, dial Dialer, cfg config.Syncing) (*Engine, error) {
	e := &Engine{
		log:           log,
		doc:           doc,
		store:         store,
		dial:          dial,
		cfg:           cfg,
		state:         StateDisconnected,
		pendingBlocks: make(map[string]int),
		requests:      make(chan func(), 64),
		connected:     make(chan connectResult, 1),
		reads:         make(chan readEvent, 64),
		conflicts:     make(chan []string, 16),
		now:           time.Now,
	}

	if store != nil {
		ops, err := store.PendingOps()
		if err != nil {
			return nil, fmt.Errorf("loading pending queue: %w", err)
		}
		for _, op := range ops {
			e.enqueue(op)
		}
	}

	return e, nil
}

// Edit runs an editing command on the engine's goroutine, which owns
// the document while Run is active, then queues the resulting
// operations for the relay. Safe to call from any goroutine.
func (e *Engine) Edit(cmd docmodel.Command) ([]crdt.Operation, error) {
	type result struct {
		ops []crdt.Operation
		err error
	}

	out := make(chan result, 1)
	e.requests <- func() {
		ops, err := e.doc.ApplyCommand(cmd)
		if err == nil {
			e.handleSubmit(ops)
		}
		out <- result{ops: ops, err: err}
	}

	res := <-out
	return res.ops, res.err
}

// ReadDocument runs fn on the engine's goroutine with exclusive access
// to the document, blocking until it returns.
func (e *Engine) ReadDocument(fn func(doc *docmodel.Document)) {
	done := make(chan struct{})
	e.requests <- func() {
		fn(e.doc)
		close(done)
	}
	<-done
}

// Submit hands freshly minted local operations to the engine. They are
// persisted in the pending queue and sent to the relay when connected.
// Safe to call from any goroutine while Run is active.
func (e *Engine) Submit(ops []crdt.Operation) {
	e.requests <- func() { e.handleSubmit(ops) }
}

// State reports the current connection state.
func (e *Engine) State() State {
	out := make(chan State, 1)
	e.requests <- func() { out <- e.state }
	return <-out
}

// PendingCount reports the number of local operations awaiting acknowledgement.
func (e *Engine) PendingCount() int {
	out := make(chan int, 1)
	e.requests <- func() { out <- len(e.queue) }
	return <-out
}

// Conflicts delivers the IDs of blocks whose local unacknowledged edits
// were interleaved with remote edits, so the UI can surface a merge
// notice. Slow consumers lose notifications rather than block the engine.
func (e *Engine) Conflicts() <-chan []string {
	return e.conflicts
}

// Run drives the engine until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	e.startConnect(ctx)

	resend := time.NewTicker(e.cfg.ResendInterval / 2)
	defer resend.Stop()

	syncRetry := time.NewTimer(e.cfg.SyncRetryInterval)
	if !syncRetry.Stop() {
		<-syncRetry.C
	}
	defer syncRetry.Stop()

	for {
		select {
		case <-ctx.Done():
			e.dropTransport()
			return ctx.Err()

		case fn := <-e.requests:
			fn()

		case res := <-e.connected:
			e.handleConnected(ctx, res)

		case ev := <-e.reads:
			if ev.t != e.transport {
				continue // stale reader from a previous connection
			}
			if ev.err != nil {
				e.log.Warn("RelayConnectionLost", zap.Error(ev.err))
				e.disconnect(ctx)
				continue
			}
			e.handleMessage(ctx, ev.m, syncRetry)

		case <-resend.C:
			e.resendDue(ctx)

		case <-syncRetry.C:
			if e.state == StateConnected && len(e.doc.MissingDeps()) > 0 {
				e.requestSync(ctx)
			}
		}
	}
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.log.Debug("SyncStateChanged", zap.String("state", s.String()))
	if e.OnStateChange != nil {
		e.OnStateChange(s)
	}
}

func (e *Engine) startConnect(ctx context.Context) {
	e.setState(StateConnecting)

	go func() {
		b := retry.WithCappedDuration(e.cfg.ReconnectMax, retry.NewExponential(e.cfg.ReconnectBase))

		var t Transport
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			mConnectAttemptsTotal.Inc()
			tt, err := e.dial(ctx)
			if err != nil {
				return retry.RetryableError(err)
			}
			t = tt
			return nil
		})

		select {
		case e.connected <- connectResult{t: t, err: err}:
		case <-ctx.Done():
			if t != nil {
				t.Close()
			}
		}
	}()
}

func (e *Engine) handleConnected(ctx context.Context, res connectResult) {
	if res.err != nil {
		// Only terminal when ctx is gone; Run will exit on its own then.
		e.log.Warn("RelayConnectFailed", zap.Error(res.err))
		e.setState(StateDisconnected)
		return
	}

	mConnectsTotal.Inc()
	e.transport = res.t
	e.resetAttempts()
	e.startReader(ctx, res.t)
	e.setState(StateSyncing)
	e.requestSync(ctx)
}

func (e *Engine) startReader(ctx context.Context, t Transport) {
	go func() {
		for {
			m, err := t.Receive(ctx)
			ev := readEvent{t: t, m: m, err: err}
			select {
			case e.reads <- ev:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

func (e *Engine) requestSync(ctx context.Context) {
	mSyncRoundsTotal.Inc()
	e.send(ctx, Message{
		Type:        MsgSyncRequest,
		VectorClock: e.doc.VectorClock(),
	})
}

func (e *Engine) handleMessage(ctx context.Context, m Message, syncRetry *time.Timer) {
	switch m.Type {
	case MsgSyncResponse:
		e.applyRemote(m.Ops)
		e.setState(StateConnected)
		e.flushQueue(ctx)
		e.afterApply(syncRetry)
		e.persistSnapshot()

	case MsgOps:
		e.applyRemote(m.Ops)
		e.afterApply(syncRetry)

	case MsgAck:
		e.handleAck(m.Acked)

	case MsgError:
		e.log.Warn("RelayError",
			zap.String("code", m.Code),
			zap.String("reason", m.Reason),
		)

	default:
		e.log.Warn("UnexpectedMessage", zap.String("type", m.Type))
	}
}

func (e *Engine) applyRemote(ops []crdt.Operation) {
	var conflicted []string
	seen := make(map[string]struct{})
	local := e.doc.Actor()

	accepted := ops[:0:0]
	for _, op := range ops {
		mOpsReceivedTotal.Inc()

		if err := e.doc.Apply(op); err != nil {
			e.log.Warn("RejectedRemoteOp",
				zap.String("op", op.ID.String()),
				zap.Error(err),
			)
			continue
		}
		accepted = append(accepted, op)

		if op.ID.Actor != local && e.pendingBlocks[op.Block] > 0 {
			if _, ok := seen[op.Block]; !ok {
				seen[op.Block] = struct{}{}
				conflicted = append(conflicted, op.Block)
			}
		}
	}

	if e.store != nil {
		for _, op := range accepted {
			if err := e.store.Append(op); err != nil {
				e.log.Error("PersistingRemoteOp", zap.Error(err))
				break
			}
		}
		if err := e.store.SetVectorClock(e.doc.VectorClock()); err != nil {
			e.log.Error("PersistingVectorClock", zap.Error(err))
		}
	}

	if len(conflicted) > 0 {
		select {
		case e.conflicts <- conflicted:
		default:
			e.log.Warn("DroppingConflictNotice", zap.Strings("blocks", conflicted))
		}
	}
}

// persistSnapshot saves a materialized view after catch-up, so a future
// boot can render immediately while the log replays.
func (e *Engine) persistSnapshot() {
	if e.store == nil {
		return
	}

	data, err := wireEnc.Marshal(e.doc.Materialize())
	if err != nil {
		e.log.Error("EncodingSnapshot", zap.Error(err))
		return
	}
	if err := e.store.SaveSnapshot(data); err != nil {
		e.log.Error("PersistingSnapshot", zap.Error(err))
	}
}

// afterApply handles operations still parked on missing dependencies:
// re-request them for a bounded number of rounds, then let the document
// drop the orphans.
func (e *Engine) afterApply(syncRetry *time.Timer) {
	missing := e.doc.MissingDeps()
	if len(missing) == 0 {
		return
	}

	dropped := e.doc.ExpireDeferred(e.cfg.MaxDeferredRetries)
	for _, op := range dropped {
		mDeferredDroppedTotal.Inc()
		e.log.Warn("DroppingDeferredOp", zap.String("op", op.ID.String()))
	}

	if len(e.doc.MissingDeps()) > 0 {
		syncRetry.Reset(e.cfg.SyncRetryInterval)
	}
}

func (e *Engine) handleSubmit(ops []crdt.Operation) {
	for _, op := range ops {
		e.enqueue(op)
		if e.store != nil {
			if err := e.store.Append(op); err != nil {
				e.log.Error("PersistingLocalOp", zap.Error(err))
			}
			if err := e.store.EnqueuePending(op); err != nil {
				e.log.Error("PersistingPendingOp", zap.Error(err))
			}
		}
	}

	if e.state == StateConnected {
		e.sendOps(e.runCtx, ops)
	}
}

func (e *Engine) enqueue(op crdt.Operation) {
	e.queue = append(e.queue, &pendingEntry{
		op:       op,
		interval: e.cfg.ResendInterval,
	})
	e.pendingBlocks[op.Block]++
	mPendingOps.Set(float64(len(e.queue)))
}

func (e *Engine) handleAck(ids []crdt.OpID) {
	acked := make(map[crdt.OpID]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}

	kept := e.queue[:0]
	for _, entry := range e.queue {
		if _, ok := acked[entry.op.ID]; !ok {
			kept = append(kept, entry)
			continue
		}

		if e.pendingBlocks[entry.op.Block]--; e.pendingBlocks[entry.op.Block] <= 0 {
			delete(e.pendingBlocks, entry.op.Block)
		}
		if e.store != nil {
			if err := e.store.AckPending(entry.op.ID); err != nil {
				e.log.Error("DroppingAckedOp", zap.Error(err))
			}
		}
	}
	e.queue = kept
	mPendingOps.Set(float64(len(e.queue)))
}

// flushQueue retransmits the whole pending queue. Operation IDs never
// change across retransmissions, so the relay can deduplicate.
func (e *Engine) flushQueue(ctx context.Context) {
	if len(e.queue) == 0 {
		return
	}

	ops := make([]crdt.Operation, len(e.queue))
	for i, entry := range e.queue {
		ops[i] = entry.op
	}
	e.sendOps(ctx, ops)
}

func (e *Engine) resendDue(ctx context.Context) {
	if e.state != StateConnected {
		return
	}

	now := e.now()
	var ops []crdt.Operation
	for _, entry := range e.queue {
		if entry.nextSend.After(now) {
			continue
		}

		// A connection that swallows this many resends is dead even if
		// the transport hasn't noticed. Reconnect and catch up instead.
		if entry.attempts++; entry.attempts > e.cfg.MaxResendAttempts {
			e.log.Warn("ResendCeilingReached", zap.String("op", entry.op.ID.String()))
			e.resetAttempts()
			e.disconnect(ctx)
			return
		}

		ops = append(ops, entry.op)
		entry.interval = min(entry.interval*2, e.cfg.ResendMax)
		// Jitter spreads retransmissions of a burst of edits apart.
		jitter := time.Duration(rand.Int64N(int64(entry.interval)/4 + 1))
		entry.nextSend = now.Add(entry.interval + jitter)
		mResendsTotal.Inc()
	}

	if len(ops) > 0 {
		e.log.Debug("ResendingUnackedOps", zap.Int("count", len(ops)))
		e.sendOps(ctx, ops)
	}
}

func (e *Engine) resetAttempts() {
	for _, entry := range e.queue {
		entry.attempts = 0
		entry.interval = e.cfg.ResendInterval
		entry.nextSend = time.Time{}
	}
}

func (e *Engine) sendOps(ctx context.Context, ops []crdt.Operation) {
	now := e.now()
	sent := make(map[crdt.OpID]struct{}, len(ops))
	for _, op := range ops {
		sent[op.ID] = struct{}{}
		mOpsSentTotal.Inc()
	}
	for _, entry := range e.queue {
		if _, ok := sent[entry.op.ID]; ok {
			entry.nextSend = now.Add(entry.interval)
		}
	}

	e.send(ctx, Message{Type: MsgOps, Ops: ops})
}

func (e *Engine) send(ctx context.Context, m Message) {
	if e.transport == nil {
		return
	}

	if err := e.transport.Send(ctx, m); err != nil {
		e.log.Warn("SendingToRelay", zap.Error(err))
		e.disconnect(ctx)
	}
}

func (e *Engine) disconnect(ctx context.Context) {
	e.dropTransport()
	e.setState(StateDisconnected)
	e.startConnect(ctx)
}

func (e *Engine) dropTransport() {
	if e.transport != nil {
		e.transport.Close()
		e.transport = nil
	}
}
