package syncing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scribe/crdt"
)

// Two clients flood the relay over real websocket connections. Acks to
// one session race against broadcasts fanned out from the other, so
// this fails loudly if anything besides the session's writer pump
// touches the connection.
func TestRelayConcurrentWebsocketSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay := NewRelay(zap.NewNop(), "")
	defer relay.Close()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		relay.ServeTransport(ctx, "doc-1", NewWebSocketTransport(conn)) //nolint:errcheck
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync/doc-1"

	const opsPerClient = 50

	runClient := func(actor crdt.ActorID) error {
		tp, err := DialWebSocket(ctx, url, nil)
		if err != nil {
			return err
		}
		defer tp.Close()

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			for i := uint64(1); i <= opsPerClient; i++ {
				op := crdt.NewSetAttr(
					crdt.OpID{Seq: i, Actor: actor},
					crdt.HLC{Wall: int64(i), Actor: actor},
					"b1", "k", fmt.Sprintf("v%d", i),
				)
				if err := tp.Send(ctx, Message{Type: MsgOps, Ops: []crdt.Operation{op}}); err != nil {
					return fmt.Errorf("%s sending op %d: %w", actor, i, err)
				}
			}
			return nil
		})

		g.Go(func() error {
			// Broadcasts from the other client interleave with our acks.
			acked := make(map[crdt.OpID]struct{})
			for len(acked) < opsPerClient {
				m, err := tp.Receive(ctx)
				if err != nil {
					return fmt.Errorf("%s receiving: %w", actor, err)
				}
				if m.Type == MsgError {
					return fmt.Errorf("%s got error reply: %s %s", actor, m.Code, m.Reason)
				}
				if m.Type != MsgAck {
					continue
				}
				for _, id := range m.Acked {
					if id.Actor == actor {
						acked[id] = struct{}{}
					}
				}
			}
			return nil
		})

		return g.Wait()
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return runClient("alice") })
	g.Go(func() error { return runClient("bob") })
	require.NoError(t, g.Wait())

	// Every op from both clients ended up in the shared log.
	doc, err := relay.docFor("doc-1")
	require.NoError(t, err)
	doc.mu.Lock()
	defer doc.mu.Unlock()
	require.Len(t, doc.log, 2*opsPerClient)
}
