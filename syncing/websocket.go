package syncing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla websocket connection to the Transport
// interface. Wire messages travel as binary frames.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

// DialWebSocket connects to a relay endpoint, e.g. ws://host:port/sync/<doc>.
func DialWebSocket(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(ctx context.Context, m Message) error {
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}

	if dl, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(dl); err != nil {
			return err
		}
	}

	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Receive(ctx context.Context) (Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(dl); err != nil {
			return Message{}, err
		}
	}

	kind, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Message{}, ErrTransportClosed
		}
		return Message{}, err
	}

	if kind != websocket.BinaryMessage {
		return Message{}, fmt.Errorf("unexpected websocket frame type %d", kind)
	}

	return DecodeMessage(data)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return t.conn.Close()
}
