package syncing

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by transport operations after Close.
var ErrTransportClosed = errors.New("transport is closed")

// Transport moves wire messages between a replica and a relay.
// Implementations must be safe to Close concurrently with a blocked
// Send or Receive.
type Transport interface {
	Send(ctx context.Context, m Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

type pipeEnd struct {
	in   chan Message
	out  chan Message
	done chan struct{}
	stop func()
}

// NewPipe creates a connected in-memory transport pair.
// Messages written to one end are received on the other.
// Closing either end closes both.
func NewPipe() (Transport, Transport) {
	ab := make(chan Message, 64)
	ba := make(chan Message, 64)
	done := make(chan struct{})

	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	a := &pipeEnd{in: ba, out: ab, done: done, stop: stop}
	b := &pipeEnd{in: ab, out: ba, done: done, stop: stop}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, m Message) error {
	// Check for close first: the buffered send below may also be ready
	// and the select would pick between them at random.
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}

	select {
	case <-p.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- m:
		return nil
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (Message, error) {
	// Drain buffered messages even after close, so the reader
	// sees everything the peer sent before hanging up.
	select {
	case m := <-p.in:
		return m, nil
	default:
	}

	select {
	case <-p.done:
		return Message{}, ErrTransportClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case m := <-p.in:
		return m, nil
	}
}

func (p *pipeEnd) Close() error {
	p.stop()
	return nil
}
