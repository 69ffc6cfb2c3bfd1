// Package transport carries wire messages between tasks. The core only
// relies on the Endpoint contract: reliable delivery, in order per sender
// and receiver pair. Network is an in-process implementation of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/grex/wire"
)

var (
	ErrClosed          = errors.New("transport: endpoint closed")
	ErrUnknownEndpoint = errors.New("transport: unknown endpoint")
	ErrDuplicate       = errors.New("transport: endpoint already registered")
)

// Endpoint is one participant's connection to the cluster.
type Endpoint interface {
	// ID returns the participant id messages are addressed to.
	ID() int32
	// Send delivers m to m.To. m.From is overwritten with ID().
	Send(m *wire.Message) error
	// Recv blocks until a message arrives, the context ends or the
	// endpoint is closed.
	Recv(ctx context.Context) (*wire.Message, error)
	// TryRecv returns the next message if one is waiting.
	TryRecv() (*wire.Message, bool, error)
	Close() error
}

// Tap observes every message as it is sent.
type Tap func(m *wire.Message)

// Network is an in-memory cluster fabric. Messages are encoded on send and
// decoded on receipt so they cross the same codec a socket transport
// would use.
type Network struct {
	mu        sync.Mutex
	endpoints map[int32]*memEndpoint
	tap       Tap
	sent      uint64
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[int32]*memEndpoint)}
}

// SetTap installs a send observer.
func (n *Network) SetTap(tap Tap) {
	n.mu.Lock()
	n.tap = tap
	n.mu.Unlock()
}

// Endpoint registers a participant with the given id.
func (n *Network) Endpoint(id int32) (Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicate, id)
	}
	ep := &memEndpoint{net: n, id: id, notify: make(chan struct{}, 1)}
	n.endpoints[id] = ep
	return ep, nil
}

// Pending returns the number of messages queued but not yet received.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, ep := range n.endpoints {
		total += len(ep.inbox)
	}
	return total
}

// Sent returns the number of messages accepted so far.
func (n *Network) Sent() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

func (n *Network) deliver(m *wire.Message) error {
	data, err := wire.Marshal(m)
	if err != nil {
		return fmt.Errorf("transport: send %v: %w", m, err)
	}
	n.mu.Lock()
	dst, ok := n.endpoints[m.To]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownEndpoint, m.To)
	}
	if dst.closed {
		n.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrClosed, m.To)
	}
	dst.inbox = append(dst.inbox, data)
	n.sent++
	select {
	case dst.notify <- struct{}{}:
	default:
	}
	tap := n.tap
	n.mu.Unlock()

	if tap != nil {
		tap(m)
	}
	return nil
}

type memEndpoint struct {
	net    *Network
	id     int32
	inbox  [][]byte
	notify chan struct{}
	closed bool
}

func (e *memEndpoint) ID() int32 {
	return e.id
}

func (e *memEndpoint) Send(m *wire.Message) error {
	e.net.mu.Lock()
	closed := e.closed
	e.net.mu.Unlock()
	if closed {
		return ErrClosed
	}
	m.From = e.id
	return e.net.deliver(m)
}

func (e *memEndpoint) TryRecv() (*wire.Message, bool, error) {
	e.net.mu.Lock()
	if len(e.inbox) == 0 {
		closed := e.closed
		e.net.mu.Unlock()
		if closed {
			return nil, false, ErrClosed
		}
		return nil, false, nil
	}
	data := e.inbox[0]
	e.inbox[0] = nil
	e.inbox = e.inbox[1:]
	e.net.mu.Unlock()

	m, err := wire.Unmarshal(data)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (e *memEndpoint) Recv(ctx context.Context) (*wire.Message, error) {
	for {
		m, ok, err := e.TryRecv()
		if err != nil {
			return nil, err
		}
		if ok {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.notify:
		}
	}
}

func (e *memEndpoint) Close() error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.inbox = nil
	close(e.notify)
	return nil
}
