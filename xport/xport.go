// Package xport provides the addressable-process abstraction (Addr and
// Transport). A Transport is the out-of-scope collaborator spec.md calls
// "reliable typed message passing between addressable processes" plus
// monitor/down notifications; fitmesh ships two implementations — an
// in-process one and a cluster one backed by go-micro. The core subsystems
// (queue, coordinator, router) use only Addr and call each other directly;
// sink.AMQP is the package's Transport user.
package xport

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

// Addr names an addressable mailbox — a queue manager, a coordinator, a
// worker or a sink. Addresses are opaque to everything except the Transport
// that resolves them.
type Addr string

// ErrNoSuchAddr is returned by Send when the destination mailbox was never
// registered (or has since been deregistered) with the transport.
var ErrNoSuchAddr = xerrors.New("xport: no such address")

// ErrClosed is returned by operations on a mailbox or transport that has
// already been torn down.
var ErrClosed = xerrors.New("xport: transport closed")

// Handler processes a single message delivered to a registered mailbox.
// Handlers run on the transport's delivery goroutine and must not block
// indefinitely — the blocking points in fitmesh belong to the queue manager
// and router, not to message delivery itself.
type Handler func(ctx context.Context, msg interface{})

// DownFunc is invoked at most once when a monitored address becomes
// unreachable, mirroring the monitor semantics the spec requires for
// detecting worker and queue-manager crashes.
type DownFunc func(reason error)

// Transport is the message-passing collaborator interface, used by
// sink.AMQP to deliver records. It is intentionally narrow: a
// way to register a mailbox, a way to send a typed message to one, and a
// way to be told when a destination goes away.
type Transport interface {
	// Register binds addr to handler. Re-registering an address replaces
	// its handler.
	Register(addr Addr, handler Handler) error

	// Deregister unbinds addr. Any outstanding Monitor callbacks for addr
	// fire with ErrClosed.
	Deregister(addr Addr)

	// Send delivers msg to addr's handler. Implementations may deliver
	// synchronously or queue for async delivery, but must preserve
	// per-sender ordering between two Sends to the same addr.
	Send(ctx context.Context, addr Addr, msg interface{}) error

	// Monitor arranges for onDown to be invoked once if addr becomes
	// unreachable (deregistered, or the underlying connection drops).
	// The returned cancel function removes the monitor without firing it.
	Monitor(addr Addr, onDown DownFunc) (cancel func())

	// Close tears down the transport and fires every outstanding monitor
	// with ErrClosed.
	Close() error
}

// Local is an in-process Transport: addresses are just map keys and
// delivery is a direct, synchronous call into the registered handler on the
// sender's goroutine. The xport and sink tests use it, grounded on
// bspgraph/graph.go's channel-addressed vertex workers.
type Local struct {
	mu       sync.Mutex
	handlers map[Addr]Handler
	monitors map[Addr][]DownFunc
	closed   bool
}

// NewLocal returns a ready-to-use in-process transport.
func NewLocal() *Local {
	return &Local{
		handlers: make(map[Addr]Handler),
		monitors: make(map[Addr][]DownFunc),
	}
}

func (l *Local) Register(addr Addr, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.handlers[addr] = handler
	return nil
}

func (l *Local) Deregister(addr Addr) {
	l.mu.Lock()
	delete(l.handlers, addr)
	fns := l.monitors[addr]
	delete(l.monitors, addr)
	l.mu.Unlock()

	for _, fn := range fns {
		if fn != nil {
			fn(ErrClosed)
		}
	}
}

func (l *Local) Send(ctx context.Context, addr Addr, msg interface{}) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	h, ok := l.handlers[addr]
	l.mu.Unlock()
	if !ok {
		return xerrors.Errorf("sending to %q: %w", addr, ErrNoSuchAddr)
	}
	h(ctx, msg)
	return nil
}

func (l *Local) Monitor(addr Addr, onDown DownFunc) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		onDown(ErrClosed)
		return func() {}
	}
	l.monitors[addr] = append(l.monitors[addr], onDown)
	idx := len(l.monitors[addr]) - 1
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		fns := l.monitors[addr]
		if idx < len(fns) {
			fns[idx] = nil
		}
	}
}

// NotifyDown fires every live monitor registered against addr with reason,
// then clears them. It lets the owner of addr report a crash to whoever
// monitors it; nothing in this module calls it outside the xport tests.
func (l *Local) NotifyDown(addr Addr, reason error) {
	l.mu.Lock()
	fns := l.monitors[addr]
	delete(l.monitors, addr)
	l.mu.Unlock()

	for _, fn := range fns {
		if fn != nil {
			fn(reason)
		}
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	monitors := l.monitors
	l.monitors = nil
	l.handlers = nil
	l.mu.Unlock()

	for _, fns := range monitors {
		for _, fn := range fns {
			if fn != nil {
				fn(ErrClosed)
			}
		}
	}
	return nil
}
