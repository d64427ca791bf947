package xport

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"

	"github.com/google/uuid"
	microRegistry "github.com/micro/go-micro/v2/registry"
	microTransport "github.com/micro/go-micro/v2/transport"
	"golang.org/x/xerrors"
)

// MicroTransport is a Transport backed by go-micro's registry (for
// address-to-network-node resolution) and transport (for the actual
// point-to-point byte delivery). It is fitmesh's cross-node collaborator:
// every fitmesh address is published as a single-node go-micro Service so
// peers elsewhere in the cluster can Dial it.
//
// This is the concrete form of the "transport" external collaborator
// spec.md treats as out of scope. Within this module its caller is
// sink.NewClusterAMQP; the core subsystems do not send through a Transport.
type MicroTransport struct {
	registry  microRegistry.Registry
	transport microTransport.Transport
	service   string // go-micro service name namespacing this engine instance

	mu       sync.Mutex
	handlers map[Addr]Handler
	monitors map[Addr][]DownFunc
	listeners map[Addr]microTransport.Listener
	closed   bool
}

// NewMicroTransport builds a MicroTransport over the go-micro registry reg
// and wire transport tr supplied by the caller. service namespaces the
// registry entries so multiple fitmesh clusters can share a registry.
func NewMicroTransport(service string, reg microRegistry.Registry, tr microTransport.Transport) *MicroTransport {
	return &MicroTransport{
		registry:  reg,
		transport: tr,
		service:   service,
		handlers:  make(map[Addr]Handler),
		monitors:  make(map[Addr][]DownFunc),
		listeners: make(map[Addr]microTransport.Listener),
	}
}

func (m *MicroTransport) serviceName(addr Addr) string {
	return m.service + "." + string(addr)
}

// Register binds addr to handler, starts a go-micro listener for it and
// publishes it in the registry so remote Sends can resolve it.
func (m *MicroTransport) Register(addr Addr, handler Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.handlers[addr] = handler
	m.mu.Unlock()

	listener, err := m.transport.Listen(":0")
	if err != nil {
		return xerrors.Errorf("xport: listen for %q: %w", addr, err)
	}

	m.mu.Lock()
	m.listeners[addr] = listener
	m.mu.Unlock()

	go m.accept(addr, listener)

	svc := &microRegistry.Service{
		Name: m.serviceName(addr),
		Nodes: []*microRegistry.Node{
			{Id: uuid.New().String(), Address: listener.Addr()},
		},
	}
	if err := m.registry.Register(svc); err != nil {
		_ = listener.Close()
		return xerrors.Errorf("xport: register %q: %w", addr, err)
	}
	return nil
}

func (m *MicroTransport) accept(addr Addr, listener microTransport.Listener) {
	_ = listener.Accept(func(sock microTransport.Socket) {
		defer sock.Close()
		var tm microTransport.Message
		if err := sock.Recv(&tm); err != nil {
			return
		}
		var payload envelopeBox
		dec := gob.NewDecoder(bytes.NewReader(tm.Body))
		if err := dec.Decode(&payload); err != nil {
			return
		}
		m.mu.Lock()
		h := m.handlers[addr]
		m.mu.Unlock()
		if h != nil {
			h(context.Background(), payload.Value)
		}
	})
}

// envelopeBox wraps an arbitrary fitmesh message for gob transport. Real
// deployments register their concrete envelope/record types with gob via
// RegisterMessageType before sending them across MicroTransport.
type envelopeBox struct {
	Value interface{}
}

// RegisterMessageType must be called once per concrete type that will
// cross a MicroTransport boundary (gob requires static registration of
// interface payloads).
func RegisterMessageType(v interface{}) { gob.Register(v) }

func (m *MicroTransport) Deregister(addr Addr) {
	m.mu.Lock()
	delete(m.handlers, addr)
	listener := m.listeners[addr]
	delete(m.listeners, addr)
	fns := m.monitors[addr]
	delete(m.monitors, addr)
	m.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	_ = m.registry.Deregister(&microRegistry.Service{Name: m.serviceName(addr)})
	for _, fn := range fns {
		if fn != nil {
			fn(ErrClosed)
		}
	}
}

func (m *MicroTransport) Send(ctx context.Context, addr Addr, msg interface{}) error {
	services, err := m.registry.GetService(m.serviceName(addr))
	if err != nil || len(services) == 0 || len(services[0].Nodes) == 0 {
		return xerrors.Errorf("xport: resolve %q: %w", addr, ErrNoSuchAddr)
	}
	node := services[0].Nodes[0]

	client, err := m.transport.Dial(node.Address)
	if err != nil {
		return xerrors.Errorf("xport: dial %q at %s: %w", addr, node.Address, err)
	}
	defer client.Close()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelopeBox{Value: msg}); err != nil {
		return xerrors.Errorf("xport: encode message for %q: %w", addr, err)
	}

	return client.Send(&microTransport.Message{Body: buf.Bytes()})
}

func (m *MicroTransport) Monitor(addr Addr, onDown DownFunc) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		onDown(ErrClosed)
		return func() {}
	}
	m.monitors[addr] = append(m.monitors[addr], onDown)
	idx := len(m.monitors[addr]) - 1

	go m.watchDeregister(addr)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		fns := m.monitors[addr]
		if idx < len(fns) {
			fns[idx] = nil
		}
	}
}

// watchDeregister polls the registry's Watcher for a deregister event
// matching addr's service name, firing its monitors when seen.
func (m *MicroTransport) watchDeregister(addr Addr) {
	watcher, err := m.registry.Watch(microRegistry.WatchService(m.serviceName(addr)))
	if err != nil {
		return
	}
	defer watcher.Stop()

	for {
		result, err := watcher.Next()
		if err != nil {
			return
		}
		if result.Action != "delete" {
			continue
		}
		m.mu.Lock()
		fns := m.monitors[addr]
		delete(m.monitors, addr)
		m.mu.Unlock()
		for _, fn := range fns {
			if fn != nil {
				fn(xerrors.New("xport: remote address deregistered"))
			}
		}
		return
	}
}

func (m *MicroTransport) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	listeners := m.listeners
	monitors := m.monitors
	m.listeners, m.handlers, m.monitors = nil, nil, nil
	m.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, fns := range monitors {
		for _, fn := range fns {
			if fn != nil {
				fn(ErrClosed)
			}
		}
	}
	return nil
}
