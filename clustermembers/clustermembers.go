// Package clustermembers publishes this node's membership into a go-micro
// registry and watches for peers, translating registry events into
// ringhash.Node updates. It is the concrete form of spec.md's "external
// ring-ownership service" collaborator — the engine's core packages never
// import this one; only the process wiring code (builder/pipe callers) does.
package clustermembers

import (
	"sync"

	microRegistry "github.com/micro/go-micro/v2/registry"
	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/ringhash"
)

// ServiceName namespaces this engine's membership entries within a shared
// go-micro registry.
const ServiceName = "fitmesh.cluster"

// Source watches a go-micro registry for fitmesh node membership and keeps
// a ringhash.StaticRing's ownership table in sync.
type Source struct {
	registry microRegistry.Registry
	ring     *ringhash.StaticRing

	mu       sync.Mutex
	watcher  microRegistry.Watcher
	stopOnce sync.Once
	stop     chan struct{}
}

// Join registers this node (id, addr) in reg and returns a Source that
// keeps ring in sync with the registry's view of the cluster. numPartitions
// sizes the ring the first time membership is observed.
func Join(reg microRegistry.Registry, numPartitions int, self ringhash.Node) (*Source, error) {
	svc := &microRegistry.Service{
		Name: ServiceName,
		Nodes: []*microRegistry.Node{
			{Id: self.ID, Address: self.Addr},
		},
	}
	if err := reg.Register(svc); err != nil {
		return nil, xerrors.Errorf("clustermembers: register self: %w", err)
	}

	nodes, err := snapshot(reg)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		nodes = []ringhash.Node{self}
	}
	ring, err := ringhash.NewStaticRing(numPartitions, nodes)
	if err != nil {
		return nil, err
	}

	s := &Source{registry: reg, ring: ring, stop: make(chan struct{})}
	watcher, err := reg.Watch(microRegistry.WatchService(ServiceName))
	if err != nil {
		return nil, xerrors.Errorf("clustermembers: watch: %w", err)
	}
	s.watcher = watcher
	go s.loop()
	return s, nil
}

// Ring returns the live ring kept in sync with cluster membership.
func (s *Source) Ring() *ringhash.StaticRing { return s.ring }

func (s *Source) loop() {
	for {
		_, err := s.watcher.Next()
		if err != nil {
			return
		}
		nodes, err := snapshot(s.registry)
		if err != nil || len(nodes) == 0 {
			continue
		}
		_ = s.ring.SetNodes(nodes)
	}
}

func snapshot(reg microRegistry.Registry) ([]ringhash.Node, error) {
	services, err := reg.GetService(ServiceName)
	if err != nil {
		return nil, xerrors.Errorf("clustermembers: snapshot: %w", err)
	}
	var nodes []ringhash.Node
	for _, svc := range services {
		for _, n := range svc.Nodes {
			nodes = append(nodes, ringhash.Node{ID: n.Id, Addr: n.Address})
		}
	}
	return nodes, nil
}

// Leave deregisters self and stops watching.
func (s *Source) Leave(reg microRegistry.Registry, self ringhash.Node) error {
	s.stopOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop()
		}
		close(s.stop)
	})
	return reg.Deregister(&microRegistry.Service{
		Name:  ServiceName,
		Nodes: []*microRegistry.Node{{Id: self.ID, Address: self.Addr}},
	})
}
