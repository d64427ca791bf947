// Package coordinator implements the per-fitting, per-pipeline actor that
// serves fitting details to queue managers, tracks the dynamically
// discovered set of active workers, and drives end-of-input quiescence
// (spec.md §4.3). Its state machine — open, draining on client EOI,
// closed once the last worker reports done — is the same shutdown-group
// idea pipeline/pipeline.go implements with context.WithCancel plus a
// sync.WaitGroup, generalized to a fan-in of dynamically joining/leaving
// managers instead of a fixed stage list.
package coordinator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/enginelog"
	"github.com/fitmesh/fitmesh/fitting"
	"github.com/fitmesh/fitmesh/ringhash"
	"github.com/fitmesh/fitmesh/xport"
)

// ManagerRef is the narrow interface a Coordinator uses to drive a
// registered queue manager, implemented by *queue.Manager. Declaring it
// here instead of importing the queue package keeps queue and coordinator
// free of a direct import cycle — queue only ever sees a coordinator
// through its own Coordinator interface.
type ManagerRef interface {
	MarkEOI(ctx context.Context)
	Abort()
}

// EOIReceiver is the next hop for a coordinator's completed EOI: either
// the next stage's Coordinator, or the pipeline's sink.
type EOIReceiver interface {
	EndOfInput(ctx context.Context, pipelineRef uuid.UUID)
}

// ErrClosed is returned by Register once the coordinator has entered its
// closed state.
var ErrClosed = xerrors.New("coordinator: closed")

type phase int

const (
	phaseOpen phase = iota
	phaseDraining
	phaseClosed
)

type workerEntry struct {
	manager ManagerRef
}

// Coordinator holds one fitting's spec and the active set of queue
// managers currently working for it within one pipeline execution.
type Coordinator struct {
	Spec        fitting.Spec
	Addr        xport.Addr
	PipelineRef uuid.UUID

	next EOIReceiver
	log  *enginelog.Logger

	mu           sync.Mutex
	workers      map[ringhash.Partition]workerEntry
	eoiRequested bool
	ph           phase
}

// New builds a Coordinator for spec, forwarding its completed EOI to next
// (the following stage's coordinator, or the pipeline's sink).
func New(spec fitting.Spec, addr xport.Addr, pipelineRef uuid.UUID, next EOIReceiver, log *enginelog.Logger) *Coordinator {
	return &Coordinator{
		Spec:        spec,
		Addr:        addr,
		PipelineRef: pipelineRef,
		next:        next,
		log:         log,
		workers:     make(map[ringhash.Partition]workerEntry),
	}
}

// Details returns the immutable fitting.Details this coordinator serves to
// requesting queue managers.
func (c *Coordinator) Details() fitting.Details {
	return fitting.Details{Spec: c.Spec, Coordinator: c.Addr, PipelineRef: c.PipelineRef}
}

// Register implements spec.md §4.3's `get_details`: it answers a queue
// manager's spec lookup and enrolls it in the active worker set W, with
// mgr as the handle the coordinator later drives MarkEOI/Abort through.
func (c *Coordinator) Register(partition ringhash.Partition, mgr ManagerRef) (fitting.Details, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ph == phaseClosed {
		return fitting.Details{}, ErrClosed
	}
	c.workers[partition] = workerEntry{manager: mgr}
	return c.Details(), nil
}

// PartitionDone implements queue.Coordinator: a manager calls this once
// when it finishes after EOI has drained its queue. There is no separate
// worker-down path: a manager whose worker crashed restarts or forwards,
// and still reports completion through this call.
func (c *Coordinator) PartitionDone(ctx context.Context, partition ringhash.Partition) {
	c.mu.Lock()
	delete(c.workers, partition)
	shouldClose := c.eoiRequested && len(c.workers) == 0 && c.ph != phaseClosed
	if shouldClose {
		c.ph = phaseClosed
	}
	c.mu.Unlock()

	if shouldClose {
		c.next.EndOfInput(ctx, c.PipelineRef)
	}
}

// ClientEOI implements spec.md §4.3's `client_eoi`: idempotent after the
// first call (testable property 8), it broadcasts MarkEOI to every
// currently active manager and transitions open→draining, or directly to
// closed if no manager was ever registered.
func (c *Coordinator) ClientEOI(ctx context.Context) {
	c.mu.Lock()
	if c.eoiRequested {
		c.mu.Unlock()
		return
	}
	c.eoiRequested = true

	mgrs := make([]ManagerRef, 0, len(c.workers))
	for _, w := range c.workers {
		mgrs = append(mgrs, w.manager)
	}
	if len(mgrs) == 0 {
		c.ph = phaseClosed
	} else {
		c.ph = phaseDraining
	}
	c.mu.Unlock()

	for _, m := range mgrs {
		m.MarkEOI(ctx)
	}
	if len(mgrs) == 0 {
		c.next.EndOfInput(ctx, c.PipelineRef)
	}
}

// EndOfInput implements EOIReceiver: the upstream stage's completed EOI is
// handled as this stage's client EOI.
func (c *Coordinator) EndOfInput(ctx context.Context, pipelineRef uuid.UUID) {
	c.ClientEOI(ctx)
}

// Abort tears down every manager registered with this coordinator,
// cascading a pipeline-wide failure (spec.md §5).
func (c *Coordinator) Abort() {
	c.mu.Lock()
	mgrs := make([]ManagerRef, 0, len(c.workers))
	for _, w := range c.workers {
		mgrs = append(mgrs, w.manager)
	}
	c.workers = make(map[ringhash.Partition]workerEntry)
	c.ph = phaseClosed
	c.mu.Unlock()

	for _, m := range mgrs {
		m.Abort()
	}
}

// ActivePartitions reports the partitions currently registered, for the
// pipeline's `status` surface.
func (c *Coordinator) ActivePartitions() []ringhash.Partition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ringhash.Partition, 0, len(c.workers))
	for p := range c.workers {
		out = append(out, p)
	}
	return out
}
