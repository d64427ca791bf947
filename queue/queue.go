// Package queue implements the hard core of the engine: one manager per
// (fitting, partition), holding a bounded ready FIFO and a blocking FIFO of
// senders waiting for room, driving a single worker goroutine, and
// restarting or forwarding around it on crash. The blocking-send/reply-
// channel protocol generalizes pipeline/pipeline.go's buffered-error-
// channel-plus-context-cancel shutdown to the richer deliver/EOI/restart
// contract the engine needs.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/enginelog"
	"github.com/fitmesh/fitmesh/fitting"
	"github.com/fitmesh/fitmesh/ringhash"
)

// Outcome is the result of an Enqueue call, mirroring spec.md §4.1's
// enqueue outcome set.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
)

// RejectReason names why Enqueue returned Rejected.
type RejectReason string

const (
	RejectEOIClosed      RejectReason = "eoi_closed"
	RejectUnknownFitting RejectReason = "unknown_fitting"
)

// ErrClosed is returned by operations against a manager that has already
// reclaimed its queue (worker done, EOI acknowledged upstream).
var ErrClosed = xerrors.New("queue: manager closed")

// errWorkerCrashed is the sentinel a Worker.Deliver call returns (wrapped)
// to tell the manager the crash was the worker's own fault rather than a
// behavior-level processing error, triggering restart-then-forward.
var errWorkerCrashed = xerrors.New("queue: worker crashed")

// ErrWorkerCrashed wraps reason as a crash notification a Worker
// implementation returns from Deliver/EOI to request the manager's
// restart-then-forward handling (spec.md §4.1 worker_crashed).
func ErrWorkerCrashed(reason error) error {
	return xerrors.Errorf("%w: %v", errWorkerCrashed, reason)
}

// IsWorkerCrashed reports whether err (or a wrapped cause) signals a worker
// crash rather than an ordinary processing error.
func IsWorkerCrashed(err error) bool {
	return xerrors.Is(err, errWorkerCrashed)
}

// Worker is the narrow interface a Manager drives, implemented by the
// worker package. Declaring it in the queue package (instead of queue
// importing worker) is what lets queue and worker reference each other's
// behavior without an import cycle: worker imports queue for its crash
// signal (ErrWorkerCrashed), queue only ever sees a worker through this
// interface.
type Worker interface {
	// Deliver hands one envelope to the worker's single-threaded process
	// loop and returns once the behavior's Process callback has returned.
	// A crash (uncaught behavior exception) is reported as an error
	// satisfying IsWorkerCrashed.
	Deliver(ctx context.Context, env fitting.Envelope) (fitting.Verdict, error)

	// EOI tells the worker no more envelopes are coming; it must run the
	// behavior's Done callback and return.
	EOI(ctx context.Context) error

	// Close releases resources without running Done (used on pipeline
	// abort).
	Close()
}

// WorkerFactory constructs a fresh Worker for a manager's (fitting,
// partition), invoked once at first delivery and again after every
// crash-triggered restart.
type WorkerFactory func(ctx context.Context, partition ringhash.Partition, details fitting.Details) (Worker, error)

// DetailsFetcher resolves the fitting.Details for a manager's fitting,
// invoked lazily on the first Enqueue (spec.md §4.1 step 1: "asynchronously
// request details from envelope.coordinator_addr").
type DetailsFetcher func(ctx context.Context) (fitting.Details, error)

// Coordinator is the narrow interface a Manager reports EOI completion to,
// implemented by the coordinator package and referenced here the same way
// Worker is, to keep queue and coordinator free of a direct import cycle.
type Coordinator interface {
	// PartitionDone is called exactly once when this manager finishes after
	// EOI (after its worker, if it has one, has returned from Done),
	// propagating EOI upward.
	PartitionDone(ctx context.Context, partition ringhash.Partition)
}

// Forwarder resubmits an envelope whose worker forwarded it or crashed
// past restart, implemented by the router package (spec.md §4.1
// "Forwarding").
type Forwarder interface {
	Forward(ctx context.Context, env fitting.Envelope)
}

type blockingEntry struct {
	env   fitting.Envelope
	reply chan enqueueReply
}

type enqueueReply struct {
	outcome Outcome
	reason  RejectReason
}

// Stats is a point-in-time snapshot of a manager's status, mirroring the
// per-worker proplist fields spec.md §6's `status` operation lists.
type Stats struct {
	State          string
	QueueLength    int
	BlockingLength int
	Processed      int
	Failures       int
	Started        time.Time
}

// NodeLimits is the node-wide queue-length ceiling: process-wide
// configuration represented as an immutable struct passed into queue-manager
// construction rather than consulted as ambient state (spec.md §9 "Global
// state"). A zero MaxQueueLen means no node-wide ceiling applies, leaving
// each stage's own QLimit as the only bound.
type NodeLimits struct {
	MaxQueueLen int
}

// Manager is the queue manager for one (fitting, partition) pair.
type Manager struct {
	FittingName string
	Partition   ringhash.Partition
	QLimit      int
	NodeLimits  NodeLimits

	factory        WorkerFactory
	detailsFetcher DetailsFetcher
	coordinator    Coordinator
	forwarder      Forwarder
	log            *enginelog.Logger

	wake chan struct{}

	mu         sync.Mutex
	ready      []fitting.Envelope
	blocking   []blockingEntry
	eoi        bool
	forwarding bool
	closed     bool
	worker     Worker
	details    *fitting.Details
	state      string
	started    time.Time
	processed  int
	failures   int
}

// New builds a Manager for (fittingName, partition). The dispatch goroutine
// is started lazily by the first Enqueue call, matching spec.md's "queue
// created on first input" lifecycle.
func New(fittingName string, partition ringhash.Partition, qLimit int, nodeLimits NodeLimits, factory WorkerFactory, fetcher DetailsFetcher, coord Coordinator, fwd Forwarder, log *enginelog.Logger) *Manager {
	return &Manager{
		FittingName:    fittingName,
		Partition:      partition,
		QLimit:         qLimit,
		NodeLimits:     nodeLimits,
		factory:        factory,
		detailsFetcher: fetcher,
		coordinator:    coord,
		forwarder:      fwd,
		log:            log,
		wake:           make(chan struct{}, 1),
		state:          "init",
		started:        time.Now(),
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// effectiveQLimit is spec.md's `effective_q_limit = min(q_limit, node-wide
// limit)`.
func (m *Manager) effectiveQLimit() int {
	if m.NodeLimits.MaxQueueLen > 0 && m.NodeLimits.MaxQueueLen < m.QLimit {
		return m.NodeLimits.MaxQueueLen
	}
	return m.QLimit
}

// Enqueue is the producer-facing blocking-enqueue operation (spec.md
// §4.1's `enqueue`). It returns once env sits in the ready FIFO (Accepted)
// or has been rejected; it does not wait for processing to complete.
func (m *Manager) Enqueue(ctx context.Context, env fitting.Envelope) (Outcome, RejectReason, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Rejected, "", ErrClosed
	}
	if m.eoi {
		m.mu.Unlock()
		return Rejected, RejectEOIClosed, nil
	}
	first := m.worker == nil && len(m.ready) == 0 && len(m.blocking) == 0 && m.details == nil
	if m.forwarding {
		m.mu.Unlock()
		m.forwarder.Forward(ctx, env)
		return Accepted, "", nil
	}
	if len(m.ready) < m.effectiveQLimit() {
		m.ready = append(m.ready, env)
		m.mu.Unlock()
		if first {
			go m.run(ctx)
		}
		m.signal()
		return Accepted, "", nil
	}

	entry := blockingEntry{env: env, reply: make(chan enqueueReply, 1)}
	m.blocking = append(m.blocking, entry)
	m.mu.Unlock()

	select {
	case reply := <-entry.reply:
		return reply.outcome, reply.reason, nil
	case <-ctx.Done():
		return Rejected, "", ctx.Err()
	}
}

// MarkEOI tells the manager no more inputs are coming for this fitting
// (spec.md §4.1 `mark_eoi`). Idempotent after the first call.
func (m *Manager) MarkEOI(ctx context.Context) {
	m.mu.Lock()
	if m.eoi || m.closed {
		m.mu.Unlock()
		return
	}
	m.eoi = true
	empty := len(m.ready) == 0 && len(m.blocking) == 0 && m.worker == nil
	m.mu.Unlock()

	if empty {
		m.finish(ctx)
		return
	}
	m.signal()
}

// run is the manager's single dispatch goroutine: it owns the only call
// site for worker.Deliver, which is what keeps a worker's Process calls
// sequential per spec.md §5 ("each worker is logically single-threaded").
func (m *Manager) run(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if len(m.ready) == 0 {
			if m.eoi && len(m.blocking) == 0 {
				worker := m.worker
				m.mu.Unlock()
				if worker != nil {
					_ = worker.EOI(ctx)
				}
				m.finish(ctx)
				return
			}
			m.mu.Unlock()
			select {
			case <-m.wake:
			case <-ctx.Done():
				return
			}
			continue
		}

		env := m.ready[0]
		m.ready = m.ready[1:]
		if len(m.blocking) > 0 {
			b := m.blocking[0]
			m.blocking = m.blocking[1:]
			m.ready = append(m.ready, b.env)
			b.reply <- enqueueReply{outcome: Accepted}
		}
		m.state = "processing"
		m.mu.Unlock()

		m.deliver(ctx, env)

		m.mu.Lock()
		m.state = "waiting"
		m.mu.Unlock()
	}
}

// deliver ensures a worker exists, hands env to it, and reacts to the
// outcome: forward_preflist requests are handed to the forwarder; crashes
// trigger restart-then-forward (spec.md §4.1 `worker_crashed`).
func (m *Manager) deliver(ctx context.Context, env fitting.Envelope) {
	w, err := m.ensureWorker(ctx)
	if err != nil {
		m.log.Restart(m.FittingName, m.Partition, 0, err)
		m.forwarder.Forward(ctx, env)
		return
	}

	verdict, err := w.Deliver(ctx, env)
	if err == nil {
		m.mu.Lock()
		m.processed++
		m.mu.Unlock()
		if verdict == fitting.VerdictForwardPreflist {
			m.forwarder.Forward(ctx, env)
		}
		return
	}

	if !IsWorkerCrashed(err) {
		// A behavior-level processing error was already turned into a
		// `result`-kind log record by the worker; nothing further to do
		// here beyond bookkeeping.
		m.mu.Lock()
		m.failures++
		m.mu.Unlock()
		return
	}

	// env crashed the worker; worker.Deliver's panic recovery has already
	// turned that into the one `exception` log record spec.md §8 scenario
	// S6 calls for. env is never retried against the restarted worker — a
	// crashed input becomes a log record, not a result, so it is terminal
	// for env regardless of whether restart succeeds.
	m.mu.Lock()
	m.worker = nil
	m.failures++
	m.mu.Unlock()

	if m.restart(ctx) {
		// The manager can keep serving subsequent envelopes locally with
		// the freshly restarted worker; nothing further to do for env.
		return
	}

	// Restart failed: env is forwarded, and the manager enters forwarding
	// mode so future enqueues bypass the queue from this point on. Items
	// already sitting in ready/blocking are left for the run loop's normal
	// dispatch rather than bulk-diverted now — each will itself attempt
	// ensureWorker and only forward individually if that still fails,
	// giving a worker that starts working again a chance to serve them.
	m.enterForwarding(ctx, env)
}

// restart retries worker creation once with a 20ms constant backoff,
// resolving spec.md §9's open question on worker-restart policy (see
// DESIGN.md).
func (m *Manager) restart(ctx context.Context) bool {
	r := retrier.New(retrier.ConstantBackoff(1, 20*time.Millisecond), nil)
	err := r.Run(func() error {
		_, err := m.ensureWorker(ctx)
		return err
	})
	return err == nil
}

// enterForwarding forwards failed and sets the manager into forwarding mode
// so enqueues from this point on bypass the queue entirely (spec.md §4.1:
// "Set the queue to a forwarding mode"). It does not retroactively divert
// whatever is already sitting in ready/blocking — those envelopes were
// queued before this failure and still get a normal shot at the run loop's
// dispatch, which forwards any of them individually only if ensureWorker
// fails again when their turn comes.
func (m *Manager) enterForwarding(ctx context.Context, failed fitting.Envelope) {
	m.mu.Lock()
	m.forwarding = true
	eoiPending := m.eoi && len(m.ready) == 0 && len(m.blocking) == 0
	m.mu.Unlock()

	m.forwarder.Forward(ctx, failed)

	if eoiPending {
		m.finish(ctx)
	}
}

// ensureWorker lazily fetches fitting details and spawns the worker on
// first use, matching spec.md's "deliver_details" step.
func (m *Manager) ensureWorker(ctx context.Context) (Worker, error) {
	m.mu.Lock()
	if m.worker != nil {
		w := m.worker
		m.mu.Unlock()
		return w, nil
	}
	details := m.details
	m.mu.Unlock()

	if details == nil {
		d, err := m.detailsFetcher(ctx)
		if err != nil {
			return nil, xerrors.Errorf("queue: fetch details for %q: %w", m.FittingName, err)
		}
		details = &d
	}

	w, err := m.factory(ctx, m.Partition, *details)
	if err != nil {
		return nil, xerrors.Errorf("queue: spawn worker for %q/%d: %w", m.FittingName, m.Partition, err)
	}

	m.mu.Lock()
	m.details = details
	m.worker = w
	m.mu.Unlock()
	return w, nil
}

// finish reclaims the queue and reports completion to the coordinator
// (spec.md's `worker_done`/queue reclaim step).
func (m *Manager) finish(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.state = "done"
	m.mu.Unlock()

	m.coordinator.PartitionDone(ctx, m.Partition)
}

// Abort tears the manager down without running Done, for pipeline-wide
// cancellation (spec.md §5 "coordinator crash cascades ... tears down all
// workers and queues").
func (m *Manager) Abort() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	worker := m.worker
	blocking := m.blocking
	m.blocking = nil
	m.ready = nil
	m.mu.Unlock()

	if worker != nil {
		worker.Close()
	}
	for _, b := range blocking {
		b.reply <- enqueueReply{outcome: Rejected}
	}
}

// Status returns a snapshot for the pipeline's `status` surface.
func (m *Manager) Status() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		State:          m.state,
		QueueLength:    len(m.ready),
		BlockingLength: len(m.blocking),
		Processed:      m.processed,
		Failures:       m.failures,
		Started:        m.started,
	}
}
