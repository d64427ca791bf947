// Package worker implements the per-(fitting, partition) event loop that
// drives a stage's fitting.Behavior: it owns the behavior's opaque state
// across calls, recovers from a behavior panic the way bspgraph/graph.go's
// stepWorker recovers a compute-function failure into an error channel
// instead of crashing the whole process, and turns that recovery into the
// queue package's crash signal so the manager can restart or forward.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/enginelog"
	"github.com/fitmesh/fitmesh/fitting"
	"github.com/fitmesh/fitmesh/queue"
	"github.com/fitmesh/fitmesh/ringhash"
)

// Router is the narrow interface a Worker uses to emit outputs and resolve
// the downstream destination for them — implemented by the router package.
// Declaring it here (instead of importing router) keeps worker and router
// free of a direct import cycle: router imports worker for this interface,
// and worker never imports router.
type Router interface {
	// SendOutput routes value downstream of fromPartition's fitting,
	// blocking until the destination's Enqueue resolves (spec.md §4.5
	// `send_output`).
	SendOutput(ctx context.Context, fromPartition ringhash.Partition, value interface{}) error
}

// exceptionDetails is the structured payload attached to an `exception`
// kind log record (spec.md §7: "module, partition, details, input,
// modstate, stack").
type exceptionDetails struct {
	Module    string
	Partition ringhash.Partition
	Input     interface{}
	Stack     string
}

// Worker drives one fitting.Behavior instance for one (fitting, partition).
// It satisfies queue.Worker; a queue.Manager is the only caller of Deliver,
// which is what keeps Process calls sequential.
type Worker struct {
	fittingName string
	partition   ringhash.Partition
	behavior    fitting.Behavior
	router      Router
	log         *enginelog.Logger

	mu    sync.Mutex
	state fitting.State
	dead  bool
}

// New constructs a Worker, running the behavior's Init callback once.
// Init failure is fatal to the worker, surfaced to the caller (the queue
// manager's ensureWorker) as an ordinary error rather than a crash, since
// no Process call — and therefore no in-flight input — was ever attempted.
func New(ctx context.Context, partition ringhash.Partition, details fitting.Details, registry *fitting.Registry, router Router, log *enginelog.Logger) (*Worker, error) {
	behavior, ok := registry.Lookup(details.Spec.Behavior)
	if !ok {
		return nil, xerrors.Errorf("worker: unknown behavior %q", details.Spec.Behavior)
	}

	w := &Worker{
		fittingName: details.Spec.Name,
		partition:   partition,
		behavior:    behavior,
		router:      router,
		log:         log,
	}

	state, err := behavior.Init(ctx, partition, details)
	if err != nil {
		return nil, xerrors.Errorf("worker: init %q/%d: %w", details.Spec.Name, partition, err)
	}
	w.state = state
	return w, nil
}

// Deliver processes one envelope, recovering a behavior panic into a
// queue.ErrWorkerCrashed so the manager's restart-then-forward logic can
// take over (spec.md §4.2 "On uncaught exception").
func (w *Worker) Deliver(ctx context.Context, env fitting.Envelope) (verdict fitting.Verdict, err error) {
	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return 0, queue.ErrWorkerCrashed(xerrors.New("worker already dead"))
	}
	w.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			w.mu.Lock()
			w.dead = true
			w.mu.Unlock()

			w.log.Publish(fitting.Record{
				Kind:      fitting.RecordLog,
				Fitting:   w.fittingName,
				Partition: w.partition,
				Details: exceptionDetails{
					Module:    w.fittingName,
					Partition: w.partition,
					Input:     env.Value,
					Stack:     string(debug.Stack()),
				},
				Timestamp: time.Now(),
			}, enginelog.TopicRestart)

			err = queue.ErrWorkerCrashed(xerrors.Errorf("worker panic: %v", r))
		}
	}()

	in := fitting.ProcessInput{
		Value:           env.Value,
		LastPreflist:    env.PreflistIdx == len(env.Preflist)-1,
		SourcePartition: env.SourcePartition,
	}

	emit := &emitter{worker: w, ctx: ctx}

	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	v, newState, procErr := w.behavior.Process(ctx, emit, state, in)

	w.mu.Lock()
	w.state = newState
	w.mu.Unlock()

	if procErr != nil {
		w.log.Publish(fitting.Record{
			Kind:      fitting.RecordLog,
			Fitting:   w.fittingName,
			Partition: w.partition,
			Details:   procErr,
			Timestamp: time.Now(),
		}, enginelog.TopicResult)
		return fitting.VerdictError, nil
	}

	return v, nil
}

// EOI runs the behavior's Done callback once the manager's queue has fully
// drained (spec.md §4.1 `mark_eoi` completion condition).
func (w *Worker) EOI(ctx context.Context) error {
	w.mu.Lock()
	dead := w.dead
	state := w.state
	w.mu.Unlock()
	if dead {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Publish(fitting.Record{
				Kind:      fitting.RecordLog,
				Fitting:   w.fittingName,
				Partition: w.partition,
				Details: exceptionDetails{
					Module:    w.fittingName,
					Partition: w.partition,
					Stack:     string(debug.Stack()),
				},
				Timestamp: time.Now(),
			}, enginelog.TopicRestart)
		}
	}()

	emit := &emitter{worker: w, ctx: ctx}
	w.behavior.Done(ctx, emit, state)

	w.log.Publish(fitting.Record{
		Kind:      fitting.RecordEndOfInput,
		Fitting:   w.fittingName,
		Partition: w.partition,
		Timestamp: time.Now(),
	}, enginelog.TopicEOI)
	return nil
}

// Close marks the worker dead without running Done, used on pipeline-wide
// abort.
func (w *Worker) Close() {
	w.mu.Lock()
	w.dead = true
	w.mu.Unlock()
}

// emitter adapts a Worker into the fitting.Emitter a running Behavior sees.
type emitter struct {
	worker *Worker
	ctx    context.Context
}

func (e *emitter) Emit(ctx context.Context, value interface{}) error {
	if err := e.worker.router.SendOutput(ctx, e.worker.partition, value); err != nil {
		e.worker.log.Publish(fitting.Record{
			Kind:      fitting.RecordLog,
			Fitting:   e.worker.fittingName,
			Partition: e.worker.partition,
			Details:   err,
			Timestamp: time.Now(),
		}, enginelog.TopicResult)
		return err
	}
	return nil
}

func (e *emitter) Logf(format string, args ...interface{}) {
	e.worker.log.Publish(fitting.Record{
		Kind:      fitting.RecordLog,
		Fitting:   e.worker.fittingName,
		Partition: e.worker.partition,
		Details:   xerrors.Errorf(format, args...).Error(),
		Timestamp: time.Now(),
	}, enginelog.TopicResult)
}
