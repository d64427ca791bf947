// Package router implements spec.md §4.5: hashing a value (or following
// its source partition) to resolve a preflist, delivering to the head
// partition's queue manager, and re-delivering to the next preflist entry
// when a worker forwards or crashes past restart. It is the glue that
// owns per-stage queue.Manager instances and wires each worker's outputs
// back through itself — generalizing pipeline/pipeline.go's fixed channel
// wiring between adjacent stages to a dynamically-partitioned, preflist-
// aware send.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/coordinator"
	"github.com/fitmesh/fitmesh/enginelog"
	"github.com/fitmesh/fitmesh/fitting"
	"github.com/fitmesh/fitmesh/queue"
	"github.com/fitmesh/fitmesh/ringhash"
	"github.com/fitmesh/fitmesh/sink"
	"github.com/fitmesh/fitmesh/worker"
)

// WorkerBuilder constructs the concrete worker for a stage, letting
// Pipeline stay independent of the worker package's constructor signature
// beyond the queue.WorkerFactory shape it must produce.
type WorkerBuilder func(ctx context.Context, partition ringhash.Partition, details fitting.Details, rt worker.Router) (queue.Worker, error)

// Stage is one fitting's routing state within a running pipeline: its
// spec, the coordinator serving its details, the ring resolving its
// preflists, and the lazily-created queue managers for its partitions.
type Stage struct {
	Spec        fitting.Spec
	Coordinator *coordinator.Coordinator
	Ring        ringhash.Ring

	mu       sync.Mutex
	managers map[ringhash.Partition]*queue.Manager
}

// Pipeline is the live routing object for one exec'd pipeline: an ordered
// stage list terminating in a sink, shared by every worker's SendOutput
// call and by the client-facing QueueWork entry point.
type Pipeline struct {
	Ref        uuid.UUID
	Stages     []*Stage
	Sink       sink.Sink
	NodeLimits queue.NodeLimits

	buildWorker WorkerBuilder
	log         *enginelog.Logger
}

// New builds a Pipeline. buildWorker is invoked lazily the first time a
// given (stage, partition) needs a worker. nodeLimits is threaded into every
// queue.Manager this pipeline creates (spec.md §9 "Global state").
func New(ref uuid.UUID, stages []*Stage, terminalSink sink.Sink, nodeLimits queue.NodeLimits, buildWorker WorkerBuilder, log *enginelog.Logger) *Pipeline {
	for _, s := range stages {
		s.managers = make(map[ringhash.Partition]*queue.Manager)
	}
	return &Pipeline{Ref: ref, Stages: stages, Sink: terminalSink, NodeLimits: nodeLimits, buildWorker: buildWorker, log: log}
}

// QueueWork is the client-facing entry point (spec.md §4.5 `queue_work`):
// it partitions value against the first stage and blocks until the head
// partition's manager accepts or rejects it.
func (p *Pipeline) QueueWork(ctx context.Context, value interface{}) (queue.Outcome, queue.RejectReason, error) {
	if len(p.Stages) == 0 {
		return queue.Rejected, "", xerrors.New("router: pipeline has no stages")
	}
	preflist, err := p.resolvePreflist(p.Stages[0], 0, value)
	if err != nil {
		return queue.Rejected, "", err
	}
	env := fitting.Envelope{
		PipelineRef: p.Ref,
		Value:       value,
		StageIndex:  0,
		Preflist:    preflist,
		EnqueuedAt:  time.Now(),
	}
	return p.deliver(ctx, env)
}

// SendOutput is the worker-facing entry point (spec.md §4.5
// `send_output`): route value to the next stage after fromStage, or to
// the sink if fromStage is terminal.
func (p *Pipeline) SendOutput(ctx context.Context, fromStage int, fromPartition ringhash.Partition, value interface{}) error {
	nextIdx := fromStage + 1
	if nextIdx >= len(p.Stages) {
		rec := fitting.Record{
			Kind:      fitting.RecordResult,
			Fitting:   p.Stages[fromStage].Spec.Name,
			Partition: fromPartition,
			Value:     value,
			Timestamp: time.Now(),
		}
		return p.Sink.Consume(ctx, p.Ref, rec)
	}

	next := p.Stages[nextIdx]
	var preflist []ringhash.PartitionRef
	if next.Spec.Partitioner.IsFollow() {
		owner, ok := next.Ring.Owner(fromPartition)
		if !ok {
			return xerrors.Errorf("router: no owner for followed partition %d", fromPartition)
		}
		preflist = []ringhash.PartitionRef{{Partition: fromPartition, Node: owner}}
	} else {
		var err error
		preflist, err = p.resolvePreflist(next, nextIdx, value)
		if err != nil {
			return err
		}
	}

	env := fitting.Envelope{
		PipelineRef:     p.Ref,
		Value:           value,
		StageIndex:      nextIdx,
		SourcePartition: fromPartition,
		Preflist:        preflist,
		EnqueuedAt:      time.Now(),
	}
	outcome, reason, err := p.deliver(ctx, env)
	if err != nil {
		return err
	}
	if outcome == queue.Rejected {
		p.log.Publish(fitting.Record{
			Kind:      fitting.RecordLog,
			Fitting:   next.Spec.Name,
			Details:   string(reason),
			Timestamp: time.Now(),
		}, enginelog.TopicResult)
		return xerrors.Errorf("router: output to %q rejected: %s", next.Spec.Name, reason)
	}
	return nil
}

func (p *Pipeline) resolvePreflist(stage *Stage, stageIdx int, value interface{}) ([]ringhash.PartitionRef, error) {
	key, err := stage.Spec.Partitioner.Hash(value)
	if err != nil {
		return nil, xerrors.Errorf("router: partition %q: %w", stage.Spec.Name, err)
	}
	preflist, err := stage.Ring.Preflist(key, stage.Spec.NVal)
	if err != nil {
		return nil, xerrors.Errorf("router: preflist for %q: %w", stage.Spec.Name, err)
	}
	return preflist, nil
}

// deliver attempts env against its current preflist entry, synthesizing
// the forward_preflist_exhausted / preflist_exhausted log record spec.md
// §4.1/§7 call for when the preflist (or what remains of it) is empty.
func (p *Pipeline) deliver(ctx context.Context, env fitting.Envelope) (queue.Outcome, queue.RejectReason, error) {
	ref, ok := env.CurrentPartition()
	if !ok {
		kind := "preflist_exhausted"
		if env.PreflistIdx > 0 {
			kind = "forward_preflist_exhausted"
		}
		p.log.Publish(fitting.Record{
			Kind:      fitting.RecordLog,
			Fitting:   p.Stages[env.StageIndex].Spec.Name,
			Details:   kind,
			Timestamp: time.Now(),
		}, enginelog.TopicForward)
		return queue.Rejected, queue.RejectReason(kind), nil
	}

	mgr := p.managerFor(env.StageIndex, ref.Partition)
	return mgr.Enqueue(ctx, env)
}

// Forward implements queue.Forwarder: it advances env to the next
// preflist entry and re-delivers it in the background, since the original
// sender was already unblocked when env first entered `ready`
// (spec.md §4.1 "unblock their senders with accepted").
func (p *Pipeline) Forward(ctx context.Context, env fitting.Envelope) {
	advanced := env.Advanced()
	go func() {
		_, _, _ = p.deliver(context.Background(), advanced)
	}()
	_ = ctx
}

// managerFor returns the queue manager for (stageIdx, partition), creating
// it on first use (spec.md: "queue created on first input").
func (p *Pipeline) managerFor(stageIdx int, partition ringhash.Partition) *queue.Manager {
	stage := p.Stages[stageIdx]
	stage.mu.Lock()
	defer stage.mu.Unlock()

	if mgr, ok := stage.managers[partition]; ok {
		return mgr
	}

	var mgr *queue.Manager
	rt := &stageRouter{pipeline: p, stageIdx: stageIdx}
	factory := func(ctx context.Context, partition ringhash.Partition, details fitting.Details) (queue.Worker, error) {
		return p.buildWorker(ctx, partition, details, rt)
	}
	fetcher := func(ctx context.Context) (fitting.Details, error) {
		return stage.Coordinator.Register(partition, mgr)
	}
	mgr = queue.New(stage.Spec.Name, partition, stage.Spec.QLimit, p.NodeLimits, factory, fetcher, stage.Coordinator, p, p.log)
	stage.managers[partition] = mgr
	return mgr
}

// Abort tears down every manager across every stage, for pipeline-wide
// cancellation.
func (p *Pipeline) Abort() {
	for _, stage := range p.Stages {
		stage.mu.Lock()
		managers := make([]*queue.Manager, 0, len(stage.managers))
		for _, m := range stage.managers {
			managers = append(managers, m)
		}
		stage.mu.Unlock()
		for _, m := range managers {
			m.Abort()
		}
	}
}

// Status returns a snapshot of every live manager's Stats across every
// stage, keyed by fitting name then partition, for the pipeline's
// `status` client operation.
func (p *Pipeline) Status() map[string]map[ringhash.Partition]queue.Stats {
	out := make(map[string]map[ringhash.Partition]queue.Stats, len(p.Stages))
	for _, stage := range p.Stages {
		stage.mu.Lock()
		perPartition := make(map[ringhash.Partition]queue.Stats, len(stage.managers))
		for partition, mgr := range stage.managers {
			perPartition[partition] = mgr.Status()
		}
		stage.mu.Unlock()
		out[stage.Spec.Name] = perPartition
	}
	return out
}

// stageRouter binds worker.Router to a fixed stage index so a worker
// never has to know its own position in the pipeline.
type stageRouter struct {
	pipeline *Pipeline
	stageIdx int
}

func (r *stageRouter) SendOutput(ctx context.Context, fromPartition ringhash.Partition, value interface{}) error {
	return r.pipeline.SendOutput(ctx, r.stageIdx, fromPartition, value)
}
