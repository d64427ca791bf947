// Package builder assembles a pipeline from an ordered list of fitting
// specs (spec.md §4.4): it validates each spec's Arg, allocates a pipeline
// reference, and spawns coordinators right-to-left so that every
// coordinator is constructed already knowing its downstream neighbor —
// mirroring how pipeline/pipeline.go's Pipeline.Process wires adjacent
// stage channels before starting any worker goroutine, generalized here
// to dynamically-partitioned coordinators instead of a fixed channel list.
package builder

import (
	"context"

	microRegistry "github.com/micro/go-micro/v2/registry"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/clustermembers"
	"github.com/fitmesh/fitmesh/coordinator"
	"github.com/fitmesh/fitmesh/enginelog"
	"github.com/fitmesh/fitmesh/fitting"
	"github.com/fitmesh/fitmesh/queue"
	"github.com/fitmesh/fitmesh/ringhash"
	"github.com/fitmesh/fitmesh/router"
	"github.com/fitmesh/fitmesh/sink"
	"github.com/fitmesh/fitmesh/worker"
	"github.com/fitmesh/fitmesh/xport"
)

// Handle is the opaque value returned to the client (spec.md §3 "Pipeline
// handle"): a pipeline reference, every stage's coordinator in stage order
// (the first one receives client EOI), the router that is the entry point
// for queueing work, and the sink records are delivered to.
type Handle struct {
	Ref          uuid.UUID
	Coordinators []*coordinator.Coordinator
	Router       *router.Pipeline
	Sink         sink.Sink
}

// Options mirrors spec.md §6's `exec` options.
type Options struct {
	// Sink receives every result/log/eoi record. If nil, a sink.Channel is
	// created and returned via Handle.Sink for the caller to drain.
	Sink sink.Sink

	// SinkBuffer sizes a created default Channel sink.
	SinkBuffer int

	// Log selects where this pipeline's log records are delivered
	// (spec.md §6 exec `log` option). Regardless of this setting, the
	// error-class records spec.md §7 lists are always forwarded to Sink —
	// see enginelog.LogMode.
	Log enginelog.LogMode

	// Trace selects additional topics forwarded to Sink alongside the
	// unconditional error classes (spec.md §6 exec `trace` option).
	Trace enginelog.TraceFilter

	// NodeLimits is this node's process-wide queue-length ceiling, threaded
	// into every queue manager this pipeline creates (spec.md §9 "Global
	// state").
	NodeLimits queue.NodeLimits
}

// Build validates specs, allocates a pipeline reference, and spawns one
// coordinator per fitting right-to-left, matching spec.md §4.4 steps 1-4.
// registry resolves each spec's Behavior; rings supplies the consistent-
// hash Ring each stage routes through (typically one ring shared by every
// stage, but callers may give each stage its own).
func Build(specs []fitting.Spec, rings []ringhash.Ring, opts Options, registry *fitting.Registry, log *enginelog.Logger) (*Handle, error) {
	if len(specs) == 0 {
		return nil, xerrors.New("builder: pipeline must have at least one stage")
	}
	if len(rings) != len(specs) {
		return nil, xerrors.New("builder: one ring must be supplied per stage")
	}

	if err := validateArgs(specs, registry); err != nil {
		return nil, err
	}

	ref := uuid.New()

	var terminalSink sink.Sink
	if opts.Sink != nil {
		terminalSink = opts.Sink
	} else {
		buf := opts.SinkBuffer
		terminalSink = sink.NewChannel(ref, buf)
	}

	wireLog(log, ref, terminalSink, opts.Log, opts.Trace)

	coordinators := make([]*coordinator.Coordinator, len(specs))
	var next coordinator.EOIReceiver = terminalSink
	for i := len(specs) - 1; i >= 0; i-- {
		addr := xport.Addr("coordinator/" + ref.String() + "/" + specs[i].Name)
		c := coordinator.New(specs[i], addr, ref, next, log)
		coordinators[i] = c
		next = c
	}

	stages := make([]*router.Stage, len(specs))
	for i, spec := range specs {
		stages[i] = &router.Stage{Spec: spec, Coordinator: coordinators[i], Ring: rings[i]}
	}

	buildWorker := func(ctx context.Context, partition ringhash.Partition, details fitting.Details, rt worker.Router) (queue.Worker, error) {
		return worker.New(ctx, partition, details, registry, rt, log)
	}

	pipeline := router.New(ref, stages, terminalSink, opts.NodeLimits, router.WorkerBuilder(buildWorker), log)

	return &Handle{
		Ref:          ref,
		Coordinators: coordinators,
		Router:       pipeline,
		Sink:         terminalSink,
	}, nil
}

// wireLog subscribes log to forward matching records into sink, so that
// stage-level errors become sink-visible the way spec.md §7's unconditional
// propagation policy requires and, depending on mode/trace, so do other
// records (spec.md §6's `log`/`trace` exec options).
func wireLog(log *enginelog.Logger, ref uuid.UUID, target sink.Sink, mode enginelog.LogMode, trace enginelog.TraceFilter) {
	forward := enginelog.SinkFunc(func(rec fitting.Record, topic enginelog.Topic) {
		_ = target.Consume(context.Background(), ref, rec)
	})

	forwardEverything := trace.All
	switch mode {
	case enginelog.LogSink:
		forwardEverything = true
	}

	if forwardEverything {
		log.SubscribeAll(forward)
		return
	}

	topics := map[enginelog.Topic]bool{
		enginelog.TopicResult:  true,
		enginelog.TopicRestart: true,
		enginelog.TopicForward: true,
	}
	for _, t := range trace.Topics {
		topics[t] = true
	}
	for t := range topics {
		log.Subscribe(t, forward)
	}
}

// JoinCluster publishes self into reg and returns a ringhash.Ring that
// stays in sync with the registry's view of cluster membership, suitable
// for the `rings` argument Build/pipe.Exec route each stage through when
// a pipeline spans more than one node. It is a thin adapter over
// clustermembers.Join: that package tracks membership and rebuilds a
// ringhash.StaticRing on every registry event, and JoinCluster exposes the
// result as the plain ringhash.Ring interface Build already accepts.
func JoinCluster(reg microRegistry.Registry, numPartitions int, self ringhash.Node) (ringhash.Ring, error) {
	src, err := clustermembers.Join(reg, numPartitions, self)
	if err != nil {
		return nil, xerrors.Errorf("builder: join cluster: %w", err)
	}
	return src.Ring(), nil
}

// validateArgs runs each spec's behavior's optional ArgValidator, failing
// pipeline creation with every reason aggregated via go-multierror
// (spec.md §4.4 step 1, surfaced synchronously per §7's `validate_arg`
// error kind) — the same aggregation pipeline/pipeline.go uses to collect
// per-stage errors off its shared error channel.
func validateArgs(specs []fitting.Spec, registry *fitting.Registry) error {
	var result *multierror.Error
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			result = multierror.Append(result, xerrors.Errorf("%q: %w", spec.Name, err))
			continue
		}
		behavior, ok := registry.Lookup(spec.Behavior)
		if !ok {
			result = multierror.Append(result, xerrors.Errorf("%q: unknown behavior %q", spec.Name, spec.Behavior))
			continue
		}
		if validator, ok := behavior.(fitting.ArgValidator); ok {
			if err := validator.ValidateArg(spec.Arg); err != nil {
				result = multierror.Append(result, xerrors.Errorf("%q: validate_arg: %w", spec.Name, err))
			}
		}
	}
	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}
