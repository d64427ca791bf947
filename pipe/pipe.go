// Package pipe is fitmesh's client-facing surface (spec.md §6 "Client
// API"): Exec builds a pipeline via the builder package and returns a
// Pipeline handle exposing QueueWork, EOI, ReceiveResult, CollectResults
// and Status. It plays the role pipeline.Pipeline.Process plays for the
// teacher — the one call a caller actually makes — but split into the
// asynchronous exec/queue_work/eoi/receive_result shape spec.md specifies
// instead of a single blocking Process call.
package pipe

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/builder"
	"github.com/fitmesh/fitmesh/enginelog"
	"github.com/fitmesh/fitmesh/fitting"
	"github.com/fitmesh/fitmesh/queue"
	"github.com/fitmesh/fitmesh/ringhash"
	"github.com/fitmesh/fitmesh/sink"
)

// ErrNoChannelSink is returned by ReceiveResult/CollectResults when the
// pipeline was exec'd with a custom external sink instead of the default
// in-process Channel.
var ErrNoChannelSink = xerrors.New("pipe: pipeline was not exec'd with a channel sink")

// Pipeline is the client-visible handle returned by Exec.
type Pipeline struct {
	handle  *builder.Handle
	channel *sink.Channel // non-nil only when Options.Sink was left unset
}

// Exec validates and assembles a pipeline from specs, matching spec.md
// §6's `exec(stages, options) → pipeline_handle | error(reason)`. rings
// supplies the consistent-hash Ring each stage routes through (typically
// one ring shared by every stage).
func Exec(specs []fitting.Spec, rings []ringhash.Ring, registry *fitting.Registry, opts builder.Options, log *enginelog.Logger) (*Pipeline, error) {
	h, err := builder.Build(specs, rings, opts, registry, log)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{handle: h}
	if opts.Sink == nil {
		p.channel = h.Sink.(*sink.Channel)
	}
	return p, nil
}

// Ref returns the pipeline's unique reference, attached to every artifact
// this execution emits (spec.md §3 invariant 5).
func (p *Pipeline) Ref() string { return p.handle.Ref.String() }

// QueueWork enqueues value into the first stage, blocking on back-pressure
// until it is accepted or rejected (spec.md §6 `queue_work`).
func (p *Pipeline) QueueWork(ctx context.Context, value interface{}) error {
	outcome, reason, err := p.handle.Router.QueueWork(ctx, value)
	if err != nil {
		return err
	}
	if outcome != queue.Accepted {
		return xerrors.Errorf("pipe: queue_work rejected: %s", reason)
	}
	return nil
}

// EOI signals no further inputs are coming (spec.md §6 `eoi`). Completion
// is asynchronous: the client observes it as the terminal eoi record
// arriving at the sink.
func (p *Pipeline) EOI(ctx context.Context) {
	p.handle.Coordinators[0].ClientEOI(ctx)
}

// ReceiveResult blocks for the next record from the pipeline's default
// Channel sink (spec.md §6 `receive_result`). Returns ErrNoChannelSink if
// Exec was called with a custom sink.
func (p *Pipeline) ReceiveResult(ctx context.Context) (fitting.Record, bool, error) {
	if p.channel == nil {
		return fitting.Record{}, false, ErrNoChannelSink
	}
	return p.channel.Receive(ctx)
}

// CollectResults drains every result/log record until EOI (spec.md §6
// `collect_results`).
func (p *Pipeline) CollectResults(ctx context.Context) (results, logs []fitting.Record, err error) {
	if p.channel == nil {
		return nil, nil, ErrNoChannelSink
	}
	return p.channel.CollectResults(ctx)
}

// Status returns a per-stage, per-partition snapshot (spec.md §6
// `status`), explicitly best-effort rather than snapshot-consistent across
// partitions (see DESIGN.md's open-question decision).
func (p *Pipeline) Status() map[string]map[ringhash.Partition]queue.Stats {
	return p.handle.Router.Status()
}

// Abort tears down every coordinator (and transitively every queue
// manager and worker) for this pipeline, discarding in-flight work
// (spec.md §5 "coordinator crash cascades").
func (p *Pipeline) Abort() {
	for _, c := range p.handle.Coordinators {
		c.Abort()
	}
	p.handle.Router.Abort()
}
