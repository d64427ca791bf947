// Package sink implements the terminal destination for a pipeline's
// result, log and end-of-input records (spec.md §3/§6). Channel is the
// default in-process sink a pipe.Pipeline client drains from; it plays the
// same role crawler.go's nopSink/countingSink play for the teacher's
// pipeline.Pipeline.Process — a minimal Consume implementation wired in at
// pipeline-build time — generalized to carry the full Result/Log/EOI
// record shape instead of just counting payloads.
package sink

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/fitting"
)

// ErrClosed is returned by Consume once EndOfInput has closed a Channel
// sink. Receive reports a closed, drained sink with ok=false instead.
var ErrClosed = xerrors.New("sink: closed")

// Sink is the collaborator interface a pipeline's final stage (and every
// worker's log emissions) deliver through. It also satisfies
// coordinator.EOIReceiver so the last stage's coordinator can hand it EOI
// directly without an adapter.
type Sink interface {
	Consume(ctx context.Context, pipelineRef uuid.UUID, rec fitting.Record) error
	EndOfInput(ctx context.Context, pipelineRef uuid.UUID)
}

// Channel is an in-process Sink that makes every record for one pipeline
// available over a Go channel, matching spec.md §6's `receive_result`
// blocking-receive client operation.
type Channel struct {
	pipelineRef uuid.UUID
	records     chan fitting.Record

	mu     sync.Mutex
	closed bool
}

// NewChannel returns a Channel sink scoped to pipelineRef with the given
// buffer depth (0 makes every Consume block until a client calls Receive,
// mirroring the back-pressure the rest of the engine relies on).
func NewChannel(pipelineRef uuid.UUID, buffer int) *Channel {
	return &Channel{
		pipelineRef: pipelineRef,
		records:     make(chan fitting.Record, buffer),
	}
}

func (c *Channel) Consume(ctx context.Context, pipelineRef uuid.UUID, rec fitting.Record) error {
	if pipelineRef != c.pipelineRef {
		return xerrors.Errorf("sink: record for pipeline %s delivered to sink scoped to %s", pipelineRef, c.pipelineRef)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.records <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) EndOfInput(ctx context.Context, pipelineRef uuid.UUID) {
	if pipelineRef != c.pipelineRef {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	rec := fitting.Record{Kind: fitting.RecordEndOfInput}
	select {
	case c.records <- rec:
	case <-ctx.Done():
	}
	c.closed = true
	close(c.records)
}

// Receive blocks for the next record (result, log, or the terminal eoi
// record). ok is false once the sink has been closed and drained.
func (c *Channel) Receive(ctx context.Context) (rec fitting.Record, ok bool, err error) {
	select {
	case rec, ok = <-c.records:
		return rec, ok, nil
	case <-ctx.Done():
		return fitting.Record{}, false, ctx.Err()
	}
}

// CollectResults drains every result and log record until EOI, matching
// spec.md §6's `collect_results` convenience operation.
func (c *Channel) CollectResults(ctx context.Context) (results, logs []fitting.Record, err error) {
	for {
		rec, ok, recvErr := c.Receive(ctx)
		if recvErr != nil {
			return results, logs, recvErr
		}
		if !ok || rec.Kind == fitting.RecordEndOfInput {
			return results, logs, nil
		}
		if rec.Kind == fitting.RecordLog {
			logs = append(logs, rec)
		} else {
			results = append(results, rec)
		}
	}
}
