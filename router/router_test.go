package router

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	gc "gopkg.in/check.v1"

	"github.com/fitmesh/fitmesh/coordinator"
	"github.com/fitmesh/fitmesh/enginelog"
	"github.com/fitmesh/fitmesh/fitting"
	"github.com/fitmesh/fitmesh/queue"
	"github.com/fitmesh/fitmesh/ringhash"
	"github.com/fitmesh/fitmesh/sink"
	"github.com/fitmesh/fitmesh/worker"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(RouterTestSuite))

type RouterTestSuite struct{}

func testLogger() *enginelog.Logger { return enginelog.New(nil, "test") }

// passThroughWorker forwards whatever it is delivered straight to the next
// stage via worker.Router, standing in for a built worker without pulling
// in the worker package's behavior-registry machinery.
type passThroughWorker struct {
	rt worker.Router
}

func (w *passThroughWorker) Deliver(ctx context.Context, env fitting.Envelope) (fitting.Verdict, error) {
	if err := w.rt.SendOutput(ctx, 0, env.Value); err != nil {
		return fitting.VerdictError, err
	}
	return fitting.VerdictOK, nil
}
func (w *passThroughWorker) EOI(ctx context.Context) error { return nil }
func (w *passThroughWorker) Close()                        {}

func buildTwoStagePipeline(c *gc.C) (*Pipeline, *sink.Channel, []*coordinator.Coordinator) {
	ref := uuid.New()
	log := testLogger()

	ring, err := ringhash.NewStaticRing(4, []ringhash.Node{{ID: "n1"}})
	c.Assert(err, gc.IsNil)

	specSrc := fitting.Spec{Name: "source", Behavior: "pass", Partitioner: fitting.Const(ringhash.StringKey("k")), NVal: 1, QLimit: 4}
	specSink := fitting.Spec{Name: "terminal", Behavior: "pass", Partitioner: fitting.Const(ringhash.StringKey("k")), NVal: 1, QLimit: 4}

	ch := sink.NewChannel(ref, 16)
	var next coordinator.EOIReceiver = ch
	coordTerminal := coordinator.New(specSink, "addr/terminal", ref, next, log)
	coordSrc := coordinator.New(specSrc, "addr/source", ref, coordTerminal, log)

	stages := []*Stage{
		{Spec: specSrc, Coordinator: coordSrc, Ring: ring},
		{Spec: specSink, Coordinator: coordTerminal, Ring: ring},
	}

	buildWorker := WorkerBuilder(func(ctx context.Context, partition ringhash.Partition, details fitting.Details, rt worker.Router) (queue.Worker, error) {
		return &passThroughWorker{rt: rt}, nil
	})

	p := New(ref, stages, ch, queue.NodeLimits{}, buildWorker, log)
	return p, ch, []*coordinator.Coordinator{coordSrc, coordTerminal}
}

func (s RouterTestSuite) TestQueueWorkFlowsThroughToSink(c *gc.C) {
	p, ch, coords := buildTwoStagePipeline(c)
	ctx := context.Background()

	outcome, _, err := p.QueueWork(ctx, "hello")
	c.Assert(err, gc.IsNil)
	c.Assert(outcome, gc.Equals, queue.Accepted)

	coords[0].ClientEOI(ctx)

	results, _, err := ch.CollectResults(ctx)
	c.Assert(err, gc.IsNil)
	c.Assert(results, gc.HasLen, 1)
	c.Assert(results[0].Value, gc.Equals, "hello")
}

func (s RouterTestSuite) TestQueueWorkErrorsOnEmptyRing(c *gc.C) {
	ref := uuid.New()
	log := testLogger()

	emptyRing := &ringhash.StaticRing{}
	spec := fitting.Spec{Name: "source", Behavior: "pass", Partitioner: fitting.Const(ringhash.StringKey("k")), NVal: 1, QLimit: 1}

	ch := sink.NewChannel(ref, 4)
	coord := coordinator.New(spec, "addr/source", ref, ch, log)
	stages := []*Stage{{Spec: spec, Coordinator: coord, Ring: emptyRing}}

	buildWorker := WorkerBuilder(func(ctx context.Context, partition ringhash.Partition, details fitting.Details, rt worker.Router) (queue.Worker, error) {
		return &passThroughWorker{rt: rt}, nil
	})
	p := New(ref, stages, ch, queue.NodeLimits{}, buildWorker, log)

	_, _, err := p.QueueWork(context.Background(), "x")
	c.Assert(err, gc.NotNil)
}

func (s RouterTestSuite) TestStatusReflectsLiveManagers(c *gc.C) {
	p, _, _ := buildTwoStagePipeline(c)
	ctx := context.Background()

	_, _, err := p.QueueWork(ctx, "a")
	c.Assert(err, gc.IsNil)

	// allow the async dispatch goroutine a moment to spawn the manager
	time.Sleep(50 * time.Millisecond)

	status := p.Status()
	c.Assert(status, gc.HasLen, 2)
	srcStats, ok := status["source"]
	c.Assert(ok, gc.Equals, true)
	c.Assert(srcStats, gc.HasLen, 1)
}
