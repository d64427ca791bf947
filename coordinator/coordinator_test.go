package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	gc "gopkg.in/check.v1"

	"github.com/fitmesh/fitmesh/enginelog"
	"github.com/fitmesh/fitmesh/fitting"
	"github.com/fitmesh/fitmesh/ringhash"
	"github.com/fitmesh/fitmesh/xport"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(CoordinatorTestSuite))

type CoordinatorTestSuite struct{}

type fakeManager struct {
	mu        sync.Mutex
	markedEOI bool
	aborted   bool
}

func (m *fakeManager) MarkEOI(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markedEOI = true
}

func (m *fakeManager) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
}

type fakeReceiver struct {
	mu    sync.Mutex
	count int
	last  uuid.UUID
}

func (r *fakeReceiver) EndOfInput(ctx context.Context, pipelineRef uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.last = pipelineRef
}

func testLogger() *enginelog.Logger { return enginelog.New(nil, "test") }

func (s CoordinatorTestSuite) TestRegisterReturnsDetails(c *gc.C) {
	ref := uuid.New()
	spec := fitting.Spec{Name: "stage", Behavior: "pass", NVal: 1, QLimit: 1}
	next := &fakeReceiver{}
	coord := New(spec, xport.Addr("addr/stage"), ref, next, testLogger())

	details, err := coord.Register(ringhash.Partition(0), &fakeManager{})
	c.Assert(err, gc.IsNil)
	c.Assert(details.Spec.Name, gc.Equals, "stage")
	c.Assert(details.PipelineRef, gc.Equals, ref)
	c.Assert(coord.ActivePartitions(), gc.HasLen, 1)
}

func (s CoordinatorTestSuite) TestClientEOIWithNoWorkersClosesImmediately(c *gc.C) {
	ref := uuid.New()
	next := &fakeReceiver{}
	coord := New(fitting.Spec{Name: "stage"}, xport.Addr(""), ref, next, testLogger())

	coord.ClientEOI(context.Background())
	c.Assert(next.count, gc.Equals, 1)
	c.Assert(next.last, gc.Equals, ref)
}

func (s CoordinatorTestSuite) TestClientEOIIsIdempotent(c *gc.C) {
	ref := uuid.New()
	next := &fakeReceiver{}
	coord := New(fitting.Spec{Name: "stage"}, xport.Addr(""), ref, next, testLogger())

	mgr := &fakeManager{}
	_, err := coord.Register(ringhash.Partition(0), mgr)
	c.Assert(err, gc.IsNil)

	coord.ClientEOI(context.Background())
	coord.ClientEOI(context.Background())
	coord.ClientEOI(context.Background())

	c.Assert(mgr.markedEOI, gc.Equals, true)
	c.Assert(next.count, gc.Equals, 0) // still draining: one worker hasn't reported done
}

func (s CoordinatorTestSuite) TestPartitionDoneTriggersEOIOnceAllDrain(c *gc.C) {
	ref := uuid.New()
	next := &fakeReceiver{}
	coord := New(fitting.Spec{Name: "stage"}, xport.Addr(""), ref, next, testLogger())

	_, err := coord.Register(ringhash.Partition(0), &fakeManager{})
	c.Assert(err, gc.IsNil)
	_, err = coord.Register(ringhash.Partition(1), &fakeManager{})
	c.Assert(err, gc.IsNil)

	coord.ClientEOI(context.Background())
	c.Assert(next.count, gc.Equals, 0)

	coord.PartitionDone(context.Background(), ringhash.Partition(0))
	c.Assert(next.count, gc.Equals, 0)

	coord.PartitionDone(context.Background(), ringhash.Partition(1))
	c.Assert(next.count, gc.Equals, 1)
}

func (s CoordinatorTestSuite) TestRegisterAfterCloseFails(c *gc.C) {
	ref := uuid.New()
	next := &fakeReceiver{}
	coord := New(fitting.Spec{Name: "stage"}, xport.Addr(""), ref, next, testLogger())
	coord.ClientEOI(context.Background())

	_, err := coord.Register(ringhash.Partition(0), &fakeManager{})
	c.Assert(err, gc.Equals, ErrClosed)
}

func (s CoordinatorTestSuite) TestAbortCascades(c *gc.C) {
	ref := uuid.New()
	next := &fakeReceiver{}
	coord := New(fitting.Spec{Name: "stage"}, xport.Addr(""), ref, next, testLogger())

	mgr := &fakeManager{}
	_, err := coord.Register(ringhash.Partition(0), mgr)
	c.Assert(err, gc.IsNil)

	coord.Abort()
	c.Assert(mgr.aborted, gc.Equals, true)
	c.Assert(coord.ActivePartitions(), gc.HasLen, 0)
}
