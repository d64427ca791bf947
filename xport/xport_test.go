package xport

import (
	"context"
	"testing"
	"time"

	gc "gopkg.in/check.v1"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(LocalTestSuite))

type LocalTestSuite struct{}

func (s LocalTestSuite) TestSendDeliversToRegisteredHandler(c *gc.C) {
	l := NewLocal()
	received := make(chan interface{}, 1)
	c.Assert(l.Register(Addr("a"), func(ctx context.Context, msg interface{}) {
		received <- msg
	}), gc.IsNil)

	c.Assert(l.Send(context.Background(), Addr("a"), "hello"), gc.IsNil)
	select {
	case msg := <-received:
		c.Assert(msg, gc.Equals, "hello")
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for delivery")
	}
}

func (s LocalTestSuite) TestSendToUnknownAddrErrors(c *gc.C) {
	l := NewLocal()
	err := l.Send(context.Background(), Addr("missing"), "x")
	c.Assert(err, gc.NotNil)
}

func (s LocalTestSuite) TestMonitorFiresOnDeregister(c *gc.C) {
	l := NewLocal()
	c.Assert(l.Register(Addr("a"), func(ctx context.Context, msg interface{}) {}), gc.IsNil)

	downCh := make(chan error, 1)
	l.Monitor(Addr("a"), func(reason error) { downCh <- reason })
	l.Deregister(Addr("a"))

	select {
	case err := <-downCh:
		c.Assert(err, gc.Equals, ErrClosed)
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for down notification")
	}
}

func (s LocalTestSuite) TestCloseFiresAllMonitorsAndRejectsFurtherSends(c *gc.C) {
	l := NewLocal()
	c.Assert(l.Register(Addr("a"), func(ctx context.Context, msg interface{}) {}), gc.IsNil)

	downCh := make(chan error, 1)
	l.Monitor(Addr("a"), func(reason error) { downCh <- reason })

	c.Assert(l.Close(), gc.IsNil)

	select {
	case err := <-downCh:
		c.Assert(err, gc.Equals, ErrClosed)
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for close notification")
	}

	err := l.Send(context.Background(), Addr("a"), "x")
	c.Assert(err, gc.Equals, ErrClosed)
}

func (s LocalTestSuite) TestCancelRemovesMonitorWithoutFiring(c *gc.C) {
	l := NewLocal()
	c.Assert(l.Register(Addr("a"), func(ctx context.Context, msg interface{}) {}), gc.IsNil)

	fired := false
	cancel := l.Monitor(Addr("a"), func(reason error) { fired = true })
	cancel()
	l.Deregister(Addr("a"))

	c.Assert(fired, gc.Equals, false)
}
