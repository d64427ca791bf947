package sink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	memoryRegistry "github.com/micro/go-micro/v2/registry/memory"
	memoryTransport "github.com/micro/go-micro/v2/transport/memory"

	"github.com/google/uuid"
	gc "gopkg.in/check.v1"

	"github.com/fitmesh/fitmesh/fitting"
	"github.com/fitmesh/fitmesh/xport"
)

var _ = gc.Suite(new(AMQPTestSuite))

type AMQPTestSuite struct{}

func (s AMQPTestSuite) TestNewAMQPRequiresExplicitEntity(c *gc.C) {
	local := xport.NewLocal()
	_, err := NewAMQP(uuid.New(), "Endpoint=sb://example.servicebus.windows.net/;SharedAccessKeyName=x;SharedAccessKey=y", "", local)
	c.Assert(err, gc.NotNil)
}

func (s AMQPTestSuite) TestNewAMQPRejectsMalformedConnectionString(c *gc.C) {
	local := xport.NewLocal()
	_, err := NewAMQP(uuid.New(), "not a connection string", "my-queue", local)
	c.Assert(err, gc.NotNil)
}

func (s AMQPTestSuite) TestConsumePublishesJSONEnvelope(c *gc.C) {
	local := xport.NewLocal()
	ref := uuid.New()

	received := make(chan []byte, 1)
	c.Assert(local.Register(xport.Addr("example.servicebus.windows.net"), func(ctx context.Context, msg interface{}) {
		received <- msg.([]byte)
	}), gc.IsNil)

	a, err := NewAMQP(ref, "Endpoint=sb://example.servicebus.windows.net/;SharedAccessKeyName=x;SharedAccessKey=y", "my-queue", local)
	c.Assert(err, gc.IsNil)

	err = a.Consume(context.Background(), ref, fitting.Record{Kind: fitting.RecordResult, Fitting: "stage", Value: "hello"})
	c.Assert(err, gc.IsNil)

	select {
	case payload := <-received:
		var env map[string]interface{}
		c.Assert(json.Unmarshal(payload, &env), gc.IsNil)
		c.Assert(env["entity"], gc.Equals, "my-queue")
		c.Assert(env["value"], gc.Equals, "hello")
	case <-time.After(2 * time.Second):
		c.Fatal("timed out waiting for published message")
	}
}

// TestNewClusterAMQPDeliversOverMicroTransport covers the multi-node
// wiring: NewClusterAMQP builds its transport from a go-micro
// registry/transport pair instead of xport.Local. A second MicroTransport
// sharing the same registry/transport stands in for the remote broker
// listener, resolving the broker address through the registry the way a
// separate fitmesh node would.
func (s AMQPTestSuite) TestNewClusterAMQPDeliversOverMicroTransport(c *gc.C) {
	xport.RegisterMessageType([]byte(nil))

	reg := memoryRegistry.NewRegistry()
	tr := memoryTransport.NewTransport()
	const service = "fitmesh.sink"
	ref := uuid.New()

	receiver := xport.NewMicroTransport(service, reg, tr)
	received := make(chan []byte, 1)
	c.Assert(receiver.Register(xport.Addr("example.servicebus.windows.net"), func(ctx context.Context, msg interface{}) {
		received <- msg.([]byte)
	}), gc.IsNil)

	a, err := NewClusterAMQP(ref, "Endpoint=sb://example.servicebus.windows.net/;SharedAccessKeyName=x;SharedAccessKey=y", "my-queue", service, reg, tr)
	c.Assert(err, gc.IsNil)

	err = a.Consume(context.Background(), ref, fitting.Record{Kind: fitting.RecordResult, Fitting: "stage", Value: "hello"})
	c.Assert(err, gc.IsNil)

	select {
	case payload := <-received:
		var env map[string]interface{}
		c.Assert(json.Unmarshal(payload, &env), gc.IsNil)
		c.Assert(env["entity"], gc.Equals, "my-queue")
		c.Assert(env["value"], gc.Equals, "hello")
	case <-time.After(2 * time.Second):
		c.Fatal("timed out waiting for published message")
	}
}

func (s AMQPTestSuite) TestConsumeRejectsForeignPipelineRef(c *gc.C) {
	local := xport.NewLocal()
	a, err := NewAMQP(uuid.New(), "Endpoint=sb://example.servicebus.windows.net/;SharedAccessKeyName=x;SharedAccessKey=y", "my-queue", local)
	c.Assert(err, gc.IsNil)

	err = a.Consume(context.Background(), uuid.New(), fitting.Record{})
	c.Assert(err, gc.NotNil)
}
