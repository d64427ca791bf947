package sink

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	microRegistry "github.com/micro/go-micro/v2/registry"
	microTransport "github.com/micro/go-micro/v2/transport"

	"github.com/Azure/azure-amqp-common-go/v2/conn"
	"github.com/eapache/go-resiliency/retrier"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/fitting"
	"github.com/fitmesh/fitmesh/xport"
)

// AMQP is a Sink that republishes every record for one pipeline to an
// external AMQP-addressable broker (an Event Hub or Service Bus style
// queue). It uses azure-amqp-common-go/v2's connection-string parser to
// turn an operator-supplied connection string into a broker host, paired
// with an explicitly supplied entity; it does not speak the AMQP wire protocol itself — that belongs to
// a dedicated AMQP client below xport.Transport (see DESIGN.md for why
// this sink stops at parsing and delegates delivery to xport rather than
// vendoring an additional wire-level AMQP dependency outside the pack).
type AMQP struct {
	pipelineRef uuid.UUID
	broker      xport.Addr
	entity      string
	transport   xport.Transport
}

// NewAMQP parses an Event-Hub/Service-Bus-style connection string and
// returns a Sink that republishes pipeline records to the named entity
// over transport, addressed to the broker host taken from the connection
// string's endpoint. entity is required: an empty entity is an error, and
// the connection string's EntityPath is not used.
func NewAMQP(pipelineRef uuid.UUID, connectionString, entity string, transport xport.Transport) (*AMQP, error) {
	parsed, err := conn.ParsedConnectionFromStr(connectionString)
	if err != nil {
		return nil, xerrors.Errorf("sink: parse amqp connection string: %w", err)
	}
	if entity == "" {
		return nil, xerrors.New("sink: an explicit entity path is required")
	}
	broker := parsed.Host
	if u, err := url.Parse(broker); err == nil && u.Host != "" {
		broker = u.Host
	}
	return &AMQP{
		pipelineRef: pipelineRef,
		broker:      xport.Addr(broker),
		entity:      entity,
		transport:   transport,
	}, nil
}

// NewClusterAMQP is NewAMQP for a multi-node deployment: it builds the
// delivering transport from a go-micro registry/transport pair via
// xport.NewMicroTransport instead of requiring the caller to wire one up
// by hand, since a cluster-mode sink and a cluster-mode node otherwise
// share the same registry and transport.
func NewClusterAMQP(pipelineRef uuid.UUID, connectionString, entity, service string, reg microRegistry.Registry, tr microTransport.Transport) (*AMQP, error) {
	return NewAMQP(pipelineRef, connectionString, entity, xport.NewMicroTransport(service, reg, tr))
}

// amqpEnvelope is the wire shape published to the broker address; kept
// JSON rather than gob since the remote end is an external broker, not
// another fitmesh node.
type amqpEnvelope struct {
	PipelineRef string      `json:"pipeline_ref"`
	Entity      string      `json:"entity"`
	Kind        string      `json:"kind"`
	Fitting     string      `json:"fitting"`
	Partition   int         `json:"partition"`
	Value       interface{} `json:"value,omitempty"`
	Details     interface{} `json:"details,omitempty"`
}

func (a *AMQP) Consume(ctx context.Context, pipelineRef uuid.UUID, rec fitting.Record) error {
	if pipelineRef != a.pipelineRef {
		return xerrors.Errorf("sink: record for pipeline %s delivered to amqp sink scoped to %s", pipelineRef, a.pipelineRef)
	}
	return a.publish(ctx, rec)
}

func (a *AMQP) EndOfInput(ctx context.Context, pipelineRef uuid.UUID) {
	if pipelineRef != a.pipelineRef {
		return
	}
	_ = a.publish(ctx, fitting.Record{Kind: fitting.RecordEndOfInput})
}

// publish retries a transient send failure once with a short constant
// backoff, the same restart policy the queue manager uses for worker
// respawn (spec.md treats both as "retry once, then fail visibly").
func (a *AMQP) publish(ctx context.Context, rec fitting.Record) error {
	env := amqpEnvelope{
		PipelineRef: a.pipelineRef.String(),
		Entity:      a.entity,
		Kind:        rec.Kind.String(),
		Fitting:     rec.Fitting,
		Partition:   int(rec.Partition),
		Value:       rec.Value,
		Details:     rec.Details,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return xerrors.Errorf("sink: marshal amqp envelope: %w", err)
	}

	r := retrier.New(retrier.ConstantBackoff(1, 20*time.Millisecond), nil)
	return r.Run(func() error {
		return a.transport.Send(ctx, a.broker, payload)
	})
}
