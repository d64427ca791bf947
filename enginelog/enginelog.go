// Package enginelog turns fitting.Record values into structured log lines
// and gives pipeline clients a way to subscribe to a filtered subset of
// them (spec.md §7's "trace topics"). Structured logging follows
// DataDog-datadog-agent's use of sirupsen/logrus rather than the standard
// library's log package, since nothing in the teacher repo itself does
// structured logging (see DESIGN.md).
package enginelog

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fitmesh/fitmesh/fitting"
)

// Topic names one of spec.md's trace-log categories a client can subscribe
// to independently: queue events, eoi propagation, restarts, results.
type Topic string

const (
	TopicResult    Topic = "result"
	TopicEOI       Topic = "eoi"
	TopicRestart   Topic = "restart"
	TopicForward   Topic = "forward"
	TopicQueueFull Topic = "queue_full"
)

// Sink receives every fitting.Record a running pipeline produces that
// matches its subscribed topics.
type Sink interface {
	Accept(rec fitting.Record, topic Topic)
}

// LogMode selects where a pipeline's log records are delivered, mirroring
// spec.md §6's exec `log` option. Regardless of LogMode, the error-class
// records spec.md §7 lists (result, exception/restart, forward_preflist /
// preflist_exhausted) are always forwarded to the pipeline's sink, per §7's
// unconditional "stage-level errors become sink-visible log records"
// propagation policy; LogMode only controls whether every other record also
// reaches the sink.
type LogMode string

const (
	// LogUndefined is the default: only the unconditional error-class
	// records described above reach the sink.
	LogUndefined LogMode = ""
	LogSink      LogMode = "sink"
	LogNodeLog   LogMode = "node_log"
	LogSystemLog LogMode = "system_log"
)

// TraceFilter selects which additional topics reach the sink alongside the
// unconditional error classes, mirroring spec.md §6's exec `trace` option
// (`all` | a set of topic tokens | undefined).
type TraceFilter struct {
	All    bool
	Topics []Topic
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(rec fitting.Record, topic Topic)

func (f SinkFunc) Accept(rec fitting.Record, topic Topic) { f(rec, topic) }

// Logger fans fitting.Record values out to logrus at an appropriate level
// and to zero or more topic-filtered Sinks (the "fitmesh trace" feed a
// pipe.Pipeline client can collect from).
type Logger struct {
	entry *logrus.Entry

	mu        sync.Mutex
	subs      map[Topic][]Sink
	allTopics []Sink
}

// New builds a Logger that writes through base, tagged with the owning
// pipeline's reference so concurrent pipelines' log lines can be told apart.
func New(base *logrus.Logger, pipelineRef string) *Logger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &Logger{
		entry: base.WithField("pipeline_ref", pipelineRef),
		subs:  make(map[Topic][]Sink),
	}
}

// Subscribe registers sink to receive every record published under topic.
func (l *Logger) Subscribe(topic Topic, sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[topic] = append(l.subs[topic], sink)
}

// SubscribeAll registers sink to receive every record regardless of topic.
func (l *Logger) SubscribeAll(sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allTopics = append(l.allTopics, sink)
}

// Publish writes rec to the structured logger and fans it to matching
// subscribers.
func (l *Logger) Publish(rec fitting.Record, topic Topic) {
	fields := logrus.Fields{
		"fitting":   rec.Fitting,
		"partition": rec.Partition,
		"kind":      rec.Kind.String(),
		"topic":     string(topic),
	}

	switch rec.Kind {
	case fitting.RecordEndOfInput:
		l.entry.WithFields(fields).Info("end of input")
	case fitting.RecordLog:
		l.entry.WithFields(fields).WithField("details", rec.Details).Debug("trace")
	default:
		l.entry.WithFields(fields).Trace("result emitted")
	}

	l.mu.Lock()
	subs := append(append([]Sink(nil), l.subs[topic]...), l.allTopics...)
	l.mu.Unlock()
	for _, s := range subs {
		s.Accept(rec, topic)
	}
}

// Restart logs a worker-restart attempt at warn level — this is the one
// record kind spec.md calls out as always worth surfacing regardless of
// subscription, since it signals degraded behavior.
func (l *Logger) Restart(fittingName string, partition interface{}, attempt int, err error) {
	l.entry.WithFields(logrus.Fields{
		"fitting":   fittingName,
		"partition": partition,
		"attempt":   attempt,
	}).WithError(err).Warn("worker restart")
}
