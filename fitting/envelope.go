package fitting

import (
	"time"

	"github.com/google/uuid"

	"github.com/fitmesh/fitmesh/ringhash"
)

// Envelope is the unit a queue manager enqueues and a worker dequeues: a
// value in flight through the pipeline, tagged with routing metadata
// (spec.md §3 "work item").
type Envelope struct {
	PipelineRef uuid.UUID
	Value       interface{}

	// StageIndex is the position of the destination fitting within its
	// pipeline's stage list, letting the router resolve "what's next"
	// when forwarding without needing a name lookup.
	StageIndex int

	// SourcePartition is the partition that produced Value, used when a
	// downstream fitting's Partitioner is Follow.
	SourcePartition ringhash.Partition

	// Preflist is the ordered candidate partitions for this envelope at the
	// destination fitting; PreflistIdx tracks how far forwarding has
	// advanced through it (spec.md §4.5 "forward on exhaustion").
	Preflist    []ringhash.PartitionRef
	PreflistIdx int

	// EnqueuedAt is used only for diagnostics/log records, never for
	// ordering decisions.
	EnqueuedAt time.Time
}

// CurrentPartition returns the preflist entry forwarding is currently
// attempting, or false if the preflist is exhausted.
func (e Envelope) CurrentPartition() (ringhash.PartitionRef, bool) {
	if e.PreflistIdx < 0 || e.PreflistIdx >= len(e.Preflist) {
		return ringhash.PartitionRef{}, false
	}
	return e.Preflist[e.PreflistIdx], true
}

// Exhausted reports whether every preflist entry has already been tried.
func (e Envelope) Exhausted() bool {
	return e.PreflistIdx >= len(e.Preflist)
}

// Advanced returns a copy of e with PreflistIdx incremented, ready to retry
// against the next preflist entry.
func (e Envelope) Advanced() Envelope {
	e.PreflistIdx++
	return e
}

// RecordKind distinguishes the three record shapes a fitting's worker can
// emit, per spec.md §6/§7.
type RecordKind int

const (
	// RecordResult carries a value sent downstream to the next fitting (or
	// to the pipeline's sink, for the terminal fitting).
	RecordResult RecordKind = iota
	// RecordLog carries a diagnostic/trace record, never routed downstream.
	RecordLog
	// RecordEndOfInput marks end of input: a worker logs one when its
	// partition of a fitting has finished draining, and a sink delivers one
	// as the pipeline's terminal record.
	RecordEndOfInput
)

func (k RecordKind) String() string {
	switch k {
	case RecordResult:
		return "result"
	case RecordLog:
		return "log"
	case RecordEndOfInput:
		return "eoi"
	default:
		return "unknown"
	}
}

// Record is the envelope fitmesh uses for every log/trace/result emission a
// worker produces, unifying spec.md §6's "result", "log" and "eoi" record
// shapes into one tagged struct so callers (sinks, enginelog) can switch on
// Kind.
type Record struct {
	Kind      RecordKind
	Fitting   string
	Partition ringhash.Partition

	// Value holds the routed payload for RecordResult.
	Value interface{}

	// Details holds a free-form diagnostic payload for RecordLog (matching
	// spec.md's "kind, module, partition, details" log shape).
	Details interface{}

	Timestamp time.Time
}
