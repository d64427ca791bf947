// Package fitting defines the data model shared by every fitmesh
// subsystem: the immutable fitting spec, the behavior contract stage
// implementations satisfy, and the capability-record style registry that
// resolves a behavior identifier to callbacks at pipeline-creation time
// (spec.md §9's "dynamic dispatch over stage behaviors" design note),
// grounded on pipeline/interfaces.go's Processor/ProcessorFunc adapter.
package fitting

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/fitmesh/fitmesh/ringhash"
	"github.com/fitmesh/fitmesh/xport"
)

// Partitioner decides which partition an input routes to: either by
// hashing a value the caller extracts from it, or via the Follow sentinel
// meaning "route to the partition that produced this input" (spec.md §3,
// invariant 6).
type Partitioner struct {
	fn     func(value interface{}) (ringhash.HashKey, error)
	follow bool
}

// HashBy returns a Partitioner that hashes fn(value) to pick a partition.
func HashBy(fn func(value interface{}) (ringhash.HashKey, error)) Partitioner {
	return Partitioner{fn: fn}
}

// Const returns a Partitioner that always hashes the same key — useful for
// single-partition pipelines and the S1 identity test scenario.
func Const(key ringhash.HashKey) Partitioner {
	return Partitioner{fn: func(interface{}) (ringhash.HashKey, error) { return key, nil }}
}

// Follow is the sentinel partitioner meaning "use the producing partition
// directly, do not hash" (spec.md's "follow" partitioning).
var Follow = Partitioner{follow: true}

// IsFollow reports whether p is the Follow sentinel.
func (p Partitioner) IsFollow() bool { return p.follow }

// Hash evaluates the partitioner against value. Calling Hash on the Follow
// sentinel is a programmer error — callers must check IsFollow first.
func (p Partitioner) Hash(value interface{}) (ringhash.HashKey, error) {
	if p.follow {
		return nil, xerrors.New("fitting: Hash called on the Follow partitioner")
	}
	return p.fn(value)
}

// Spec is the immutable-after-creation description of one pipeline stage
// (spec.md §3 "Fitting spec").
type Spec struct {
	// Name is the human label attached to every result/log emitted by this
	// fitting's workers.
	Name string

	// Behavior identifies the registered Behavior implementation.
	Behavior string

	// Arg is opaque static configuration passed to Behavior.Init.
	Arg interface{}

	// Partitioner routes each input to a partition.
	Partitioner Partitioner

	// NVal is the preflist length considered for each input.
	NVal int

	// QLimit is the maximum enqueued+blocking items per worker, subject to
	// the node-wide ceiling (spec.md's effective_q_limit).
	QLimit int
}

// Validate checks the spec's static invariants (NVal/QLimit must be
// positive) independent of any registered Behavior.
func (s Spec) Validate() error {
	if s.Name == "" {
		return xerrors.New("fitting: Name must not be empty")
	}
	if s.Behavior == "" {
		return xerrors.New("fitting: Behavior must not be empty")
	}
	if s.NVal <= 0 {
		return xerrors.New("fitting: NVal must be positive")
	}
	if s.QLimit <= 0 {
		return xerrors.New("fitting: QLimit must be positive")
	}
	return nil
}

// Details is the spec plus the coordinator's address and the pipeline
// reference, sent to workers once on startup (spec.md §3 "Fitting
// details").
type Details struct {
	Spec        Spec
	Coordinator xport.Addr
	PipelineRef uuid.UUID
}

// ProcessInput is what a worker hands to Behavior.Process for one dequeued
// envelope.
type ProcessInput struct {
	Value           interface{}
	LastPreflist    bool
	SourcePartition ringhash.Partition
}

// Verdict is the outcome of one Behavior.Process call (spec.md §4.2).
type Verdict int

const (
	// VerdictOK means the input was handled; the worker should continue.
	VerdictOK Verdict = iota
	// VerdictForwardPreflist asks the queue manager to resubmit the input
	// against the next preflist entry.
	VerdictForwardPreflist
	// VerdictError means the behavior reported a processing error; the
	// worker emits a `result`-kind log record and continues.
	VerdictError
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictForwardPreflist:
		return "forward_preflist"
	case VerdictError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the opaque per-(fitting,partition) state a Behavior threads
// through Init/Process/Done/Archive/Handoff.
type State interface{}

// Emitter is how a running Behavior sends outputs downstream and writes log
// records, implemented by the worker package.
type Emitter interface {
	// Emit sends value to the next stage (or sink). It blocks until the
	// downstream enqueue resolves, per spec.md's synchronous send_output.
	Emit(ctx context.Context, value interface{}) error

	// Logf emits a `result`-kind log record attributed to this fitting.
	Logf(format string, args ...interface{})
}

// Behavior is the capability record a fitting spec resolves to at pipeline
// creation time — spec.md §4.2's "init, process, done" plus the optional
// "validate_arg, archive, handoff" callbacks.
type Behavior interface {
	// Init is called once per worker startup and may fail; failure is
	// fatal to the worker and surfaces as a pipeline log record.
	Init(ctx context.Context, partition ringhash.Partition, details Details) (State, error)

	// Process handles one dequeued input.
	Process(ctx context.Context, emit Emitter, state State, in ProcessInput) (Verdict, State, error)

	// Done runs once after EOI drains the worker's queue. It still has
	// access to emit, since reducer-style behaviors only have a complete
	// picture of their output once every input has been folded in.
	Done(ctx context.Context, emit Emitter, state State)
}

// ArgValidator is implemented by behaviors that can reject a fitting's Arg
// synchronously at Exec time (spec.md's optional validate_arg).
type ArgValidator interface {
	ValidateArg(arg interface{}) error
}

// Archiver is implemented by behaviors that support handoff: producing a
// serialisable blob of their state for a destination worker to apply.
type Archiver interface {
	Archive(ctx context.Context, state State) ([]byte, error)
}

// HandoffReceiver is implemented by behaviors that can absorb an archived
// blob from a predecessor worker before resuming Process.
type HandoffReceiver interface {
	Handoff(ctx context.Context, blob []byte, state State) (State, error)
}

// FuncBehavior adapts plain functions into a Behavior, mirroring
// pipeline/interfaces.go's ProcessorFunc adapter but generalized to the
// full callback set (init/process/done/validate_arg/archive/handoff).
type FuncBehavior struct {
	InitFunc        func(ctx context.Context, partition ringhash.Partition, details Details) (State, error)
	ProcessFunc     func(ctx context.Context, emit Emitter, state State, in ProcessInput) (Verdict, State, error)
	DoneFunc        func(ctx context.Context, emit Emitter, state State)
	ValidateArgFunc func(arg interface{}) error
	ArchiveFunc     func(ctx context.Context, state State) ([]byte, error)
	HandoffFunc     func(ctx context.Context, blob []byte, state State) (State, error)
}

func (f FuncBehavior) Init(ctx context.Context, partition ringhash.Partition, details Details) (State, error) {
	if f.InitFunc == nil {
		return nil, nil
	}
	return f.InitFunc(ctx, partition, details)
}

func (f FuncBehavior) Process(ctx context.Context, emit Emitter, state State, in ProcessInput) (Verdict, State, error) {
	return f.ProcessFunc(ctx, emit, state, in)
}

func (f FuncBehavior) Done(ctx context.Context, emit Emitter, state State) {
	if f.DoneFunc != nil {
		f.DoneFunc(ctx, emit, state)
	}
}

func (f FuncBehavior) ValidateArg(arg interface{}) error {
	if f.ValidateArgFunc == nil {
		return nil
	}
	return f.ValidateArgFunc(arg)
}

func (f FuncBehavior) Archive(ctx context.Context, state State) ([]byte, error) {
	if f.ArchiveFunc == nil {
		return nil, xerrors.New("fitting: behavior does not support archive")
	}
	return f.ArchiveFunc(ctx, state)
}

func (f FuncBehavior) Handoff(ctx context.Context, blob []byte, state State) (State, error) {
	if f.HandoffFunc == nil {
		return nil, xerrors.New("fitting: behavior does not support handoff")
	}
	return f.HandoffFunc(ctx, blob, state)
}

// Registry resolves a behavior identifier to its Behavior implementation.
// One Registry is typically shared process-wide; fittings register
// themselves at init time the way the teacher's Processor values are built
// directly into a pipeline.
type Registry struct {
	behaviors map[string]Behavior
}

// NewRegistry returns an empty behavior registry.
func NewRegistry() *Registry {
	return &Registry{behaviors: make(map[string]Behavior)}
}

// Register associates name with b. Re-registering name overwrites the
// previous behavior.
func (r *Registry) Register(name string, b Behavior) {
	r.behaviors[name] = b
}

// Lookup resolves name to its Behavior, if registered.
func (r *Registry) Lookup(name string) (Behavior, bool) {
	b, ok := r.behaviors[name]
	return b, ok
}
