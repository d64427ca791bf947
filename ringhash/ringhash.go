// Package ringhash implements the 160-bit consistent-hash ring that spec.md
// treats as an external collaborator: given a partitioner's output it
// produces the ordered preflist of (partition, node) pairs a router
// forwards through. The hash itself is SHA-1 (160 bits), matching Riak
// Pipe's original riak_core_util:chash_key/1 — there is no third-party
// library in the retrieval pack that supplies this primitive, so it is one
// of the few places fitmesh reaches for the standard library directly (see
// DESIGN.md).
package ringhash

import (
	"crypto/sha1"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// HashKey is the canonical byte form of a partitioner's input, grounded on
// linkgraph's use of uuid.UUID as the stable identity hashed for range
// partitioning.
type HashKey []byte

// BytesKey wraps raw bytes as a HashKey.
func BytesKey(b []byte) HashKey { return HashKey(append([]byte(nil), b...)) }

// StringKey wraps a string as a HashKey.
func StringKey(s string) HashKey { return HashKey(s) }

// UUIDKey wraps a uuid.UUID as a HashKey.
func UUIDKey(id uuid.UUID) HashKey { return HashKey(append([]byte(nil), id[:]...)) }

// Hash160 is the 160-bit (20-byte) SHA-1 digest of a HashKey.
type Hash160 [20]byte

// Sum computes the 160-bit hash of key.
func Sum(key HashKey) Hash160 {
	return sha1.Sum(key)
}

func (h Hash160) less(o Hash160) bool {
	for i := range h {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}

// Partition identifies one shard of the ring. Partition indices are stable
// for the lifetime of a Ring.
type Partition int

// Node is a cluster member capable of owning partitions.
type Node struct {
	ID   string
	Addr string // resolvable by the transport collaborator
}

// PartitionRef names one entry of a preflist: a partition together with the
// node currently believed to own it.
type PartitionRef struct {
	Partition Partition
	Node      Node
}

// ErrEmptyRing is returned by Preflist when the ring has no partitions.
var ErrEmptyRing = xerrors.New("ringhash: ring has no partitions")

// Ring maps a hash to an ordered preflist of length nval. It is the
// external "ring client" collaborator from spec.md §2 — fitmesh depends on
// this interface, not on any particular ownership algorithm.
type Ring interface {
	// Preflist returns up to nval partitions responsible for key, ordered
	// by preference (first entry is primary owner).
	Preflist(key HashKey, nval int) ([]PartitionRef, error)

	// Owner returns the node that currently owns partition p.
	Owner(p Partition) (Node, bool)

	// NumPartitions reports the ring's fixed partition count.
	NumPartitions() int
}

// StaticRing is a fixed-size ring whose partition-to-node ownership is
// supplied up front (e.g. by clustermembers) and can be updated wholesale
// on membership change. It assigns partitions to nodes round-robin over the
// node list sorted by node ID — a simplified ring without virtual nodes,
// appropriate for the engine's own test harness and small clusters. A
// membership change reassigns every partition, so most partitions can
// change owner.
type StaticRing struct {
	mu         sync.RWMutex
	partitions []Node // partitions[p] = owning node
}

// NewStaticRing builds a ring of numPartitions partitions, assigning
// ownership round-robin across nodes sorted by ID (the order they are given
// in does not matter). Nodes must be non-empty.
func NewStaticRing(numPartitions int, nodes []Node) (*StaticRing, error) {
	if numPartitions <= 0 {
		return nil, xerrors.New("ringhash: numPartitions must be positive")
	}
	if len(nodes) == 0 {
		return nil, xerrors.New("ringhash: at least one node is required")
	}
	r := &StaticRing{partitions: make([]Node, numPartitions)}
	r.reassign(nodes)
	return r, nil
}

// SetNodes updates cluster membership, reassigning partitions round-robin
// across the new node list. Existing ownership for a partition index is not
// preserved across membership changes in this simplified ring — callers
// that need handoff semantics live above this layer (spec.md explicitly
// keeps handoff out of the hard core).
func (r *StaticRing) SetNodes(nodes []Node) error {
	if len(nodes) == 0 {
		return xerrors.New("ringhash: at least one node is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reassign(nodes)
	return nil
}

func (r *StaticRing) reassign(nodes []Node) {
	sorted := append([]Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for p := range r.partitions {
		r.partitions[p] = sorted[p%len(sorted)]
	}
}

func (r *StaticRing) NumPartitions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.partitions)
}

func (r *StaticRing) Owner(p Partition) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(p) < 0 || int(p) >= len(r.partitions) {
		return Node{}, false
	}
	return r.partitions[p], true
}

// Preflist hashes key to a primary partition and walks forward around the
// ring for up to nval distinct partitions, matching the "ordered preflist
// of length nval" contract of spec.md §3/§4.5.
func (r *StaticRing) Preflist(key HashKey, nval int) ([]PartitionRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.partitions)
	if n == 0 {
		return nil, ErrEmptyRing
	}
	if nval <= 0 {
		nval = 1
	}
	if nval > n {
		nval = n
	}

	sum := Sum(key)
	primary := int(bytesToUint64(sum[:8]) % uint64(n))

	out := make([]PartitionRef, nval)
	for i := 0; i < nval; i++ {
		p := Partition((primary + i) % n)
		out[i] = PartitionRef{Partition: p, Node: r.partitions[p]}
	}
	return out, nil
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
