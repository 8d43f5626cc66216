package transport

import (
	"sort"

	"github.com/edgedlt/byzzbench"
)

// DefaultPartition is the partition of every node that was never isolated.
const DefaultPartition = 0

// Router tracks network partitions. Two nodes can communicate iff they are
// in the same partition.
type Router struct {
	partitions    map[byzzbench.NodeID]int
	nextPartition int
}

// NewRouter creates a router with every node in the default partition.
func NewRouter() *Router {
	return &Router{
		partitions:    make(map[byzzbench.NodeID]int),
		nextPartition: 1,
	}
}

// IsolateNode moves a node into a fresh partition of its own.
func (r *Router) IsolateNode(id byzzbench.NodeID) {
	r.partitions[id] = r.nextPartition
	r.nextPartition++
}

// IsolateNodes moves the given nodes together into a fresh partition.
func (r *Router) IsolateNodes(ids ...byzzbench.NodeID) {
	p := r.nextPartition
	r.nextPartition++
	for _, id := range ids {
		r.partitions[id] = p
	}
}

// HealNode moves a node back to the default partition.
func (r *Router) HealNode(id byzzbench.NodeID) {
	delete(r.partitions, id)
}

// ResetPartitions heals every node.
func (r *Router) ResetPartitions() {
	r.partitions = make(map[byzzbench.NodeID]int)
}

// Partition returns the partition a node belongs to.
func (r *Router) Partition(id byzzbench.NodeID) int {
	if p, ok := r.partitions[id]; ok {
		return p
	}
	return DefaultPartition
}

// HaveConnectivity reports whether a and b are in the same partition.
func (r *Router) HaveConnectivity(a, b byzzbench.NodeID) bool {
	return r.Partition(a) == r.Partition(b)
}

// HasActivePartitions reports whether any node is outside the default partition.
func (r *Router) HasActivePartitions() bool {
	return len(r.partitions) > 0
}

// Isolated returns the nodes outside the default partition, sorted.
func (r *Router) Isolated() []byzzbench.NodeID {
	ids := make([]byzzbench.NodeID, 0, len(r.partitions))
	for id := range r.partitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
