// Package byzzbench is a deterministic discrete-event simulator for
// Byzantine fault-tolerant consensus protocols.
//
// A scenario wires a set of replicas (PBFT or chained HotStuff) and clients
// to a single-threaded event transport. A scheduler repeatedly picks one
// queued event (message delivery or timeout) and the transport dispatches it
// synchronously to its recipient. Faults are applied to queued events before
// delivery, and predicates over the replicas' commit logs detect safety and
// liveness violations.
//
// This package holds the contracts shared by every protocol: identifiers,
// payloads, the node and transport interfaces, and the scenario Config.
package byzzbench

import "github.com/edgedlt/byzzbench/commitlog"

// NodeID identifies a replica or a client. Replica IDs are ordered
// lexicographically for round-robin leader selection.
type NodeID string

// EventID identifies an event in a transport. IDs are assigned in
// increasing order starting at 1; zero means "no event".
type EventID uint64

// Payload is a message exchanged between nodes.
// The set of variants is closed per protocol; replicas dispatch with a type switch.
type Payload interface {
	// Type returns a stable name for the variant, e.g. "pbft/PrePrepare".
	Type() string
}

// Node is a participant driven by the transport.
type Node interface {
	// ID returns the node identifier.
	ID() NodeID

	// Initialize is called once before the first event is delivered.
	Initialize() error

	// HandleMessage processes one delivered payload to completion.
	// Protocol-invalid payloads are dropped and return nil; only
	// structural errors (unknown variant) are returned.
	HandleMessage(sender NodeID, payload Payload) error
}

// Replica is a node that takes part in consensus and commits operations.
type Replica interface {
	Node

	// View returns the replica's current view number.
	View() uint64

	// Disgruntled reports whether the replica is waiting for a view change.
	Disgruntled() bool

	// CommitLog returns the replica's total-order commit log.
	CommitLog() *commitlog.Log
}

// Transport is the environment a node acts through.
// All calls happen on the scenario's single event-loop goroutine.
type Transport interface {
	// Send enqueues a message event from sender to recipient.
	Send(sender, recipient NodeID, payload Payload)

	// Multicast enqueues one message event per recipient.
	Multicast(sender NodeID, recipients []NodeID, payload Payload)

	// Reply delivers a reply to a client synchronously and records it.
	Reply(sender, client NodeID, payload Payload)

	// SetTimeout enqueues a timeout event that fires fn when delivered.
	SetTimeout(owner NodeID, ticks uint64, description string, fn func()) EventID

	// ClearTimeout removes a queued timeout. Unknown or already
	// fired timeouts are ignored.
	ClearTimeout(owner NodeID, id EventID)

	// Now returns the current logical time.
	Now() uint64
}

// ClientRequest is an operation submitted by a client.
type ClientRequest struct {
	ClientID  NodeID
	Timestamp uint64
	Operation []byte
}

// Type implements Payload.
func (ClientRequest) Type() string { return "ClientRequest" }

// Reply is sent by a replica to a client once its operation is executed.
type Reply struct {
	ReplicaID NodeID
	ClientID  NodeID
	Timestamp uint64
	View      uint64
	Result    []byte
}

// Type implements Payload.
func (Reply) Type() string { return "Reply" }
