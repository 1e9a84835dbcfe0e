// Package device defines the interface a device runtime needs to implement
// to execute collective operations: devices, asynchronous streams, events and
// communicators (one communicator per device per clique, in the NCCL mold).
//
// To simplify error handling, runtime calls on an initialized provider are
// expected to throw (panic) with a stack trace in case of errors. See package
// github.com/gomlx/exceptions. Constructors return errors.
//
// The package ships no provider itself. See github.com/gomlx/deepflow/device/hostdev
// for a pure-Go host-memory provider.
package device

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// ReduceOp selects the arithmetic applied by reducing collectives.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceProd
	ReduceMin
	ReduceMax
)

//go:generate go run github.com/dmarkham/enumer -type=ReduceOp -trimprefix=Reduce

// EventStatus is the result of polling an Event.
type EventStatus int

const (
	// EventComplete means all work recorded before the event has drained.
	EventComplete EventStatus = iota

	// EventNotReady means the event has recorded work still in flight.
	EventNotReady
)

// Provider gives access to the devices of one machine.
//
// Device-numbered calls (SetCurrentDevice, ScopedDevice) follow the
// CUDA-style current-device model: streams, events and communicators are
// created on, and bound to, the current device.
type Provider interface {
	// Name returns the short name of the provider, e.g. "hostdev".
	Name() string

	// NumDevices returns the number of devices available.
	NumDevices() int

	// CurrentDevice returns the current device id.
	CurrentDevice() int

	// SetCurrentDevice makes id the current device. It panics if id is
	// out-of-range.
	SetCurrentDevice(id int)

	// ScopedDevice sets the current device to id and returns a closure
	// restoring the previous one. Use with defer.
	ScopedDevice(id int) func()

	// StreamGreatestPriority returns the highest stream priority the
	// provider supports. Lower numeric values mean higher priority.
	StreamGreatestPriority() int

	// CreateStream creates a non-blocking stream on the current device.
	CreateStream(priority int) (Stream, error)

	// CreateEvent creates a timing-free event on the current device.
	CreateEvent() (Event, error)

	// GenerateUniqueID creates a fresh clique id. Called on the creating
	// rank only; the other ranks receive the id out-of-band.
	GenerateUniqueID() (UniqueID, error)

	// CommInitRank joins the clique identified by id as the given rank.
	// It may block until all numRanks ranks have joined. Bracket groups of
	// calls with GroupStart/GroupEnd to let them rendezvous concurrently.
	CommInitRank(id UniqueID, numRanks, rank int) (Comm, error)

	// GroupStart opens a group bracket: calls until GroupEnd may be batched.
	GroupStart()

	// GroupEnd closes the bracket opened by GroupStart.
	GroupEnd()
}

// Stream is an ordered, asynchronous work queue on one device.
type Stream interface {
	// Synchronize blocks until all work enqueued so far has drained.
	Synchronize()

	// Destroy releases the stream. Pending work is drained first.
	Destroy()
}

// Event marks a position in a stream.
type Event interface {
	// Record captures the current tail of the stream. A later Query answers
	// for the work enqueued before this call.
	Record(stream Stream)

	// Query polls the event without blocking.
	Query() EventStatus

	// Destroy releases the event.
	Destroy()
}

// Comm is one rank's endpoint into a clique of devices. All ranks of a
// clique must call the same collectives in the same order; calls enqueue
// onto the given stream and return immediately.
//
// send and recv are raw device buffers; count is the element count of the
// send buffer and dtype its element type, except for ReduceScatter, where
// count is the per-rank receive element count.
type Comm interface {
	AllReduce(send, recv []byte, count int, dtype dtypes.DType, op ReduceOp, stream Stream)
	AllGather(send, recv []byte, count int, dtype dtypes.DType, stream Stream)
	ReduceScatter(send, recv []byte, count int, dtype dtypes.DType, op ReduceOp, stream Stream)
	Reduce(send, recv []byte, count int, dtype dtypes.DType, op ReduceOp, root int, stream Stream)
	Broadcast(send, recv []byte, count int, dtype dtypes.DType, root int, stream Stream)

	// Rank returns this endpoint's rank within the clique.
	Rank() int

	// Destroy leaves the clique and releases the endpoint.
	Destroy()
}
