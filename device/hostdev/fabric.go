package hostdev

import (
	"sync"

	"github.com/gomlx/deepflow/device"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Fabric is the in-process interconnect: cliques of communicators rendezvous
// through it, keyed by their UniqueID. Providers sharing a Fabric can form
// cliques together even when they model different machines.
type Fabric struct {
	mu      sync.Mutex
	cliques map[device.UniqueID]*clique
}

// NewFabric returns an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{cliques: make(map[device.UniqueID]*clique)}
}

var defaultFabric = NewFabric()

// DefaultFabric returns the process-global fabric used by providers created
// through the device registry.
func DefaultFabric() *Fabric {
	return defaultFabric
}

func (f *Fabric) join(id device.UniqueID, numRanks, rank int) (*clique, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cliques[id]
	if c == nil {
		c = newClique(numRanks)
		f.cliques[id] = c
	}
	if c.numRanks != numRanks {
		return nil, errors.Errorf("hostdev: clique %s created with %d ranks, rank %d joined expecting %d",
			device.UniqueIDToString(id), c.numRanks, rank, numRanks)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined[rank] {
		return nil, errors.Errorf("hostdev: rank %d joined clique %s twice", rank, device.UniqueIDToString(id))
	}
	c.joined[rank] = true
	return c, nil
}

type opKind int

const (
	opAllReduce opKind = iota
	opAllGather
	opReduceScatter
	opReduce
	opBroadcast
)

// opDesc describes one collective call. All ranks of a clique must submit
// identical descriptors for the same sequence position.
type opDesc struct {
	kind  opKind
	count int
	dtype dtypes.DType
	op    device.ReduceOp
	root  int
}

// opSlot is the rendezvous point for the numRanks calls making up one
// collective. The last rank to arrive computes results for everyone; the
// slot is recycled once every rank has left.
type opSlot struct {
	desc     opDesc
	sends    [][]byte
	recvs    [][]byte
	arrived  int
	departed int
	finished bool
}

// clique holds the shared state of one group of communicating ranks.
type clique struct {
	numRanks int

	mu     sync.Mutex
	cond   sync.Cond
	joined map[int]bool
	slots  map[int64]*opSlot
}

func newClique(numRanks int) *clique {
	c := &clique{
		numRanks: numRanks,
		joined:   make(map[int]bool),
		slots:    make(map[int64]*opSlot),
	}
	c.cond = sync.Cond{L: &c.mu}
	return c
}

// exchange runs rank's part of the collective at sequence position seq.
// It blocks until all ranks of the clique have arrived and the result has
// been written to every receive buffer.
func (c *clique) exchange(seq int64, desc opDesc, rank int, send, recv []byte) {
	c.mu.Lock()
	slot := c.slots[seq]
	if slot == nil {
		slot = &opSlot{
			desc:  desc,
			sends: make([][]byte, c.numRanks),
			recvs: make([][]byte, c.numRanks),
		}
		c.slots[seq] = slot
	} else if slot.desc != desc {
		exceptions.Panicf("hostdev: mismatched collective at sequence %d: rank %d submitted %+v, clique agreed on %+v",
			seq, rank, desc, slot.desc)
	}
	slot.sends[rank] = send
	slot.recvs[rank] = recv
	slot.arrived++
	if slot.arrived == c.numRanks {
		runCollective(slot)
		slot.finished = true
		c.cond.Broadcast()
	} else {
		for !slot.finished {
			c.cond.Wait()
		}
	}
	slot.departed++
	if slot.departed == c.numRanks {
		delete(c.slots, seq)
	}
	c.mu.Unlock()
}

// runCollective computes the result of a fully-arrived slot into the
// receive buffers of all ranks.
func runCollective(slot *opSlot) {
	desc := slot.desc
	elemBytes := int(desc.dtype.Memory())
	sendBytes := desc.count * elemBytes
	switch desc.kind {
	case opAllReduce:
		checkBufferLens(slot, sendBytes, sendBytes)
		result := reduceBuffers(desc.op, desc.dtype, slot.sends, desc.count)
		for _, recv := range slot.recvs {
			copy(recv, result)
		}
	case opAllGather:
		checkBufferLens(slot, sendBytes, sendBytes*len(slot.sends))
		for _, recv := range slot.recvs {
			for src, send := range slot.sends {
				copy(recv[src*sendBytes:(src+1)*sendBytes], send[:sendBytes])
			}
		}
	case opReduceScatter:
		// desc.count is the per-rank receive count; sends carry
		// count*numRanks elements each.
		numRanks := len(slot.sends)
		checkBufferLens(slot, sendBytes*numRanks, sendBytes)
		result := reduceBuffers(desc.op, desc.dtype, slot.sends, desc.count*numRanks)
		for rank, recv := range slot.recvs {
			copy(recv, result[rank*sendBytes:(rank+1)*sendBytes])
		}
	case opReduce:
		for rank, send := range slot.sends {
			if len(send) < sendBytes {
				exceptions.Panicf("hostdev: rank %d send buffer too small: %d bytes, need %d", rank, len(send), sendBytes)
			}
		}
		result := reduceBuffers(desc.op, desc.dtype, slot.sends, desc.count)
		recv := slot.recvs[desc.root]
		if len(recv) < sendBytes {
			exceptions.Panicf("hostdev: root %d recv buffer too small: %d bytes, need %d", desc.root, len(recv), sendBytes)
		}
		copy(recv, result)
	case opBroadcast:
		checkBufferLens(slot, 0, sendBytes)
		send := slot.sends[desc.root]
		if len(send) < sendBytes {
			exceptions.Panicf("hostdev: root %d send buffer too small: %d bytes, need %d", desc.root, len(send), sendBytes)
		}
		for _, recv := range slot.recvs {
			copy(recv, send[:sendBytes])
		}
	default:
		exceptions.Panicf("hostdev: unknown collective kind %d", desc.kind)
	}
}

func checkBufferLens(slot *opSlot, sendBytes, recvBytes int) {
	for rank := range slot.sends {
		if len(slot.sends[rank]) < sendBytes {
			exceptions.Panicf("hostdev: rank %d send buffer too small: %d bytes, need %d",
				rank, len(slot.sends[rank]), sendBytes)
		}
		if len(slot.recvs[rank]) < recvBytes {
			exceptions.Panicf("hostdev: rank %d recv buffer too small: %d bytes, need %d",
				rank, len(slot.recvs[rank]), recvBytes)
		}
	}
}

// comm is one rank's endpoint into a clique.
type comm struct {
	clique *clique
	rank   int
	device int

	mu   sync.Mutex
	next int64 // Next collective sequence position for this rank.
}

var _ device.Comm = (*comm)(nil)

func (c *comm) submit(target device.Stream, desc opDesc, send, recv []byte) {
	s, ok := target.(*stream)
	if !ok {
		exceptions.Panicf("hostdev: collective enqueued on a stream from another provider (%T)", target)
	}
	c.mu.Lock()
	seq := c.next
	c.next++
	c.mu.Unlock()
	rank := c.rank
	s.enqueue(func() { c.clique.exchange(seq, desc, rank, send, recv) })
}

// AllReduce implements device.Comm.
func (c *comm) AllReduce(send, recv []byte, count int, dtype dtypes.DType, op device.ReduceOp, stream device.Stream) {
	c.submit(stream, opDesc{kind: opAllReduce, count: count, dtype: dtype, op: op}, send, recv)
}

// AllGather implements device.Comm. count is the send element count; recv
// holds count*numRanks elements, ordered by rank.
func (c *comm) AllGather(send, recv []byte, count int, dtype dtypes.DType, stream device.Stream) {
	c.submit(stream, opDesc{kind: opAllGather, count: count, dtype: dtype}, send, recv)
}

// ReduceScatter implements device.Comm. count is the per-rank receive
// element count; send holds count*numRanks elements.
func (c *comm) ReduceScatter(send, recv []byte, count int, dtype dtypes.DType, op device.ReduceOp, stream device.Stream) {
	c.submit(stream, opDesc{kind: opReduceScatter, count: count, dtype: dtype, op: op}, send, recv)
}

// Reduce implements device.Comm.
func (c *comm) Reduce(send, recv []byte, count int, dtype dtypes.DType, op device.ReduceOp, root int, stream device.Stream) {
	c.submit(stream, opDesc{kind: opReduce, count: count, dtype: dtype, op: op, root: root}, send, recv)
}

// Broadcast implements device.Comm.
func (c *comm) Broadcast(send, recv []byte, count int, dtype dtypes.DType, root int, stream device.Stream) {
	c.submit(stream, opDesc{kind: opBroadcast, count: count, dtype: dtype, root: root}, send, recv)
}

// Rank implements device.Comm.
func (c *comm) Rank() int { return c.rank }

// Destroy implements device.Comm.
func (c *comm) Destroy() {}
