package vm

import (
	"container/list"
	"sync/atomic"
)

// InstrCtx is the runtime instance of an InstructionMsg bound to one
// parallel rank, owning its mirrored-object accesses.
type InstrCtx struct {
	msg        *InstructionMsg
	parallelID int
	chain      *InstrChain
	accesses   []*MirroredObjectAccess
}

// Msg returns the instruction message this context executes.
func (ctx *InstrCtx) Msg() *InstructionMsg { return ctx.msg }

// InstrChain is the scheduler's dispatch unit: a run of instructions
// executed consecutively on one stream. At materialization a chain holds a
// single InstrCtx; the merge policy may later coalesce compatible chains.
//
// Once a tick has placed it, a chain is a member of exactly one of: the
// scheduler's waiting list or its stream's running list (possibly doubled
// on the owning thread's pending queue while running). Chains without
// incoming edges are dispatched directly; there is no separate ready list.
type InstrChain struct {
	stream       *Stream
	instructions []*InstrCtx

	// inEdges and outEdges key by the chain at the far endpoint, so the
	// same dependency is never recorded twice.
	inEdges  map[*InstrChain]*InstrChainEdge
	outEdges map[*InstrChain]*InstrChainEdge

	// listElem is the handle into whichever scheduler-side list currently
	// holds the chain.
	listElem *list.Element

	done atomic.Bool
}

// InstrChainEdge is a dependency edge: dst must not start before src
// completes. It is recorded in both endpoints' edge maps.
type InstrChainEdge struct {
	src, dst *InstrChain
}

func newInstrChain(stream *Stream, ctx *InstrCtx) *InstrChain {
	chain := &InstrChain{
		stream:       stream,
		instructions: []*InstrCtx{ctx},
		inEdges:      make(map[*InstrChain]*InstrChainEdge),
		outEdges:     make(map[*InstrChain]*InstrChainEdge),
	}
	ctx.chain = chain
	return chain
}

// Stream returns the stream the chain is bound to.
func (c *InstrChain) Stream() *Stream { return c.stream }

// Instructions returns the chain's instruction contexts in order.
func (c *InstrChain) Instructions() []*InstrCtx { return c.instructions }

// Done reports whether the executor finished the chain. The flag is set by
// the executing thread and read by the scheduler thread.
func (c *InstrChain) Done() bool { return c.done.Load() }

func (c *InstrChain) setDone() { c.done.Store(true) }

// connectChains records the dependency src → dst on both endpoints. A
// dependency already present, or src == dst, is left as is.
func connectChains(src, dst *InstrChain) {
	if src == dst {
		return
	}
	if _, found := src.outEdges[dst]; found {
		return
	}
	edge := &InstrChainEdge{src: src, dst: dst}
	src.outEdges[dst] = edge
	dst.inEdges[src] = edge
}

// eraseEdge removes the edge from both endpoints.
func eraseEdge(edge *InstrChainEdge) {
	delete(edge.src.outEdges, edge.dst)
	delete(edge.dst.inEdges, edge.src)
}

// ChainMergePolicy may coalesce freshly materialized chains before the
// ready filter. It runs after dependency linking; implementations must keep
// every surviving chain's edge maps consistent.
type ChainMergePolicy interface {
	Merge(newChains []*InstrChain) []*InstrChain
}

// IdentityMergePolicy performs no coalescing.
type IdentityMergePolicy struct{}

// Merge implements ChainMergePolicy.
func (IdentityMergePolicy) Merge(newChains []*InstrChain) []*InstrChain { return newChains }
