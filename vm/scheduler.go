// Package vm schedules instruction messages over typed streams: received
// instructions become chains linked by the order of their mirrored-object
// accesses, and chains without unmet dependencies dispatch to worker
// threads (or run inline for scheduler-shared stream types).
//
// Receive is safe from any goroutine; Schedule and every state query run
// on one scheduler thread.
package vm

import (
	"container/list"
	"sync"

	"github.com/gomlx/deepflow/internal/balanced"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// SchedulerDesc configures a Scheduler: the stream descs to materialize.
// The control stream type is mandatory; its infer counterpart is derived
// automatically when absent.
type SchedulerDesc struct {
	streamDescs []*StreamDesc
}

// AddStreamDesc appends desc and returns the SchedulerDesc for chaining.
// Adding two descs of the same stream type is fatal.
func (d *SchedulerDesc) AddStreamDesc(desc *StreamDesc) *SchedulerDesc {
	id := desc.StreamType.StreamTypeID()
	for _, prev := range d.streamDescs {
		if prev.StreamType.StreamTypeID() == id {
			exceptions.Panicf("vm: stream type %q configured twice", id)
		}
	}
	d.streamDescs = append(d.streamDescs, desc)
	return d
}

// Scheduler turns received instruction messages into dependency-linked
// chains and dispatches ready chains to their streams. Receive is safe from
// any goroutine; Schedule and every query below run on a single scheduler
// thread.
type Scheduler struct {
	streamTypeID2RtDesc map[StreamTypeID]*StreamRtDesc
	threadCtxs          []*ThreadCtx
	mergePolicy         ChainMergePolicy

	// muPending guards pendingMsgs, the ingress queue between Receive and
	// Schedule.
	muPending   sync.Mutex
	pendingMsgs []*InstructionMsg

	// waitingChains holds *InstrChain blocked on incoming edges.
	waitingChains *list.List

	// activeStreams holds *Stream with a non-empty running list.
	activeStreams *list.List

	id2LogicalObject map[LogicalObjectID]*LogicalObject
}

// NewScheduler materializes the streams and worker threads of desc. The
// control stream desc must be present with a single scheduler-shared
// stream; the infer-control desc is derived from it when absent.
func NewScheduler(desc *SchedulerDesc) *Scheduler {
	descs := desc.streamDescs
	var control *StreamDesc
	haveInferControl := false
	for _, d := range descs {
		switch d.StreamType.StreamTypeID() {
		case ControlStreamTypeID:
			control = d
		case InferStreamTypeID(ControlStreamTypeID):
			haveInferControl = true
		}
	}
	if control == nil {
		exceptions.Panicf("vm: scheduler desc lacks the control stream desc")
	}
	if control.ParallelNum() != 1 || control.StartParallelID != 0 {
		exceptions.Panicf("vm: control stream desc must configure exactly one stream at parallel id 0, got %d streams starting at %d",
			control.ParallelNum(), control.StartParallelID)
	}
	if !haveInferControl {
		descs = append(descs, &StreamDesc{
			StreamType:           InferStreamType{Base: ControlStreamType{}},
			NumMachines:          control.NumMachines,
			NumStreamsPerMachine: control.NumStreamsPerMachine,
			NumStreamsPerThread:  control.NumStreamsPerThread,
			StartParallelID:      control.StartParallelID,
		})
	}

	s := &Scheduler{
		streamTypeID2RtDesc: make(map[StreamTypeID]*StreamRtDesc),
		mergePolicy:         IdentityMergePolicy{},
		waitingChains:       list.New(),
		activeStreams:       list.New(),
		id2LogicalObject:    make(map[LogicalObjectID]*LogicalObject),
	}
	for _, d := range descs {
		rt := &StreamRtDesc{desc: d, streams: make([]*Stream, d.ParallelNum())}
		typeID := d.StreamType.StreamTypeID()
		for rel := range rt.streams {
			rt.streams[rel] = &Stream{
				id:            StreamID{StreamTypeID: typeID, ParallelID: d.StartParallelID + rel},
				streamType:    d.StreamType,
				runningChains: list.New(),
			}
		}
		s.streamTypeID2RtDesc[typeID] = rt

		numThreads := d.NumThreads()
		if numThreads == 0 {
			if !d.StreamType.SharingSchedulerThread() {
				exceptions.Panicf("vm: stream type %q needs worker threads but configures zero streams per thread", typeID)
			}
			continue
		}
		bs := balanced.NewSplitter(d.ParallelNum(), numThreads)
		for i := 0; i < numThreads; i++ {
			r := bs.Part(i)
			t := newThreadCtx(s, d.StreamType, rt.streams[r.Begin:r.End])
			s.threadCtxs = append(s.threadCtxs, t)
		}
		klog.V(1).Infof("vm: stream type %q: %d streams over %d threads", typeID, d.ParallelNum(), numThreads)
	}
	return s
}

// ThreadCtxs returns the worker threads in creation order.
func (s *Scheduler) ThreadCtxs() []*ThreadCtx { return s.threadCtxs }

// WaitingChains returns the chains blocked on incoming edges. Scheduler
// thread only.
func (s *Scheduler) WaitingChains() *list.List { return s.waitingChains }

// ActiveStreams returns the streams with running chains. Scheduler thread
// only.
func (s *Scheduler) ActiveStreams() *list.List { return s.activeStreams }

// SetMergePolicy replaces the chain merge policy. Call before the first
// Schedule.
func (s *Scheduler) SetMergePolicy(p ChainMergePolicy) {
	if p == nil {
		exceptions.Panicf("vm: nil chain merge policy")
	}
	s.mergePolicy = p
}

// Receive queues msgs for the next Schedule tick. For every message whose
// type registers an infer twin, the twin is queued immediately before it.
func (s *Scheduler) Receive(msgs ...*InstructionMsg) {
	expanded := make([]*InstructionMsg, 0, len(msgs))
	for _, msg := range msgs {
		desc := lookupInstrTypeDesc(msg.TypeID.Name)
		if msg.TypeID.Interpret == ComputeInterpret && desc.MakeInferTwin != nil {
			expanded = append(expanded, desc.MakeInferTwin(msg))
		}
		expanded = append(expanded, msg)
	}
	s.muPending.Lock()
	defer s.muPending.Unlock()
	s.pendingMsgs = append(s.pendingMsgs, expanded...)
}

// PendingMsgCount returns the number of received messages not yet taken by
// Schedule.
func (s *Scheduler) PendingMsgCount() int {
	s.muPending.Lock()
	defer s.muPending.Unlock()
	return len(s.pendingMsgs)
}

// Empty reports whether the scheduler has no pending messages, no waiting
// chains and no active streams. Scheduler thread only.
func (s *Scheduler) Empty() bool {
	return s.PendingMsgCount() == 0 && s.waitingChains.Len() == 0 && s.activeStreams.Len() == 0
}

// Schedule runs one scheduling tick: it releases finished chains, drains
// the ingress queue into new chains, links dependencies and dispatches
// every chain without incoming edges.
func (s *Scheduler) Schedule() {
	s.releaseFinishedChains()

	s.muPending.Lock()
	msgs := s.pendingMsgs
	s.pendingMsgs = nil
	s.muPending.Unlock()

	// Source instructions of scheduler-shared types run inline before any
	// chain of the tick materializes, so operands of the remaining
	// instructions resolve against the objects they create.
	type pendingChainMsg struct {
		msg        *InstructionMsg
		streamType StreamType
	}
	var chainMsgs []pendingChainMsg
	for _, msg := range msgs {
		streamType := lookupInstrTypeDesc(msg.TypeID.Name).StreamType
		if msg.TypeID.Interpret == InferInterpret {
			streamType = InferStreamType{Base: streamType}
		}
		if streamType.SharingSchedulerThread() && msg.IsSource() {
			streamType.RunMsg(s, msg)
			continue
		}
		chainMsgs = append(chainMsgs, pendingChainMsg{msg: msg, streamType: streamType})
	}
	var newChains []*InstrChain
	for _, cm := range chainMsgs {
		newChains = append(newChains, s.materializeChains(cm.msg, cm.streamType)...)
	}
	for _, chain := range newChains {
		s.linkDependencies(chain)
	}
	newChains = s.mergePolicy.Merge(newChains)
	for _, chain := range newChains {
		if len(chain.inEdges) == 0 {
			s.dispatchChain(chain)
		} else {
			chain.listElem = s.waitingChains.PushBack(chain)
		}
	}
}

// materializeChains builds one chain per addressed stream of the message's
// type and registers the per-chain mirrored-object accesses.
func (s *Scheduler) materializeChains(msg *InstructionMsg, streamType StreamType) []*InstrChain {
	typeID := streamType.StreamTypeID()
	rt, found := s.streamTypeID2RtDesc[typeID]
	if !found {
		exceptions.Panicf("vm: no stream desc configured for stream type %q", typeID)
	}
	chains := make([]*InstrChain, 0, len(rt.streams))
	for _, stream := range rt.streams {
		ctx := &InstrCtx{msg: msg, parallelID: stream.id.ParallelID}
		chain := newInstrChain(stream, ctx)
		s.consumeMirroredObjects(ctx, len(rt.streams))
		chains = append(chains, chain)
	}
	return chains
}

// consumeMirroredObjects registers ctx's accesses per its operands. A
// mutable operand of a compute instruction reads the type companion and
// writes the object; a mut2 operand writes both; a const operand reads
// both. The infer pass touches only type companions: writes for mutable
// and mut2 operands, reads for const ones.
func (s *Scheduler) consumeMirroredObjects(ctx *InstrCtx, typeParallelNum int) {
	infer := ctx.msg.TypeID.Interpret == InferInterpret
	for _, op := range ctx.msg.Operands {
		mo, ok := mirroredOperandOf(op)
		if !ok {
			continue
		}
		switch op.(type) {
		case ConstOperand:
			if infer {
				s.registerAccesses(ctx, typeParallelNum, mo, TypeLogicalObjectID, true)
			} else {
				s.registerAccesses(ctx, typeParallelNum, mo, TypeLogicalObjectID, true)
				s.registerAccesses(ctx, typeParallelNum, mo, SelfLogicalObjectID, true)
			}
		case MutOperand:
			if infer {
				s.registerAccesses(ctx, typeParallelNum, mo, TypeLogicalObjectID, false)
			} else {
				s.registerAccesses(ctx, typeParallelNum, mo, TypeLogicalObjectID, true)
				s.registerAccesses(ctx, typeParallelNum, mo, SelfLogicalObjectID, false)
			}
		case Mut2Operand:
			if infer {
				s.registerAccesses(ctx, typeParallelNum, mo, TypeLogicalObjectID, false)
			} else {
				s.registerAccesses(ctx, typeParallelNum, mo, TypeLogicalObjectID, false)
				s.registerAccesses(ctx, typeParallelNum, mo, SelfLogicalObjectID, false)
			}
		default:
			exceptions.Panicf("vm: unknown mirrored operand kind %T", op)
		}
	}
}

// registerAccesses records one access of ctx per addressed mirrored object.
// An operand addressing every parallel rank is narrowed to the chain's own
// rank when the stream type runs several streams; a single-stream type
// accesses every rank on behalf of its one chain.
func (s *Scheduler) registerAccesses(ctx *InstrCtx, typeParallelNum int, mo MirroredObjectOperand,
	transform func(LogicalObjectID) LogicalObjectID, isConst bool) {
	op := mo
	if mo.ParallelID == AllParallels && typeParallelNum > 1 {
		op.ParallelID = ctx.parallelID
	}
	s.forEachMirroredObject(op, transform, func(obj *MirroredObject) {
		access := &MirroredObjectAccess{instrCtx: ctx, object: obj, isConst: isConst}
		ctx.accesses = append(ctx.accesses, access)
	})
}

// linkDependencies walks chain's accesses against the object access lists:
// writes first, then reads. A write depends on every access already listed
// and dominates them, erasing them from the list; a read depends on a
// leading write of another chain.
func (s *Scheduler) linkDependencies(chain *InstrChain) {
	for _, ctx := range chain.instructions {
		for _, access := range ctx.accesses {
			if !access.isConst {
				s.linkWriteAccess(access)
			}
		}
		for _, access := range ctx.accesses {
			if access.isConst {
				s.linkReadAccess(access)
			}
		}
	}
}

func (s *Scheduler) linkWriteAccess(access *MirroredObjectAccess) {
	accessList := access.object.accessList
	for e := accessList.Front(); e != nil; {
		prior := e.Value.(*MirroredObjectAccess)
		next := e.Next()
		connectChains(prior.instrCtx.chain, access.instrCtx.chain)
		prior.eraseFromObject()
		e = next
	}
	access.objectElem = accessList.PushBack(access)
}

func (s *Scheduler) linkReadAccess(access *MirroredObjectAccess) {
	accessList := access.object.accessList
	if front := accessList.Front(); front != nil {
		prior := front.Value.(*MirroredObjectAccess)
		if !prior.isConst && prior.instrCtx.chain != access.instrCtx.chain {
			connectChains(prior.instrCtx.chain, access.instrCtx.chain)
		}
	}
	access.objectElem = accessList.PushBack(access)
}

// dispatchChain moves chain to its stream's running list, activates the
// stream and starts execution: inline for scheduler-shared types, via the
// owning thread's pending queue otherwise.
func (s *Scheduler) dispatchChain(chain *InstrChain) {
	stream := chain.stream
	chain.listElem = stream.runningChains.PushBack(chain)
	if stream.activeElem == nil {
		stream.activeElem = s.activeStreams.PushBack(stream)
	}
	if stream.streamType.SharingSchedulerThread() {
		stream.streamType.RunChain(s, chain)
		return
	}
	stream.threadCtx.pushPending(chain)
}

// releaseFinishedChains pops the done prefix of every active stream's
// running list, erases the released chains' accesses and out-edges, and
// dispatches waiters whose last incoming edge disappeared.
func (s *Scheduler) releaseFinishedChains() {
	for e := s.activeStreams.Front(); e != nil; {
		stream := e.Value.(*Stream)
		next := e.Next()
		for front := stream.runningChains.Front(); front != nil; front = stream.runningChains.Front() {
			chain := front.Value.(*InstrChain)
			if !chain.Done() {
				break
			}
			stream.runningChains.Remove(front)
			chain.listElem = nil
			s.releaseChain(chain)
		}
		if stream.runningChains.Len() == 0 {
			s.activeStreams.Remove(stream.activeElem)
			stream.activeElem = nil
		}
		e = next
	}
}

func (s *Scheduler) releaseChain(chain *InstrChain) {
	for _, ctx := range chain.instructions {
		for _, access := range ctx.accesses {
			access.eraseFromObject()
		}
	}
	for _, edge := range chain.outEdges {
		dst := edge.dst
		eraseEdge(edge)
		if len(dst.inEdges) == 0 && dst.listElem != nil {
			s.waitingChains.Remove(dst.listElem)
			dst.listElem = nil
			s.dispatchChain(dst)
		}
	}
	klog.V(2).Infof("vm: released chain of %q on stream %q/%d",
		chain.instructions[0].msg.TypeID.Name, chain.stream.id.StreamTypeID, chain.stream.id.ParallelID)
}
