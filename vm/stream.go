package vm

import (
	"container/list"
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// StreamDesc configures how many streams of one type a scheduler creates
// and how they spread over worker threads.
type StreamDesc struct {
	StreamType StreamType

	// NumMachines and NumStreamsPerMachine determine the parallel width:
	// ParallelNum() streams are created, one per parallel rank.
	NumMachines          int
	NumStreamsPerMachine int

	// NumStreamsPerThread groups consecutive streams onto one worker
	// thread. Ignored for stream types sharing the scheduler thread.
	NumStreamsPerThread int

	// StartParallelID offsets the parallel ranks of this desc's streams.
	StartParallelID int
}

// ParallelNum returns the number of streams the desc creates.
func (d *StreamDesc) ParallelNum() int { return d.NumMachines * d.NumStreamsPerMachine }

// NumThreads returns the number of worker threads owning the desc's
// streams, zero for scheduler-shared types.
func (d *StreamDesc) NumThreads() int {
	if d.StreamType.SharingSchedulerThread() || d.NumStreamsPerThread == 0 {
		return 0
	}
	if d.ParallelNum()%d.NumStreamsPerThread != 0 {
		exceptions.Panicf("vm: stream desc %q: %d streams not divisible by %d streams per thread",
			d.StreamType.StreamTypeID(), d.ParallelNum(), d.NumStreamsPerThread)
	}
	return d.ParallelNum() / d.NumStreamsPerThread
}

// StreamID identifies one stream inside a scheduler.
type StreamID struct {
	StreamTypeID StreamTypeID
	ParallelID   int
}

// Stream is one execution lane of a stream type. Chains dispatched to the
// stream run in FIFO order; the running list is popped from the front as
// chains complete.
type Stream struct {
	id         StreamID
	streamType StreamType

	// threadCtx owns the stream, nil for scheduler-shared types.
	threadCtx *ThreadCtx

	// runningChains holds *InstrChain dispatched and not yet released,
	// touched only on the scheduler thread.
	runningChains *list.List

	// activeElem is the handle into the scheduler's active stream list,
	// nil while the stream has nothing running.
	activeElem *list.Element
}

// ID returns the stream's id.
func (st *Stream) ID() StreamID { return st.id }

// StreamType returns the type the stream executes.
func (st *Stream) StreamType() StreamType { return st.streamType }

// ThreadCtx returns the worker thread owning the stream, nil for
// scheduler-shared stream types.
func (st *Stream) ThreadCtx() *ThreadCtx { return st.threadCtx }

// RunningChains returns the chains dispatched to the stream and not yet
// released. Scheduler thread only.
func (st *Stream) RunningChains() *list.List { return st.runningChains }

// StreamRtDesc is the runtime record of one StreamDesc: the desc plus the
// materialized streams in parallel-rank order.
type StreamRtDesc struct {
	desc    *StreamDesc
	streams []*Stream
}

// Desc returns the configuring desc.
func (rt *StreamRtDesc) Desc() *StreamDesc { return rt.desc }

// Streams returns the materialized streams in parallel-rank order.
func (rt *StreamRtDesc) Streams() []*Stream { return rt.streams }

// stream returns the stream at parallelID relative to the desc's start.
func (rt *StreamRtDesc) stream(parallelID int) *Stream {
	rel := parallelID - rt.desc.StartParallelID
	if rel < 0 || rel >= len(rt.streams) {
		exceptions.Panicf("vm: parallel id %d out-of-range for stream type %q with %d streams starting at %d",
			parallelID, rt.desc.StreamType.StreamTypeID(), len(rt.streams), rt.desc.StartParallelID)
	}
	return rt.streams[rel]
}

// ThreadCtx is a worker thread owning a group of streams of one type. The
// scheduler pushes dispatched chains on the pending queue; the thread (or a
// test driving it synchronously) pops and runs them.
type ThreadCtx struct {
	scheduler  *Scheduler
	streamType StreamType
	streams    []*Stream

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*InstrChain
	closed  bool
}

func newThreadCtx(s *Scheduler, streamType StreamType, streams []*Stream) *ThreadCtx {
	t := &ThreadCtx{scheduler: s, streamType: streamType, streams: streams}
	t.cond = sync.NewCond(&t.mu)
	for _, st := range streams {
		st.threadCtx = t
	}
	return t
}

// StreamType returns the type of the streams the thread owns.
func (t *ThreadCtx) StreamType() StreamType { return t.streamType }

// Streams returns the streams the thread owns.
func (t *ThreadCtx) Streams() []*Stream { return t.streams }

// pushPending hands a dispatched chain to the thread.
func (t *ThreadCtx) pushPending(chain *InstrChain) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		exceptions.Panicf("vm: chain dispatched to closed thread ctx of stream type %q",
			t.streamType.StreamTypeID())
	}
	t.pending = append(t.pending, chain)
	t.cond.Signal()
}

// PendingEmpty reports whether the pending queue is empty.
func (t *ThreadCtx) PendingEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) == 0
}

// TryReceiveAndRun pops every pending chain and runs each to completion.
// It returns the number of chains run and never blocks.
func (t *ThreadCtx) TryReceiveAndRun() int {
	t.mu.Lock()
	chains := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, chain := range chains {
		t.streamType.RunChain(t.scheduler, chain)
	}
	return len(chains)
}

// Loop runs chains as they arrive until Close. It is the body of the
// worker goroutine in production use; tests may instead drive the thread
// with TryReceiveAndRun.
func (t *ThreadCtx) Loop() {
	klog.V(1).Infof("vm: thread ctx for stream type %q running", t.streamType.StreamTypeID())
	for {
		t.mu.Lock()
		for len(t.pending) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.pending) == 0 && t.closed {
			t.mu.Unlock()
			klog.V(1).Infof("vm: thread ctx for stream type %q stopped", t.streamType.StreamTypeID())
			return
		}
		chains := t.pending
		t.pending = nil
		t.mu.Unlock()
		for _, chain := range chains {
			t.streamType.RunChain(t.scheduler, chain)
		}
	}
}

// Close stops Loop after the pending queue drains.
func (t *ThreadCtx) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cond.Broadcast()
}
