package vm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, nopStreams, nopStreamsPerThread int) *Scheduler {
	t.Helper()
	desc := &SchedulerDesc{}
	desc.AddStreamDesc(&StreamDesc{StreamType: ControlStreamType{}, NumMachines: 1, NumStreamsPerMachine: 1})
	desc.AddStreamDesc(&StreamDesc{
		StreamType:           NopStreamType{},
		NumMachines:          1,
		NumStreamsPerMachine: nopStreams,
		NumStreamsPerThread:  nopStreamsPerThread,
	})
	return NewScheduler(desc)
}

func findThreadCtx(t *testing.T, s *Scheduler, typeID StreamTypeID) *ThreadCtx {
	t.Helper()
	for _, tc := range s.ThreadCtxs() {
		if tc.StreamType().StreamTypeID() == typeID {
			return tc
		}
	}
	t.Fatalf("no thread ctx for stream type %q", typeID)
	return nil
}

func nopStream(t *testing.T, s *Scheduler) *Stream {
	t.Helper()
	rt, found := s.streamTypeID2RtDesc[NopStreamTypeID]
	require.True(t, found)
	require.Len(t, rt.Streams(), 1)
	return rt.Streams()[0]
}

func drain(t *testing.T, s *Scheduler) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if s.Empty() {
			return
		}
		for _, tc := range s.ThreadCtxs() {
			tc.TryReceiveAndRun()
		}
		s.Schedule()
	}
	t.Fatal("scheduler did not drain")
}

func TestSourceNopDispatchesImmediately(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	msg := NewInstruction("Nop")
	s.Receive(msg)
	s.Schedule()

	assert.Equal(t, 0, s.PendingMsgCount())
	assert.Equal(t, 0, s.WaitingChains().Len())
	require.Equal(t, 1, s.ActiveStreams().Len())

	stream := nopStream(t, s)
	require.Equal(t, 1, stream.RunningChains().Len())
	chain := stream.RunningChains().Front().Value.(*InstrChain)
	require.Len(t, chain.Instructions(), 1)
	assert.Same(t, msg, chain.Instructions()[0].Msg())

	tc := findThreadCtx(t, s, NopStreamTypeID)
	assert.Equal(t, 1, tc.TryReceiveAndRun())
	s.Schedule()
	assert.True(t, s.Empty())
}

func TestWriteAfterWriteChainsSerialize(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	const symbol = LogicalObjectID(9527)
	nop0 := NewInstruction("Nop").AddMutOperand(symbol)
	nop1 := NewInstruction("Nop").AddMutOperand(symbol)
	s.Receive(NewSymbol(symbol, 1), nop0, nop1)
	s.Schedule()

	// The metadata pre-pass chain ran inline and the first nop was
	// dispatched; the second waits on the write-after-write edge.
	assert.Equal(t, 0, s.PendingMsgCount())
	require.Equal(t, 1, s.WaitingChains().Len())
	assert.Equal(t, 2, s.ActiveStreams().Len())

	waiting := s.WaitingChains().Front().Value.(*InstrChain)
	assert.Same(t, nop1, waiting.Instructions()[0].Msg())
	require.Len(t, waiting.inEdges, 1)

	stream := nopStream(t, s)
	require.Equal(t, 1, stream.RunningChains().Len())
	running := stream.RunningChains().Front().Value.(*InstrChain)
	assert.Same(t, nop0, running.Instructions()[0].Msg())
	require.Len(t, running.outEdges, 1)
	_, found := running.outEdges[waiting]
	assert.True(t, found)

	// Without running the worker, another tick only releases the finished
	// pre-pass chain.
	s.Schedule()
	assert.Equal(t, 1, s.WaitingChains().Len())
	assert.Equal(t, 1, s.ActiveStreams().Len())

	tc := findThreadCtx(t, s, NopStreamTypeID)
	assert.Equal(t, 1, tc.TryReceiveAndRun())
	s.Schedule()
	assert.Equal(t, 0, s.WaitingChains().Len())
	require.Equal(t, 1, s.ActiveStreams().Len())
	require.Equal(t, 1, stream.RunningChains().Len())
	head := stream.RunningChains().Front().Value.(*InstrChain)
	assert.Same(t, nop1, head.Instructions()[0].Msg())
	assert.Empty(t, head.outEdges)
	assert.Empty(t, head.inEdges)

	assert.Equal(t, 1, tc.TryReceiveAndRun())
	s.Schedule()
	assert.Equal(t, 0, s.ActiveStreams().Len())
	assert.True(t, s.Empty())
}

func TestReadersShareAccess(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	const symbol = LogicalObjectID(7)
	r0 := NewInstruction("Nop").AddConstOperand(symbol)
	r1 := NewInstruction("Nop").AddConstOperand(symbol)
	s.Receive(NewSymbol(symbol, 1), r0, r1)
	s.Schedule()

	// Both readers are edge-free and dispatched in one tick.
	assert.Equal(t, 0, s.WaitingChains().Len())
	stream := nopStream(t, s)
	assert.Equal(t, 2, stream.RunningChains().Len())
	drain(t, s)
}

func TestWriteDominatesEarlierAccesses(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	const symbol = LogicalObjectID(11)
	w0 := NewInstruction("Nop").AddMutOperand(symbol)
	w1 := NewInstruction("Nop").AddMutOperand(symbol)
	r := NewInstruction("Nop").AddConstOperand(symbol)
	s.Receive(NewSymbol(symbol, 1), w0, w1, r)
	s.Schedule()

	require.Equal(t, 2, s.WaitingChains().Len())
	w1Chain := s.WaitingChains().Front().Value.(*InstrChain)
	rChain := s.WaitingChains().Back().Value.(*InstrChain)
	require.Same(t, w1, w1Chain.Instructions()[0].Msg())
	require.Same(t, r, rChain.Instructions()[0].Msg())

	// The second write dominated the first, so the reader depends only on
	// the second write.
	require.Len(t, rChain.inEdges, 1)
	_, found := rChain.inEdges[w1Chain]
	assert.True(t, found)
	drain(t, s)
}

func TestReadThenWriteSerializes(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	const symbol = LogicalObjectID(13)
	r := NewInstruction("Nop").AddConstOperand(symbol)
	w := NewInstruction("Nop").AddMutOperand(symbol)
	s.Receive(NewSymbol(symbol, 1), r, w)
	s.Schedule()

	require.Equal(t, 1, s.WaitingChains().Len())
	wChain := s.WaitingChains().Front().Value.(*InstrChain)
	assert.Same(t, w, wChain.Instructions()[0].Msg())
	require.Len(t, wChain.inEdges, 1)
	drain(t, s)
}

func TestNoSelfEdges(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	const symbol = LogicalObjectID(17)
	// Two operands on the same object register two accesses of one chain;
	// they must not produce an edge to itself.
	msg := NewInstruction("Nop").AddMutOperand(symbol).AddConstOperand(symbol)
	s.Receive(NewSymbol(symbol, 1), msg)
	s.Schedule()

	assert.Equal(t, 0, s.WaitingChains().Len())
	stream := nopStream(t, s)
	require.Equal(t, 1, stream.RunningChains().Len())
	chain := stream.RunningChains().Front().Value.(*InstrChain)
	assert.Empty(t, chain.inEdges)
	assert.Empty(t, chain.outEdges)
	drain(t, s)
}

func TestMultiRankChainsAreIndependent(t *testing.T) {
	s := newTestScheduler(t, 2, 1)
	const symbol = LogicalObjectID(19)
	msg := NewInstruction("Nop").AddMutOperand(symbol)
	s.Receive(NewSymbol(symbol, 2), msg)
	s.Schedule()

	// One chain per rank, each touching only its own mirrored object.
	assert.Equal(t, 0, s.WaitingChains().Len())
	rt := s.streamTypeID2RtDesc[NopStreamTypeID]
	require.Len(t, rt.Streams(), 2)
	for _, stream := range rt.Streams() {
		require.Equal(t, 1, stream.RunningChains().Len())
		chain := stream.RunningChains().Front().Value.(*InstrChain)
		assert.Empty(t, chain.inEdges)
		assert.Empty(t, chain.outEdges)
	}
	drain(t, s)
}

func TestInferTwinRunsOnInferControlStream(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	const symbol = LogicalObjectID(23)
	s.Receive(NewSymbol(symbol, 1))
	s.Schedule()

	rt, found := s.streamTypeID2RtDesc[InferStreamTypeID(ControlStreamTypeID)]
	require.True(t, found)
	require.Len(t, rt.Streams(), 1)
	stream := rt.Streams()[0]
	require.Equal(t, 1, stream.RunningChains().Len())
	chain := stream.RunningChains().Front().Value.(*InstrChain)
	assert.True(t, chain.Done())
	assert.Equal(t, InferInterpret, chain.Instructions()[0].Msg().TypeID.Interpret)
	drain(t, s)
}

func TestConcurrentReceive(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	const symbol = LogicalObjectID(29)
	s.Receive(NewSymbol(symbol, 1))
	s.Schedule()
	drain(t, s)

	const senders = 8
	const perSender = 32
	var wg sync.WaitGroup
	wg.Add(senders)
	for i := 0; i < senders; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				s.Receive(NewInstruction("Nop").AddMutOperand(symbol))
			}
		}()
	}
	wg.Wait()

	ran := 0
	tc := findThreadCtx(t, s, NopStreamTypeID)
	for i := 0; i < senders*perSender+2; i++ {
		s.Schedule()
		ran += tc.TryReceiveAndRun()
		s.Schedule()
		if s.Empty() {
			break
		}
	}
	assert.True(t, s.Empty())
	assert.Equal(t, senders*perSender, ran)
}

func TestWorkerLoopDrains(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	const symbol = LogicalObjectID(31)
	s.Receive(NewSymbol(symbol, 1))

	tc := findThreadCtx(t, s, NopStreamTypeID)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tc.Loop()
	}()

	for i := 0; i < 16; i++ {
		s.Receive(NewInstruction("Nop").AddMutOperand(symbol))
	}
	for i := 0; i < 1000; i++ {
		s.Schedule()
		if s.Empty() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.True(t, s.Empty())
	tc.Close()
	wg.Wait()
}

func TestNewSymbolValidation(t *testing.T) {
	assert.Panics(t, func() { NewSymbol(TypeLogicalObjectID(1), 1) })
	assert.Panics(t, func() { NewSymbol(1, 0) })
	assert.Panics(t, func() { NewSymbol(1, -3) })
}

func TestSchedulerDescValidation(t *testing.T) {
	assert.Panics(t, func() { NewScheduler(&SchedulerDesc{}) })
	assert.Panics(t, func() {
		desc := &SchedulerDesc{}
		desc.AddStreamDesc(&StreamDesc{StreamType: ControlStreamType{}, NumMachines: 1, NumStreamsPerMachine: 1})
		desc.AddStreamDesc(&StreamDesc{StreamType: ControlStreamType{}, NumMachines: 1, NumStreamsPerMachine: 1})
	})
	assert.Panics(t, func() {
		desc := &SchedulerDesc{}
		desc.AddStreamDesc(&StreamDesc{StreamType: ControlStreamType{}, NumMachines: 1, NumStreamsPerMachine: 2})
		NewScheduler(desc)
	})
}

func TestDuplicateSymbolPanics(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	const symbol = LogicalObjectID(37)
	s.Receive(NewSymbol(symbol, 1))
	s.Schedule()
	drain(t, s)
	s.Receive(NewSymbol(symbol, 1))
	assert.Panics(t, func() { s.Schedule() })
}

func TestUnknownObjectPanics(t *testing.T) {
	s := newTestScheduler(t, 1, 1)
	s.Receive(NewInstruction("Nop").AddMutOperand(41))
	assert.Panics(t, func() { s.Schedule() })
}
