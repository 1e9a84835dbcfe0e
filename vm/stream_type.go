package vm

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// StreamTypeID identifies a stream type inside one scheduler.
type StreamTypeID string

// StreamType defines how chains dispatched to its streams execute.
type StreamType interface {
	// StreamTypeID returns the unique id of the type.
	StreamTypeID() StreamTypeID

	// SharingSchedulerThread reports whether chains run inline on the
	// scheduler thread. When false, chains are handed to the owning
	// ThreadCtx's pending queue.
	SharingSchedulerThread() bool

	// RunMsg executes a source instruction inline on the scheduler
	// thread. Only called for types that share the scheduler thread.
	RunMsg(s *Scheduler, msg *InstructionMsg)

	// RunChain executes every instruction of the chain and marks it done.
	RunChain(s *Scheduler, chain *InstrChain)
}

// ControlStreamTypeID is the id of the mandatory control stream type.
const ControlStreamTypeID StreamTypeID = "control"

// ControlStreamType executes scheduler-control instructions (symbol
// creation) inline on the scheduler thread.
type ControlStreamType struct{}

// StreamTypeID implements StreamType.
func (ControlStreamType) StreamTypeID() StreamTypeID { return ControlStreamTypeID }

// SharingSchedulerThread implements StreamType.
func (ControlStreamType) SharingSchedulerThread() bool { return true }

// RunMsg implements StreamType.
func (ControlStreamType) RunMsg(s *Scheduler, msg *InstructionMsg) {
	switch msg.TypeID.Name {
	case newSymbolInstrName:
		runNewSymbol(s, msg)
	default:
		exceptions.Panicf("vm: control stream cannot run instruction %q", msg.TypeID.Name)
	}
}

// RunChain implements StreamType. Control chains carry no work beyond
// ordering, so completion is immediate.
func (ControlStreamType) RunChain(s *Scheduler, chain *InstrChain) {
	chain.setDone()
}

// InferStreamType is the metadata pre-pass counterpart of a stream type.
type InferStreamType struct {
	Base StreamType
}

// InferStreamTypeID returns the id of the infer counterpart of base.
func InferStreamTypeID(base StreamTypeID) StreamTypeID {
	return "infer:" + base
}

// StreamTypeID implements StreamType.
func (t InferStreamType) StreamTypeID() StreamTypeID {
	return InferStreamTypeID(t.Base.StreamTypeID())
}

// SharingSchedulerThread implements StreamType.
func (t InferStreamType) SharingSchedulerThread() bool {
	return t.Base.SharingSchedulerThread()
}

// RunMsg implements StreamType.
func (t InferStreamType) RunMsg(s *Scheduler, msg *InstructionMsg) {
	exceptions.Panicf("vm: infer stream type %q cannot run source instruction %q",
		t.StreamTypeID(), msg.TypeID.Name)
}

// RunChain implements StreamType. The infer pre-pass of the built-in
// control instructions orders through the access graph but computes
// nothing.
func (t InferStreamType) RunChain(s *Scheduler, chain *InstrChain) {
	chain.setDone()
}

// NopStreamTypeID is the id of the built-in worker-thread no-op stream
// type.
const NopStreamTypeID StreamTypeID = "nop"

// NopStreamType executes instructions on a worker thread and completes
// them immediately. It exists to exercise and test the scheduling
// machinery.
type NopStreamType struct{}

// StreamTypeID implements StreamType.
func (NopStreamType) StreamTypeID() StreamTypeID { return NopStreamTypeID }

// SharingSchedulerThread implements StreamType.
func (NopStreamType) SharingSchedulerThread() bool { return false }

// RunMsg implements StreamType.
func (NopStreamType) RunMsg(s *Scheduler, msg *InstructionMsg) {
	exceptions.Panicf("vm: nop stream type does not run on the scheduler thread")
}

// RunChain implements StreamType.
func (NopStreamType) RunChain(s *Scheduler, chain *InstrChain) {
	chain.setDone()
}

const newSymbolInstrName = "NewSymbol"

func init() {
	RegisterInstrType(newSymbolInstrName, InstrTypeDesc{
		StreamType: ControlStreamType{},
		MakeInferTwin: func(compute *InstructionMsg) *InstructionMsg {
			// The twin reads the freshly created symbol, so later accesses
			// to it order after the metadata pre-pass.
			symbol, _ := newSymbolArguments(compute)
			twin := &InstructionMsg{
				TypeID: InstrTypeID{
					Name:         newSymbolInstrName,
					StreamTypeID: InferStreamTypeID(ControlStreamTypeID),
					Interpret:    InferInterpret,
				},
			}
			return twin.AddConstOperand(symbol)
		},
	})
	RegisterInstrType("Nop", InstrTypeDesc{StreamType: NopStreamType{}})
}

// NewSymbol returns the instruction creating the logical object symbol with
// parallelNum mirrored objects (and its type companion). Symbols with the
// type bit set are rejected.
func NewSymbol(symbol LogicalObjectID, parallelNum int) *InstructionMsg {
	if SelfLogicalObjectID(symbol) != symbol {
		exceptions.Panicf("vm: NewSymbol(%d): symbol has the reserved type bit set", symbol)
	}
	if parallelNum <= 0 {
		exceptions.Panicf("vm: NewSymbol(%d): parallelNum must be positive, got %d", symbol, parallelNum)
	}
	return NewInstruction(newSymbolInstrName).
		Add(Uint64Operand(symbol)).
		Add(Int64Operand(parallelNum))
}

func newSymbolArguments(msg *InstructionMsg) (symbol LogicalObjectID, parallelNum int) {
	if len(msg.Operands) != 2 {
		exceptions.Panicf("vm: NewSymbol instruction needs 2 operands, got %d", len(msg.Operands))
	}
	symbolOp, ok := msg.Operands[0].(Uint64Operand)
	if !ok {
		exceptions.Panicf("vm: NewSymbol symbol operand must be a uint64 immediate, got %T", msg.Operands[0])
	}
	numOp, ok := msg.Operands[1].(Int64Operand)
	if !ok {
		exceptions.Panicf("vm: NewSymbol parallelNum operand must be an int64 immediate, got %T", msg.Operands[1])
	}
	return LogicalObjectID(symbolOp), int(numOp)
}

func runNewSymbol(s *Scheduler, msg *InstructionMsg) {
	symbol, parallelNum := newSymbolArguments(msg)
	s.createLogicalObject(SelfLogicalObjectID(symbol), parallelNum)
	s.createLogicalObject(TypeLogicalObjectID(symbol), parallelNum)
	klog.V(2).Infof("vm: created symbol %d with %d mirrored objects", symbol, parallelNum)
}
