package vm

import (
	"sync"

	"github.com/gomlx/exceptions"
)

// InterpretKind selects the execution pass of an instruction: the real
// compute pass or the metadata pre-pass that runs on the infer counterpart
// of its stream.
type InterpretKind int

const (
	ComputeInterpret InterpretKind = iota
	InferInterpret
)

// String implements fmt.Stringer.
func (k InterpretKind) String() string {
	switch k {
	case ComputeInterpret:
		return "compute"
	case InferInterpret:
		return "infer"
	}
	return "invalid"
}

// InstrTypeID identifies the type of an instruction: its registered name,
// the stream type it executes on and the interpret pass.
type InstrTypeID struct {
	Name         string
	StreamTypeID StreamTypeID
	Interpret    InterpretKind
}

// InstrTypeDesc is the registration record of an instruction type.
type InstrTypeDesc struct {
	// StreamType the compute pass executes on.
	StreamType StreamType

	// MakeInferTwin, when non-nil, builds the infer twin synthesized by
	// Scheduler.Receive ahead of every compute instruction of this type.
	MakeInferTwin func(compute *InstructionMsg) *InstructionMsg
}

var (
	muInstrTypes sync.Mutex
	instrTypes   = make(map[string]InstrTypeDesc)
)

// RegisterInstrType registers an instruction type under name. Call it
// during package initialization. Re-registering a name is fatal.
func RegisterInstrType(name string, desc InstrTypeDesc) {
	muInstrTypes.Lock()
	defer muInstrTypes.Unlock()
	if _, found := instrTypes[name]; found {
		exceptions.Panicf("vm: instruction type %q registered twice", name)
	}
	if desc.StreamType == nil {
		exceptions.Panicf("vm: instruction type %q registered without a stream type", name)
	}
	instrTypes[name] = desc
}

// LookupInstrTypeID returns the compute InstrTypeID registered under name.
// A miss is fatal.
func LookupInstrTypeID(name string) InstrTypeID {
	return InstrTypeID{
		Name:         name,
		StreamTypeID: lookupInstrTypeDesc(name).StreamType.StreamTypeID(),
		Interpret:    ComputeInterpret,
	}
}

func lookupInstrTypeDesc(name string) InstrTypeDesc {
	muInstrTypes.Lock()
	defer muInstrTypes.Unlock()
	desc, found := instrTypes[name]
	if !found {
		exceptions.Panicf("vm: unknown instruction type %q", name)
	}
	return desc
}

// InstructionMsg describes a single instruction to execute: its type and an
// ordered operand list. It is immutable once received by the scheduler.
type InstructionMsg struct {
	TypeID   InstrTypeID
	Operands []Operand
}

// NewInstruction returns a compute instruction of the registered type name
// with no operands yet.
func NewInstruction(name string) *InstructionMsg {
	return &InstructionMsg{TypeID: LookupInstrTypeID(name)}
}

// AddConstOperand appends a read-only mirrored-object operand addressing
// every parallel rank of id.
func (msg *InstructionMsg) AddConstOperand(id LogicalObjectID) *InstructionMsg {
	return msg.Add(ConstOperand{MirroredObjectOperand{LogicalObjectID: id, ParallelID: AllParallels}})
}

// AddMutOperand appends a mutable mirrored-object operand addressing every
// parallel rank of id.
func (msg *InstructionMsg) AddMutOperand(id LogicalObjectID) *InstructionMsg {
	return msg.Add(MutOperand{MirroredObjectOperand{LogicalObjectID: id, ParallelID: AllParallels}})
}

// AddMut2Operand appends a metadata-mutating mirrored-object operand
// addressing every parallel rank of id.
func (msg *InstructionMsg) AddMut2Operand(id LogicalObjectID) *InstructionMsg {
	return msg.Add(Mut2Operand{MirroredObjectOperand{LogicalObjectID: id, ParallelID: AllParallels}})
}

// Add appends an arbitrary operand and returns msg for chaining.
func (msg *InstructionMsg) Add(op Operand) *InstructionMsg {
	msg.Operands = append(msg.Operands, op)
	return msg
}

// IsSource reports whether every operand is a scalar immediate.
func (msg *InstructionMsg) IsSource() bool {
	for _, op := range msg.Operands {
		if !IsImmediate(op) {
			return false
		}
	}
	return true
}
