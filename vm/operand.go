package vm

import (
	"github.com/gomlx/exceptions"
)

// LogicalObjectID addresses a LogicalObject in the scheduler. The top bit is
// reserved: it distinguishes the "type" companion of an object from the
// object itself, so user symbols must leave it clear.
type LogicalObjectID uint64

const typeObjectBit = LogicalObjectID(1) << 63

// TypeLogicalObjectID returns the id of the type companion of id.
func TypeLogicalObjectID(id LogicalObjectID) LogicalObjectID { return id | typeObjectBit }

// SelfLogicalObjectID returns the id of the object itself.
func SelfLogicalObjectID(id LogicalObjectID) LogicalObjectID { return id &^ typeObjectBit }

// AllParallels marks an operand that refers to every mirrored object of its
// logical object instead of a single parallel rank.
const AllParallels = -1

// MirroredObjectOperand is the common part of the operand kinds that refer
// to a mirrored object.
type MirroredObjectOperand struct {
	LogicalObjectID LogicalObjectID

	// ParallelID is either an explicit parallel rank or AllParallels.
	ParallelID int
}

// Operand is one argument of an instruction. There are exactly seven
// concrete kinds: ConstOperand, MutOperand and Mut2Operand referring to
// mirrored objects, plus the four scalar immediates Float64Operand,
// Int64Operand, Uint64Operand and BoolOperand.
//
// The interface is sealed: operand dispatch is by exhaustive type switch
// with a fatal default, so no kind can be added silently.
type Operand interface {
	isOperand()
}

// ConstOperand grants read-only access to a mirrored object.
type ConstOperand struct{ MirroredObjectOperand }

// MutOperand grants write access to a mirrored object whose metadata is
// already settled.
type MutOperand struct{ MirroredObjectOperand }

// Mut2Operand grants write access to both a mirrored object and its
// metadata.
type Mut2Operand struct{ MirroredObjectOperand }

// Float64Operand is an immediate scalar.
type Float64Operand float64

// Int64Operand is an immediate scalar.
type Int64Operand int64

// Uint64Operand is an immediate scalar.
type Uint64Operand uint64

// BoolOperand is an immediate scalar.
type BoolOperand bool

func (ConstOperand) isOperand()   {}
func (MutOperand) isOperand()     {}
func (Mut2Operand) isOperand()    {}
func (Float64Operand) isOperand() {}
func (Int64Operand) isOperand()   {}
func (Uint64Operand) isOperand()  {}
func (BoolOperand) isOperand()    {}

// IsImmediate reports whether op is a scalar immediate, carrying no
// mirrored-object reference.
func IsImmediate(op Operand) bool {
	switch op.(type) {
	case ConstOperand, MutOperand, Mut2Operand:
		return false
	case Float64Operand, Int64Operand, Uint64Operand, BoolOperand:
		return true
	default:
		exceptions.Panicf("vm: unknown operand kind %T", op)
	}
	return false
}

// mirroredOperandOf extracts the mirrored-object part of op, or ok=false
// for immediates.
func mirroredOperandOf(op Operand) (mo MirroredObjectOperand, ok bool) {
	switch o := op.(type) {
	case ConstOperand:
		return o.MirroredObjectOperand, true
	case MutOperand:
		return o.MirroredObjectOperand, true
	case Mut2Operand:
		return o.MirroredObjectOperand, true
	case Float64Operand, Int64Operand, Uint64Operand, BoolOperand:
		return mo, false
	default:
		exceptions.Panicf("vm: unknown operand kind %T", op)
	}
	return mo, false
}
