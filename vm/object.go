package vm

import (
	"container/list"

	"github.com/gomlx/exceptions"
)

// LogicalObject is a shared object addressable by instructions. It owns one
// MirroredObject per parallel rank.
type LogicalObject struct {
	id        LogicalObjectID
	mirrored  []*MirroredObject
}

func newLogicalObject(id LogicalObjectID, parallelNum int) *LogicalObject {
	obj := &LogicalObject{id: id, mirrored: make([]*MirroredObject, parallelNum)}
	for parallelID := range obj.mirrored {
		obj.mirrored[parallelID] = &MirroredObject{
			logicalObject: obj,
			parallelID:    parallelID,
			accessList:    list.New(),
		}
	}
	return obj
}

// MirroredObject is the concrete per-parallel instance of a LogicalObject.
// Its access list orders the chains touching it; the list is read and
// written only on the scheduler thread.
type MirroredObject struct {
	logicalObject *LogicalObject
	parallelID    int

	// accessList holds *MirroredObjectAccess in registration order.
	accessList *list.List
}

// MirroredObjectAccess records one chain's pending access to one mirrored
// object.
type MirroredObjectAccess struct {
	instrCtx *InstrCtx
	object   *MirroredObject
	isConst  bool

	// objectElem is the handle into object.accessList, nil once the access
	// was erased (a later write dominated it, or its chain released).
	objectElem *list.Element
}

// eraseFromObject unlinks the access from its object's access list, if it
// is still there.
func (a *MirroredObjectAccess) eraseFromObject() {
	if a.objectElem == nil {
		return
	}
	a.object.accessList.Remove(a.objectElem)
	a.objectElem = nil
}

// forEachMirroredObject resolves the operand against the logical-object
// table using the transform applied to its logical id, and yields either
// every mirrored object or the single addressed one.
func (s *Scheduler) forEachMirroredObject(op MirroredObjectOperand,
	transform func(LogicalObjectID) LogicalObjectID, f func(*MirroredObject)) {
	id := transform(op.LogicalObjectID)
	obj, found := s.id2LogicalObject[id]
	if !found {
		exceptions.Panicf("vm: operand refers to unknown logical object %d", id)
	}
	if op.ParallelID == AllParallels {
		for _, mirrored := range obj.mirrored {
			f(mirrored)
		}
		return
	}
	if op.ParallelID < 0 || op.ParallelID >= len(obj.mirrored) {
		exceptions.Panicf("vm: operand parallel id %d out-of-range for logical object %d with %d mirrored objects",
			op.ParallelID, id, len(obj.mirrored))
	}
	f(obj.mirrored[op.ParallelID])
}

func (s *Scheduler) createLogicalObject(id LogicalObjectID, parallelNum int) {
	if _, found := s.id2LogicalObject[id]; found {
		exceptions.Panicf("vm: logical object %d created twice", id)
	}
	s.id2LogicalObject[id] = newLogicalObject(id, parallelNum)
}
