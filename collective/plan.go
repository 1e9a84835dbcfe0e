// Package collective executes pre-planned collective-communication
// requests: a plan of requests is fused into groups under a byte-size
// threshold, and each group launches across communicator streams once
// every local rank of every request in it has arrived.
package collective

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/deepflow/device"
	"github.com/gomlx/deepflow/types/shapes"
	"github.com/gomlx/exceptions"
)

// OpType selects the collective primitive of a request.
type OpType int

const (
	OpAllReduce OpType = iota
	OpAllGather
	OpReduceScatter
	OpReduce
	OpBroadcast
)

//go:generate go run github.com/dmarkham/enumer -type=OpType -trimprefix=Op

// BackendID names a registered executor backend.
type BackendID string

// DeviceBackendID is the id of the device-communicator backend.
const DeviceBackendID BackendID = "device"

// DeviceDesc addresses one device of one machine.
type DeviceDesc struct {
	MachineID int `json:"machine_id"`
	DeviceID  int `json:"device_id"`
}

// DeviceSet is the ordered device list of a request; a rank is an index
// into it.
type DeviceSet []DeviceDesc

// Key returns a canonical string of the set, usable as a map key. Two sets
// are the same communicator domain iff their keys are equal.
func (ds DeviceSet) Key() string {
	var sb strings.Builder
	for i, d := range ds {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d:%d", d.MachineID, d.DeviceID)
	}
	return sb.String()
}

// LocalRanks returns the ranks whose device lives on machineID, in rank
// order.
func (ds DeviceSet) LocalRanks(machineID int) []int {
	var ranks []int
	for rank, d := range ds {
		if d.MachineID == machineID {
			ranks = append(ranks, rank)
		}
	}
	return ranks
}

// SpansMachines reports whether the set covers more than one machine.
func (ds DeviceSet) SpansMachines() bool {
	for _, d := range ds[1:] {
		if d.MachineID != ds[0].MachineID {
			return true
		}
	}
	return false
}

// OpDesc describes the collective operation of a request.
type OpDesc struct {
	Name         string          `json:"name"`
	OpType       OpType          `json:"op_type"`
	Shape        shapes.Shape    `json:"shape"`
	ReduceMethod device.ReduceOp `json:"reduce_method"`
	Root         int             `json:"root"`
	NumRanks     int             `json:"num_ranks"`
	Backend      BackendID       `json:"backend"`
}

// RequestDesc is one planned collective request.
type RequestDesc struct {
	OpDesc    OpDesc    `json:"op_desc"`
	DeviceSet DeviceSet `json:"device_set"`

	// Order totally orders the requests of a job; Depth groups requests
	// that may fuse.
	Order int `json:"order"`
	Depth int `json:"depth"`
}

// SizeBytes returns the request's payload size, the product of the shape's
// element count and the element size.
func (r *RequestDesc) SizeBytes() uintptr { return r.OpDesc.Shape.Memory() }

// RequestSet is the request list of one job.
type RequestSet struct {
	Requests []*RequestDesc `json:"requests"`
}

// Plan maps job ids to their request sets. Ingested once at executor
// construction.
type Plan map[int64]*RequestSet

// JobIDs returns the plan's job ids in ascending order.
func (p Plan) JobIDs() []int64 {
	ids := make([]int64, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// localSortedRequests retains the job's requests with at least one device
// on machineID, sorted by ascending order, and asserts depth is
// non-decreasing along the sorted sequence.
func localSortedRequests(jobID int64, set *RequestSet, machineID int) []*RequestDesc {
	var local []*RequestDesc
	for _, r := range set.Requests {
		if len(r.DeviceSet.LocalRanks(machineID)) > 0 {
			local = append(local, r)
		}
	}
	sort.SliceStable(local, func(i, j int) bool { return local[i].Order < local[j].Order })
	for i := 1; i < len(local); i++ {
		if local[i].Depth < local[i-1].Depth {
			exceptions.Panicf("collective: job %d: request %q (order %d, depth %d) after %q (order %d, depth %d): depth must be non-decreasing in order",
				jobID, local[i].OpDesc.Name, local[i].Order, local[i].Depth,
				local[i-1].OpDesc.Name, local[i-1].Order, local[i-1].Depth)
		}
	}
	return local
}

// roughGroups splits the sorted request list into fusion-eligible runs: a
// new run starts when fusion is disabled or when depth, backend or device
// set changes relative to the run's head.
func roughGroups(requests []*RequestDesc, enableFusion bool) [][]*RequestDesc {
	var groups [][]*RequestDesc
	for _, r := range requests {
		if len(groups) > 0 {
			head := groups[len(groups)-1][0]
			if enableFusion &&
				r.Depth == head.Depth &&
				r.OpDesc.Backend == head.OpDesc.Backend &&
				r.DeviceSet.Key() == head.DeviceSet.Key() {
				groups[len(groups)-1] = append(groups[len(groups)-1], r)
				continue
			}
		}
		groups = append(groups, []*RequestDesc{r})
	}
	return groups
}
