package collective

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/deepflow/types"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RankDesc identifies one arriving rank of a named request.
type RankDesc struct {
	Name string
	Rank int
}

// requestState tracks one planned request at runtime.
type requestState struct {
	desc       *RequestDesc
	jobID      int64
	groupID    int
	localRanks []int

	// readyRanks maps arrived local ranks to their runtime info; the
	// request is ready when every local rank arrived.
	readyRanks map[int]*RuntimeRequestInfo
}

func (rs *requestState) ready() bool { return len(rs.readyRanks) == len(rs.localRanks) }

// groupState tracks one fused group at runtime.
type groupState struct {
	backend    Backend
	requestIDs []int
	requests   []*RequestDesc

	// readyRequestIDs collects the group's requests that became fully
	// ready; the group launches when it holds them all.
	readyRequestIDs types.Set[int]
}

func (gs *groupState) ready() bool { return len(gs.readyRequestIDs) == len(gs.requestIDs) }

// Executor ingests a collective plan once, fuses its requests into groups
// and launches each group on its backend as soon as every local rank of
// every request in it has arrived.
type Executor struct {
	machineID int
	backends  map[BackendID]Backend

	name2RequestID map[string]int
	requestStates  []*requestState
	groupStates    []*groupState
	jobID2GroupIDs map[int64][]int

	// mu serializes Enqueue and the job latch below.
	mu                   sync.Mutex
	currentJobID         int64
	currentGroupIdxInJob int
}

// NewExecutor plans the local portion of plan and initializes every
// backend. Requests addressing an unregistered backend are fatal.
func NewExecutor(plan Plan, cfg Config, machineID int, backends ...Backend) (*Executor, error) {
	cfg.validate()
	e := &Executor{
		machineID:            machineID,
		backends:             make(map[BackendID]Backend, len(backends)),
		name2RequestID:       make(map[string]int),
		jobID2GroupIDs:       make(map[int64][]int),
		currentJobID:         -1,
		currentGroupIdxInJob: -1,
	}
	for _, b := range backends {
		if _, found := e.backends[b.ID()]; found {
			exceptions.Panicf("collective: backend %q registered twice", b.ID())
		}
		e.backends[b.ID()] = b
		if err := b.Init(plan); err != nil {
			return nil, errors.WithMessagef(err, "initializing collective backend %q", b.ID())
		}
	}

	for _, jobID := range plan.JobIDs() {
		local := localSortedRequests(jobID, plan[jobID], machineID)
		for _, rough := range roughGroups(local, cfg.EnableFusion) {
			backend := e.backendFor(rough[0].OpDesc.Backend)
			for _, group := range backend.GroupRequests(rough) {
				e.materializeGroup(jobID, backend, group)
			}
		}
	}
	klog.V(1).Infof("collective: executor on machine %d: %d requests in %d groups over %d jobs",
		machineID, len(e.requestStates), len(e.groupStates), len(e.jobID2GroupIDs))

	if cfg.EnableDebugMode {
		if err := e.dumpSummary(cfg.DebugDumpDir); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Executor) backendFor(id BackendID) Backend {
	b, found := e.backends[id]
	if !found {
		exceptions.Panicf("collective: no backend registered under %q", id)
	}
	return b
}

func (e *Executor) materializeGroup(jobID int64, backend Backend, group []*RequestDesc) {
	groupID := len(e.groupStates)
	gs := &groupState{backend: backend, readyRequestIDs: types.MakeSet[int]()}
	for _, desc := range group {
		requestID := len(e.requestStates)
		if _, found := e.name2RequestID[desc.OpDesc.Name]; found {
			exceptions.Panicf("collective: request name %q planned twice", desc.OpDesc.Name)
		}
		e.name2RequestID[desc.OpDesc.Name] = requestID
		e.requestStates = append(e.requestStates, &requestState{
			desc:       desc,
			jobID:      jobID,
			groupID:    groupID,
			localRanks: desc.DeviceSet.LocalRanks(e.machineID),
			readyRanks: make(map[int]*RuntimeRequestInfo),
		})
		gs.requestIDs = append(gs.requestIDs, requestID)
		gs.requests = append(gs.requests, desc)
	}
	e.groupStates = append(e.groupStates, gs)
	e.jobID2GroupIDs[jobID] = append(e.jobID2GroupIDs[jobID], groupID)
}

// Enqueue registers the arrival of one local rank of the named request and
// launches every group of the current job that became fully ready, in plan
// order. The first arrival of an idle executor latches its job; arrivals
// from a different job while one is in flight are fatal.
func (e *Executor) Enqueue(rankDesc RankDesc, info *RuntimeRequestInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()

	requestID, found := e.name2RequestID[rankDesc.Name]
	if !found {
		exceptions.Panicf("collective: enqueue for unplanned request %q", rankDesc.Name)
	}
	rs := e.requestStates[requestID]
	if e.currentJobID == -1 {
		e.currentJobID = rs.jobID
		e.currentGroupIdxInJob = 0
	} else if e.currentJobID != rs.jobID {
		exceptions.Panicf("collective: request %q of job %d enqueued while job %d is in flight",
			rankDesc.Name, rs.jobID, e.currentJobID)
	}
	if _, dup := rs.readyRanks[rankDesc.Rank]; dup {
		exceptions.Panicf("collective: rank %d of request %q enqueued twice", rankDesc.Rank, rankDesc.Name)
	}
	if !contains(rs.localRanks, rankDesc.Rank) {
		exceptions.Panicf("collective: rank %d of request %q is not local to machine %d",
			rankDesc.Rank, rankDesc.Name, e.machineID)
	}
	rs.readyRanks[rankDesc.Rank] = info
	if rs.ready() {
		e.groupStates[rs.groupID].readyRequestIDs.Insert(requestID)
	}

	groupIDs := e.jobID2GroupIDs[e.currentJobID]
	for e.currentGroupIdxInJob < len(groupIDs) {
		gs := e.groupStates[groupIDs[e.currentGroupIdxInJob]]
		if !gs.ready() {
			return
		}
		ranks := make([]map[int]*RuntimeRequestInfo, len(gs.requestIDs))
		for i, id := range gs.requestIDs {
			state := e.requestStates[id]
			ranks[i] = state.readyRanks
			state.readyRanks = make(map[int]*RuntimeRequestInfo)
		}
		gs.readyRequestIDs = types.MakeSet[int]()
		gs.backend.ExecuteGroup(gs.requests, ranks)
		e.currentGroupIdxInJob++
	}
	e.currentJobID = -1
	e.currentGroupIdxInJob = -1
}

func contains(ranks []int, rank int) bool {
	for _, r := range ranks {
		if r == rank {
			return true
		}
	}
	return false
}

// GroupSummary describes one planned group for reporting.
type GroupSummary struct {
	JobID    int64
	GroupID  int
	Backend  BackendID
	Requests []*RequestDesc
}

// GroupSummaries returns the planned groups ordered by job id, then group
// order within the job.
func (e *Executor) GroupSummaries() []GroupSummary {
	jobIDs := make([]int64, 0, len(e.jobID2GroupIDs))
	for jobID := range e.jobID2GroupIDs {
		jobIDs = append(jobIDs, jobID)
	}
	sort.Slice(jobIDs, func(i, j int) bool { return jobIDs[i] < jobIDs[j] })
	var summaries []GroupSummary
	for _, jobID := range jobIDs {
		for _, groupID := range e.jobID2GroupIDs[jobID] {
			gs := e.groupStates[groupID]
			summaries = append(summaries, GroupSummary{
				JobID:    jobID,
				GroupID:  groupID,
				Backend:  gs.backend.ID(),
				Requests: gs.requests,
			})
		}
	}
	return summaries
}

// Shutdown shuts every backend down.
func (e *Executor) Shutdown() {
	for _, b := range e.backends {
		b.Shutdown()
	}
}

// dumpSummary writes the per-group plan summary under dir, one line per
// request grouped by group id.
func (e *Executor) dumpSummary(dir string) error {
	path := filepath.Join(dir, "boxing", "collective", "group")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating collective debug dump directory %q", filepath.Dir(path))
	}
	var sb strings.Builder
	for _, summary := range e.GroupSummaries() {
		var total uint64
		for _, r := range summary.Requests {
			total += uint64(r.SizeBytes())
		}
		fmt.Fprintf(&sb, "job %d group %d backend %s total %s\n",
			summary.JobID, summary.GroupID, summary.Backend, humanize.IBytes(total))
		for _, r := range summary.Requests {
			fmt.Fprintf(&sb, "  %s %s %s %s order=%d depth=%d devices=%s\n",
				r.OpDesc.Name, r.OpDesc.OpType, r.OpDesc.Shape, humanize.IBytes(uint64(r.SizeBytes())),
				r.Order, r.Depth, r.DeviceSet.Key())
		}
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return errors.Wrapf(err, "writing collective debug dump %q", path)
	}
	return nil
}
