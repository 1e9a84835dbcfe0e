package collective

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/deepflow/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeBackendID BackendID = "fake"

// fakeBackend records ExecuteGroup invocations.
type fakeBackend struct {
	groups [][]*RequestDesc
	ranks  [][]map[int]*RuntimeRequestInfo
}

func (f *fakeBackend) ID() BackendID       { return fakeBackendID }
func (f *fakeBackend) Init(plan Plan) error { return nil }
func (f *fakeBackend) GroupRequests(requests []*RequestDesc) [][]*RequestDesc {
	return DefaultGroupRequests(requests)
}
func (f *fakeBackend) ExecuteGroup(requests []*RequestDesc, ranks []map[int]*RuntimeRequestInfo) {
	f.groups = append(f.groups, requests)
	f.ranks = append(f.ranks, ranks)
}
func (f *fakeBackend) Shutdown() {}

func fakeRequest(name string, elems, order, depth int, devices ...DeviceDesc) *RequestDesc {
	return &RequestDesc{
		OpDesc: OpDesc{
			Name:     name,
			OpType:   OpAllReduce,
			Shape:    shapes.Make(dtypes.Float32, elems),
			NumRanks: len(devices),
			Backend:  fakeBackendID,
		},
		DeviceSet: devices,
		Order:     order,
		Depth:     depth,
	}
}

func noopInfo() *RuntimeRequestInfo {
	return &RuntimeRequestInfo{Callback: func(error) {}}
}

func TestGroupsLaunchInPlanOrder(t *testing.T) {
	backend := &fakeBackend{}
	plan := Plan{0: &RequestSet{Requests: []*RequestDesc{
		fakeRequest("b", 8, 1, 1, DeviceDesc{0, 0}),
		fakeRequest("a", 8, 0, 0, DeviceDesc{0, 0}),
	}}}
	e, err := NewExecutor(plan, DefaultConfig(), 0, backend)
	require.NoError(t, err)

	// The later request arrives first; nothing may launch until the
	// earlier group is ready, then both launch in plan order.
	e.Enqueue(RankDesc{Name: "b", Rank: 0}, noopInfo())
	assert.Empty(t, backend.groups)
	e.Enqueue(RankDesc{Name: "a", Rank: 0}, noopInfo())
	require.Len(t, backend.groups, 2)
	assert.Equal(t, "a", backend.groups[0][0].OpDesc.Name)
	assert.Equal(t, "b", backend.groups[1][0].OpDesc.Name)
}

func TestGroupWaitsForEveryLocalRank(t *testing.T) {
	backend := &fakeBackend{}
	plan := Plan{0: &RequestSet{Requests: []*RequestDesc{
		fakeRequest("ar", 8, 0, 0, DeviceDesc{0, 0}, DeviceDesc{0, 1}),
	}}}
	e, err := NewExecutor(plan, DefaultConfig(), 0, backend)
	require.NoError(t, err)

	e.Enqueue(RankDesc{Name: "ar", Rank: 1}, noopInfo())
	assert.Empty(t, backend.groups)
	e.Enqueue(RankDesc{Name: "ar", Rank: 0}, noopInfo())
	require.Len(t, backend.groups, 1)
	require.Len(t, backend.ranks[0], 1)
	assert.Len(t, backend.ranks[0][0], 2)
}

func TestJobGate(t *testing.T) {
	backend := &fakeBackend{}
	plan := Plan{
		0: &RequestSet{Requests: []*RequestDesc{
			fakeRequest("j0a", 8, 0, 0, DeviceDesc{0, 0}, DeviceDesc{0, 1}),
		}},
		1: &RequestSet{Requests: []*RequestDesc{
			fakeRequest("j1a", 8, 0, 0, DeviceDesc{0, 0}),
		}},
	}
	e, err := NewExecutor(plan, DefaultConfig(), 0, backend)
	require.NoError(t, err)

	e.Enqueue(RankDesc{Name: "j0a", Rank: 0}, noopInfo())
	assert.Panics(t, func() { e.Enqueue(RankDesc{Name: "j1a", Rank: 0}, noopInfo()) })
}

func TestJobResetsAfterCompletion(t *testing.T) {
	backend := &fakeBackend{}
	plan := Plan{
		0: &RequestSet{Requests: []*RequestDesc{fakeRequest("j0a", 8, 0, 0, DeviceDesc{0, 0})}},
		1: &RequestSet{Requests: []*RequestDesc{fakeRequest("j1a", 8, 0, 0, DeviceDesc{0, 0})}},
	}
	e, err := NewExecutor(plan, DefaultConfig(), 0, backend)
	require.NoError(t, err)

	e.Enqueue(RankDesc{Name: "j0a", Rank: 0}, noopInfo())
	e.Enqueue(RankDesc{Name: "j1a", Rank: 0}, noopInfo())
	assert.Len(t, backend.groups, 2)
}

func TestNonLocalRequestsAreSkipped(t *testing.T) {
	backend := &fakeBackend{}
	plan := Plan{0: &RequestSet{Requests: []*RequestDesc{
		fakeRequest("local", 8, 0, 0, DeviceDesc{0, 0}),
		fakeRequest("remote", 8, 1, 0, DeviceDesc{1, 0}),
	}}}
	e, err := NewExecutor(plan, DefaultConfig(), 0, backend)
	require.NoError(t, err)

	assert.Panics(t, func() { e.Enqueue(RankDesc{Name: "remote", Rank: 0}, noopInfo()) })
	e.Enqueue(RankDesc{Name: "local", Rank: 0}, noopInfo())
	assert.Len(t, backend.groups, 1)
}

func TestDepthMustBeNonDecreasing(t *testing.T) {
	plan := Plan{0: &RequestSet{Requests: []*RequestDesc{
		fakeRequest("a", 8, 0, 1, DeviceDesc{0, 0}),
		fakeRequest("b", 8, 1, 0, DeviceDesc{0, 0}),
	}}}
	assert.Panics(t, func() { _, _ = NewExecutor(plan, DefaultConfig(), 0, &fakeBackend{}) })
}

func TestDuplicateRequestNamePanics(t *testing.T) {
	plan := Plan{0: &RequestSet{Requests: []*RequestDesc{
		fakeRequest("dup", 8, 0, 0, DeviceDesc{0, 0}),
		fakeRequest("dup", 8, 1, 0, DeviceDesc{0, 0}),
	}}}
	assert.Panics(t, func() { _, _ = NewExecutor(plan, DefaultConfig(), 0, &fakeBackend{}) })
}

func TestRoughGrouping(t *testing.T) {
	dsA := DeviceSet{{0, 0}, {0, 1}}
	dsB := DeviceSet{{0, 0}}
	requests := []*RequestDesc{
		fakeRequest("a", 8, 0, 0, dsA...),
		fakeRequest("b", 8, 1, 0, dsA...),
		fakeRequest("c", 8, 2, 0, dsB...),
		fakeRequest("d", 8, 3, 1, dsB...),
	}
	groups := roughGroups(requests, true)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 1)
	assert.Len(t, groups[2], 1)

	groups = roughGroups(requests, false)
	assert.Len(t, groups, 4)
}

func TestDebugDump(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.EnableDebugMode = true
	cfg.DebugDumpDir = dir
	plan := Plan{0: &RequestSet{Requests: []*RequestDesc{
		fakeRequest("ar", 1024, 0, 0, DeviceDesc{0, 0}),
	}}}
	_, err := NewExecutor(plan, cfg, 0, &fakeBackend{})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "boxing", "collective", "group"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "ar")
	assert.Contains(t, string(raw), "AllReduce")
	assert.Contains(t, string(raw), "KiB")
}

func TestOpTypeStringRoundTrip(t *testing.T) {
	for _, op := range OpTypeValues() {
		parsed, err := OpTypeString(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, parsed)
	}
	_, err := OpTypeString("no-such-op")
	assert.Error(t, err)
}
