package collective

// RuntimeRequestInfo carries the per-rank buffers and completion callback
// of an enqueued request.
type RuntimeRequestInfo struct {
	SendBuff []byte
	RecvBuff []byte

	// Callback fires once the rank's collective completed; err is nil on
	// the specified paths.
	Callback func(err error)
}

// Backend launches fused groups of requests. Implementations are driven
// under the executor mutex except for their own completion machinery.
type Backend interface {
	// ID returns the backend id requests address in their op descs.
	ID() BackendID

	// Init builds per-device-set communicator state for the local requests
	// of plan. Called once before any ExecuteGroup.
	Init(plan Plan) error

	// GroupRequests splits a fusion-eligible run of requests into the
	// groups launched together.
	GroupRequests(requests []*RequestDesc) [][]*RequestDesc

	// ExecuteGroup launches group; ranks[i] maps each local rank of
	// requests[i] to its runtime info. Completion is reported through the
	// per-rank callbacks.
	ExecuteGroup(requests []*RequestDesc, ranks []map[int]*RuntimeRequestInfo)

	// Shutdown drains completion machinery and releases streams and
	// communicators.
	Shutdown()
}

// DefaultGroupRequests is the grouping of backends without a fusion
// policy: one request per group.
func DefaultGroupRequests(requests []*RequestDesc) [][]*RequestDesc {
	groups := make([][]*RequestDesc, 0, len(requests))
	for _, r := range requests {
		groups = append(groups, []*RequestDesc{r})
	}
	return groups
}
