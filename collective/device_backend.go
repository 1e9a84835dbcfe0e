package collective

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/deepflow/ctrl"
	"github.com/gomlx/deepflow/device"
	"github.com/gomlx/deepflow/types/xsync"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// uniqueIDKeyPrefix is the control-KV key prefix under which communicator
// unique ids rendezvous. The full key appends "-<op_name>-<stream_id>".
const uniqueIDKeyPrefix = "CollectiveBoxingExecutorNcclUniqueIdRpcKey"

func uniqueIDKey(opName string, streamID int) string {
	return fmt.Sprintf("%s-%s-%d", uniqueIDKeyPrefix, opName, streamID)
}

const mebibyte = 1 << 20

// pendingEvent is one recorded completion event awaiting the poll
// goroutine.
type pendingEvent struct {
	deviceID int
	event    device.Event
	callback func(err error)
}

// DeviceBackend launches fused groups through a device.Provider's
// communicators, NCCL style: per device-set communicator tables, unique-id
// rendezvous over the control KV, round-robin streams and an event poll
// goroutine firing per-device aggregated callbacks.
type DeviceBackend struct {
	provider   device.Provider
	ctrlClient ctrl.Client
	cfg        Config
	machineID  int

	// comms maps device-set key to device id to per-stream communicators.
	comms map[string]map[int][]device.Comm

	// streams holds the per-device communicator streams, created at the
	// greatest device priority.
	streams map[int][]device.Stream

	currentStreamID int

	muEvents sync.Mutex
	events   *list.List
	shutdown bool
	pollDone *xsync.Latch
}

var _ Backend = (*DeviceBackend)(nil)

// NewDeviceBackend returns an uninitialized device backend; Init builds
// its communicator tables from the plan.
func NewDeviceBackend(provider device.Provider, ctrlClient ctrl.Client, cfg Config, machineID int) *DeviceBackend {
	cfg.validate()
	return &DeviceBackend{
		provider:   provider,
		ctrlClient: ctrlClient,
		cfg:        cfg,
		machineID:  machineID,
		comms:      make(map[string]map[int][]device.Comm),
		streams:    make(map[int][]device.Stream),
		events:     list.New(),
		pollDone:   xsync.NewLatch(),
	}
}

// ID implements Backend.
func (b *DeviceBackend) ID() BackendID { return DeviceBackendID }

// Init implements Backend: for every local request of this backend, build
// the communicator table of its device set (once per set) and the
// per-device streams, then start the event poll goroutine. Rank 0 of a set
// generates each stream's unique id and publishes it over the control KV
// when the set spans machines; other machines pull it.
func (b *DeviceBackend) Init(plan Plan) error {
	for _, jobID := range plan.JobIDs() {
		for _, desc := range plan[jobID].Requests {
			if desc.OpDesc.Backend != b.ID() {
				continue
			}
			if err := b.initDeviceSet(desc); err != nil {
				return err
			}
		}
	}
	go b.pollEvents()
	return nil
}

func (b *DeviceBackend) initDeviceSet(desc *RequestDesc) error {
	ds := desc.DeviceSet
	localRanks := ds.LocalRanks(b.machineID)
	if len(localRanks) == 0 {
		return nil
	}
	key := ds.Key()
	if _, found := b.comms[key]; found {
		return nil
	}
	if desc.OpDesc.NumRanks != len(ds) {
		exceptions.Panicf("collective: request %q declares %d ranks but its device set has %d devices",
			desc.OpDesc.Name, desc.OpDesc.NumRanks, len(ds))
	}

	deviceComms := make(map[int][]device.Comm)
	for _, rank := range localRanks {
		deviceID := ds[rank].DeviceID
		if _, found := deviceComms[deviceID]; found {
			exceptions.Panicf("collective: request %q maps two local ranks to device %d", desc.OpDesc.Name, deviceID)
		}
		deviceComms[deviceID] = make([]device.Comm, b.cfg.NumStreams)
		if _, found := b.streams[deviceID]; !found {
			if err := b.createStreams(deviceID); err != nil {
				return err
			}
		}
	}

	for streamID := 0; streamID < b.cfg.NumStreams; streamID++ {
		var uid device.UniqueID
		if ds[0].MachineID == b.machineID {
			var err error
			uid, err = b.provider.GenerateUniqueID()
			if err != nil {
				return errors.WithMessagef(err, "generating unique id for request %q stream %d", desc.OpDesc.Name, streamID)
			}
			if ds.SpansMachines() {
				b.ctrlClient.PushKV(uniqueIDKey(desc.OpDesc.Name, streamID), device.UniqueIDToString(uid))
			}
		} else {
			var pulled string
			b.ctrlClient.PullKV(uniqueIDKey(desc.OpDesc.Name, streamID), func(value string) { pulled = value })
			var err error
			uid, err = device.UniqueIDFromString(pulled)
			if err != nil {
				return errors.WithMessagef(err, "decoding unique id for request %q stream %d", desc.OpDesc.Name, streamID)
			}
		}

		b.provider.GroupStart()
		for _, rank := range localRanks {
			deviceID := ds[rank].DeviceID
			restore := b.provider.ScopedDevice(deviceID)
			comm, err := b.provider.CommInitRank(uid, len(ds), rank)
			restore()
			if err != nil {
				b.provider.GroupEnd()
				return errors.WithMessagef(err, "initializing communicator rank %d of request %q stream %d",
					rank, desc.OpDesc.Name, streamID)
			}
			deviceComms[deviceID][streamID] = comm
		}
		b.provider.GroupEnd()
	}
	b.comms[key] = deviceComms
	klog.V(1).Infof("collective: device backend on machine %d: communicators ready for device set %q (%d streams)",
		b.machineID, key, b.cfg.NumStreams)
	return nil
}

func (b *DeviceBackend) createStreams(deviceID int) error {
	restore := b.provider.ScopedDevice(deviceID)
	defer restore()
	priority := b.provider.StreamGreatestPriority()
	streams := make([]device.Stream, b.cfg.NumStreams)
	for i := range streams {
		s, err := b.provider.CreateStream(priority)
		if err != nil {
			return errors.WithMessagef(err, "creating communicator stream %d on device %d", i, deviceID)
		}
		streams[i] = s
	}
	b.streams[deviceID] = streams
	return nil
}

// GroupRequests implements Backend with the byte-size fusion policy: a
// group closes when the candidate's device set differs from the head's or
// the cumulative payload would exceed the configured threshold.
func (b *DeviceBackend) GroupRequests(requests []*RequestDesc) [][]*RequestDesc {
	threshold := uint64(b.cfg.FusionThresholdMB) * mebibyte
	var groups [][]*RequestDesc
	var curBytes uint64
	for _, r := range requests {
		bytes := uint64(r.SizeBytes())
		if len(groups) > 0 {
			cur := groups[len(groups)-1]
			if r.DeviceSet.Key() == cur[0].DeviceSet.Key() && curBytes+bytes <= threshold {
				groups[len(groups)-1] = append(cur, r)
				curBytes += bytes
				continue
			}
		}
		groups = append(groups, []*RequestDesc{r})
		curBytes = bytes
	}
	return groups
}

// ExecuteGroup implements Backend. The whole group launches under one
// GroupStart/GroupEnd bracket on the round-robin selected stream; one
// completion event per participating device is recorded behind the
// group's work and handed to the poll goroutine with the fan-out of that
// device's callbacks.
func (b *DeviceBackend) ExecuteGroup(requests []*RequestDesc, ranks []map[int]*RuntimeRequestInfo) {
	streamID := b.currentStreamID
	b.currentStreamID = (b.currentStreamID + 1) % b.cfg.NumStreams

	deviceCallbacks := make(map[int][]func(error))
	b.provider.GroupStart()
	for i, req := range requests {
		comms := b.comms[req.DeviceSet.Key()]
		if comms == nil {
			exceptions.Panicf("collective: no communicators for device set %q of request %q",
				req.DeviceSet.Key(), req.OpDesc.Name)
		}
		for rank, info := range ranks[i] {
			deviceID := req.DeviceSet[rank].DeviceID
			restore := b.provider.ScopedDevice(deviceID)
			b.launch(req, rank, info, comms[deviceID][streamID], b.streams[deviceID][streamID])
			restore()
			deviceCallbacks[deviceID] = append(deviceCallbacks[deviceID], info.Callback)
		}
	}
	b.provider.GroupEnd()

	for deviceID, callbacks := range deviceCallbacks {
		restore := b.provider.ScopedDevice(deviceID)
		event, err := b.provider.CreateEvent()
		restore()
		if err != nil {
			exceptions.Panicf("collective: creating completion event on device %d: %v", deviceID, err)
		}
		event.Record(b.streams[deviceID][streamID])
		b.addEvent(deviceID, event, fanOut(callbacks))
	}
}

func (b *DeviceBackend) launch(req *RequestDesc, rank int, info *RuntimeRequestInfo,
	comm device.Comm, stream device.Stream) {
	op := req.OpDesc
	elemCnt := op.Shape.Size()
	switch op.OpType {
	case OpAllReduce:
		comm.AllReduce(info.SendBuff, info.RecvBuff, elemCnt, op.Shape.DType, op.ReduceMethod, stream)
	case OpAllGather:
		comm.AllGather(info.SendBuff, info.RecvBuff, divideElemCnt(req, elemCnt), op.Shape.DType, stream)
	case OpReduceScatter:
		comm.ReduceScatter(info.SendBuff, info.RecvBuff, divideElemCnt(req, elemCnt), op.Shape.DType, op.ReduceMethod, stream)
	case OpReduce:
		comm.Reduce(info.SendBuff, info.RecvBuff, elemCnt, op.Shape.DType, op.ReduceMethod, op.Root, stream)
	case OpBroadcast:
		comm.Broadcast(info.SendBuff, info.RecvBuff, elemCnt, op.Shape.DType, op.Root, stream)
	default:
		exceptions.Panicf("collective: request %q (rank %d): unsupported op type %s", op.Name, rank, op.OpType)
	}
}

func divideElemCnt(req *RequestDesc, elemCnt int) int {
	numRanks := len(req.DeviceSet)
	if elemCnt%numRanks != 0 {
		exceptions.Panicf("collective: request %q: element count %d not divisible by %d ranks",
			req.OpDesc.Name, elemCnt, numRanks)
	}
	return elemCnt / numRanks
}

func fanOut(callbacks []func(error)) func(error) {
	return func(err error) {
		for _, cb := range callbacks {
			cb(err)
		}
	}
}

func (b *DeviceBackend) addEvent(deviceID int, event device.Event, callback func(error)) {
	b.muEvents.Lock()
	defer b.muEvents.Unlock()
	if b.shutdown {
		exceptions.Panicf("collective: completion event recorded after device backend shutdown")
	}
	b.events.PushBack(&pendingEvent{deviceID: deviceID, event: event, callback: callback})
}

// pollEvents sweeps the event list: each sweep snapshots the current
// entries, queries them outside the lock and removes the completed ones by
// handle. Exits once the list is empty after shutdown.
func (b *DeviceBackend) pollEvents() {
	defer b.pollDone.Trigger()
	for {
		b.muEvents.Lock()
		if b.events.Len() == 0 {
			done := b.shutdown
			b.muEvents.Unlock()
			if done {
				return
			}
			time.Sleep(50 * time.Microsecond)
			continue
		}
		snapshot := make([]*list.Element, 0, b.events.Len())
		for e := b.events.Front(); e != nil; e = e.Next() {
			snapshot = append(snapshot, e)
		}
		b.muEvents.Unlock()

		for _, elem := range snapshot {
			pe := elem.Value.(*pendingEvent)
			restore := b.provider.ScopedDevice(pe.deviceID)
			status := pe.event.Query()
			restore()
			if status == device.EventNotReady {
				continue
			}
			pe.event.Destroy()
			pe.callback(nil)
			b.muEvents.Lock()
			b.events.Remove(elem)
			b.muEvents.Unlock()
		}
	}
}

// Shutdown implements Backend: stop the poll goroutine once the event list
// drains, then synchronize and destroy streams before communicators.
func (b *DeviceBackend) Shutdown() {
	b.muEvents.Lock()
	if b.shutdown {
		b.muEvents.Unlock()
		return
	}
	b.shutdown = true
	b.muEvents.Unlock()
	b.pollDone.Wait()

	for deviceID, streams := range b.streams {
		restore := b.provider.ScopedDevice(deviceID)
		for _, s := range streams {
			s.Synchronize()
			s.Destroy()
		}
		restore()
	}
	for _, deviceComms := range b.comms {
		for _, comms := range deviceComms {
			for _, c := range comms {
				c.Destroy()
			}
		}
	}
	klog.V(1).Infof("collective: device backend on machine %d shut down", b.machineID)
}
