// Package hostdev implements a pure-Go device.Provider backed by host
// memory: devices are in-process memory contexts, streams are FIFO work
// queues drained by a dedicated goroutine, and communicators of one clique
// rendezvous through a shared Fabric, so ranks may belong to different
// Provider instances (emulating multiple machines in one process).
//
// It is the execution backend used by tests and by CPU-only deployments.
package hostdev

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/deepflow/device"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the provider in the device registry.
const Name = "hostdev"

func init() {
	device.Register(Name, func(config string) (device.Provider, error) {
		numDevices := 1
		if config != "" {
			var err error
			numDevices, err = strconv.Atoi(strings.TrimSpace(config))
			if err != nil {
				return nil, errors.Wrapf(err, "hostdev: configuration must be the number of devices, got %q", config)
			}
		}
		return New(numDevices, DefaultFabric())
	})
}

// Provider implements device.Provider over host memory.
type Provider struct {
	fabric     *Fabric
	numDevices int

	mu         sync.Mutex
	current    int
	groupDepth int
}

var _ device.Provider = (*Provider)(nil)

// New creates a Provider with numDevices host-memory devices, joined to the
// given fabric. Providers sharing a fabric can form cliques together.
func New(numDevices int, fabric *Fabric) (*Provider, error) {
	if numDevices <= 0 {
		return nil, errors.Errorf("hostdev: numDevices must be positive, got %d", numDevices)
	}
	if fabric == nil {
		fabric = DefaultFabric()
	}
	klog.V(1).Infof("hostdev: new provider with %d devices", numDevices)
	return &Provider{fabric: fabric, numDevices: numDevices}, nil
}

// Name implements device.Provider.
func (p *Provider) Name() string { return Name }

// NumDevices implements device.Provider.
func (p *Provider) NumDevices() int { return p.numDevices }

// CurrentDevice implements device.Provider.
func (p *Provider) CurrentDevice() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// SetCurrentDevice implements device.Provider.
func (p *Provider) SetCurrentDevice(id int) {
	if id < 0 || id >= p.numDevices {
		exceptions.Panicf("hostdev: SetCurrentDevice(%d) out-of-range, provider has %d devices", id, p.numDevices)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = id
}

// ScopedDevice implements device.Provider.
func (p *Provider) ScopedDevice(id int) func() {
	prev := p.CurrentDevice()
	p.SetCurrentDevice(id)
	return func() { p.SetCurrentDevice(prev) }
}

// StreamGreatestPriority implements device.Provider. Lower values mean
// higher priority, mirroring the CUDA convention.
func (p *Provider) StreamGreatestPriority() int { return -1 }

// CreateStream implements device.Provider. The priority is accepted and
// recorded but host streams are all serviced alike.
func (p *Provider) CreateStream(priority int) (device.Stream, error) {
	return newStream(p.CurrentDevice(), priority), nil
}

// CreateEvent implements device.Provider.
func (p *Provider) CreateEvent() (device.Event, error) {
	return newEvent(p.CurrentDevice()), nil
}

// GenerateUniqueID implements device.Provider.
func (p *Provider) GenerateUniqueID() (device.UniqueID, error) {
	return device.NewUniqueID()
}

// CommInitRank implements device.Provider. Registration is non-blocking:
// ranks rendezvous lazily at the first collective call, so a single thread
// may initialize several ranks of one clique back to back.
func (p *Provider) CommInitRank(id device.UniqueID, numRanks, rank int) (device.Comm, error) {
	if rank < 0 || rank >= numRanks {
		return nil, errors.Errorf("hostdev: CommInitRank rank %d out-of-range for %d ranks", rank, numRanks)
	}
	clique, err := p.fabric.join(id, numRanks, rank)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("hostdev: rank %d/%d joined clique %s", rank, numRanks, device.UniqueIDToString(id))
	return &comm{clique: clique, rank: rank, device: p.CurrentDevice()}, nil
}

// GroupStart implements device.Provider.
func (p *Provider) GroupStart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groupDepth++
}

// GroupEnd implements device.Provider.
func (p *Provider) GroupEnd() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.groupDepth == 0 {
		exceptions.Panicf("hostdev: GroupEnd without a matching GroupStart")
	}
	p.groupDepth--
}
