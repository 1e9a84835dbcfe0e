package hostdev

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/deepflow/device"
	"github.com/gomlx/deepflow/types/xsync"
	"github.com/gomlx/exceptions"
)

// stream is a FIFO work queue drained by one goroutine. Enqueue never
// blocks; the queue grows as needed.
type stream struct {
	device   int
	priority int

	mu     sync.Mutex
	cond   sync.Cond // Signaled whenever queue grows or the stream closes.
	queue  []func()
	closed bool
	done   *xsync.Latch
}

var _ device.Stream = (*stream)(nil)

func newStream(deviceID, priority int) *stream {
	s := &stream{
		device:   deviceID,
		priority: priority,
		done:     xsync.NewLatch(),
	}
	s.cond = sync.Cond{L: &s.mu}
	go s.drain()
	return s
}

func (s *stream) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			s.done.Trigger()
			return
		}
		work := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		work()
	}
}

// enqueue adds work to the tail of the stream.
func (s *stream) enqueue(work func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		exceptions.Panicf("hostdev: work enqueued on a destroyed stream")
	}
	s.queue = append(s.queue, work)
	s.cond.Signal()
}

// Synchronize implements device.Stream.
func (s *stream) Synchronize() {
	barrier := xsync.NewLatch()
	s.enqueue(barrier.Trigger)
	barrier.Wait()
}

// Destroy implements device.Stream. Pending work is drained before the
// queue goroutine exits.
func (s *stream) Destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	s.done.Wait()
}

// event completes when the work enqueued before its Record call has drained.
type event struct {
	device   int
	recorded atomic.Bool
	fired    atomic.Bool
}

var _ device.Event = (*event)(nil)

func newEvent(deviceID int) *event {
	return &event{device: deviceID}
}

// Record implements device.Event. Recording again re-arms the event for the
// new stream position.
func (e *event) Record(target device.Stream) {
	s, ok := target.(*stream)
	if !ok {
		exceptions.Panicf("hostdev: event recorded on a stream from another provider (%T)", target)
	}
	e.recorded.Store(true)
	e.fired.Store(false)
	s.enqueue(func() { e.fired.Store(true) })
}

// Query implements device.Event. An event never recorded reports complete.
func (e *event) Query() device.EventStatus {
	if !e.recorded.Load() || e.fired.Load() {
		return device.EventComplete
	}
	return device.EventNotReady
}

// Destroy implements device.Event.
func (e *event) Destroy() {}
