package hostdev

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/gomlx/deepflow/device"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func toBytes[T any](values []T) []byte {
	var t T
	out := make([]byte, len(values)*int(unsafe.Sizeof(t)))
	copy(bytesAs[T](out, len(values)), values)
	return out
}

func TestProviderBasics(t *testing.T) {
	p, err := New(3, NewFabric())
	require.NoError(t, err)
	assert.Equal(t, 3, p.NumDevices())
	assert.Equal(t, 0, p.CurrentDevice())
	restore := p.ScopedDevice(2)
	assert.Equal(t, 2, p.CurrentDevice())
	restore()
	assert.Equal(t, 0, p.CurrentDevice())
	require.Panics(t, func() { p.SetCurrentDevice(3) })

	_, err = New(0, nil)
	require.Error(t, err)
}

func TestStreamFIFOAndSynchronize(t *testing.T) {
	p, err := New(1, NewFabric())
	require.NoError(t, err)
	s, err := p.CreateStream(p.StreamGreatestPriority())
	require.NoError(t, err)
	defer s.Destroy()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		s.(*stream).enqueue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	s.Synchronize()
	require.Len(t, order, 100)
	for i, got := range order {
		require.Equal(t, i, got)
	}
}

func TestEventOrdering(t *testing.T) {
	p, err := New(1, NewFabric())
	require.NoError(t, err)
	s, err := p.CreateStream(0)
	require.NoError(t, err)
	defer s.Destroy()
	e, err := p.CreateEvent()
	require.NoError(t, err)
	defer e.Destroy()

	// Unrecorded events poll complete.
	assert.Equal(t, device.EventComplete, e.Query())

	release := make(chan struct{})
	s.(*stream).enqueue(func() { <-release })
	e.Record(s)
	assert.Equal(t, device.EventNotReady, e.Query())
	close(release)
	s.Synchronize()
	assert.Equal(t, device.EventComplete, e.Query())
}

// runClique creates one comm and stream per rank on the given providers
// (ranks map to providers round-robin) and runs fn for each rank, returning
// after all streams drained.
func runClique(t *testing.T, providers []*Provider, numRanks int,
	fn func(rank int, comm device.Comm, stream device.Stream)) {
	id, err := providers[0].GenerateUniqueID()
	require.NoError(t, err)
	comms := make([]device.Comm, numRanks)
	streams := make([]device.Stream, numRanks)
	for rank := 0; rank < numRanks; rank++ {
		p := providers[rank%len(providers)]
		p.GroupStart()
		comms[rank], err = p.CommInitRank(id, numRanks, rank)
		require.NoError(t, err)
		p.GroupEnd()
		streams[rank], err = p.CreateStream(0)
		require.NoError(t, err)
	}
	for rank := 0; rank < numRanks; rank++ {
		fn(rank, comms[rank], streams[rank])
	}
	for rank := 0; rank < numRanks; rank++ {
		streams[rank].Synchronize()
		streams[rank].Destroy()
		comms[rank].Destroy()
	}
}

func TestAllReduceFloat32(t *testing.T) {
	p, err := New(2, NewFabric())
	require.NoError(t, err)
	const numRanks = 2
	sends := [][]float32{{1, 2, 3, 4}, {10, 20, 30, 40}}
	recvs := make([][]byte, numRanks)
	runClique(t, []*Provider{p}, numRanks, func(rank int, comm device.Comm, stream device.Stream) {
		recvs[rank] = make([]byte, 4*4)
		comm.AllReduce(toBytes(sends[rank]), recvs[rank], 4, dtypes.Float32, device.ReduceSum, stream)
	})
	for rank := 0; rank < numRanks; rank++ {
		assert.Equal(t, []float32{11, 22, 33, 44}, bytesAs[float32](recvs[rank], 4))
	}
}

func TestAllReduceAcrossProviders(t *testing.T) {
	// Two providers sharing one fabric emulate two machines.
	fabric := NewFabric()
	p0, err := New(1, fabric)
	require.NoError(t, err)
	p1, err := New(1, fabric)
	require.NoError(t, err)
	sends := [][]int64{{5, -1}, {7, 3}}
	recvs := make([][]byte, 2)
	runClique(t, []*Provider{p0, p1}, 2, func(rank int, comm device.Comm, stream device.Stream) {
		recvs[rank] = make([]byte, 2*8)
		comm.AllReduce(toBytes(sends[rank]), recvs[rank], 2, dtypes.Int64, device.ReduceMax, stream)
	})
	for rank := 0; rank < 2; rank++ {
		assert.Equal(t, []int64{7, 3}, bytesAs[int64](recvs[rank], 2))
	}
}

func TestAllGather(t *testing.T) {
	p, err := New(1, NewFabric())
	require.NoError(t, err)
	sends := [][]int32{{1, 2}, {3, 4}, {5, 6}}
	recvs := make([][]byte, 3)
	runClique(t, []*Provider{p}, 3, func(rank int, comm device.Comm, stream device.Stream) {
		recvs[rank] = make([]byte, 3*2*4)
		comm.AllGather(toBytes(sends[rank]), recvs[rank], 2, dtypes.Int32, stream)
	})
	for rank := 0; rank < 3; rank++ {
		assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, bytesAs[int32](recvs[rank], 6))
	}
}

func TestReduceScatter(t *testing.T) {
	p, err := New(1, NewFabric())
	require.NoError(t, err)
	sends := [][]float64{{1, 2, 3, 4}, {10, 20, 30, 40}}
	recvs := make([][]byte, 2)
	runClique(t, []*Provider{p}, 2, func(rank int, comm device.Comm, stream device.Stream) {
		recvs[rank] = make([]byte, 2*8)
		comm.ReduceScatter(toBytes(sends[rank]), recvs[rank], 2, dtypes.Float64, device.ReduceSum, stream)
	})
	assert.Equal(t, []float64{11, 22}, bytesAs[float64](recvs[0], 2))
	assert.Equal(t, []float64{33, 44}, bytesAs[float64](recvs[1], 2))
}

func TestReduceAndBroadcast(t *testing.T) {
	p, err := New(1, NewFabric())
	require.NoError(t, err)
	sends := [][]float32{{2, 3}, {4, 5}}
	recvs := make([][]byte, 2)
	runClique(t, []*Provider{p}, 2, func(rank int, comm device.Comm, stream device.Stream) {
		recvs[rank] = make([]byte, 2*4)
		comm.Reduce(toBytes(sends[rank]), recvs[rank], 2, dtypes.Float32, device.ReduceProd, 1, stream)
	})
	assert.Equal(t, []float32{8, 15}, bytesAs[float32](recvs[1], 2))

	bcast := make([][]byte, 2)
	runClique(t, []*Provider{p}, 2, func(rank int, comm device.Comm, stream device.Stream) {
		bcast[rank] = make([]byte, 2*4)
		var send []byte
		if rank == 0 {
			send = toBytes([]float32{42, 43})
		}
		comm.Broadcast(send, bcast[rank], 2, dtypes.Float32, 0, stream)
	})
	for rank := 0; rank < 2; rank++ {
		assert.Equal(t, []float32{42, 43}, bytesAs[float32](bcast[rank], 2))
	}
}

func TestAllReduceFloat16(t *testing.T) {
	p, err := New(1, NewFabric())
	require.NoError(t, err)
	h := func(values ...float32) []byte {
		out := make([]byte, 2*len(values))
		bits := bytesAs[uint16](out, len(values))
		for i, v := range values {
			bits[i] = float16.Fromfloat32(v).Bits()
		}
		return out
	}
	sends := [][]byte{h(1.5, -2), h(0.5, 8)}
	recvs := make([][]byte, 2)
	runClique(t, []*Provider{p}, 2, func(rank int, comm device.Comm, stream device.Stream) {
		recvs[rank] = make([]byte, 2*2)
		comm.AllReduce(sends[rank], recvs[rank], 2, dtypes.Float16, device.ReduceSum, stream)
	})
	for rank := 0; rank < 2; rank++ {
		bits := bytesAs[uint16](recvs[rank], 2)
		assert.InDelta(t, 2.0, float16.Frombits(bits[0]).Float32(), 1e-3)
		assert.InDelta(t, 6.0, float16.Frombits(bits[1]).Float32(), 1e-3)
	}
}

func TestCliqueMismatches(t *testing.T) {
	fabric := NewFabric()
	p, err := New(1, fabric)
	require.NoError(t, err)
	id, err := p.GenerateUniqueID()
	require.NoError(t, err)
	_, err = p.CommInitRank(id, 2, 0)
	require.NoError(t, err)
	_, err = p.CommInitRank(id, 3, 1) // Wrong clique size.
	require.Error(t, err)
	_, err = p.CommInitRank(id, 2, 0) // Duplicate rank.
	require.Error(t, err)
	_, err = p.CommInitRank(id, 2, 2) // Rank out of range.
	require.Error(t, err)
}
