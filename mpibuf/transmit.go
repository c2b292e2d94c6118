package mpibuf

import (
	"encoding/binary"
	"sync/atomic"

	"kspec/comm"
)

// dataSizeLen is the length prefix of every rank region
const dataSizeLen = 4

// TransmitBuffer is one slot of the all to all ring. It holds one region per
// rank; a region is a little endian int32 payload size followed by the
// headers and messages of every (source thread, destination thread) pair.
//
// Ownership: sizes, jumps and buildSize are written by the staging threads
// inside the AllToAll critical section, everything else by thread 0 between
// barriers.
type TransmitBuffer struct {
	numThreads int
	worldSize  int
	numTags    int
	regionSize int

	xmit         []byte
	sizes        []int
	offsets      []int
	jumps        []int
	buildSize    int
	readyThreads atomic.Int32
	incoming     bool
}

func newTransmitBuffer(numThreads, worldSize, numTags, bufSize int) *TransmitBuffer {
	t := &TransmitBuffer{
		numThreads: numThreads,
		worldSize:  worldSize,
		numTags:    numTags,
		regionSize: dataSizeLen + numThreads*(numThreads*numTags)*(HeaderSize+bufSize),
		sizes:      make([]int, worldSize),
		offsets:    make([]int, worldSize),
		jumps:      make([]int, numThreads*worldSize*numThreads*numTags),
	}
	t.xmit = make([]byte, worldSize*t.regionSize)
	for r := range t.offsets {
		t.offsets[r] = r * t.regionSize
	}
	t.prepOut()
	return t
}

func (t *TransmitBuffer) jump(rankDest, threadDest, thread int) int {
	return thread*t.worldSize*t.numThreads*t.numTags + rankDest*t.numThreads*t.numTags + threadDest
}

// region returns the payload of rank's region, after its size prefix
func (t *TransmitBuffer) region(rank int) []byte {
	start := t.offsets[rank] + dataSizeLen
	return t.xmit[start : t.offsets[rank]+t.regionSize]
}

func (t *TransmitBuffer) dataSize(rank int) int {
	return int(int32(binary.LittleEndian.Uint32(t.xmit[t.offsets[rank]:])))
}

func (t *TransmitBuffer) setDataSize(rank, n int) {
	binary.LittleEndian.PutUint32(t.xmit[t.offsets[rank]:], uint32(int32(n)))
}

func (t *TransmitBuffer) IsIncoming() bool { return t.incoming }

func (t *TransmitBuffer) IsReady() bool { return int(t.readyThreads.Load()) == t.numThreads }

func (t *TransmitBuffer) BuildSize() int { return t.buildSize }

func (t *TransmitBuffer) setReady() { t.readyThreads.Add(1) }

func (t *TransmitBuffer) setAllReady() { t.readyThreads.Store(int32(t.numThreads)) }

// prepOut readies the slot to be staged into
func (t *TransmitBuffer) prepOut() {
	for r := range t.sizes {
		t.sizes[r] = 0
	}
	t.buildSize = 0
	t.readyThreads.Store(0)
	t.incoming = false
}

// prepIn readies the slot to receive the next exchange
func (t *TransmitBuffer) prepIn() {
	for r := range t.sizes {
		t.sizes[r] = t.regionSize
	}
	t.buildSize = 0
	t.readyThreads.Store(0)
	t.incoming = true
}

// reserve places the build buffer of (thread -> rankDest, threadDest) at the
// end of rankDest's region. Callers must hold the staging lock.
func (t *TransmitBuffer) reserve(rankDest, threadDest, thread, size int) {
	t.jumps[t.jump(rankDest, threadDest, thread)] = t.sizes[rankDest]
	t.buildSize += size
	t.sizes[rankDest] += size + HeaderSize
}

func (t *TransmitBuffer) jumpBuffer(rankDest, threadDest, thread int) []byte {
	return t.region(rankDest)[t.jumps[t.jump(rankDest, threadDest, thread)]:]
}

// setTransmitSizes writes the region size prefixes. A finalized empty round
// sends only the prefix, which the peers count as a checkpoint.
func (t *TransmitBuffer) setTransmitSizes(finalized bool) {
	if finalized && t.buildSize == 0 {
		for r := range t.sizes {
			t.setDataSize(r, 0)
			t.sizes[r] = dataSizeLen
		}
		return
	}
	for r := range t.sizes {
		t.setDataSize(r, t.sizes[r])
		t.sizes[r] += dataSizeLen
	}
}

// exchange sends out to every rank and receives into in
func exchange(world comm.Communicator, out, in *TransmitBuffer) error {
	if !out.IsReady() {
		panic("[exchange] out slot is still being staged")
	}
	if err := world.Alltoallv(out.xmit, out.sizes, out.offsets, in.xmit, in.sizes, in.offsets); err != nil {
		return err
	}
	in.buildSize = out.buildSize
	out.prepOut()
	return nil
}
