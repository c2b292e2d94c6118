package mpibuf

import (
	"sync"
	"sync/atomic"
	"time"

	"kspec/comm"
)

const numTransmitBuffers = 4

type buildBuffer struct {
	buf    []byte
	header MessageHeader
}

// AllToAll batches messages from every thread of a rank and exchanges them
// with all ranks in collective rounds. Messages are addressed to
// (rank, threadTag) where threadTag is in [0, numThreads*numTags); the
// receiving thread is threadTag % numThreads.
//
// Every thread must call SendReceive the same number of times, which
// BufferMessage and Finalize take care of. Processors run inside the rounds
// and must not buffer new messages on the same AllToAll.
type AllToAll struct {
	bufferBase
	numTags int

	ring    [numTransmitBuffers]*TransmitBuffer
	current int
	builds  [][][]buildBuffer // [thread][rankDest][threadTag]
	staging sync.Mutex
	barrier *Barrier

	threadsSending atomic.Int32
	finalizing     atomic.Int32
	// written by the last thread leaving the processing phase, read after barrier 2
	roundFinalized bool
	roundDone      bool
}

func NewAllToAll(world comm.Communicator, msgSize, numThreads, numTags int, proc Processor, opts Options) *AllToAll {
	if numTags <= 0 {
		numTags = 1
	}
	opts.NumThreads = numThreads
	a := &AllToAll{numTags: numTags}
	a.init(world, msgSize, proc, opts, "alltoall")
	a.barrier = NewBarrier(a.numThreads)
	for i := range a.ring {
		a.ring[i] = newTransmitBuffer(a.numThreads, a.worldSize, numTags, a.bufSize)
	}
	a.builds = make([][][]buildBuffer, a.numThreads)
	for t := range a.builds {
		a.builds[t] = make([][]buildBuffer, a.worldSize)
		for r := range a.builds[t] {
			a.builds[t][r] = make([]buildBuffer, a.numThreads*numTags)
			for td := range a.builds[t][r] {
				bb := &a.builds[t][r][td]
				bb.header.Reset(t, td)
				bb.buf = a.pool.Acquire(t)
			}
		}
	}
	return a
}

func (a *AllToAll) NumTags() int { return a.numTags }

// isReadyToSend reports whether a thread must join a round before appending
// need more bytes to a build buffer holding offset bytes.
func (a *AllToAll) isReadyToSend(offset, need int) bool {
	if offset > 0 && offset+need > a.bufSize {
		return true
	}
	return offset >= a.softMaxBufSize &&
		(int(a.threadsSending.Load()) >= a.softNumThreads || offset+need >= a.bufSize)
}

// BufferMessage reserves the next message slot of msgSize+trailing bytes for
// (dest, threadTag) and returns it for the caller to fill.
func (a *AllToAll) BufferMessage(thread, dest, threadTag, trailing int) []byte {
	need := a.msgSize + trailing
	if need > a.bufSize {
		panic("[AllToAll.BufferMessage] message larger than the batching buffer")
	}
	bb := &a.builds[thread][dest][threadTag]
	for a.isReadyToSend(bb.header.Offset(), need) {
		a.SendReceive(thread, false)
	}
	off := bb.header.Offset()
	bb.header.Append(need)
	a.newMessage()
	return bb.buf[off : off+need]
}

// CopyMessage buffers a copy of msg
func (a *AllToAll) CopyMessage(thread, dest, threadTag int, msg []byte) {
	copy(a.BufferMessage(thread, dest, threadTag, len(msg)-a.msgSize), msg)
}

// SendReceive runs one exchange round. It returns the number of messages this
// thread processed and whether the round found every rank finished, in which
// case no exchange was made.
func (a *AllToAll) SendReceive(thread int, isFinalized bool) (int64, bool) {
	if isFinalized {
		a.syncAttempt()
		a.finalizing.Add(1)
	}
	last := a.ring[a.current%numTransmitBuffers]
	in := a.ring[(a.current+1)%numTransmitBuffers]
	last2 := a.ring[(a.current+2)%numTransmitBuffers]
	out := a.ring[(a.current+3)%numTransmitBuffers]
	if in.IsIncoming() || out.IsIncoming() {
		panic("[AllToAll.SendReceive] ring slots out of order")
	}

	a.threadsSending.Add(1)
	a.stage(thread, out)
	if thread == 0 {
		a.ResetCheckpoints()
	}

	wait := time.Now()
	a.barrier.Wait()
	a.addThreadWait(time.Since(wait))
	if last.IsIncoming() && !last.IsReady() {
		panic("[AllToAll.SendReceive] processing a slot that was never delivered")
	}

	if thread == 0 {
		a.current++
		in.prepIn()
		last2.prepOut()
	}

	var received int64
	if last.IsIncoming() {
		received = a.process(thread, last)
	}

	if a.threadsSending.Add(-1) == 0 {
		last.prepOut()
		a.roundFinalized = a.finalizing.Swap(0) == int32(a.numThreads)
		a.roundDone = a.roundFinalized && out.BuildSize() == 0 && a.ReachedCheckpoint(a.numThreads)
	}

	wait = time.Now()
	a.barrier.Wait()
	a.addThreadWait(time.Since(wait))
	done := a.roundDone

	if thread == 0 {
		if done {
			in.prepOut()
			return received, true
		}
		out.setTransmitSizes(a.roundFinalized)
		start := time.Now()
		if err := exchange(a.world, out, in); err != nil {
			a.log.Crit("[AllToAll.SendReceive] exchange failed", "err", err)
			panic(err)
		}
		in.setAllReady()
		a.addTransit(time.Since(start))
		d := a.newDelivery()
		a.log.Trace("[AllToAll.SendReceive] round delivered", "delivery", d, "bytes", in.BuildSize())
	}
	return received, done
}

// stage copies the thread's build buffers into out and empties them
func (a *AllToAll) stage(thread int, out *TransmitBuffer) {
	builds := a.builds[thread]
	wait := time.Now()
	a.staging.Lock()
	a.addThreadWait(time.Since(wait))
	for r := range builds {
		for td := range builds[r] {
			bb := &builds[r][td]
			if !bb.header.Validate() {
				panic("[AllToAll.stage] corrupt build header " + bb.header.String())
			}
			out.reserve(r, td, thread, bb.header.Offset())
		}
	}
	a.staging.Unlock()

	for r := range builds {
		for td := range builds[r] {
			bb := &builds[r][td]
			dst := out.jumpBuffer(r, td, thread)
			bb.header.Put(dst)
			copy(dst[HeaderSize:], bb.buf[:bb.header.Offset()])
			bb.header.ResetOffset()
		}
	}
	out.setReady()
}

// process walks every region of in and handles the headers addressed to thread
func (a *AllToAll) process(thread int, in *TransmitBuffer) int64 {
	var received int64
	for src := 0; src < a.worldSize; src++ {
		size := in.dataSize(src)
		if size < 0 || size > in.regionSize-dataSizeLen {
			panic("[AllToAll.process] impossible region size")
		}
		if size == 0 {
			a.checkpoint()
			continue
		}
		region := in.region(src)[:size]
		for pos := 0; pos < size; {
			if pos+HeaderSize > size {
				panic("[AllToAll.process] header runs past the end of the region")
			}
			h := ReadMessageHeader(region[pos:])
			if !h.Validate() || pos+HeaderSize+h.Offset() > size {
				a.log.Crit("[AllToAll.process] corrupt header", "source", src, "pos", pos, "header", h.String())
				panic("[AllToAll.process] corrupt message header")
			}
			if h.Tag()%a.numThreads == thread && h.Offset() > 0 {
				pkg := MessagePackage{
					Buffer: region[pos+HeaderSize : pos+HeaderSize+h.Offset()],
					Source: src,
					Tag:    h.Tag(),
					Thread: thread,
				}
				received += a.processMessagePackage(&pkg)
			}
			pos += HeaderSize + h.Offset()
		}
	}
	return received
}

// Finalize keeps exchanging until every thread of every rank has finalized
// and no data is left anywhere.
func (a *AllToAll) Finalize(thread int) int64 {
	a.log.Trace("[AllToAll.Finalize] entering", "thread", thread)
	var received int64
	for {
		n, done := a.SendReceive(thread, true)
		received += n
		if done {
			break
		}
	}
	if thread == 0 {
		a.syncPoint()
	}
	return received
}

// Close returns the build buffers to the pool and logs the buffer statistics
func (a *AllToAll) Close() {
	for t := range a.builds {
		for r := range a.builds[t] {
			for td := range a.builds[t][r] {
				a.pool.Release(t, a.builds[t][r][td].buf)
				a.builds[t][r][td].buf = nil
			}
		}
	}
	a.logStats()
}
