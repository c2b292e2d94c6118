package mpibuf

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ledgerwatch/log/v3"

	"kspec/comm"
)

// MessagePackage is one delivered batch of messages
type MessagePackage struct {
	Buffer []byte
	Source int
	Tag    int
	// Thread is the local thread processing the package
	Thread int
}

// Processor consumes one message. msg starts at the message and runs to the
// end of its package. Process returns the number of trailing bytes that
// followed the fixed size part of the message.
type Processor interface {
	Process(msg []byte, pkg *MessagePackage) int
}

type ProcessorFunc func(msg []byte, pkg *MessagePackage) int

func (f ProcessorFunc) Process(msg []byte, pkg *MessagePackage) int { return f(msg, pkg) }

// Receiver is a buffer that can drain its incoming messages
type Receiver interface {
	ReceiveAllIncomingMessages(untilFlushed bool) int64
}

// Flusher is a buffer that can push out everything staged for a tag
type Flusher interface {
	FlushAllMessageBuffers(tag int) int64
}

type flushCallback struct {
	f   Flusher
	tag int
}

// Stats are the counters every buffer keeps
type Stats struct {
	Deliveries   int64
	Messages     int64
	SyncPoints   int64
	SyncAttempts int64
	// Retries counts requests cancelled and reissued because they looked stuck
	Retries    int64
	Transit    time.Duration
	ThreadWait time.Duration
	Elapsed    time.Duration
}

// Add sums o into s. Elapsed keeps the longest of the two.
func (s *Stats) Add(o Stats) {
	s.Deliveries += o.Deliveries
	s.Messages += o.Messages
	s.SyncPoints += o.SyncPoints
	s.SyncAttempts += o.SyncAttempts
	s.Retries += o.Retries
	s.Transit += o.Transit
	s.ThreadWait += o.ThreadWait
	if o.Elapsed > s.Elapsed {
		s.Elapsed = o.Elapsed
	}
}

type bufferBase struct {
	world          comm.Communicator
	opts           Options
	log            log.Logger
	proc           Processor
	pool           *Pool
	msgSize        int
	bufSize        int
	softMaxBufSize int
	numThreads     int
	softNumThreads int
	worldSize      int

	receiveAlls []Receiver
	flushAlls   []flushCallback

	deliveries   atomic.Int64
	messages     atomic.Int64
	syncPoints   atomic.Int64
	syncAttempts atomic.Int64
	retries      atomic.Int64
	transit      atomic.Int64
	threadWait   atomic.Int64
	checkpoints  atomic.Int64
	start        time.Time
}

func (b *bufferBase) init(world comm.Communicator, msgSize int, proc Processor, opts Options, name string) {
	if msgSize <= 0 {
		panic("[mpibuf] message size must be > 0")
	}
	opts = opts.normalize()
	b.world = world
	b.opts = opts
	b.worldSize = world.Size()
	b.numThreads = opts.NumThreads
	b.softNumThreads = b.numThreads * 3 / 4
	if b.softNumThreads < 1 {
		b.softNumThreads = 1
	}
	b.msgSize = msgSize
	b.bufSize = opts.bufferSize(msgSize, b.worldSize)
	b.softMaxBufSize = int(float64(b.bufSize) * opts.SoftRatio)
	if b.softMaxBufSize < msgSize {
		b.softMaxBufSize = msgSize
	}
	b.proc = proc
	b.pool = NewPool(b.numThreads, b.worldSize, b.bufSize, opts.QueueSoftLimit)
	b.log = opts.Logger.New("buffer", name, "rank", world.Rank())
	b.start = time.Now()
}

func (b *bufferBase) MessageSize() int       { return b.msgSize }
func (b *bufferBase) BufferSize() int        { return b.bufSize }
func (b *bufferBase) SoftMaxBufferSize() int { return b.softMaxBufSize }
func (b *bufferBase) NumThreads() int        { return b.numThreads }
func (b *bufferBase) WorldSize() int         { return b.worldSize }

// AddReceiveAllCallback chains r so it is drained whenever this buffer waits
func (b *bufferBase) AddReceiveAllCallback(r Receiver) {
	b.receiveAlls = append(b.receiveAlls, r)
	b.receiveAll(true)
}

// AddFlushAllCallback chains f so its tag is flushed whenever this buffer finalizes
func (b *bufferBase) AddFlushAllCallback(f Flusher, tag int) {
	b.flushAlls = append(b.flushAlls, flushCallback{f, tag})
	b.flushAll()
}

func (b *bufferBase) receiveAll(untilFlushed bool) int64 {
	var count int64
	for _, r := range b.receiveAlls {
		count += r.ReceiveAllIncomingMessages(untilFlushed)
	}
	return count
}

func (b *bufferBase) flushAll() int64 {
	var count int64
	for _, c := range b.flushAlls {
		count += c.f.FlushAllMessageBuffers(c.tag)
	}
	return count
}

func (b *bufferBase) Stats() Stats {
	return Stats{
		Deliveries:   b.deliveries.Load(),
		Messages:     b.messages.Load(),
		SyncPoints:   b.syncPoints.Load(),
		SyncAttempts: b.syncAttempts.Load(),
		Retries:      b.retries.Load(),
		Transit:      time.Duration(b.transit.Load()),
		ThreadWait:   time.Duration(b.threadWait.Load()),
		Elapsed:      time.Since(b.start),
	}
}

func (b *bufferBase) logStats() {
	s := b.Stats()
	b.log.Debug("buffer closed", "deliveries", s.Deliveries, "messages", s.Messages,
		"syncs", s.SyncPoints, "attempts", s.SyncAttempts, "retries", s.Retries, "elapsed", s.Elapsed,
		"transit", s.Transit, "threadWait", s.ThreadWait)
}

func (b *bufferBase) newDelivery() int64            { return b.deliveries.Add(1) }
func (b *bufferBase) newMessage()                   { b.messages.Add(1) }
func (b *bufferBase) syncPoint()                    { b.syncPoints.Add(1) }
func (b *bufferBase) syncAttempt()                  { b.syncAttempts.Add(1) }
func (b *bufferBase) retried()                      { b.retries.Add(1) }
func (b *bufferBase) addTransit(d time.Duration)    { b.transit.Add(int64(d)) }
func (b *bufferBase) addThreadWait(d time.Duration) { b.threadWait.Add(int64(d)) }

func (b *bufferBase) NumCheckpoints() int64 { return b.checkpoints.Load() }

// ReachedCheckpoint reports whether every rank has sent checkpointFactor sentinels
func (b *bufferBase) ReachedCheckpoint(checkpointFactor int) bool {
	n := b.checkpoints.Load()
	target := int64(b.worldSize * checkpointFactor)
	if n > target {
		b.log.Crit("checkpoint overrun", "checkpoints", n, "target", target)
		panic("[ReachedCheckpoint] more sentinels than participants")
	}
	return n == target
}

func (b *bufferBase) ResetCheckpoints() { b.checkpoints.Store(0) }

func (b *bufferBase) checkpoint() {
	n := b.checkpoints.Add(1)
	b.log.Trace("checkpoint received", "checkpoints", n)
}

// processMessagePackage walks every message of pkg through the processor
func (b *bufferBase) processMessagePackage(pkg *MessagePackage) int64 {
	var count int64
	data := pkg.Buffer
	for offset := 0; offset < len(data); {
		if offset+b.msgSize > len(data) {
			panic("[processMessagePackage] message runs past the end of its package")
		}
		trailing := b.proc.Process(data[offset:], pkg)
		offset += b.msgSize + trailing
		b.newMessage()
		count++
	}
	return count
}

// waitAndWarn yields the processor inside polling loops and logs when a loop
// has spun through another WaitWarnIterations passes without finishing.
func (b *bufferBase) waitAndWarn(iterations int64, where string, ctx ...interface{}) {
	if iterations > 0 && iterations%int64(b.opts.WaitWarnIterations) == 0 {
		b.log.Warn("["+where+"] still waiting", append([]interface{}{"iterations", iterations}, ctx...)...)
	}
	runtime.Gosched()
}
