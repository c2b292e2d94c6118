package mpibuf

import (
	"context"

	"github.com/pkg/errors"

	"kspec/comm"
)

type queuedPackage struct {
	pkg MessagePackage
	buf []byte
}

// RecvBuffer is the receiving half of a point to point channel owned by one
// thread. It keeps one receive posted per source rank for its tag.
type RecvBuffer struct {
	bufferBase
	thread     int
	tag        int
	bufs       [][]byte
	reqs       []comm.Request
	attempts   []int
	queue      []queuedPackage
	processing bool
}

func NewRecvBuffer(world comm.Communicator, msgSize, tag int, proc Processor, opts Options, thread int) *RecvBuffer {
	r := &RecvBuffer{thread: thread, tag: tag}
	r.init(world, msgSize, proc, opts, "recv")
	checkThread(thread, r.numThreads)
	r.bufs = make([][]byte, r.worldSize)
	r.reqs = make([]comm.Request, r.worldSize)
	r.attempts = make([]int, r.worldSize)
	for src := range r.reqs {
		r.reqs[src] = r.irecv(src)
	}
	return r
}

func checkThread(thread, numThreads int) {
	if thread < 0 || thread >= numThreads {
		panic(errors.Errorf("[mpibuf] thread %d out of range [0,%d)", thread, numThreads))
	}
}

func (r *RecvBuffer) Tag() int { return r.tag }

func (r *RecvBuffer) buffer(src int) []byte {
	if r.bufs[src] == nil {
		r.bufs[src] = r.pool.Acquire(r.thread)
	}
	return r.bufs[src]
}

func (r *RecvBuffer) irecv(src int) comm.Request {
	r.attempts[src] = 0
	return r.world.Irecv(src, r.tag, r.buffer(src))
}

// ReceiveIncomingMessage polls the receive posted for src, queues a completed
// package, reposts the receive and processes the queue.
func (r *RecvBuffer) ReceiveIncomingMessage(src int) bool {
	received := false
	req := r.reqs[src]
	if req == nil {
		r.log.Warn("[RecvBuffer] detected non-pending request", "tag", r.tag, "source", src)
		req = r.irecv(src)
		r.reqs[src] = req
	}
	r.attempts[src]++
	st, ok := req.Test()
	if !ok && r.opts.RetryMessages && r.attempts[src] > r.opts.RetryThreshold {
		r.log.Warn("[RecvBuffer] cancelling pending request that looks stuck", "tag", r.tag, "source", src)
		if req.Cancel() {
			st, ok = req.Test()
			if st.Cancelled {
				req = r.irecv(src)
				r.reqs[src] = req
				r.retried()
				st, ok = req.Test()
			}
		} else {
			st, ok = req.Test()
		}
	}
	if ok {
		received = r.queueMessage(st, src)
		r.reqs[src] = r.irecv(src)
	}
	r.processQueue()
	return received
}

// ReceiveAllIncomingMessages drains chained receivers and polls every source,
// repeating while messages keep arriving when untilFlushed is set.
func (r *RecvBuffer) ReceiveAllIncomingMessages(untilFlushed bool) int64 {
	messages := r.receiveAll(untilFlushed)
	for mayHavePending := true; mayHavePending; {
		mayHavePending = false
		for src := 0; src < r.worldSize; src++ {
			if r.ReceiveIncomingMessage(src) {
				messages++
				mayHavePending = true
			}
		}
		mayHavePending = mayHavePending && untilFlushed
	}
	return messages
}

func (r *RecvBuffer) queueMessage(st comm.Status, src int) bool {
	if st.Cancelled {
		r.log.Warn("[RecvBuffer] request was cancelled", "tag", r.tag, "source", src)
		return false
	}
	if st.Err == comm.ErrTruncated {
		panic(errors.Errorf("[RecvBuffer] batch from rank %d larger than %d bytes", src, r.bufSize))
	}
	if st.Err != nil {
		r.log.Warn("[RecvBuffer] receive failed", "tag", r.tag, "source", src, "err", st.Err)
		return false
	}
	if st.Source != src || st.Tag != r.tag {
		panic(errors.Errorf("[RecvBuffer] got (%d,%d) on the request for (%d,%d)", st.Source, st.Tag, src, r.tag))
	}
	buf := r.bufs[src]
	r.bufs[src] = nil
	r.queue = append(r.queue, queuedPackage{
		pkg: MessagePackage{Buffer: buf[:st.Count], Source: src, Tag: r.tag, Thread: r.thread},
		buf: buf,
	})
	d := r.newDelivery()
	r.log.Trace("[RecvBuffer] received delivery", "tag", r.tag, "source", src, "size", st.Count,
		"delivery", d, "attempts", r.attempts[src])
	return true
}

// processQueue handles queued packages. It is not reentrant so processors may
// buffer new messages that in turn poll this receiver.
func (r *RecvBuffer) processQueue() int64 {
	if r.processing {
		return 0
	}
	r.processing = true
	defer func() { r.processing = false }()
	var count int64
	for len(r.queue) > 0 {
		q := r.queue[0]
		r.queue[0] = queuedPackage{}
		r.queue = r.queue[1:]
		if len(q.pkg.Buffer) == 0 {
			r.checkpoint()
		} else {
			r.processMessagePackage(&q.pkg)
		}
		r.pool.Release(r.thread, q.buf)
		count++
	}
	return count
}

func (r *RecvBuffer) finalizeRound(ctx context.Context, checkpointFactor int) (int64, error) {
	var iterations int64
	var messages int64
	for {
		messages = r.processQueue()
		messages += r.ReceiveAllIncomingMessages(true)
		messages += r.flushAll()
		if messages == 0 {
			iterations++
			r.waitAndWarn(iterations, "RecvBuffer.Finalize", "tag", r.tag, "checkpoints", r.NumCheckpoints())
		}
		if r.ReachedCheckpoint(checkpointFactor) {
			return messages, nil
		}
		if err := ctx.Err(); err != nil {
			return messages, err
		}
	}
}

// Finalize processes messages until checkpointFactor sentinels arrived from
// every rank, then resets the checkpoints for the next phase.
func (r *RecvBuffer) Finalize(checkpointFactor int) {
	if err := r.FinalizeContext(context.Background(), checkpointFactor); err != nil {
		panic(err)
	}
}

// FinalizeContext is Finalize bounded by ctx. When ctx ends first the
// checkpoints are kept so a later call can resume.
func (r *RecvBuffer) FinalizeContext(ctx context.Context, checkpointFactor int) error {
	r.log.Trace("[RecvBuffer.Finalize] entering", "tag", r.tag, "checkpoints", r.NumCheckpoints(),
		"target", checkpointFactor*r.worldSize)
	for {
		messages, err := r.finalizeRound(ctx, checkpointFactor)
		if err != nil {
			return errors.Wrapf(err, "[RecvBuffer.Finalize] tag %d reached %d of %d checkpoints",
				r.tag, r.NumCheckpoints(), checkpointFactor*r.worldSize)
		}
		if messages == 0 {
			break
		}
	}
	r.ResetCheckpoints()
	r.syncPoint()
	return nil
}

// CancelAllRequests withdraws the posted receives
func (r *RecvBuffer) CancelAllRequests() {
	for src, req := range r.reqs {
		if req != nil {
			req.Cancel()
			r.reqs[src] = nil
		}
	}
}

// Close withdraws the posted receives and logs the buffer statistics
func (r *RecvBuffer) Close() {
	if len(r.queue) > 0 {
		panic("[RecvBuffer.Close] closing with unprocessed packages")
	}
	r.CancelAllRequests()
	r.logStats()
}
