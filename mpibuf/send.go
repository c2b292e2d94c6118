package mpibuf

import (
	"kspec/comm"
)

type sentBuffer struct {
	req      comm.Request
	buf      []byte
	dest     int
	tag      int
	size     int
	delivery int64
	polls    int
}

// SendBuffer is the sending half of a point to point channel owned by one
// thread. Messages are batched per destination rank and sent with one
// non-blocking send per batch.
type SendBuffer struct {
	bufferBase
	thread  int
	bufs    [][]byte
	offsets []int
	sent    []*sentBuffer
}

// NewSendBuffer creates the send buffer used by thread. opts.NumThreads is the
// number of threads of the rank and only sizes the buffers.
func NewSendBuffer(world comm.Communicator, msgSize int, opts Options, thread int) *SendBuffer {
	s := &SendBuffer{thread: thread}
	s.init(world, msgSize, nil, opts, "send")
	checkThread(thread, s.numThreads)
	s.bufs = make([][]byte, s.worldSize)
	s.offsets = make([]int, s.worldSize)
	return s
}

func (s *SendBuffer) buffer(dest int) []byte {
	if s.bufs[dest] == nil {
		s.bufs[dest] = s.pool.Acquire(s.thread)
		s.offsets[dest] = 0
	}
	return s.bufs[dest]
}

// BufferMessage reserves the next message slot for dest and returns it for
// the caller to fill. A full batch for dest is flushed first.
func (s *SendBuffer) BufferMessage(dest, tag, trailing int) []byte {
	need := s.msgSize + trailing
	if need > s.bufSize {
		panic("[SendBuffer.BufferMessage] message larger than the batching buffer")
	}
	s.FlushIfFull(dest, tag, trailing)
	buf := s.buffer(dest)
	off := s.offsets[dest]
	s.offsets[dest] += need
	s.newMessage()
	return buf[off : off+need]
}

// CopyMessage buffers a copy of msg
func (s *SendBuffer) CopyMessage(dest, tag int, msg []byte) {
	copy(s.BufferMessage(dest, tag, len(msg)-s.msgSize), msg)
}

func (s *SendBuffer) ReceiveAllIncomingMessages(untilFlushed bool) int64 {
	return s.receiveAll(untilFlushed)
}

// FlushIfFull sends dest's batch when the next message would cross the soft limit
func (s *SendBuffer) FlushIfFull(dest, tag, trailing int) int64 {
	var messages int64
	for s.offsets[dest] != 0 && s.offsets[dest]+s.msgSize+trailing >= s.softMaxBufSize {
		messages += s.FlushMessageBuffer(dest, tag, false)
	}
	return messages
}

// FlushMessageBuffer sends dest's batch. With sendZero it first drains
// everything in flight and then sends the zero length sentinel.
func (s *SendBuffer) FlushMessageBuffer(dest, tag int, sendZero bool) int64 {
	var messages int64
	messages += s.checkSentBuffers(sendZero)

	var iterations int64
	for newMessages := int64(0); sendZero && (s.offsets[dest] > 0 || newMessages != 0); {
		iterations++
		s.waitAndWarn(iterations, "SendBuffer.FlushMessageBuffer", "dest", dest, "tag", tag)
		newMessages = s.FlushMessageBuffer(dest, tag, false)
		newMessages += s.checkSentBuffers(true)
		messages += newMessages
	}

	if s.offsets[dest] > 0 || sendZero {
		size := s.offsets[dest]
		buf := s.buffer(dest)
		s.bufs[dest] = nil
		s.offsets[dest] = 0
		sent := &sentBuffer{buf: buf, dest: dest, tag: tag, size: size, delivery: s.newDelivery()}
		s.log.Trace("[SendBuffer.FlushMessageBuffer] sending", "dest", dest, "tag", tag, "size", size)
		sent.req = s.world.Isend(dest, tag, buf[:size])
		s.sent = append(s.sent, sent)
		messages++
	}

	// backpressure: do not let the sent queue grow past the soft limit
	iterations = 0
	for newMessages := int64(0); newMessages == 0 && len(s.sent) >= s.opts.QueueSoftLimit*s.worldSize; {
		iterations++
		s.waitAndWarn(iterations, "SendBuffer.FlushMessageBuffer", "queued", len(s.sent))
		newMessages = s.checkSentBuffers(true)
		messages += newMessages
	}
	return messages
}

// checkSent reports whether a sent batch completed, retrying it when it
// looks stuck.
func (s *SendBuffer) checkSent(sent *sentBuffer) bool {
	st, ok := sent.req.Test()
	if !ok && s.opts.RetryMessages {
		sent.polls++
		if sent.polls > s.opts.RetryThreshold && sent.req.Cancel() {
			sent.req = s.world.Isend(sent.dest, sent.tag, sent.buf[:sent.size])
			sent.polls = 0
			s.retried()
			s.log.Warn("[SendBuffer] cancelled and retried pending message", "dest", sent.dest,
				"tag", sent.tag, "size", sent.size, "delivery", sent.delivery)
			st, ok = sent.req.Test()
		}
	}
	if !ok {
		return false
	}
	if st.Err != nil {
		s.log.Warn("[SendBuffer] send failed", "dest", sent.dest, "tag", sent.tag, "size", sent.size, "err", st.Err)
	}
	s.pool.Release(s.thread, sent.buf)
	return true
}

func (s *SendBuffer) checkSentBuffers(wait bool) int64 {
	var messages int64
	for iterations := int64(0); wait || iterations == 0; iterations++ {
		messages += s.receiveAll(wait)
		pending := s.sent[:0]
		for _, sent := range s.sent {
			if !s.checkSent(sent) {
				pending = append(pending, sent)
			}
		}
		for i := len(pending); i < len(s.sent); i++ {
			s.sent[i] = nil
		}
		s.sent = pending
		if wait {
			wait = len(s.sent) > 0
			if wait {
				s.waitAndWarn(iterations+1, "SendBuffer.checkSentBuffers", "pending", len(s.sent))
			}
		}
	}
	return messages
}

// FlushAllMessageBuffers flushes every destination's batch for tag
func (s *SendBuffer) FlushAllMessageBuffers(tag int) int64 {
	return s.flushAllMessageBuffers(tag, false)
}

func (s *SendBuffer) flushAllMessageBuffers(tag int, sendZero bool) int64 {
	var messages int64
	for dest := 0; dest < s.worldSize; dest++ {
		messages += s.FlushMessageBuffer(dest, tag, sendZero)
	}
	messages += s.flushAll()
	return messages
}

// FlushAllMessagesUntilEmpty flushes and waits until no batch is staged or in flight
func (s *SendBuffer) FlushAllMessagesUntilEmpty(tag int) {
	var iterations int64
	for messages := int64(0); iterations == 0 || messages != 0; {
		iterations++
		if iterations > 1 {
			s.waitAndWarn(iterations, "SendBuffer.FlushAllMessagesUntilEmpty", "tag", tag)
		}
		messages = s.FlushAllMessageBuffers(tag)
		messages += s.checkSentBuffers(true)
	}
}

// Finalize drains the buffer, sends the sentinel to every rank and drains
// again so the sentinels themselves are delivered.
func (s *SendBuffer) Finalize(tag int) {
	s.log.Trace("[SendBuffer.Finalize] entering", "tag", tag)
	s.FlushAllMessagesUntilEmpty(tag)
	s.ReceiveAllIncomingMessages(true)
	s.flushAllMessageBuffers(tag, true)
	s.FlushAllMessagesUntilEmpty(tag)
	s.syncPoint()
}

// ProcessPending polls outstanding sends and chained receivers once
func (s *SendBuffer) ProcessPending() int64 {
	return s.checkSentBuffers(false)
}

// Close releases staged buffers and logs the buffer statistics
func (s *SendBuffer) Close() {
	if len(s.sent) > 0 {
		s.log.Warn("[SendBuffer.Close] closing with sends in flight", "pending", len(s.sent))
	}
	for dest, buf := range s.bufs {
		if buf != nil {
			s.pool.Release(s.thread, buf)
			s.bufs[dest] = nil
		}
	}
	s.logStats()
}
