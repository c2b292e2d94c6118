package mpibuf

import (
	"kspec/comm"
)

// Channel is one thread's end of a point to point exchange between every
// thread of every rank. Thread t receives on tag baseTag+t and owns one
// SendBuffer per destination thread.
type Channel struct {
	thread  int
	baseTag int
	Sends   []*SendBuffer
	Recv    *RecvBuffer
}

// NewChannels builds the channels of all numThreads threads of this rank.
// Channel t must only be used by thread t.
func NewChannels(world comm.Communicator, msgSize, numThreads, baseTag int, proc Processor, opts Options) []*Channel {
	opts.NumThreads = numThreads
	chans := make([]*Channel, numThreads)
	for t := range chans {
		c := &Channel{thread: t, baseTag: baseTag, Sends: make([]*SendBuffer, numThreads)}
		c.Recv = NewRecvBuffer(world, msgSize, baseTag+t, proc, opts, t)
		for td := range c.Sends {
			c.Sends[td] = NewSendBuffer(world, msgSize, opts, t)
			c.Sends[td].AddReceiveAllCallback(c.Recv)
			c.Recv.AddFlushAllCallback(c.Sends[td], baseTag+td)
		}
		chans[t] = c
	}
	return chans
}

func (c *Channel) Thread() int { return c.thread }

// BufferMessage reserves a message for thread destThread of rank dest
func (c *Channel) BufferMessage(dest, destThread, trailing int) []byte {
	return c.Sends[destThread].BufferMessage(dest, c.baseTag+destThread, trailing)
}

func (c *Channel) CopyMessage(dest, destThread int, msg []byte) {
	c.Sends[destThread].CopyMessage(dest, c.baseTag+destThread, msg)
}

// Finalize sends this thread's sentinels and waits for the sentinels of
// every thread of every rank.
func (c *Channel) Finalize() {
	for td, s := range c.Sends {
		s.Finalize(c.baseTag + td)
	}
	c.Recv.Finalize(len(c.Sends))
}

// Stats sums the statistics of the channel's buffers
func (c *Channel) Stats() (send, recv Stats) {
	for _, s := range c.Sends {
		send.Add(s.Stats())
	}
	return send, c.Recv.Stats()
}

func (c *Channel) Close() {
	for _, s := range c.Sends {
		s.Close()
	}
	c.Recv.Close()
}
