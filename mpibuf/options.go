// Package mpibuf batches fixed size messages between the threads of a world
// of ranks. It provides the point to point SendBuffer/RecvBuffer pair and the
// round based AllToAll exchange, both finished by a zero length sentinel
// checkpoint protocol.
package mpibuf

import (
	"github.com/ledgerwatch/log/v3"
)

const DefaultTotalBufferSize = 32 * 1024 * 1024

// Options are the tunables shared by every buffer type
type Options struct {
	// TotalBufferSize is the memory budget divided across ranks, threads and instances
	TotalBufferSize int `toml:"total_buffer_size"`
	// BufferSize overrides the derived per buffer size when > 0
	BufferSize int `toml:"buffer_size"`
	// SoftRatio is the fill fraction at which a buffer is flushed
	SoftRatio float64 `toml:"soft_ratio"`
	// QueueSoftLimit bounds outstanding sends and cached free buffers, per rank
	QueueSoftLimit int `toml:"queue_soft_limit"`
	// BufferInstances is the number of buffers of the budget each rank pair may hold
	BufferInstances    int  `toml:"buffer_instances"`
	RetryMessages      bool `toml:"retry_messages"`
	RetryThreshold     int  `toml:"retry_threshold"`
	WaitWarnIterations int  `toml:"wait_warn_iterations"`

	NumThreads int        `toml:"-"`
	Logger     log.Logger `toml:"-"`
}

func DefaultOptions() Options {
	return Options{
		TotalBufferSize:    DefaultTotalBufferSize,
		SoftRatio:          0.90,
		QueueSoftLimit:     5,
		BufferInstances:    3,
		RetryThreshold:     10000,
		WaitWarnIterations: 1000000,
		NumThreads:         1,
	}
}

// normalize fills zero values with defaults and rejects impossible ones
func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.TotalBufferSize <= 0 {
		o.TotalBufferSize = d.TotalBufferSize
	}
	if o.SoftRatio <= 0 {
		o.SoftRatio = d.SoftRatio
	}
	if o.SoftRatio > 1 {
		panic("[Options] soft ratio must be within (0,1]")
	}
	if o.QueueSoftLimit <= 0 {
		o.QueueSoftLimit = d.QueueSoftLimit
	}
	if o.BufferInstances <= 0 {
		o.BufferInstances = d.BufferInstances
	}
	if o.RetryThreshold <= 0 {
		o.RetryThreshold = d.RetryThreshold
	}
	if o.WaitWarnIterations <= 0 {
		o.WaitWarnIterations = d.WaitWarnIterations
	}
	if o.NumThreads <= 0 {
		o.NumThreads = d.NumThreads
	}
	if o.Logger == nil {
		o.Logger = log.Root()
	}
	return o
}

// bufferSize derives the size of one batching buffer. The budget is split
// across destination ranks, buffer instances and every (thread, thread) pair.
func (o Options) bufferSize(msgSize, worldSize int) int {
	size := o.BufferSize
	if size <= 0 {
		size = o.TotalBufferSize / worldSize / o.BufferInstances / (o.NumThreads * o.NumThreads)
	}
	if size < msgSize {
		size = msgSize
	}
	return size
}
