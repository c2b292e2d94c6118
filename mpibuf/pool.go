package mpibuf

// Pool keeps one LIFO free list of fixed size buffers per thread.
// A list is only ever touched by its own thread, so no locking is done.
type Pool struct {
	bufSize int
	limit   int
	free    [][][]byte
}

// NewPool caches at most softLimit*worldSize*numThreads buffers per thread
func NewPool(numThreads, worldSize, bufSize, softLimit int) *Pool {
	limit := softLimit * worldSize * numThreads
	p := &Pool{bufSize: bufSize, limit: limit, free: make([][][]byte, numThreads)}
	for i := range p.free {
		p.free[i] = make([][]byte, 0, limit+1)
	}
	return p
}

func (p *Pool) BufferSize() int { return p.bufSize }

func (p *Pool) Acquire(thread int) []byte {
	list := p.free[thread]
	if n := len(list); n > 0 {
		buf := list[n-1]
		list[n-1] = nil
		p.free[thread] = list[:n-1]
		return buf
	}
	return make([]byte, p.bufSize)
}

// Release hands buf back to the thread's list, or to the garbage collector
// when the list is already full.
func (p *Pool) Release(thread int, buf []byte) {
	if cap(buf) < p.bufSize {
		panic("[Pool.Release] buffer does not belong to this pool")
	}
	if len(p.free[thread]) >= p.limit {
		return
	}
	p.free[thread] = append(p.free[thread], buf[:p.bufSize])
}

// Cached returns the number of free buffers held for thread
func (p *Pool) Cached(thread int) int {
	return len(p.free[thread])
}
