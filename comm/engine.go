package comm

import (
	"sync"
)

type boxKey struct {
	src, tag int
}

type pendingSend struct {
	data []byte
	req  *request // nil for frames that arrived from a remote rank
}

type pendingRecv struct {
	buf []byte
	req *request
}

// box queues the unmatched sends and receives of one (source, tag) pair
type box struct {
	sends []pendingSend
	recvs []pendingRecv
}

// engine matches incoming messages of one rank with its posted receives
type engine struct {
	mu     sync.Mutex
	boxes  map[boxKey]*box
	closed bool
}

func newEngine() *engine {
	return &engine{boxes: make(map[boxKey]*box)}
}

func (e *engine) box(k boxKey) *box {
	b, ok := e.boxes[k]
	if !ok {
		b = &box{}
		e.boxes[k] = b
	}
	return b
}

func match(k boxKey, s pendingSend, r pendingRecv) {
	n := copy(r.buf, s.data)
	st := Status{Source: k.src, Tag: k.tag, Count: n}
	if len(s.data) > len(r.buf) {
		st.Err = ErrTruncated
	}
	r.req.complete(st)
	if s.req != nil {
		s.req.complete(Status{Source: k.src, Tag: k.tag, Count: len(s.data), Err: st.Err})
	}
}

// deliver hands a message from src to this rank
func (e *engine) deliver(src, tag int, data []byte, sreq *request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		if sreq != nil {
			sreq.complete(Status{Source: src, Tag: tag, Err: ErrClosed})
		}
		return
	}
	k := boxKey{src, tag}
	b := e.box(k)
	s := pendingSend{data: data, req: sreq}
	if len(b.recvs) > 0 {
		r := b.recvs[0]
		b.recvs = b.recvs[1:]
		match(k, s, r)
		return
	}
	b.sends = append(b.sends, s)
}

func (e *engine) irecv(src, tag int, buf []byte) *request {
	k := boxKey{src, tag}
	req := newRequest(func(r *request) bool { return e.cancelRecv(k, r) })
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		req.complete(Status{Source: src, Tag: tag, Err: ErrClosed})
		return req
	}
	b := e.box(k)
	r := pendingRecv{buf: buf, req: req}
	if len(b.sends) > 0 {
		s := b.sends[0]
		b.sends = b.sends[1:]
		match(k, s, r)
		return req
	}
	b.recvs = append(b.recvs, r)
	return req
}

func (e *engine) cancelRecv(k boxKey, req *request) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boxes[k]
	if !ok {
		return false
	}
	for i, r := range b.recvs {
		if r.req == req {
			b.recvs = append(b.recvs[:i], b.recvs[i+1:]...)
			req.complete(Status{Source: k.src, Tag: k.tag, Cancelled: true})
			return true
		}
	}
	return false
}

func (e *engine) cancelSend(k boxKey, req *request) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.boxes[k]
	if !ok {
		return false
	}
	for i, s := range b.sends {
		if s.req == req {
			b.sends = append(b.sends[:i], b.sends[i+1:]...)
			req.complete(Status{Source: k.src, Tag: k.tag, Cancelled: true})
			return true
		}
	}
	return false
}

func (e *engine) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for k, b := range e.boxes {
		for _, r := range b.recvs {
			r.req.complete(Status{Source: k.src, Tag: k.tag, Err: ErrClosed})
		}
		for _, s := range b.sends {
			if s.req != nil {
				s.req.complete(Status{Source: k.src, Tag: k.tag, Err: ErrClosed})
			}
		}
	}
	e.boxes = make(map[boxKey]*box)
}

// pending returns the number of unmatched messages queued for this rank
func (e *engine) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, b := range e.boxes {
		n += len(b.sends)
	}
	return n
}
