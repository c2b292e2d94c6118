package comm

import (
	"github.com/pkg/errors"
)

var (
	ErrClosed    = errors.New("communicator closed")
	ErrTruncated = errors.New("message larger than receive buffer")
)

// TagAlltoall is reserved for the collective exchange. User tags must be smaller.
const TagAlltoall = 1 << 30

// Status describes a completed request
type Status struct {
	Source    int
	Tag       int
	Count     int
	Cancelled bool
	Err       error
}

// Request is a pending non-blocking operation
type Request interface {
	// Test reports whether the request completed, without blocking
	Test() (Status, bool)
	// Wait blocks until the request completes
	Wait() Status
	// Cancel withdraws a request that has not been matched yet. It returns
	// false when the request already completed, in which case its Status holds
	// the delivered data.
	Cancel() bool
}

// Communicator is the transport a rank uses to reach its peers.
// Messages between one (source, destination, tag) triple are delivered in order.
type Communicator interface {
	Rank() int
	Size() int
	// Isend posts data for dest. data must not be modified until the request completes.
	Isend(dest, tag int, data []byte) Request
	// Irecv posts buf to receive the next message from src with tag
	Irecv(src, tag int, buf []byte) Request
	// Alltoallv sends send[sendDispls[r]:sendDispls[r]+sendCounts[r]] to every
	// rank r and receives at most recvCounts[r] bytes from r at recvDispls[r].
	// Every rank must call it the same number of times.
	Alltoallv(send []byte, sendCounts, sendDispls []int, recv []byte, recvCounts, recvDispls []int) error
}

type request struct {
	done   chan struct{}
	status Status
	cancel func(*request) bool
}

func newRequest(cancel func(*request) bool) *request {
	return &request{done: make(chan struct{}), cancel: cancel}
}

// complete must be called exactly once, by the owner of the queue holding r
func (r *request) complete(st Status) {
	r.status = st
	close(r.done)
}

func (r *request) Test() (Status, bool) {
	select {
	case <-r.done:
		return r.status, true
	default:
		return Status{}, false
	}
}

func (r *request) Wait() Status {
	<-r.done
	return r.status
}

func (r *request) Cancel() bool {
	if r.cancel == nil {
		return false
	}
	return r.cancel(r)
}

func completed(st Status) *request {
	r := newRequest(nil)
	r.complete(st)
	return r
}

func checkRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return errors.Errorf("rank %d out of range [0,%d)", rank, size)
	}
	return nil
}
