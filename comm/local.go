package comm

import (
	"github.com/pkg/errors"
)

// LocalWorld connects a fixed number of ranks living in one process.
// A send completes once the destination has matched it with a receive.
type LocalWorld struct {
	engines []*engine
}

func NewLocalWorld(size int) *LocalWorld {
	w := &LocalWorld{engines: make([]*engine, size)}
	for i := range w.engines {
		w.engines[i] = newEngine()
	}
	return w
}

func (w *LocalWorld) Size() int { return len(w.engines) }

// Comm returns the communicator of one rank
func (w *LocalWorld) Comm(rank int) Communicator {
	if err := checkRank(rank, w.Size()); err != nil {
		panic("[LocalWorld.Comm] " + err.Error())
	}
	return &localComm{world: w, rank: rank}
}

// Pending returns the number of sent but unmatched messages addressed to rank
func (w *LocalWorld) Pending(rank int) int {
	return w.engines[rank].pending()
}

func (w *LocalWorld) Close() {
	for _, e := range w.engines {
		e.close()
	}
}

type localComm struct {
	world *LocalWorld
	rank  int
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.world.Size() }

func (c *localComm) Isend(dest, tag int, data []byte) Request {
	if err := checkRank(dest, c.Size()); err != nil {
		return completed(Status{Source: c.rank, Tag: tag, Err: err})
	}
	e := c.world.engines[dest]
	k := boxKey{c.rank, tag}
	req := newRequest(func(r *request) bool { return e.cancelSend(k, r) })
	e.deliver(c.rank, tag, data, req)
	return req
}

func (c *localComm) Irecv(src, tag int, buf []byte) Request {
	if err := checkRank(src, c.Size()); err != nil {
		return completed(Status{Source: src, Tag: tag, Err: err})
	}
	return c.world.engines[c.rank].irecv(src, tag, buf)
}

func (c *localComm) Alltoallv(send []byte, sendCounts, sendDispls []int, recv []byte, recvCounts, recvDispls []int) error {
	return Alltoallv(c, send, sendCounts, sendDispls, recv, recvCounts, recvDispls)
}

type pointToPoint interface {
	Rank() int
	Size() int
	Isend(dest, tag int, data []byte) Request
	Irecv(src, tag int, buf []byte) Request
}

// Alltoallv implements the collective exchange on top of point to point
// messages with the reserved TagAlltoall tag.
func Alltoallv(c pointToPoint, send []byte, sendCounts, sendDispls []int, recv []byte, recvCounts, recvDispls []int) error {
	size := c.Size()
	if len(sendCounts) != size || len(sendDispls) != size || len(recvCounts) != size || len(recvDispls) != size {
		return errors.Errorf("[Alltoallv] count and displacement arrays must have %d entries", size)
	}
	reqs := make([]Request, 0, 2*size)
	for r := 0; r < size; r++ {
		reqs = append(reqs, c.Irecv(r, TagAlltoall, recv[recvDispls[r]:recvDispls[r]+recvCounts[r]]))
	}
	for r := 0; r < size; r++ {
		reqs = append(reqs, c.Isend(r, TagAlltoall, send[sendDispls[r]:sendDispls[r]+sendCounts[r]]))
	}
	var err error
	for _, req := range reqs {
		st := req.Wait()
		if st.Err != nil && err == nil {
			err = errors.Wrapf(st.Err, "[Alltoallv] rank %d exchanging with rank %d", c.Rank(), st.Source)
		}
	}
	return err
}
