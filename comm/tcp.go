package comm

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/ledgerwatch/log/v3"
	"github.com/pkg/errors"
)

const (
	frameHeaderSize = 8
	outQueueSize    = 1024
	dialRetryDelay  = 100 * time.Millisecond
)

const (
	framePending int32 = iota
	frameWriting
	frameCancelled
)

type outFrame struct {
	tag   int
	data  []byte
	req   *request
	state atomic.Int32
}

type peer struct {
	rank int
	conn net.Conn
	out  chan *outFrame
}

// NetWorld is the communicator of one rank of a world whose ranks are
// separate processes connected by TCP. Every pair of ranks shares one
// connection carrying snappy compressed frames.
type NetWorld struct {
	rank   int
	addrs  []string
	eng    *engine
	ln     net.Listener
	peers  []*peer
	log    log.Logger
	sendMu sync.RWMutex
	reads  sync.WaitGroup
	writes sync.WaitGroup
	closed atomic.Bool
}

// Dial joins the world described by addrs as rank. Each rank listens on its
// own address, dials every lower rank and accepts every higher one.
func Dial(ctx context.Context, rank int, addrs []string, logger log.Logger) (*NetWorld, error) {
	if err := checkRank(rank, len(addrs)); err != nil {
		return nil, errors.Wrap(err, "[Dial]")
	}
	if logger == nil {
		logger = log.Root()
	}
	w := &NetWorld{
		rank:  rank,
		addrs: addrs,
		eng:   newEngine(),
		peers: make([]*peer, len(addrs)),
		log:   logger.New("rank", rank),
	}
	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, errors.Wrapf(err, "[Dial] listen on %s", addrs[rank])
	}
	w.ln = ln

	accepted := make(chan error, 1)
	go func() { accepted <- w.acceptPeers(len(addrs) - 1 - rank) }()
	abort := func(err error) (*NetWorld, error) {
		ln.Close()
		<-accepted
		w.Close()
		return nil, err
	}

	for r := 0; r < rank; r++ {
		conn, err := dialRetry(ctx, addrs[r])
		if err != nil {
			return abort(errors.Wrapf(err, "[Dial] connect rank %d at %s", r, addrs[r]))
		}
		var hello [4]byte
		binary.LittleEndian.PutUint32(hello[:], uint32(rank))
		if _, err := conn.Write(hello[:]); err != nil {
			conn.Close()
			return abort(errors.Wrapf(err, "[Dial] greet rank %d", r))
		}
		w.peers[r] = &peer{rank: r, conn: conn, out: make(chan *outFrame, outQueueSize)}
	}
	select {
	case err = <-accepted:
		if err != nil {
			w.Close()
			return nil, errors.Wrap(err, "[Dial] accept peers")
		}
	case <-ctx.Done():
		return abort(errors.Wrap(ctx.Err(), "[Dial] accept peers"))
	}
	for _, p := range w.peers {
		if p == nil {
			continue
		}
		w.reads.Add(1)
		w.writes.Add(1)
		go w.readLoop(p)
		go w.writeLoop(p)
	}
	w.log.Debug("[Dial] world connected", "size", len(addrs))
	return w, nil
}

func dialRetry(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(dialRetryDelay):
		}
	}
}

func (w *NetWorld) acceptPeers(n int) error {
	for i := 0; i < n; i++ {
		conn, err := w.ln.Accept()
		if err != nil {
			return err
		}
		var hello [4]byte
		if _, err := io.ReadFull(conn, hello[:]); err != nil {
			conn.Close()
			return err
		}
		r := int(binary.LittleEndian.Uint32(hello[:]))
		if r <= w.rank || r >= len(w.addrs) || w.peers[r] != nil {
			conn.Close()
			return errors.Errorf("unexpected greeting from rank %d", r)
		}
		w.peers[r] = &peer{rank: r, conn: conn, out: make(chan *outFrame, outQueueSize)}
	}
	return nil
}

func (w *NetWorld) readLoop(p *peer) {
	defer w.reads.Done()
	rd := snappy.NewReader(p.conn)
	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(rd, hdr[:]); err != nil {
			if !w.closed.Load() && err != io.EOF {
				w.log.Warn("[readLoop] connection lost", "peer", p.rank, "err", err)
			}
			return
		}
		tag := int(int32(binary.LittleEndian.Uint32(hdr[0:4])))
		n := binary.LittleEndian.Uint32(hdr[4:8])
		data := make([]byte, n)
		if _, err := io.ReadFull(rd, data); err != nil {
			if !w.closed.Load() {
				w.log.Warn("[readLoop] truncated frame", "peer", p.rank, "err", err)
			}
			return
		}
		w.eng.deliver(p.rank, tag, data, nil)
	}
}

func (w *NetWorld) writeLoop(p *peer) {
	defer w.writes.Done()
	wr := snappy.NewBufferedWriter(p.conn)
	var hdr [frameHeaderSize]byte
	for f := range p.out {
		if !f.state.CompareAndSwap(framePending, frameWriting) {
			continue
		}
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(int32(f.tag)))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(f.data)))
		_, err := wr.Write(hdr[:])
		if err == nil {
			_, err = wr.Write(f.data)
		}
		if err == nil && len(p.out) == 0 {
			err = wr.Flush()
		}
		st := Status{Source: w.rank, Tag: f.tag, Count: len(f.data)}
		if err != nil {
			st.Err = errors.Wrapf(err, "write to rank %d", p.rank)
		}
		f.req.complete(st)
	}
	wr.Close()
}

func (w *NetWorld) Rank() int { return w.rank }
func (w *NetWorld) Size() int { return len(w.addrs) }

func (w *NetWorld) Isend(dest, tag int, data []byte) Request {
	if err := checkRank(dest, w.Size()); err != nil {
		return completed(Status{Source: w.rank, Tag: tag, Err: err})
	}
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed.Load() {
		return completed(Status{Source: w.rank, Tag: tag, Err: ErrClosed})
	}
	if dest == w.rank {
		k := boxKey{w.rank, tag}
		req := newRequest(func(r *request) bool { return w.eng.cancelSend(k, r) })
		w.eng.deliver(w.rank, tag, data, req)
		return req
	}
	f := &outFrame{tag: tag, data: data}
	f.req = newRequest(func(r *request) bool {
		if !f.state.CompareAndSwap(framePending, frameCancelled) {
			return false
		}
		r.complete(Status{Source: w.rank, Tag: tag, Cancelled: true})
		return true
	})
	w.peers[dest].out <- f
	return f.req
}

func (w *NetWorld) Irecv(src, tag int, buf []byte) Request {
	if err := checkRank(src, w.Size()); err != nil {
		return completed(Status{Source: src, Tag: tag, Err: err})
	}
	return w.eng.irecv(src, tag, buf)
}

func (w *NetWorld) Alltoallv(send []byte, sendCounts, sendDispls []int, recv []byte, recvCounts, recvDispls []int) error {
	return Alltoallv(w, send, sendCounts, sendDispls, recv, recvCounts, recvDispls)
}

// Close drains queued frames and tears the connections down
func (w *NetWorld) Close() error {
	w.sendMu.Lock()
	if w.closed.Swap(true) {
		w.sendMu.Unlock()
		return nil
	}
	for _, p := range w.peers {
		if p != nil {
			close(p.out)
		}
	}
	w.sendMu.Unlock()

	var err error
	if w.ln != nil {
		err = w.ln.Close()
	}
	w.writes.Wait()
	for _, p := range w.peers {
		if p != nil {
			p.conn.Close()
		}
	}
	w.reads.Wait()
	w.eng.close()
	return err
}
