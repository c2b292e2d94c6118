package comm

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
)

func TestLocalOrdering(t *testing.T) {
	w := NewLocalWorld(2)
	defer w.Close()
	a, b := w.Comm(0), w.Comm(1)

	var sends []Request
	for i := 0; i < 5; i++ {
		sends = append(sends, a.Isend(1, 7, []byte{byte(i)}))
	}
	if w.Pending(1) != 5 {
		t.Fatalf("pending %d, want 5", w.Pending(1))
	}
	for i := 0; i < 5; i++ {
		buf := make([]byte, 4)
		st := b.Irecv(0, 7, buf).Wait()
		if st.Err != nil || st.Count != 1 || buf[0] != byte(i) {
			t.Fatalf("message %d: status %+v buf %v", i, st, buf)
		}
		if st.Source != 0 || st.Tag != 7 {
			t.Errorf("status source/tag: %+v", st)
		}
	}
	for i, s := range sends {
		if _, ok := s.Test(); !ok {
			t.Errorf("send %d not completed after match", i)
		}
	}
}

func TestLocalTagsAreSeparate(t *testing.T) {
	w := NewLocalWorld(2)
	defer w.Close()
	a, b := w.Comm(0), w.Comm(1)

	buf1, buf2 := make([]byte, 8), make([]byte, 8)
	r1 := b.Irecv(0, 1, buf1)
	r2 := b.Irecv(0, 2, buf2)
	a.Isend(1, 2, []byte("two"))
	if _, ok := r1.Test(); ok {
		t.Fatalf("tag 1 receive matched a tag 2 message")
	}
	st := r2.Wait()
	if string(buf2[:st.Count]) != "two" {
		t.Errorf("tag 2 got %q", buf2[:st.Count])
	}
	a.Isend(1, 1, []byte("one"))
	st = r1.Wait()
	if string(buf1[:st.Count]) != "one" {
		t.Errorf("tag 1 got %q", buf1[:st.Count])
	}
}

func TestLocalCancel(t *testing.T) {
	w := NewLocalWorld(2)
	defer w.Close()
	a, b := w.Comm(0), w.Comm(1)

	r := b.Irecv(0, 3, make([]byte, 4))
	if !r.Cancel() {
		t.Fatalf("cancel of a posted receive must succeed")
	}
	if st, ok := r.Test(); !ok || !st.Cancelled {
		t.Errorf("cancelled receive status: %+v %v", st, ok)
	}

	s := a.Isend(1, 3, []byte{1})
	if !s.Cancel() {
		t.Fatalf("cancel of an unmatched send must succeed")
	}
	if w.Pending(1) != 0 {
		t.Errorf("cancelled send still pending")
	}

	s = a.Isend(1, 3, []byte{2})
	b.Irecv(0, 3, make([]byte, 4)).Wait()
	if s.Cancel() {
		t.Errorf("cancel of a matched send must fail")
	}
}

func TestLocalTruncation(t *testing.T) {
	w := NewLocalWorld(1)
	defer w.Close()
	c := w.Comm(0)
	s := c.Isend(0, 0, []byte("hello"))
	buf := make([]byte, 3)
	st := c.Irecv(0, 0, buf).Wait()
	if st.Err != ErrTruncated || st.Count != 3 || string(buf) != "hel" {
		t.Errorf("truncated receive: %+v %q", st, buf)
	}
	if st := s.Wait(); st.Err != ErrTruncated {
		t.Errorf("send status: %+v", st)
	}
}

func TestLocalClose(t *testing.T) {
	w := NewLocalWorld(2)
	r := w.Comm(1).Irecv(0, 0, make([]byte, 1))
	w.Close()
	if st := r.Wait(); st.Err != ErrClosed {
		t.Errorf("receive after close: %+v", st)
	}
	if st := w.Comm(0).Isend(1, 0, []byte{1}).Wait(); st.Err != ErrClosed {
		t.Errorf("send after close: %+v", st)
	}
}

func TestBadRank(t *testing.T) {
	w := NewLocalWorld(2)
	defer w.Close()
	if st := w.Comm(0).Isend(2, 0, nil).Wait(); st.Err == nil {
		t.Errorf("send to rank 2 of 2 must fail")
	}
	if st := w.Comm(0).Irecv(-1, 0, nil).Wait(); st.Err == nil {
		t.Errorf("receive from rank -1 must fail")
	}
}

// exchange runs one Alltoallv where rank r sends r+1 copies of byte 10*r+d to rank d
func exchange(c Communicator) ([]byte, []int, error) {
	size, rank := c.Size(), c.Rank()
	var send []byte
	sendCounts, sendDispls := make([]int, size), make([]int, size)
	for d := 0; d < size; d++ {
		sendDispls[d] = len(send)
		sendCounts[d] = rank + 1
		send = append(send, bytes.Repeat([]byte{byte(10*rank + d)}, rank+1)...)
	}
	recvCounts, recvDispls := make([]int, size), make([]int, size)
	for s := 0; s < size; s++ {
		recvCounts[s] = size
		recvDispls[s] = s * size
	}
	recv := make([]byte, size*size)
	err := c.Alltoallv(send, sendCounts, sendDispls, recv, recvCounts, recvDispls)
	return recv, recvDispls, err
}

func checkExchange(t *testing.T, rank, size int, recv []byte, displs []int) {
	for s := 0; s < size; s++ {
		got := recv[displs[s] : displs[s]+s+1]
		want := bytes.Repeat([]byte{byte(10*s + rank)}, s+1)
		if !bytes.Equal(got, want) {
			t.Errorf("rank %d from %d: got %v want %v", rank, s, got, want)
		}
	}
}

func TestLocalAlltoallv(t *testing.T) {
	const size = 3
	w := NewLocalWorld(size)
	defer w.Close()
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for round := 0; round < 3; round++ {
				recv, displs, err := exchange(w.Comm(r))
				if err != nil {
					t.Errorf("rank %d: %v", r, err)
					return
				}
				checkExchange(t, r, size, recv, displs)
			}
		}(r)
	}
	wg.Wait()
	for r := 0; r < size; r++ {
		if w.Pending(r) != 0 {
			t.Errorf("rank %d has %d unmatched messages", r, w.Pending(r))
		}
	}
}

func TestAlltoallvBadCounts(t *testing.T) {
	w := NewLocalWorld(2)
	defer w.Close()
	if err := w.Comm(0).Alltoallv(nil, []int{0}, []int{0}, nil, []int{0}, []int{0}); err == nil {
		t.Errorf("short count arrays must be rejected")
	}
}

func freeAddrs(t *testing.T, n int) []string {
	addrs := make([]string, n)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Skipf("no loopback listener: %v", err)
		}
		addrs[i] = ln.Addr().String()
		ln.Close()
	}
	return addrs
}

func TestNetWorld(t *testing.T) {
	const size = 3
	addrs := freeAddrs(t, size)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	worlds := make([]*NetWorld, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			worlds[r], errs[r] = Dial(ctx, r, addrs, logger)
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d dial: %v", r, err)
		}
	}
	defer func() {
		for _, w := range worlds {
			w.Close()
		}
	}()

	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			w := worlds[r]
			var sends []Request
			for d := 0; d < size; d++ {
				for i := 0; i < 50; i++ {
					sends = append(sends, w.Isend(d, 5, []byte(fmt.Sprintf("%d->%d #%d", r, d, i))))
				}
			}
			buf := make([]byte, 64)
			for s := 0; s < size; s++ {
				for i := 0; i < 50; i++ {
					st := w.Irecv(s, 5, buf).Wait()
					if st.Err != nil {
						t.Errorf("rank %d recv: %v", r, st.Err)
						return
					}
					if got, want := string(buf[:st.Count]), fmt.Sprintf("%d->%d #%d", s, r, i); got != want {
						t.Errorf("rank %d got %q want %q", r, got, want)
					}
				}
			}
			for _, s := range sends {
				if st := s.Wait(); st.Err != nil {
					t.Errorf("rank %d send: %v", r, st.Err)
				}
			}
			recv, displs, err := exchange(w)
			if err != nil {
				t.Errorf("rank %d alltoallv: %v", r, err)
				return
			}
			checkExchange(t, r, size, recv, displs)
		}(r)
	}
	wg.Wait()
}
