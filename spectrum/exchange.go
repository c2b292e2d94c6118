package spectrum

import (
	"sync"

	"github.com/pkg/errors"

	"kspec/comm"
	"kspec/kmer"
	"kspec/mpibuf"
	"kspec/track"
)

// ExchangeResult is what one rank received in a synthetic exchange
type ExchangeResult struct {
	Total  uint64
	Counts map[byte]uint64
}

// SyntheticDest spreads message i of a thread round robin over ranks, then threads
func SyntheticDest(i, numRanks, numThreads int) (rank, thread int) {
	return i % numRanks, (i / numRanks) % numThreads
}

// ExpectedExchange is the per rank key count distribution of a synthetic
// exchange in which every thread sends perThread messages
func ExpectedExchange(numRanks, numThreads, perThread int) []map[byte]uint64 {
	want := make([]map[byte]uint64, numRanks)
	for r := range want {
		want[r] = make(map[byte]uint64)
	}
	for i := 0; i < perThread; i++ {
		dest, _ := SyntheticDest(i, numRanks, numThreads)
		want[dest][byte(i)] += uint64(numRanks * numThreads)
	}
	return want
}

// SyntheticExchange runs one rank per communicator of ranks, in this
// process, each with numThreads threads copying perThread single byte k=4
// kmers into mode's buffers. ranks[r] must be the communicator of rank r.
func SyntheticExchange(ranks []comm.Communicator, mode Mode, numThreads, perThread int, opts mpibuf.Options) ([]ExchangeResult, error) {
	if mode != ModeAllToAll && mode != ModeP2P {
		return nil, errors.Errorf("[SyntheticExchange] unknown mode %q", mode)
	}
	sizer, err := kmer.NewSizer(4)
	if err != nil {
		return nil, err
	}
	numRanks := len(ranks)
	msgSize := MessageSize(sizer)
	opts.NumThreads = numThreads
	specs := make([]*Spectrum[*track.Data], numRanks)
	var wg sync.WaitGroup
	for r, world := range ranks {
		spec, err := New(sizer, DefaultConfig(), func() *track.Data { return &track.Data{} })
		if err != nil {
			return nil, err
		}
		specs[r] = spec
		proc := mpibuf.ProcessorFunc(func(msg []byte, pkg *mpibuf.MessagePackage) int {
			spec.ApplyDelivered(msg[:sizer.ByteSize], msg[sizer.ByteSize:msgSize])
			return 0
		})
		var send func(th, dest, destThread int, msg []byte)
		var finalize func(th int)
		var closeAll func()
		if mode == ModeAllToAll {
			a := mpibuf.NewAllToAll(world, msgSize, numThreads, 1, proc, opts)
			send = func(th, dest, destThread int, msg []byte) { a.CopyMessage(th, dest, destThread, msg) }
			finalize = func(th int) { a.Finalize(th) }
			closeAll = a.Close
		} else {
			chans := mpibuf.NewChannels(world, msgSize, numThreads, 100, proc, opts)
			send = func(th, dest, destThread int, msg []byte) { chans[th].CopyMessage(dest, destThread, msg) }
			finalize = func(th int) { chans[th].Finalize() }
			closeAll = func() {
				for _, c := range chans {
					c.Close()
				}
			}
		}
		var rankWG sync.WaitGroup
		for th := 0; th < numThreads; th++ {
			rankWG.Add(1)
			wg.Add(1)
			go func(r, th int) {
				defer wg.Done()
				defer rankWG.Done()
				msg := make([]byte, msgSize)
				for i := 0; i < perThread; i++ {
					dest, td := SyntheticDest(i, numRanks, numThreads)
					m := Message{Key: kmer.Key{byte(i)}, Weight: 1, ReadID: uint32(r), Pos: uint32(i), Forward: true}
					m.Put(msg)
					send(th, dest, td, msg)
				}
				finalize(th)
			}(r, th)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rankWG.Wait()
			closeAll()
		}()
	}
	wg.Wait()

	res := make([]ExchangeResult, numRanks)
	for r, spec := range specs {
		res[r].Counts = make(map[byte]uint64, spec.Len())
		spec.Range(func(key kmer.Key, rec *track.Data) bool {
			res[r].Counts[key[0]] = rec.Count()
			return true
		})
		res[r].Total = spec.TotalCount()
	}
	return res, nil
}

// CheckExchange compares got with the expected distribution
func CheckExchange(got []ExchangeResult, numThreads, perThread int) error {
	numRanks := len(got)
	want := ExpectedExchange(numRanks, numThreads, perThread)
	var total uint64
	for r := range want {
		if len(got[r].Counts) != len(want[r]) {
			return errors.Errorf("rank %d holds %d kmers, want %d", r, len(got[r].Counts), len(want[r]))
		}
		for key, c := range want[r] {
			if got[r].Counts[key] != c {
				return errors.Errorf("rank %d key %d: count %d, want %d", r, key, got[r].Counts[key], c)
			}
		}
		total += got[r].Total
	}
	if exp := uint64(numRanks * numThreads * perThread); total != exp {
		return errors.Errorf("received %d messages, want %d", total, exp)
	}
	return nil
}
