package spectrum

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/pkg/errors"

	"kspec/bnt"
	"kspec/comm"
	"kspec/kmer"
	"kspec/reads"
	"kspec/track"
)

func quietLogger() log.Logger {
	l := log.New()
	l.SetHandler(log.DiscardHandler())
	return l
}

func quietBuildOptions(mode Mode) BuildOptions {
	o := DefaultBuildOptions()
	o.Mode = mode
	o.Buffer.Logger = quietLogger()
	return o
}

func mustSizer(t testing.TB, k int) kmer.Sizer {
	t.Helper()
	s, err := kmer.NewSizer(k)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newDataSpectrum(t testing.TB, sizer kmer.Sizer, cfg Config) *Spectrum[*track.Data] {
	t.Helper()
	s, err := New(sizer, cfg, func() *track.Data { return &track.Data{} })
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestMessageLayout(t *testing.T) {
	sizer := mustSizer(t, 11)
	m := Message{Key: kmer.Key{1, 2, 3}, Weight: 0.5, ReadID: 7, Pos: 9, Forward: true}
	b := make([]byte, MessageSize(sizer))
	m.Put(b)
	got := ReadMessage(b, sizer.ByteSize)
	if !bytes.Equal(got.Key, m.Key) || got.Weight != 0.5 || got.ReadID != 7 || got.Pos != 9 || !got.Forward {
		t.Fatalf("got %+v, want %+v", got, m)
	}

	s := newDataSpectrum(t, sizer, DefaultConfig())
	if !s.ApplyDelivered(b[:sizer.ByteSize], b[sizer.ByteSize:]) {
		t.Fatal("message was not counted")
	}
	rec, ok := s.Get(m.Key)
	if !ok || rec.Count() != 1 || rec.WeightedCount() != 0.5 {
		t.Fatalf("record %+v found %v", rec, ok)
	}
}

func TestMinKmerFreq(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinKmerFreq = 3
	cfg.FilterSize = 1 << 10
	s := newDataSpectrum(t, mustSizer(t, 4), cfg)
	key := []byte{0x1b}
	for i := 0; i < 5; i++ {
		s.Apply(key, 1, true, 0, 0)
	}
	rec, ok := s.Get(key)
	if !ok || rec.Count() != 3 {
		t.Fatalf("count %v, want 3", rec)
	}
	if s.Filtered() != 2 || s.Delivered() != 5 {
		t.Fatalf("filtered %d delivered %d", s.Filtered(), s.Delivered())
	}
	if c := s.Filter().GetCountAllowZero(key); c != 5 {
		t.Errorf("filter count %d, want 5", c)
	}
	sum := FormatSummary(&Result{Sent: []uint64{5}, Received: []uint64{5}}, s)
	if !strings.Contains(sum, "filter items 1,") {
		t.Errorf("summary misses the filter line:\n%s", sum)
	}

	cfg.MinKmerFreq = 9
	if _, err := New(mustSizer(t, 4), cfg, func() *track.Data { return &track.Data{} }); err == nil {
		t.Fatal("MinKmerFreq above the filter counter range was accepted")
	}
}

func TestDiscardedWeight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Track.MinimumWeight = 0.5
	s := newDataSpectrum(t, mustSizer(t, 4), cfg)
	if s.Apply([]byte{1}, 0.25, true, 0, 0) {
		t.Fatal("low weight observation was counted")
	}
	if s.Len() != 0 || s.Stats().Discarded() != 1 {
		t.Fatalf("len %d discarded %d", s.Len(), s.Stats().Discarded())
	}
}

func TestMerge(t *testing.T) {
	sizer := mustSizer(t, 4)
	a := newDataSpectrum(t, sizer, DefaultConfig())
	b := newDataSpectrum(t, sizer, DefaultConfig())
	for i := 0; i < 10; i++ {
		a.Apply([]byte{byte(i)}, 1, true, 0, 0)
		b.Apply([]byte{byte(i + 5)}, 1, false, 0, 0)
	}
	a.Merge(b)
	if a.Len() != 15 || a.TotalCount() != 20 {
		t.Fatalf("len %d total %d", a.Len(), a.TotalCount())
	}
	if rec, _ := a.Get([]byte{7}); rec.Count() != 2 {
		t.Fatalf("merged count %d", rec.Count())
	}
}

func localRanks(w *comm.LocalWorld) []comm.Communicator {
	ranks := make([]comm.Communicator, w.Size())
	for r := range ranks {
		ranks[r] = w.Comm(r)
	}
	return ranks
}

// TestRoundTripExample runs three ranks of two threads, each thread sending
// 1000 k=4 kmers round robin, over both transports.
func TestRoundTripExample(t *testing.T) {
	const numRanks, numThreads, perThread = 3, 2, 1000
	for _, mode := range []Mode{ModeAllToAll, ModeP2P} {
		t.Run(string(mode), func(t *testing.T) {
			w := comm.NewLocalWorld(numRanks)
			defer w.Close()
			opts := quietBuildOptions(mode).Buffer
			opts.BufferSize = 8 * MessageSize(mustSizer(t, 4))
			res, err := SyntheticExchange(localRanks(w), mode, numThreads, perThread, opts)
			if err != nil {
				t.Fatal(err)
			}
			if err := CheckExchange(res, numThreads, perThread); err != nil {
				t.Fatal(err)
			}
		})
	}
	w := comm.NewLocalWorld(1)
	defer w.Close()
	if _, err := SyntheticExchange(localRanks(w), "ring", 1, 1, quietBuildOptions(ModeP2P).Buffer); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestCheckExchangeDetectsLoss(t *testing.T) {
	const numRanks, numThreads, perThread = 2, 1, 10
	res := make([]ExchangeResult, numRanks)
	for r, want := range ExpectedExchange(numRanks, numThreads, perThread) {
		res[r].Counts = want
		for _, c := range want {
			res[r].Total += c
		}
	}
	if err := CheckExchange(res, numThreads, perThread); err != nil {
		t.Fatal(err)
	}
	res[1].Counts[1]--
	res[1].Total--
	if err := CheckExchange(res, numThreads, perThread); err == nil {
		t.Error("a lost message went unnoticed")
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

// dialWorld joins n ranks over loopback TCP
func dialWorld(t *testing.T, n int) []comm.Communicator {
	addrs := freeAddrs(t, n)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	worlds := make([]*comm.NetWorld, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			worlds[r], errs[r] = comm.Dial(ctx, r, addrs, quietLogger())
		}(r)
	}
	wg.Wait()
	ranks := make([]comm.Communicator, n)
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d dial: %v", r, err)
		}
		ranks[r] = worlds[r]
	}
	t.Cleanup(func() {
		for _, w := range worlds {
			w.Close()
		}
	})
	return ranks
}

// TestRoundTripOverTCP runs the three rank, two thread exchange over the
// TCP transport with small buffers so every rank pair sees many batches.
func TestRoundTripOverTCP(t *testing.T) {
	const numRanks, numThreads, perThread = 3, 2, 1500
	for _, mode := range []Mode{ModeAllToAll, ModeP2P} {
		t.Run(string(mode), func(t *testing.T) {
			ranks := dialWorld(t, numRanks)
			opts := quietBuildOptions(mode).Buffer
			opts.BufferSize = 16 * MessageSize(mustSizer(t, 4))
			res, err := SyntheticExchange(ranks, mode, numThreads, perThread, opts)
			if err != nil {
				t.Fatal(err)
			}
			if err := CheckExchange(res, numThreads, perThread); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func randomReads(rng *rand.Rand, n, length int) []reads.Read {
	rs := make([]reads.Read, n)
	for i := range rs {
		seq := make([]byte, length)
		qual := make([]byte, length)
		for j := range seq {
			seq[j] = byte(rng.Intn(4))
			if rng.Intn(100) == 0 {
				seq[j] = bnt.BntN
			}
			qual[j] = byte(10 + rng.Intn(31))
		}
		rs[i] = reads.Read{ID: uint32(i), Seq: seq, Qual: qual}
	}
	return rs
}

func feed(rs []reads.Read) <-chan reads.Read {
	rc := make(chan reads.Read, 8)
	go func() {
		defer close(rc)
		for _, rd := range rs {
			rc <- rd
		}
	}()
	return rc
}

func TestBuilderMatchesLocalCount(t *testing.T) {
	const numRanks, numThreads = 3, 2
	sizer := mustSizer(t, 11)
	rs := randomReads(rand.New(rand.NewSource(1)), 300, 60)

	local := newDataSpectrum(t, sizer, DefaultConfig())
	sc := sizer.NewScanner()
	for _, rd := range rs {
		sc.Scan(rd.Seq, rd.Qual, func(key kmer.Key, forward bool, pos int, weight float64) {
			local.Apply(key, float64(float32(weight)), forward, rd.ID, uint32(pos))
		})
	}

	for _, mode := range []Mode{ModeAllToAll, ModeP2P} {
		t.Run(string(mode), func(t *testing.T) {
			w := comm.NewLocalWorld(numRanks)
			defer w.Close()
			specs := make([]*Spectrum[*track.Data], numRanks)
			results := make([]*Result, numRanks)
			traffic := make([]Traffic, numRanks)
			errs := make([]error, numRanks)
			var wg sync.WaitGroup
			for r := 0; r < numRanks; r++ {
				specs[r] = newDataSpectrum(t, sizer, DefaultConfig())
				var share []reads.Read
				for i := r; i < len(rs); i += numRanks {
					share = append(share, rs[i])
				}
				opts := quietBuildOptions(mode)
				opts.Buffer.BufferSize = 16 * MessageSize(sizer)
				b, err := NewBuilder(w.Comm(r), specs[r], numThreads, opts)
				if err != nil {
					t.Fatal(err)
				}
				wg.Add(1)
				go func(r int) {
					defer wg.Done()
					results[r], errs[r] = b.Run(context.Background(), feed(share))
					if errs[r] == nil {
						traffic[r], errs[r] = GatherTraffic(w.Comm(r), results[r].Sent)
					}
				}(r)
			}
			wg.Wait()
			for r, err := range errs {
				if err != nil {
					t.Fatalf("rank %d: %v", r, err)
				}
			}

			part := kmer.Partitioner{WorldSize: numRanks, NumTags: numThreads}
			merged := newDataSpectrum(t, sizer, DefaultConfig())
			var numReads uint64
			for r, s := range specs {
				s.Range(func(key kmer.Key, _ *track.Data) bool {
					if owner, _ := part.Locate(key); owner != r {
						t.Errorf("rank %d holds a kmer owned by rank %d", r, owner)
						return false
					}
					return true
				})
				merged.Merge(s)
				numReads += results[r].Reads
			}
			if numReads != uint64(len(rs)) {
				t.Fatalf("scanned %d reads, want %d", numReads, len(rs))
			}
			if merged.Len() != local.Len() {
				t.Fatalf("distributed spectrum has %d kmers, local %d", merged.Len(), local.Len())
			}
			local.Range(func(key kmer.Key, want *track.Data) bool {
				got, ok := merged.Get(key)
				if !ok || got.Count() != want.Count() ||
					math.Abs(got.WeightedCount()-want.WeightedCount()) > 1e-4*want.WeightedCount() {
					t.Errorf("kmer %s: got %+v, want %+v", sizer.String(key), got, want)
					return false
				}
				return true
			})

			for src := 0; src < numRanks; src++ {
				for dest := 0; dest < numRanks; dest++ {
					if traffic[0][src][dest] != results[src].Sent[dest] {
						t.Errorf("traffic %d->%d is %d, sent %d", src, dest, traffic[0][src][dest], results[src].Sent[dest])
					}
					if results[dest].Received[src] != results[src].Sent[dest] {
						t.Errorf("%d->%d: sent %d, received %d", src, dest, results[src].Sent[dest], results[dest].Received[src])
					}
				}
			}
		})
	}
}

func TestBuilderCancelled(t *testing.T) {
	const numRanks = 2
	sizer := mustSizer(t, 5)
	w := comm.NewLocalWorld(numRanks)
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errs := make([]error, numRanks)
	var wg sync.WaitGroup
	for r := 0; r < numRanks; r++ {
		b, err := NewBuilder(w.Comm(r), newDataSpectrum(t, sizer, DefaultConfig()), 2, quietBuildOptions(ModeAllToAll))
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			_, errs[r] = b.Run(ctx, make(chan reads.Read))
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if errors.Cause(err) != context.Canceled {
			t.Fatalf("rank %d: got %v, want context.Canceled", r, err)
		}
	}
}

func TestNewBuilderRejectsMode(t *testing.T) {
	w := comm.NewLocalWorld(1)
	defer w.Close()
	s := newDataSpectrum(t, mustSizer(t, 5), DefaultConfig())
	if _, err := NewBuilder(w.Comm(0), s, 1, BuildOptions{Mode: "broadcast"}); err == nil {
		t.Fatal("unknown mode accepted")
	}
	if _, err := NewBuilder(w.Comm(0), s, 0, quietBuildOptions(ModeP2P)); err == nil {
		t.Fatal("zero threads accepted")
	}
}

func TestDumpRoundTrip(t *testing.T) {
	sizer := mustSizer(t, 9)
	cfg := DefaultConfig()
	cfg.Variant = "direction"
	s, err := NewVariant(sizer, cfg)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		key := []byte{byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(4) << 6)}
		s.Apply(key, 0.5+rng.Float64()/2, rng.Intn(2) == 0, uint32(i), 0)
	}
	var buf bytes.Buffer
	if err := WriteDump(&buf, s, 2); err != nil {
		t.Fatal(err)
	}
	d, err := ReadDump(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	h := d.Header
	if h.K != 9 || h.ByteSize != 3 || h.Variant != "direction" || h.Rank != 2 || h.Count != uint64(s.Len()) {
		t.Fatalf("header %+v", h)
	}
	want := Records(s)
	for i := 0; ; i++ {
		rec, err := d.Next()
		if err == io.EOF {
			if i != len(want) {
				t.Fatalf("read %d records, want %d", i, len(want))
			}
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(rec.Key, want[i].Key) || rec.Count != want[i].Count ||
			rec.WeightedCount != want[i].WeightedCount || rec.DirectionBias != want[i].DirectionBias {
			t.Fatalf("record %d: got %+v, want %+v", i, rec, want[i])
		}
		if i > 0 && bytes.Compare(want[i-1].Key, rec.Key) >= 0 {
			t.Fatalf("record %d out of order", i)
		}
	}
}

func TestReadDumpRejectsGarbage(t *testing.T) {
	if _, err := ReadDump(strings.NewReader("not a dump")); err == nil {
		t.Fatal("garbage accepted")
	}
}

func TestWriteTrafficGraph(t *testing.T) {
	var buf bytes.Buffer
	tr := Traffic{{0, 12}, {3, 0}}
	if err := WriteTrafficGraph(&buf, tr); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"rank0", "rank1", "->", "12"} {
		if !strings.Contains(out, want) {
			t.Errorf("graph lacks %q:\n%s", want, out)
		}
	}
}

func BenchmarkApply(b *testing.B) {
	sizer := mustSizer(b, 21)
	s := newDataSpectrum(b, sizer, DefaultConfig())
	rs := randomReads(rand.New(rand.NewSource(5)), 64, 150)
	sc := sizer.NewScanner()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rd := rs[i%len(rs)]
		sc.Scan(rd.Seq, rd.Qual, func(key kmer.Key, forward bool, pos int, weight float64) {
			s.Apply(key, weight, forward, rd.ID, uint32(pos))
		})
	}
}
