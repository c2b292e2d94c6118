package spectrum

import (
	"context"
	"sync"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/pkg/errors"

	"kspec/comm"
	"kspec/kmer"
	"kspec/mpibuf"
	"kspec/reads"
	"kspec/track"
)

// Mode selects the transport of a build pass
type Mode string

const (
	ModeAllToAll Mode = "alltoall"
	ModeP2P      Mode = "p2p"
)

// BuildOptions configure the transport of a build pass
type BuildOptions struct {
	Mode Mode `toml:"mode"`
	// NumTags multiplies the destination tags of every thread
	NumTags int `toml:"num_tags"`
	// BaseTag is the first point to point tag
	BaseTag int `toml:"base_tag"`

	Buffer mpibuf.Options `toml:"buffer"`
}

func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		Mode:    ModeAllToAll,
		NumTags: 1,
		BaseTag: 100,
		Buffer:  mpibuf.DefaultOptions(),
	}
}

// Result summarizes one rank's build pass
type Result struct {
	Rank  int
	Reads uint64
	// Kmers is the number of observations this rank sent
	Kmers uint64
	// Sent and Received count messages per peer rank
	Sent     []uint64
	Received []uint64
	Send     mpibuf.Stats
	// Recv stays zero in ModeAllToAll, whose Send statistics cover both directions
	Recv    mpibuf.Stats
	Elapsed time.Duration
}

// Builder runs build passes of one rank. Every rank of the world runs the
// same number of passes with the same Mode.
type Builder[R track.Tracker] struct {
	world      comm.Communicator
	spec       *Spectrum[R]
	numThreads int
	opts       BuildOptions
	part       kmer.Partitioner
	log        log.Logger
}

func NewBuilder[R track.Tracker](world comm.Communicator, spec *Spectrum[R], numThreads int, opts BuildOptions) (*Builder[R], error) {
	if numThreads <= 0 {
		return nil, errors.Errorf("[NewBuilder] numThreads %d must be > 0", numThreads)
	}
	if opts.NumTags <= 0 {
		opts.NumTags = 1
	}
	if opts.Mode != ModeAllToAll && opts.Mode != ModeP2P {
		return nil, errors.Errorf("[NewBuilder] unknown mode %q", opts.Mode)
	}
	if opts.Buffer.Logger == nil {
		opts.Buffer.Logger = log.Root()
	}
	opts.Buffer.NumThreads = numThreads
	return &Builder[R]{
		world:      world,
		spec:       spec,
		numThreads: numThreads,
		opts:       opts,
		part:       kmer.Partitioner{WorldSize: world.Size(), NumTags: numThreads * opts.NumTags},
		log:        opts.Buffer.Logger.New("rank", world.Rank()),
	}, nil
}

type threadCounts struct {
	reads    uint64
	kmers    uint64
	sent     []uint64
	received []uint64
}

func (b *Builder[R]) newCounts() []threadCounts {
	tc := make([]threadCounts, b.numThreads)
	for t := range tc {
		tc[t].sent = make([]uint64, b.world.Size())
		tc[t].received = make([]uint64, b.world.Size())
	}
	return tc
}

// processor applies delivered messages. Packages are handled by the thread
// named in the package, so each thread counts into its own slot.
func (b *Builder[R]) processor(tc []threadCounts) mpibuf.Processor {
	byteSize := b.spec.sizer.ByteSize
	return mpibuf.ProcessorFunc(func(msg []byte, pkg *mpibuf.MessagePackage) int {
		b.spec.ApplyDelivered(msg[:byteSize], msg[byteSize:byteSize+PayloadSize])
		tc[pkg.Thread].received[pkg.Source]++
		return 0
	})
}

// scan feeds the kmers of every read taken from rc to send until rc is
// closed or ctx ends.
func (b *Builder[R]) scan(ctx context.Context, rc <-chan reads.Read, tc *threadCounts, send func(rank, tag int) []byte) {
	sc := b.spec.sizer.NewScanner()
	byteSize := b.spec.sizer.ByteSize
	var rd reads.Read
	emit := func(key kmer.Key, forward bool, pos int, weight float64) {
		rank, tag := b.part.Locate(key)
		slot := send(rank, tag)
		copy(slot, key)
		putPayload(slot[byteSize:], float32(weight), rd.ID, uint32(pos), forward)
		tc.sent[rank]++
		tc.kmers++
	}
	for {
		var ok bool
		select {
		case <-ctx.Done():
			return
		case rd, ok = <-rc:
		}
		if !ok {
			return
		}
		tc.reads++
		sc.Scan(rd.Seq, rd.Qual, emit)
	}
}

// Run scans the reads taken from rc on numThreads goroutines, sends every
// kmer to its owner rank and applies the kmers this rank owns. It returns
// once every rank finished, even when ctx ends early, in which case the
// result covers the reads consumed so far and ctx's error is returned.
func (b *Builder[R]) Run(ctx context.Context, rc <-chan reads.Read) (*Result, error) {
	start := time.Now()
	tc := b.newCounts()
	proc := b.processor(tc)
	msgSize := MessageSize(b.spec.sizer)
	res := &Result{Rank: b.world.Rank()}
	var wg sync.WaitGroup
	switch b.opts.Mode {
	case ModeAllToAll:
		a := mpibuf.NewAllToAll(b.world, msgSize, b.numThreads, b.opts.NumTags, proc, b.opts.Buffer)
		for t := 0; t < b.numThreads; t++ {
			wg.Add(1)
			go func(t int) {
				defer wg.Done()
				b.scan(ctx, rc, &tc[t], func(rank, tag int) []byte {
					return a.BufferMessage(t, rank, tag, 0)
				})
				a.Finalize(t)
			}(t)
		}
		wg.Wait()
		res.Send = a.Stats()
		a.Close()
	case ModeP2P:
		chans := mpibuf.NewChannels(b.world, msgSize, b.numThreads, b.opts.BaseTag, proc, b.opts.Buffer)
		for t := 0; t < b.numThreads; t++ {
			wg.Add(1)
			go func(t int) {
				defer wg.Done()
				c := chans[t]
				b.scan(ctx, rc, &tc[t], func(rank, tag int) []byte {
					return c.BufferMessage(rank, tag%b.numThreads, 0)
				})
				c.Finalize()
			}(t)
		}
		wg.Wait()
		for _, c := range chans {
			send, recv := c.Stats()
			res.Send.Add(send)
			res.Recv.Add(recv)
			c.Close()
		}
	}
	res.Sent = make([]uint64, b.world.Size())
	res.Received = make([]uint64, b.world.Size())
	for t := range tc {
		res.Reads += tc[t].reads
		res.Kmers += tc[t].kmers
		for r := range res.Sent {
			res.Sent[r] += tc[t].sent[r]
			res.Received[r] += tc[t].received[r]
		}
	}
	res.Elapsed = time.Since(start)
	b.log.Info("[Builder.Run] pass finished", "mode", b.opts.Mode, "reads", res.Reads, "kmers", res.Kmers,
		"distinct", b.spec.Len(), "elapsed", res.Elapsed)
	if err := ctx.Err(); err != nil {
		return res, errors.Wrap(err, "[Builder.Run] pass cut short")
	}
	return res, nil
}
