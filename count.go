package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/jwaldrip/odin/cli"
	llog "github.com/ledgerwatch/log/v3"
	"github.com/pkg/errors"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"kspec/comm"
	"kspec/cuckoofilter"
	"kspec/kmer"
	"kspec/reads"
	"kspec/spectrum"
	"kspec/track"
	"kspec/utils"
)

// rankFiles returns the files read by rank: every size-th file from rank on
func rankFiles(fns []string, rank, size int) []string {
	var mine []string
	for i := rank; i < len(fns); i += size {
		mine = append(mine, fns[i])
	}
	return mine
}

// firstReadID splits the read id space evenly so ids stay unique across ranks
func firstReadID(rank, size int) uint32 {
	return uint32(uint64(rank) * (math.MaxUint32 + 1) / uint64(size))
}

func dumpFn(prefix string, rank int) string {
	return fmt.Sprintf("%s.rank%d.kspec.zst", prefix, rank)
}

func filterFn(prefix string, rank int) string {
	return fmt.Sprintf("%s.rank%d.cf.zst", prefix, rank)
}

// countJob holds what every rank of one count run shares
type countJob struct {
	opt     utils.ArgsOpt
	cfg     Config
	graph   bool
	logger  llog.Logger
	onFile  func(reads.FileDone)
	summary sync.Mutex
}

// runRank loads the reads of one rank, runs the build pass and writes the
// rank's dump. Every rank of world must call it.
func (j *countJob) runRank(ctx context.Context, world comm.Communicator) error {
	rank, size := world.Rank(), world.Size()
	sizer, err := kmer.NewSizer(j.opt.Kmer)
	if err != nil {
		return errors.Wrap(err, "[runRank]")
	}
	spec, err := spectrum.NewVariant(sizer, j.cfg.Spectrum)
	if err != nil {
		return err
	}
	opts := j.cfg.Build
	opts.Buffer.Logger = j.logger
	b, err := spectrum.NewBuilder(world, spec, j.opt.NumCPU, opts)
	if err != nil {
		return err
	}

	rc := make(chan reads.Read, 1024*j.opt.NumCPU)
	var loadErr error
	go func() {
		defer close(rc)
		_, loadErr = reads.Load(ctx, rankFiles(j.cfg.Reads, rank, size), firstReadID(rank, size), rc, j.onFile)
	}()
	res, runErr := b.Run(ctx, rc)
	// Run returns only after rc is closed or ctx ended, and Load exits on both
	for range rc {
	}
	if runErr != nil {
		return runErr
	}
	if loadErr != nil {
		return errors.Wrapf(loadErr, "[runRank] rank %d", rank)
	}

	traffic, err := spectrum.GatherTraffic(world, res.Sent)
	if err != nil {
		return err
	}
	if j.graph && rank == 0 {
		if err := writeTrafficGraph(j.opt.Prefix+".traffic.dot", traffic); err != nil {
			return err
		}
	}
	if err := writeDump(dumpFn(j.opt.Prefix, rank), spec, rank); err != nil {
		return err
	}
	if cf := spec.Filter(); cf != nil {
		if err := writeFilter(filterFn(j.opt.Prefix, rank), cf); err != nil {
			return err
		}
	}
	j.summary.Lock()
	fmt.Print(spectrum.FormatSummary(res, spec))
	j.summary.Unlock()
	return nil
}

func writeDump(fn string, spec *spectrum.Spectrum[track.Tracker], rank int) error {
	fp, err := os.Create(fn)
	if err != nil {
		return errors.Wrap(err, "[writeDump]")
	}
	if err := spectrum.WriteDump(fp, spec, rank); err != nil {
		fp.Close()
		return err
	}
	return errors.Wrap(fp.Close(), "[writeDump]")
}

func writeFilter(fn string, cf *cuckoofilter.CuckooFilter) error {
	fp, err := os.Create(fn)
	if err != nil {
		return errors.Wrap(err, "[writeFilter]")
	}
	if _, err := cf.WriteTo(fp); err != nil {
		fp.Close()
		return err
	}
	return errors.Wrap(fp.Close(), "[writeFilter]")
}

func writeTrafficGraph(fn string, t spectrum.Traffic) error {
	fp, err := os.Create(fn)
	if err != nil {
		return errors.Wrap(err, "[writeTrafficGraph]")
	}
	if err := spectrum.WriteTrafficGraph(fp, t); err != nil {
		fp.Close()
		return err
	}
	return errors.Wrap(fp.Close(), "[writeTrafficGraph]")
}

// runLocal runs n ranks in this process over a LocalWorld
func (j *countJob) runLocal(ctx context.Context, n int) error {
	w := comm.NewLocalWorld(n)
	defer w.Close()
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = j.runRank(ctx, w.Comm(r))
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runNet joins the world of addrs as rank over TCP
func (j *countJob) runNet(ctx context.Context, addrs []string, rank int) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	w, err := comm.Dial(dialCtx, rank, addrs, j.logger)
	cancel()
	if err != nil {
		return err
	}
	err = j.runRank(ctx, w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

func Count(c cli.Command) {
	opt, suc := utils.CheckGlobalArgs(c.Parent())
	if !suc {
		log.Fatalf("[Count] check global Arguments error, opt: %v\n", opt)
	}
	servePprof(c.Parent())
	logger := utils.SetupLogger(opt.LogLevel)
	cfg, err := LoadConfig(opt.CfgFn)
	if err != nil {
		log.Fatalf("[Count] load options file: %v\n", err)
	}
	if err := cfg.override(c); err != nil {
		log.Fatalf("[Count] %v\n", err)
	}
	if len(cfg.Reads) == 0 {
		log.Fatalf("[Count] no read files, set 'reads' in the options file or -reads\n")
	}
	addrs := splitList(c.Flag("ranks").String())
	rank, _ := c.Flag("rank").Get().(int)
	local, _ := c.Flag("local").Get().(int)
	if len(addrs) == 0 && local < 1 {
		log.Fatalf("[Count] args 'local': %d must be >= 1\n", local)
	}
	graph, _ := c.Flag("Graph").Get().(bool)
	progress, _ := c.Flag("progress").Get().(bool)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	j := &countJob{opt: opt, cfg: cfg, graph: graph, logger: logger}
	numFiles := len(cfg.Reads)
	if len(addrs) > 0 {
		numFiles = len(rankFiles(cfg.Reads, rank, len(addrs)))
	}
	var pbs *mpb.Progress
	var bar *mpb.Bar
	if progress {
		pbs = mpb.New(mpb.WithWidth(40), mpb.WithOutput(os.Stderr))
		bar = pbs.AddBar(int64(numFiles),
			mpb.PrependDecorators(
				decor.Name("loaded files: ", decor.WC{W: len("loaded files: "), C: decor.DindentRight}),
				decor.Name("", decor.WCSyncSpaceR),
				decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
			),
			mpb.AppendDecorators(
				decor.Name("ETA: ", decor.WC{W: len("ETA: ")}),
				decor.EwmaETA(decor.ET_STYLE_GO, 10),
				decor.OnComplete(decor.Name(""), ". done"),
			),
		)
		j.onFile = func(fd reads.FileDone) {
			bar.EwmaIncrBy(1, fd.Duration)
			logger.Debug("[Count] file loaded", "file", fd.Fn, "reads", fd.Reads, "elapsed", fd.Duration)
		}
	}

	t0 := time.Now()
	if len(addrs) > 0 {
		err = j.runNet(ctx, addrs, rank)
	} else {
		err = j.runLocal(ctx, local)
	}
	if pbs != nil {
		if !bar.Completed() {
			bar.Abort(false)
		}
		pbs.Wait()
	}
	if err != nil {
		log.Fatalf("[Count] %v\n", err)
	}
	fmt.Printf("[Count] finished in %v\n", time.Since(t0))
}
