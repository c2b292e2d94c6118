package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	llog "github.com/ledgerwatch/log/v3"

	"kspec/reads"
	"kspec/spectrum"
	"kspec/utils"
)

func quietLogger() llog.Logger {
	l := llog.New()
	l.SetHandler(llog.DiscardHandler())
	return l
}

func TestRankFiles(t *testing.T) {
	fns := []string{"a", "b", "c", "d", "e"}
	tests := []struct {
		rank, size int
		want       string
	}{
		{0, 1, "a,b,c,d,e"},
		{0, 2, "a,c,e"},
		{1, 2, "b,d"},
		{2, 3, "c"},
		{4, 6, "e"},
		{5, 6, ""},
	}
	for _, tt := range tests {
		if got := strings.Join(rankFiles(fns, tt.rank, tt.size), ","); got != tt.want {
			t.Errorf("rankFiles(%d, %d) = %q, want %q", tt.rank, tt.size, got, tt.want)
		}
	}
}

func TestFirstReadID(t *testing.T) {
	if got := firstReadID(0, 4); got != 0 {
		t.Errorf("rank 0: %d", got)
	}
	if got := firstReadID(1, 2); got != 1<<31 {
		t.Errorf("rank 1 of 2: %d", got)
	}
	prev := firstReadID(0, 7)
	for r := 1; r < 7; r++ {
		id := firstReadID(r, 7)
		if id <= prev {
			t.Fatalf("rank %d starts at %d, not after %d", r, id, prev)
		}
		prev = id
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(" a.fa, ,b.fq ,"); len(got) != 2 || got[0] != "a.fa" || got[1] != "b.fq" {
		t.Errorf("splitList: %q", got)
	}
	if got := splitList(""); got != nil {
		t.Errorf("splitList of empty: %q", got)
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Build.Mode != spectrum.ModeAllToAll || cfg.Spectrum.Variant != "direction" {
		t.Errorf("defaults: %+v", cfg)
	}

	fn := filepath.Join(t.TempDir(), "kspec.toml")
	want := DefaultConfig()
	want.Reads = []string{"x.fa", "y.fq.zst"}
	want.Build.Mode = spectrum.ModeP2P
	want.Spectrum.MinKmerFreq = 3
	want.Spectrum.Track.MinimumWeight = 0.25
	want.Build.Buffer.SoftRatio = 0.5
	if err := utils.WriteTOML(fn, want); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(fn)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got.Reads, ",") != "x.fa,y.fq.zst" || got.Build.Mode != spectrum.ModeP2P ||
		got.Spectrum.MinKmerFreq != 3 || got.Spectrum.Track.MinimumWeight != 0.25 ||
		got.Build.Buffer.SoftRatio != 0.5 || got.Build.Buffer.QueueSoftLimit != want.Build.Buffer.QueueSoftLimit {
		t.Errorf("got %+v", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(bad, []byte("[spectrum]\nvariant = \"nope\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Error("expected an error for an unknown variant")
	}
}

// writeReads writes two FASTA files holding 6 + 6 + 3 clean 5-mer windows
func writeReads(t *testing.T, dir string) []string {
	fa1 := filepath.Join(dir, "r1.fa")
	fa2 := filepath.Join(dir, "r2.fa")
	if err := os.WriteFile(fa1, []byte(">r1\nACGTACGTAC\n>r2\nGGGCCCAATT\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fa2, []byte(">r3\nACGTNACGTACG\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return []string{fa1, fa2}
}

const readKmers = 6 + 6 + 3

// dumpTotal sums the counts of the dumps of numRanks ranks
func dumpTotal(t *testing.T, prefix string, numRanks int, variant string) uint64 {
	var total uint64
	for r := 0; r < numRanks; r++ {
		fp, err := os.Open(dumpFn(prefix, r))
		if err != nil {
			t.Fatal(err)
		}
		d, err := spectrum.ReadDump(fp)
		if err != nil {
			t.Fatal(err)
		}
		if d.Header.Rank != r || d.Header.K != 5 || d.Header.Variant != variant {
			t.Errorf("rank %d header %+v", r, d.Header)
		}
		for {
			rec, err := d.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			total += rec.Count
		}
		d.Close()
		fp.Close()
	}
	return total
}

// TestCountLocal counts two FASTA files over two in process ranks and
// checks the dumps hold every kmer window without an N.
func TestCountLocal(t *testing.T) {
	dir := t.TempDir()
	fns := writeReads(t, dir)
	for _, mode := range []spectrum.Mode{spectrum.ModeAllToAll, spectrum.ModeP2P} {
		t.Run(string(mode), func(t *testing.T) {
			prefix := filepath.Join(dir, string(mode))
			cfg := DefaultConfig()
			cfg.Reads = fns
			cfg.Build.Mode = mode
			cfg.Spectrum.Variant = "data"
			var files atomic.Int32
			j := &countJob{
				opt:    utils.ArgsOpt{Prefix: prefix, Kmer: 5, NumCPU: 2},
				cfg:    cfg,
				graph:  true,
				logger: quietLogger(),
			}
			j.onFile = func(reads.FileDone) { files.Add(1) }
			if err := j.runLocal(context.Background(), 2); err != nil {
				t.Fatal(err)
			}
			if n := files.Load(); n != 2 {
				t.Errorf("%d files reported done, want 2", n)
			}
			if total := dumpTotal(t, prefix, 2, "data"); total != readKmers {
				t.Errorf("dumps count %d kmers, want %d", total, readKmers)
			}
			if _, err := os.Stat(filterFn(prefix, 0)); !os.IsNotExist(err) {
				t.Errorf("filter file written without MinKmerFreq: %v", err)
			}
			dot, err := os.ReadFile(prefix + ".traffic.dot")
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Contains(dot, []byte("rank0")) || !bytes.Contains(dot, []byte("rank1")) {
				t.Errorf("traffic graph misses a rank:\n%s", dot)
			}

			fp, err := os.Open(dumpFn(prefix, 0))
			if err != nil {
				t.Fatal(err)
			}
			defer fp.Close()
			var out bytes.Buffer
			if err := printDump(&out, fp, 1); err != nil {
				t.Fatal(err)
			}
			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			if len(lines) > 2 || !strings.HasPrefix(lines[0], "# k=5 rank=0 variant=data") {
				t.Errorf("printDump output:\n%s", out.String())
			}
		})
	}
}

// TestCountWritesFilter counts with MinKmerFreq 2 and reads back the
// admission filter every rank stored.
func TestCountWritesFilter(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "cf")
	cfg := DefaultConfig()
	cfg.Reads = writeReads(t, dir)
	cfg.Spectrum.Variant = "data"
	cfg.Spectrum.MinKmerFreq = 2
	cfg.Spectrum.FilterSize = 1 << 10
	j := &countJob{
		opt:    utils.ArgsOpt{Prefix: prefix, Kmer: 5, NumCPU: 2},
		cfg:    cfg,
		logger: quietLogger(),
	}
	if err := j.runLocal(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	// ACGTA stands for ACGTA and its reverse complement TACGT: three windows
	// of r1 and one after the N of r3
	var acgta uint64
	for r := 0; r < 2; r++ {
		fp, err := os.Open(filterFn(prefix, r))
		if err != nil {
			t.Fatal(err)
		}
		var out bytes.Buffer
		err = printFilter(&out, fp, []string{"ACGTA", "TACGT"})
		fp.Close()
		if err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		if len(lines) != 3 || !strings.HasPrefix(lines[0], "# k=5 ") {
			t.Fatalf("rank %d printFilter output:\n%s", r, out.String())
		}
		var fwd, rev uint64
		if _, err := fmt.Sscanf(lines[1], "ACGTA\t%d", &fwd); err != nil {
			t.Fatal(err)
		}
		if _, err := fmt.Sscanf(lines[2], "TACGT\t%d", &rev); err != nil {
			t.Fatal(err)
		}
		if fwd != rev {
			t.Errorf("rank %d: reverse complements count %d and %d", r, fwd, rev)
		}
		acgta += fwd
	}
	if acgta != 4 {
		t.Errorf("filters count ACGTA %d times, want 4", acgta)
	}
	// the first observation of every distinct kmer is held back
	if total := dumpTotal(t, prefix, 2, "data"); total >= readKmers || total == 0 {
		t.Errorf("dumps count %d kmers, want fewer than %d", total, readKmers)
	}

	fp, err := os.Open(filterFn(prefix, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()
	if err := printFilter(io.Discard, fp, []string{"ACG"}); err == nil {
		t.Error("a query of the wrong length was accepted")
	}
}

// TestCountOverTCP runs two count ranks joined over loopback TCP
func TestCountOverTCP(t *testing.T) {
	dir := t.TempDir()
	for _, mode := range []spectrum.Mode{spectrum.ModeAllToAll, spectrum.ModeP2P} {
		t.Run(string(mode), func(t *testing.T) {
			addrs := make([]string, 2)
			for i := range addrs {
				ln, err := net.Listen("tcp", "127.0.0.1:0")
				if err != nil {
					t.Skipf("no loopback listener: %v", err)
				}
				addrs[i] = ln.Addr().String()
				ln.Close()
			}
			prefix := filepath.Join(dir, "net"+string(mode))
			cfg := DefaultConfig()
			cfg.Reads = writeReads(t, dir)
			cfg.Build.Mode = mode
			cfg.Spectrum.Variant = "data"
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			errs := make([]error, len(addrs))
			var wg sync.WaitGroup
			for r := range addrs {
				wg.Add(1)
				go func(r int) {
					defer wg.Done()
					j := &countJob{
						opt:    utils.ArgsOpt{Prefix: prefix, Kmer: 5, NumCPU: 2},
						cfg:    cfg,
						logger: quietLogger(),
					}
					errs[r] = j.runNet(ctx, addrs, r)
				}(r)
			}
			wg.Wait()
			for r, err := range errs {
				if err != nil {
					t.Fatalf("rank %d: %v", r, err)
				}
			}
			if total := dumpTotal(t, prefix, len(addrs), "data"); total != readKmers {
				t.Errorf("dumps count %d kmers, want %d", total, readKmers)
			}
		})
	}
}

func TestCountMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reads = []string{filepath.Join(t.TempDir(), "missing.fa")}
	j := &countJob{
		opt:    utils.ArgsOpt{Prefix: filepath.Join(t.TempDir(), "m"), Kmer: 5, NumCPU: 1},
		cfg:    cfg,
		logger: quietLogger(),
	}
	if err := j.runLocal(context.Background(), 2); err == nil {
		t.Error("expected an error for a missing read file")
	}
}
