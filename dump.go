package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/jwaldrip/odin/cli"
	"github.com/pkg/errors"

	"kspec/bnt"
	"kspec/cuckoofilter"
	"kspec/kmer"
	"kspec/spectrum"
)

// printDump writes the header and up to limit records of a dump as text
func printDump(w io.Writer, r io.Reader, limit int) error {
	d, err := spectrum.ReadDump(r)
	if err != nil {
		return err
	}
	defer d.Close()
	h := d.Header
	sizer, err := kmer.NewSizer(h.K)
	if err != nil {
		return errors.Wrap(err, "[printDump]")
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# k=%d rank=%d variant=%s records=%d\n", h.K, h.Rank, h.Variant, h.Count)
	for n := 0; limit <= 0 || n < limit; n++ {
		rec, err := d.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(bw, "%s\t%d\t%.3f\t%d\n", sizer.String(rec.Key), rec.Count, rec.WeightedCount, rec.DirectionBias)
	}
	return errors.Wrap(bw.Flush(), "[printDump]")
}

func Dump(c cli.Command) {
	fn := c.Flag("input").String()
	if fn == "" {
		log.Fatalf("[Dump] args 'input' not set\n")
	}
	limit, ok := c.Flag("limit").Get().(int)
	if !ok {
		log.Fatalf("[Dump] args 'limit': %v set error\n", c.Flag("limit").String())
	}
	fp, err := os.Open(fn)
	if err != nil {
		log.Fatalf("[Dump] open file: %s failed, err: %v\n", fn, err)
	}
	defer fp.Close()
	if err := printDump(os.Stdout, bufio.NewReader(fp), limit); err != nil {
		log.Fatalf("[Dump] %s: %v\n", fn, err)
	}
}

// printFilter writes the statistics of a stored admission filter and the
// count it holds for every query kmer
func printFilter(w io.Writer, r io.Reader, queries []string) error {
	cf, err := cuckoofilter.ReadCuckooFilter(r)
	if err != nil {
		return err
	}
	sizer, err := kmer.NewSizer(cf.Kmerlen)
	if err != nil {
		return errors.Wrap(err, "[printFilter]")
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# k=%d %v\n", cf.Kmerlen, cf.GetStat())
	sc := sizer.NewScanner()
	for _, q := range queries {
		if len(q) != cf.Kmerlen {
			return errors.Errorf("[printFilter] query %s is not a %d-mer", q, cf.Kmerlen)
		}
		seq := make([]byte, len(q))
		for i := range q {
			seq[i] = bnt.Base2Bnt[q[i]]
		}
		var count uint16
		found := sc.Scan(seq, nil, func(key kmer.Key, _ bool, _ int, _ float64) {
			if cf.Lookup(key) {
				count = cf.GetCountAllowZero(key)
			}
		})
		if found == 0 {
			return errors.Errorf("[printFilter] query %s holds an ambiguous base", q)
		}
		fmt.Fprintf(bw, "%s\t%d\n", q, count)
	}
	return errors.Wrap(bw.Flush(), "[printFilter]")
}

func CFStat(c cli.Command) {
	fn := c.Flag("input").String()
	if fn == "" {
		log.Fatalf("[CFStat] args 'input' not set\n")
	}
	fp, err := os.Open(fn)
	if err != nil {
		log.Fatalf("[CFStat] open file: %s failed, err: %v\n", fn, err)
	}
	defer fp.Close()
	if err := printFilter(os.Stdout, fp, splitList(c.Flag("query").String())); err != nil {
		log.Fatalf("[CFStat] %s: %v\n", fn, err)
	}
}
