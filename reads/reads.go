// Package reads turns sequencing files into immutable 2-bit encoded reads
package reads

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/biogo/biogo/alphabet"
	"github.com/biogo/biogo/io/seqio/fasta"
	"github.com/biogo/biogo/io/seqio/fastq"
	"github.com/biogo/biogo/seq"
	"github.com/biogo/biogo/seq/linear"
	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"kspec/bnt"
)

// Read is one sequencing read. Seq holds 2-bit bases with bnt.BntN for
// ambiguous ones, Qual the phred value of every base or nil when the format
// carries no qualities.
type Read struct {
	ID   uint32
	Seq  []byte
	Qual []byte
}

const (
	FormatFasta = "fa"
	FormatFastq = "fq"
	FormatBam   = "bam"
)

// GetReadsFileFormat derives the format from the file suffix. Fasta and
// fastq files may carry a trailing .zst.
func GetReadsFileFormat(fn string) (format string, compressed bool, err error) {
	sfn := strings.Split(fn, ".")
	if len(sfn) > 1 && sfn[len(sfn)-1] == "zst" {
		compressed = true
		sfn = sfn[:len(sfn)-1]
	}
	if len(sfn) < 2 {
		return "", false, errors.Errorf("[GetReadsFileFormat] reads file: %v need suffix end with '*.fa[.zst] | *.fasta[.zst] | *.fq[.zst] | *.fastq[.zst] | *.bam'", fn)
	}
	switch sfn[len(sfn)-1] {
	case "fa", "fasta":
		format = FormatFasta
	case "fq", "fastq":
		format = FormatFastq
	case "bam":
		if compressed {
			return "", false, errors.Errorf("[GetReadsFileFormat] bam file %v is already compressed", fn)
		}
		format = FormatBam
	default:
		return "", false, errors.Errorf("[GetReadsFileFormat] reads file: %v has unknown format", fn)
	}
	return format, compressed, nil
}

// Reader yields the reads of one file
type Reader interface {
	Read() (Read, error)
	Close() error
}

// Open returns a Reader for fn numbering reads from firstID
func Open(fn string, firstID uint32) (Reader, error) {
	format, compressed, err := GetReadsFileFormat(fn)
	if err != nil {
		return nil, err
	}
	fp, err := os.Open(fn)
	if err != nil {
		return nil, errors.Wrap(err, "[reads.Open]")
	}
	closers := []io.Closer{fp}
	var in io.Reader = bufio.NewReaderSize(fp, 1<<20)
	if compressed {
		zr, err := zstd.NewReader(in)
		if err != nil {
			fp.Close()
			return nil, errors.Wrapf(err, "[reads.Open] zstd reader for %s", fn)
		}
		in = zr
		closers = append([]io.Closer{zstdCloser{zr}}, closers...)
	}
	base := &reader{id: firstID, closers: closers, fn: fn}
	switch format {
	case FormatFasta:
		return &seqReader{reader: base, r: fasta.NewReader(in, linear.NewSeq("", nil, alphabet.DNA))}, nil
	case FormatFastq:
		return &seqReader{reader: base, r: fastq.NewReader(in, linear.NewQSeq("", nil, alphabet.DNA, alphabet.Sanger))}, nil
	}
	bamfp, err := bam.NewReader(in, 0)
	if err != nil {
		base.Close()
		return nil, errors.Wrapf(err, "[reads.Open] create bam.NewReader for %s", fn)
	}
	base.closers = append([]io.Closer{bamfp}, base.closers...)
	return &bamReader{reader: base, r: bamfp}, nil
}

type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}

type reader struct {
	id      uint32
	fn      string
	closers []io.Closer
}

func (r *reader) next() uint32 {
	id := r.id
	r.id++
	return id
}

func (r *reader) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

type seqReader struct {
	*reader
	r interface {
		Read() (seq.Sequence, error)
	}
}

func (s *seqReader) Read() (Read, error) {
	sq, err := s.r.Read()
	if err != nil {
		if err == io.EOF {
			return Read{}, io.EOF
		}
		return Read{}, errors.Wrapf(err, "[reads.Read] read file: %s", s.fn)
	}
	rd := Read{ID: s.next()}
	switch l := sq.(type) {
	case *linear.Seq:
		rd.Seq = make([]byte, len(l.Seq))
		for j, v := range l.Seq {
			rd.Seq[j] = bnt.Base2Bnt[v]
		}
	case *linear.QSeq:
		rd.Seq = make([]byte, len(l.Seq))
		rd.Qual = make([]byte, len(l.Seq))
		for j, v := range l.Seq {
			rd.Seq[j] = bnt.Base2Bnt[v.L]
			rd.Qual[j] = byte(v.Q)
		}
	default:
		return Read{}, errors.Errorf("[reads.Read] unexpected sequence type %T in %s", sq, s.fn)
	}
	return rd, nil
}

type bamReader struct {
	*reader
	r *bam.Reader
}

// Read skips secondary and supplementary alignments so every read is seen once
func (b *bamReader) Read() (Read, error) {
	for {
		r, err := b.r.Read()
		if err != nil {
			if err == io.EOF {
				return Read{}, io.EOF
			}
			return Read{}, errors.Wrapf(err, "[reads.Read] read bam: %s", b.fn)
		}
		if r.Flags&(sam.Secondary|sam.Supplementary) != 0 {
			continue
		}
		rd := Read{ID: b.next(), Seq: bnt.Transform2Bnt(r.Seq.Expand())}
		if len(r.Qual) == len(rd.Seq) && (len(r.Qual) == 0 || r.Qual[0] != 0xff) {
			rd.Qual = r.Qual
		}
		return rd, nil
	}
}

// FileDone reports one finished file
type FileDone struct {
	Fn       string
	Reads    int
	Duration time.Duration
}

// Load streams the reads of every file to rc in order and numbers them from
// firstID. done, when not nil, is called after each file. It returns the
// next unused read id.
func Load(ctx context.Context, fns []string, firstID uint32, rc chan<- Read, done func(FileDone)) (uint32, error) {
	id := firstID
	for _, fn := range fns {
		start := time.Now()
		r, err := Open(fn, id)
		if err != nil {
			return id, err
		}
		n := 0
		for {
			rd, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				r.Close()
				return id, err
			}
			select {
			case rc <- rd:
			case <-ctx.Done():
				r.Close()
				return id, ctx.Err()
			}
			n++
		}
		id += uint32(n)
		if err := r.Close(); err != nil {
			return id, errors.Wrapf(err, "[reads.Load] close %s", fn)
		}
		if done != nil {
			done(FileDone{Fn: fn, Reads: n, Duration: time.Since(start)})
		}
	}
	return id, nil
}
