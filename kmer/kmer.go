package kmer

import (
	"bytes"
	"math"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"kspec/bnt"
)

const MaxQual = 93

// Sizer holds the kmer length and the derived fixed key width
type Sizer struct {
	K        int
	ByteSize int
}

func NewSizer(k int) (Sizer, error) {
	if k <= 0 {
		return Sizer{}, errors.Errorf("[NewSizer] kmer length %d must be > 0", k)
	}
	return Sizer{K: k, ByteSize: bnt.PackedLen(k)}, nil
}

// Key is a packed kmer of Sizer.ByteSize bytes, ordered byte-lexicographically
type Key []byte

func (s Sizer) NewKey() Key {
	return make(Key, s.ByteSize)
}

func (s Sizer) String(k Key) string {
	return string(bnt.Transform2Char(bnt.Unpack(k, s.K)))
}

// BiggerThan reports whether kb sorts after rb
func BiggerThan(kb, rb []byte) bool {
	return bytes.Compare(kb, rb) > 0
}

var qualProb [MaxQual + 1]float64

func init() {
	for q := range qualProb {
		qualProb[q] = 1.0 - math.Pow(10, -float64(q)/10.0)
	}
}

// BaseWeight is the probability that a base with phred quality q is correct
func BaseWeight(q byte) float64 {
	if q > MaxQual {
		q = MaxQual
	}
	return qualProb[q]
}

// Scanner extracts canonical kmers from 2-bit encoded reads.
// A Scanner reuses its key buffers and must not be shared between goroutines.
type Scanner struct {
	Sizer
	fwd, rev Key
}

func (s Sizer) NewScanner() *Scanner {
	return &Scanner{Sizer: s, fwd: s.NewKey(), rev: s.NewKey()}
}

// Scan calls fn for every kmer window of seq that holds no ambiguous base.
// key is the smaller of the kmer and its reverse complement and is only valid
// during the call. forward is true when key equals the read strand kmer.
// qual holds phred values; a nil qual gives every kmer weight 1.
func (sc *Scanner) Scan(seq, qual []byte, fn func(key Key, forward bool, pos int, weight float64)) int {
	k := sc.K
	if len(seq) < k {
		return 0
	}
	n := 0
	for i := 0; i+k <= len(seq); i++ {
		win := seq[i : i+k]
		if j := bytes.IndexByte(win, bnt.BntN); j >= 0 {
			i += j
			continue
		}
		weight := 1.0
		if qual != nil {
			for _, q := range qual[i : i+k] {
				weight *= BaseWeight(q)
			}
		}
		bnt.Pack(sc.fwd, win)
		bnt.PackReverseComplement(sc.rev, win)
		if BiggerThan(sc.fwd, sc.rev) {
			fn(sc.rev, false, i, weight)
		} else {
			fn(sc.fwd, true, i, weight)
		}
		n++
	}
	return n
}

// Partitioner assigns each key an owner rank and a destination tag
type Partitioner struct {
	WorldSize int
	NumTags   int
}

func (p Partitioner) Locate(key []byte) (rank, tag int) {
	h := xxhash.Sum64(key)
	rank = int(h % uint64(p.WorldSize))
	tag = int((h / uint64(p.WorldSize)) % uint64(p.NumTags))
	return rank, tag
}
