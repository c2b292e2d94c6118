package cuckoofilter

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"

	"github.com/dgryski/go-metro"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const (
	NUM_FP_BITS = 13     // number of fingerprint  bits occpied
	NUM_C_BITS  = 3      // number of count equal sizeof(uint16)*8 - NUM_FP_BITS
	FPMASK      = 0x1FFF // mask other info only set fingerprint = (1<<NUM_FP_BITS) -1
	CMASK       = 0x7    // set count bits field = (1<<NUM_C_BITS) -1
	MAX_C       = (1 << NUM_C_BITS) - 1
)

const BucketSize = 4
const KMaxCount = 10000

const (
	indexSeed  = 1337
	fingerSeed = 1335
)

// CFItem packs a 13 bit fingerprint with a 3 bit saturating count.
// The zero item is an empty slot.
type CFItem uint16

func combineCFItem(fp uint16, count uint16) CFItem {
	if count > MAX_C {
		panic("[combineCFItem] count bigger than CFItem allowed")
	}
	return CFItem(fp<<NUM_C_BITS | count)
}

func (cfi CFItem) GetCount() uint16  { return uint16(cfi) & CMASK }
func (cfi CFItem) GetFinger() uint16 { return uint16(cfi >> NUM_C_BITS) }

func (cfi CFItem) withCount(count uint16) CFItem {
	return CFItem(uint16(cfi)&^CMASK | count)
}

// Bucket holds BucketSize items, two per 32 bit word so every slot can be
// updated with a compare and swap.
type Bucket struct {
	words [BucketSize / 2]atomic.Uint32
}

func (b *Bucket) item(i int) CFItem {
	w := b.words[i>>1].Load()
	return CFItem(w >> (16 * uint(i&1)))
}

func (b *Bucket) cas(i int, old, nc CFItem) bool {
	shift := 16 * uint(i&1)
	mask := uint32(0xFFFF) << shift
	word := &b.words[i>>1]
	for {
		w := word.Load()
		if CFItem(w>>shift) != old {
			return false
		}
		nw := w&^mask | uint32(nc)<<shift
		if word.CompareAndSwap(w, nw) {
			return true
		}
	}
}

func (b *Bucket) Contain(fingerprint uint16) bool {
	for i := 0; i < BucketSize; i++ {
		item := b.item(i)
		if item.GetCount() > 0 && item.GetFinger() == fingerprint {
			return true
		}
	}
	return false
}

// addCount increments slot i unless it saturated and returns the count it held
func (b *Bucket) addCount(i int) (int, bool) {
	for {
		oc := b.item(i)
		count := oc.GetCount()
		if count == 0 {
			return 0, false
		}
		if count >= MAX_C {
			return MAX_C, true
		}
		if b.cas(i, oc, oc.withCount(count+1)) {
			return int(count), true
		}
	}
}

// AddBucket counts cfi's fingerprint in b, taking an empty slot when the
// fingerprint is new. It returns the previous count.
func (b *Bucket) AddBucket(cfi CFItem) (int, bool) {
	for i := 0; i < BucketSize; i++ {
		for {
			oi := b.item(i)
			if oi.GetCount() == 0 {
				if b.cas(i, oi, cfi) {
					return 0, true
				}
				continue
			}
			if oi.GetFinger() == cfi.GetFinger() {
				if oc, ok := b.addCount(i); ok {
					return oc, true
				}
				continue
			}
			break
		}
	}
	return 0, false
}

// CuckooFilter counts kmers approximately, up to MAX_C per kmer.
// Insert and Lookup are safe for concurrent use.
type CuckooFilter struct {
	Hash     []Bucket
	NumItems uint64
	Kmerlen  int
}

func upperpower2(x uint64) uint64 {
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++

	return x
}

// MakeCuckooFilter sizes the filter for maxNumKeys distinct kmers
func MakeCuckooFilter(maxNumKeys uint64, kmerLen int) *CuckooFilter {
	numBuckets := upperpower2(maxNumKeys) / BucketSize
	if numBuckets < 2 {
		numBuckets = 2
	}
	return &CuckooFilter{
		Hash:     make([]Bucket, numBuckets),
		NumItems: numBuckets,
		Kmerlen:  kmerLen,
	}
}

func FingerPrint(data []byte) uint16 {
	hash := metro.Hash64(data, fingerSeed)
	return uint16(hash%FPMASK + 1)
}

func (cf *CuckooFilter) AltIndex(index uint64, finger uint16) uint64 {
	fp := [2]byte{byte(finger >> 8), byte(finger & 255)}
	hash := metro.Hash64(fp[:], indexSeed)
	return (index ^ hash) % cf.NumItems
}

func (cf *CuckooFilter) GetIndicesAndFingerprint(data []byte) (uint64, uint64, uint16) {
	hash := metro.Hash64(data, indexSeed)
	f := FingerPrint(data)
	i1 := hash % cf.NumItems
	i2 := cf.AltIndex(i1, f)
	return i1, i2, f
}

// Switch swaps nc into slot bIdx of bucket hashIdx and returns the evicted
// item with its alternate bucket.
func (cf *CuckooFilter) Switch(hashIdx uint64, bIdx int, nc CFItem) (CFItem, uint64) {
	b := &cf.Hash[hashIdx]
	for {
		oc := b.item(bIdx)
		if b.cas(bIdx, oc, nc) {
			return oc, cf.AltIndex(hashIdx, oc.GetFinger())
		}
	}
}

func (cf *CuckooFilter) reinsert(cfi CFItem, i uint64) bool {
	for k := 0; k < KMaxCount; k++ {
		cfi, i = cf.Switch(i, rand.Intn(BucketSize), cfi)
		if cfi.GetCount() == 0 {
			return true
		}
		// a moved item keeps its count, so place it without merging
		b := &cf.Hash[i]
		for j := 0; j < BucketSize; j++ {
			if b.item(j) == 0 && b.cas(j, 0, cfi) {
				return true
			}
		}
	}
	return false
}

// Insert counts one occurrence of kb and returns the count seen before.
// ok is false when the filter is too full to place a new fingerprint.
func (cf *CuckooFilter) Insert(kb []byte) (int, bool) {
	i1, i2, fp := cf.GetIndicesAndFingerprint(kb)
	cfi := combineCFItem(fp, 1)
	// an existing fingerprint may sit in either bucket
	for _, i := range [2]uint64{i1, i2} {
		b := &cf.Hash[i]
		for j := 0; j < BucketSize; j++ {
			if it := b.item(j); it.GetCount() > 0 && it.GetFinger() == fp {
				if oc, ok := b.addCount(j); ok {
					return oc, true
				}
			}
		}
	}
	if count, ok := cf.Hash[i1].AddBucket(cfi); ok {
		return count, ok
	}
	if count, ok := cf.Hash[i2].AddBucket(cfi); ok {
		return count, ok
	}
	i := i1
	if rand.Intn(2) == 1 {
		i = i2
	}
	return 0, cf.reinsert(cfi, i)
}

func (cf *CuckooFilter) Lookup(kb []byte) bool {
	i1, i2, fp := cf.GetIndicesAndFingerprint(kb)
	return cf.Hash[i1].Contain(fp) || cf.Hash[i2].Contain(fp)
}

// GetCountAllowZero returns the count of kb, or zero when it was never inserted
func (cf *CuckooFilter) GetCountAllowZero(kb []byte) uint16 {
	i1, i2, fp := cf.GetIndicesAndFingerprint(kb)
	for _, i := range [2]uint64{i1, i2} {
		b := &cf.Hash[i]
		for j := 0; j < BucketSize; j++ {
			if it := b.item(j); it.GetCount() > 0 && it.GetFinger() == fp {
				return it.GetCount()
			}
		}
	}
	return 0
}

// Stat is the count histogram of the occupied slots
type Stat struct {
	Counts [MAX_C + 1]uint64
	Items  uint64
	Load   float64
}

func (s Stat) String() string {
	return fmt.Sprintf("count statisticas : %v, CountItems: %d, load: %f", s.Counts, s.Items, s.Load)
}

func (cf *CuckooFilter) GetStat() (s Stat) {
	for i := range cf.Hash {
		for j := 0; j < BucketSize; j++ {
			s.Counts[cf.Hash[i].item(j).GetCount()]++
		}
	}
	for c := 1; c <= MAX_C; c++ {
		s.Items += s.Counts[c]
	}
	s.Load = float64(s.Items) / float64(cf.NumItems*BucketSize)
	return s
}

// WriteTo stores the filter zstd compressed: NumItems, Kmerlen, then every
// item little endian.
func (cf *CuckooFilter) WriteTo(w io.Writer) (int64, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return 0, errors.Wrap(err, "[CuckooFilter.WriteTo]")
	}
	buffp := bufio.NewWriterSize(zw, 1<<20)
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:], cf.NumItems)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(cf.Kmerlen))
	n, err := buffp.Write(hdr[:])
	written := int64(n)
	var item [2]byte
	for i := 0; err == nil && i < len(cf.Hash); i++ {
		for j := 0; err == nil && j < BucketSize; j++ {
			binary.LittleEndian.PutUint16(item[:], uint16(cf.Hash[i].item(j)))
			n, err = buffp.Write(item[:])
			written += int64(n)
		}
	}
	if err == nil {
		err = buffp.Flush()
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	return written, errors.Wrap(err, "[CuckooFilter.WriteTo]")
}

// ReadCuckooFilter loads a filter stored by WriteTo
func ReadCuckooFilter(r io.Reader) (*CuckooFilter, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "[ReadCuckooFilter]")
	}
	defer zr.Close()
	buffp := bufio.NewReaderSize(zr, 1<<20)
	var hdr [16]byte
	if _, err := io.ReadFull(buffp, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "[ReadCuckooFilter] header")
	}
	numItems := binary.LittleEndian.Uint64(hdr[0:])
	if numItems == 0 || numItems%2 != 0 {
		return nil, errors.Errorf("[ReadCuckooFilter] bad NumItems: %d", numItems)
	}
	cf := &CuckooFilter{
		Hash:     make([]Bucket, numItems),
		NumItems: numItems,
		Kmerlen:  int(binary.LittleEndian.Uint64(hdr[8:])),
	}
	var word [4]byte
	for i := range cf.Hash {
		for j := range cf.Hash[i].words {
			if _, err := io.ReadFull(buffp, word[:]); err != nil {
				return nil, errors.Wrapf(err, "[ReadCuckooFilter] bucket %d", i)
			}
			cf.Hash[i].words[j].Store(binary.LittleEndian.Uint32(word[:]))
		}
	}
	return cf, nil
}
