// Package spectrum aggregates delivered kmer observations into per rank
// counting records and drives the distributed build pass.
package spectrum

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"kspec/cuckoofilter"
	"kspec/kmer"
	"kspec/track"
)

const (
	DefaultShards     = 64
	DefaultFilterSize = 1 << 24
)

// Config selects the counting record and the admission policy of a spectrum
type Config struct {
	Variant string `toml:"variant"`
	// MinKmerFreq > 1 admits a kmer only from its MinKmerFreq-th observation on
	MinKmerFreq int `toml:"min_kmer_freq"`
	// FilterSize is the number of distinct kmers the admission filter is sized for
	FilterSize uint64 `toml:"filter_size"`
	Shards     int    `toml:"shards"`

	Track track.Config `toml:"track"`
}

func DefaultConfig() Config {
	return Config{
		Variant:     "direction",
		MinKmerFreq: 1,
		FilterSize:  DefaultFilterSize,
		Shards:      DefaultShards,
	}
}

type shard[R track.Tracker] struct {
	mu sync.Mutex
	m  map[string]R
}

// Spectrum maps kmers to counting records of type R. ApplyDelivered and
// Apply are safe for concurrent use; the rest must not run concurrently
// with them.
type Spectrum[R track.Tracker] struct {
	sizer     kmer.Sizer
	cfg       Config
	stats     *track.Stats
	newRecord func() R
	shards    []shard[R]
	filter    *cuckoofilter.CuckooFilter

	delivered  atomic.Uint64
	filtered   atomic.Uint64
	filterFull atomic.Uint64
}

func New[R track.Tracker](sizer kmer.Sizer, cfg Config, newRecord func() R) (*Spectrum[R], error) {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.MinKmerFreq <= 0 {
		cfg.MinKmerFreq = 1
	}
	if cfg.MinKmerFreq > cuckoofilter.MAX_C+1 {
		return nil, errors.Errorf("[spectrum.New] MinKmerFreq %d must be in [1, %d]", cfg.MinKmerFreq, cuckoofilter.MAX_C+1)
	}
	s := &Spectrum[R]{
		sizer:     sizer,
		cfg:       cfg,
		stats:     track.NewStats(cfg.Track),
		newRecord: newRecord,
		shards:    make([]shard[R], cfg.Shards),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]R)
	}
	if cfg.MinKmerFreq > 1 {
		size := cfg.FilterSize
		if size == 0 {
			size = DefaultFilterSize
		}
		s.filter = cuckoofilter.MakeCuckooFilter(size, sizer.K)
	}
	return s, nil
}

// NewVariant builds a spectrum of the record variant named by cfg.Variant
func NewVariant(sizer kmer.Sizer, cfg Config) (*Spectrum[track.Tracker], error) {
	if track.New(cfg.Variant) == nil {
		return nil, errors.Errorf("[spectrum.NewVariant] unknown variant %q, want one of %v", cfg.Variant, track.Variants)
	}
	return New(sizer, cfg, func() track.Tracker { return track.New(cfg.Variant) })
}

func (s *Spectrum[R]) Sizer() kmer.Sizer   { return s.sizer }
func (s *Spectrum[R]) Config() Config      { return s.cfg }
func (s *Spectrum[R]) Stats() *track.Stats { return s.stats }

// Delivered is the number of observations handed to the spectrum
func (s *Spectrum[R]) Delivered() uint64 { return s.delivered.Load() }

// Filtered is the number of observations held back by the admission filter
func (s *Spectrum[R]) Filtered() uint64 { return s.filtered.Load() }

// FilterFull counts observations admitted only because the filter had no room
func (s *Spectrum[R]) FilterFull() uint64 { return s.filterFull.Load() }

// Filter is the admission filter, nil when every kmer is admitted
func (s *Spectrum[R]) Filter() *cuckoofilter.CuckooFilter { return s.filter }

func (s *Spectrum[R]) shard(key []byte) *shard[R] {
	h := xxhash.Sum64(key)
	return &s.shards[(h>>32)%uint64(len(s.shards))]
}

// ApplyDelivered applies one message as received from the transport: key
// followed by the counting payload.
func (s *Spectrum[R]) ApplyDelivered(key, payload []byte) bool {
	weight, readID, pos, forward := readPayload(payload)
	return s.Apply(key, float64(weight), forward, readID, pos)
}

// Apply tracks one observation of key and reports whether it was counted
func (s *Spectrum[R]) Apply(key []byte, weight float64, forward bool, readID, pos uint32) bool {
	if len(key) != s.sizer.ByteSize {
		panic(errors.Errorf("[Spectrum.Apply] key of %d bytes, want %d", len(key), s.sizer.ByteSize))
	}
	s.delivered.Add(1)
	if s.filter != nil {
		old, ok := s.filter.Insert(key)
		if !ok {
			s.filterFull.Add(1)
		} else if old+1 < s.cfg.MinKmerFreq {
			s.filtered.Add(1)
			return false
		}
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.m[string(key)]
	if !ok {
		rec = s.newRecord()
	}
	if !rec.Track(s.stats, weight, forward, readID, pos) {
		return false
	}
	if !ok {
		sh.m[string(key)] = rec
	}
	return true
}

func (s *Spectrum[R]) Get(key []byte) (R, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.m[string(key)]
	return rec, ok
}

func (s *Spectrum[R]) Len() int {
	n := 0
	for i := range s.shards {
		n += len(s.shards[i].m)
	}
	return n
}

// Range calls fn for every kmer in no particular order until fn returns false
func (s *Spectrum[R]) Range(fn func(key kmer.Key, rec R) bool) {
	for i := range s.shards {
		for k, rec := range s.shards[i].m {
			if !fn(kmer.Key(k), rec) {
				return
			}
		}
	}
}

// Merge adds every record of other into s
func (s *Spectrum[R]) Merge(other *Spectrum[R]) {
	if other.sizer != s.sizer {
		panic("[Spectrum.Merge] kmer sizes differ")
	}
	other.Range(func(key kmer.Key, orec R) bool {
		sh := s.shard(key)
		sh.mu.Lock()
		rec, ok := sh.m[string(key)]
		if !ok {
			rec = s.newRecord()
			sh.m[string(key)] = rec
		}
		rec.Add(orec)
		sh.mu.Unlock()
		return true
	})
	s.delivered.Add(other.Delivered())
	s.filtered.Add(other.Filtered())
	s.filterFull.Add(other.FilterFull())
}

// TotalCount sums the counts of every record
func (s *Spectrum[R]) TotalCount() uint64 {
	var total uint64
	s.Range(func(_ kmer.Key, rec R) bool {
		total += rec.Count()
		return true
	})
	return total
}
