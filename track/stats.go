package track

import (
	"math"
	"sync/atomic"
)

// Config is the immutable tracking configuration shared by every record of a spectrum
type Config struct {
	MinimumWeight float64 `toml:"minimum_weight"`
}

// Stats are the counters shared by all records tracked under one Config.
// All methods are safe for concurrent use.
type Stats struct {
	cfg Config

	discarded        atomic.Uint64
	totalCount       atomic.Uint64
	totalWeight      atomicFloat
	maxCount         atomic.Uint64
	maxWeightedCount atomicFloat
	saturated        atomic.Uint64
	saturatedWeight  atomicFloat
}

func NewStats(cfg Config) *Stats {
	return &Stats{cfg: cfg}
}

func (s *Stats) Config() Config { return s.cfg }

// IsDiscard reports whether an observation of this weight must be dropped,
// counting it as discarded when it is.
func (s *Stats) IsDiscard(weight float64) bool {
	if weight > s.cfg.MinimumWeight {
		return false
	}
	s.discarded.Add(1)
	return true
}

// observe records one accepted observation of weight and the resulting record totals
func (s *Stats) observe(weight float64, count uint64, weightedCount float64) {
	s.totalCount.Add(1)
	s.totalWeight.add(weight)
	for {
		old := s.maxCount.Load()
		if count <= old || s.maxCount.CompareAndSwap(old, count) {
			break
		}
	}
	s.maxWeightedCount.max(weightedCount)
}

// saturate records an observation a full record could not count
func (s *Stats) saturate(weight float64) {
	s.saturated.Add(1)
	s.saturatedWeight.add(weight)
}

func (s *Stats) Reset() {
	s.discarded.Store(0)
	s.totalCount.Store(0)
	s.totalWeight.store(0)
	s.maxCount.Store(0)
	s.maxWeightedCount.store(0)
	s.saturated.Store(0)
	s.saturatedWeight.store(0)
}

func (s *Stats) Discarded() uint64         { return s.discarded.Load() }
func (s *Stats) TotalCount() uint64        { return s.totalCount.Load() }
func (s *Stats) TotalWeight() float64      { return s.totalWeight.load() }
func (s *Stats) MaxCount() uint64          { return s.maxCount.Load() }
func (s *Stats) MaxWeightedCount() float64 { return s.maxWeightedCount.load() }

// Saturated counts the observations refused by records already at their
// maximum count. They are left out of TotalCount and TotalWeight.
func (s *Stats) Saturated() uint64 { return s.saturated.Load() }

// ErrorRate estimates the base error rate from the weights seen so far,
// saturated observations included
func (s *Stats) ErrorRate() float64 {
	n := s.TotalCount() + s.Discarded() + s.Saturated()
	if n == 0 {
		return 0
	}
	return 1.0 - (s.TotalWeight()+s.saturatedWeight.load())/float64(n)
}

type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat) store(v float64) { f.bits.Store(math.Float64bits(v)) }

func (f *atomicFloat) add(v float64) {
	for {
		old := f.bits.Load()
		nv := math.Float64bits(math.Float64frombits(old) + v)
		if f.bits.CompareAndSwap(old, nv) {
			return
		}
	}
}

func (f *atomicFloat) max(v float64) {
	for {
		old := f.bits.Load()
		if v <= math.Float64frombits(old) || f.bits.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}
