package track

import (
	"math"
	"sync"
)

// NoRead is the read id reported for instances whose read is not remembered
const NoRead = math.MaxUint32

type ReadPositionWeight struct {
	ReadID uint32
	Pos    uint32
	Weight float64
}

// Tracker is the counting record kept for every kmer of a spectrum.
// Track returns false when the observation was not counted, either because
// its weight is at or below the configured minimum or because the record is
// saturated. Records are not safe for concurrent use unless stated.
type Tracker interface {
	Track(s *Stats, weight float64, forward bool, readID, pos uint32) bool
	Count() uint64
	WeightedCount() float64
	DirectionBias() uint64
	EachInstance() []ReadPositionWeight
	Add(other Tracker)
	Reset()
}

func satAdd(a, b, max uint64) uint64 {
	if a+b > max || a+b < a {
		return max
	}
	return a + b
}

func averageWeight(t Tracker) float64 {
	c := t.Count()
	if c == 0 {
		return 0
	}
	return t.WeightedCount() / float64(c)
}

func repeatInstance(n uint64, rpw ReadPositionWeight) []ReadPositionWeight {
	rs := make([]ReadPositionWeight, n)
	for i := range rs {
		rs[i] = rpw
	}
	return rs
}

// Data is a 16-bit saturating count plus the accumulated weight
type Data struct {
	count         uint16
	weightedCount float32
}

func (d *Data) Track(s *Stats, weight float64, forward bool, readID, pos uint32) bool {
	if s.IsDiscard(weight) {
		return false
	}
	if d.count == math.MaxUint16 {
		s.saturate(weight)
		return false
	}
	d.count++
	d.weightedCount += float32(weight)
	s.observe(weight, d.Count(), d.WeightedCount())
	return true
}

func (d *Data) Count() uint64          { return uint64(d.count) }
func (d *Data) WeightedCount() float64 { return float64(d.weightedCount) }
func (d *Data) DirectionBias() uint64  { return d.Count() / 2 }
func (d *Data) Reset()                 { *d = Data{} }

func (d *Data) EachInstance() []ReadPositionWeight {
	return repeatInstance(d.Count(), ReadPositionWeight{ReadID: NoRead, Weight: averageWeight(d)})
}

func (d *Data) Add(other Tracker) {
	d.count = uint16(satAdd(d.Count(), other.Count(), math.MaxUint16))
	d.weightedCount += float32(other.WeightedCount())
}

// WithDirection also counts how many observations came from the forward strand
type WithDirection struct {
	Data
	directionBias uint16
}

func (d *WithDirection) Track(s *Stats, weight float64, forward bool, readID, pos uint32) bool {
	ok := d.Data.Track(s, weight, forward, readID, pos)
	if ok && forward {
		d.directionBias++
	}
	return ok
}

func (d *WithDirection) DirectionBias() uint64 { return uint64(d.directionBias) }
func (d *WithDirection) Reset()                { *d = WithDirection{} }

func (d *WithDirection) Add(other Tracker) {
	d.Data.Add(other)
	d.directionBias = uint16(satAdd(d.DirectionBias(), other.DirectionBias(), math.MaxUint16))
}

// WithLastRead remembers the read position of the highest ordered observation
type WithLastRead struct {
	WithDirection
	readID, pos uint32
}

func (d *WithLastRead) Track(s *Stats, weight float64, forward bool, readID, pos uint32) bool {
	ok := d.WithDirection.Track(s, weight, forward, readID, pos)
	if ok {
		d.remember(readID, pos)
	}
	return ok
}

func (d *WithLastRead) remember(readID, pos uint32) {
	if d.Count() == 1 || readID > d.readID || (readID == d.readID && pos > d.pos) {
		d.readID, d.pos = readID, pos
	}
}

func (d *WithLastRead) Reset() { *d = WithLastRead{} }

func (d *WithLastRead) EachInstance() []ReadPositionWeight {
	return repeatInstance(d.Count(), ReadPositionWeight{ReadID: d.readID, Pos: d.pos, Weight: averageWeight(d)})
}

func (d *WithLastRead) Add(other Tracker) {
	empty := d.Count() == 0
	d.WithDirection.Add(other)
	for _, rpw := range other.EachInstance() {
		if rpw.ReadID == NoRead {
			continue
		}
		if empty || rpw.ReadID > d.readID || (rpw.ReadID == d.readID && rpw.Pos > d.pos) {
			d.readID, d.pos = rpw.ReadID, rpw.Pos
			empty = false
		}
	}
}

// Singleton keeps a single observation weight quantized to one byte
type Singleton struct {
	weight uint8
}

func quantize(weight float64) uint8 {
	return uint8(weight*254.0) + 1
}

func (d *Singleton) Track(s *Stats, weight float64, forward bool, readID, pos uint32) bool {
	if s.IsDiscard(weight) {
		return false
	}
	if q := quantize(weight); q > d.weight {
		d.weight = q
	}
	s.observe(weight, d.Count(), d.WeightedCount())
	return true
}

func (d *Singleton) Count() uint64 {
	if d.weight == 0 {
		return 0
	}
	return 1
}

func (d *Singleton) WeightedCount() float64 {
	if d.weight == 0 {
		return 0
	}
	return float64(d.weight-1) / 254.0
}

func (d *Singleton) DirectionBias() uint64 { return 0 }
func (d *Singleton) Reset()                { d.weight = 0 }

func (d *Singleton) EachInstance() []ReadPositionWeight {
	return repeatInstance(d.Count(), ReadPositionWeight{ReadID: NoRead, Weight: d.WeightedCount()})
}

func (d *Singleton) Add(other Tracker) {
	if other.Count() == 0 {
		return
	}
	if q := quantize(averageWeight(other)); q > d.weight {
		d.weight = q
	}
}

// SingletonWithReadPosition keeps one observation, its direction stored in the weight sign
type SingletonWithReadPosition struct {
	readID, pos uint32
	weight      float32
}

func (d *SingletonWithReadPosition) better(readID, pos uint32, weight float32) bool {
	cur := d.weight
	if cur < 0 {
		cur = -cur
	}
	abs := weight
	if abs < 0 {
		abs = -abs
	}
	if d.weight == 0 || abs > cur {
		return true
	}
	if abs < cur {
		return false
	}
	if readID != d.readID {
		return readID < d.readID
	}
	if pos != d.pos {
		return pos < d.pos
	}
	return weight > d.weight
}

func (d *SingletonWithReadPosition) Track(s *Stats, weight float64, forward bool, readID, pos uint32) bool {
	if s.IsDiscard(weight) {
		return false
	}
	w := float32(weight)
	if !forward {
		w = -w
	}
	if d.better(readID, pos, w) {
		d.readID, d.pos, d.weight = readID, pos, w
	}
	s.observe(weight, d.Count(), d.WeightedCount())
	return true
}

func (d *SingletonWithReadPosition) Count() uint64 {
	if d.weight == 0 {
		return 0
	}
	return 1
}

func (d *SingletonWithReadPosition) WeightedCount() float64 {
	if d.weight < 0 {
		return float64(-d.weight)
	}
	return float64(d.weight)
}

func (d *SingletonWithReadPosition) DirectionBias() uint64 {
	if d.weight > 0 {
		return 1
	}
	return 0
}

func (d *SingletonWithReadPosition) Reset() { *d = SingletonWithReadPosition{} }

func (d *SingletonWithReadPosition) ReadID() uint32 { return d.readID }
func (d *SingletonWithReadPosition) Pos() uint32    { return d.pos }

func (d *SingletonWithReadPosition) EachInstance() []ReadPositionWeight {
	if d.weight == 0 {
		return nil
	}
	return []ReadPositionWeight{{ReadID: d.readID, Pos: d.pos, Weight: d.WeightedCount()}}
}

func (d *SingletonWithReadPosition) Add(other Tracker) {
	forward := other.DirectionBias()*2 >= other.Count()
	for _, rpw := range other.EachInstance() {
		w := float32(rpw.Weight)
		if !forward {
			w = -w
		}
		if w != 0 && d.better(rpw.ReadID, rpw.Pos, w) {
			d.readID, d.pos, d.weight = rpw.ReadID, rpw.Pos, w
		}
	}
}

// WithAllReads keeps every observation. It is safe for concurrent use.
type WithAllReads struct {
	mu            sync.Mutex
	instances     []ReadPositionWeight
	directionBias uint64
	weightedCount float64
}

func (d *WithAllReads) Track(s *Stats, weight float64, forward bool, readID, pos uint32) bool {
	if s.IsDiscard(weight) {
		return false
	}
	d.mu.Lock()
	if forward {
		d.directionBias++
	}
	d.instances = append(d.instances, ReadPositionWeight{ReadID: readID, Pos: pos, Weight: weight})
	d.weightedCount += weight
	count, wc := uint64(len(d.instances)), d.weightedCount
	d.mu.Unlock()
	s.observe(weight, count, wc)
	return true
}

func (d *WithAllReads) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.instances))
}

func (d *WithAllReads) WeightedCount() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.weightedCount
}

func (d *WithAllReads) DirectionBias() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.directionBias
}

func (d *WithAllReads) Reset() {
	d.mu.Lock()
	d.instances = nil
	d.directionBias = 0
	d.weightedCount = 0
	d.mu.Unlock()
}

func (d *WithAllReads) EachInstance() []ReadPositionWeight {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ReadPositionWeight(nil), d.instances...)
}

func (d *WithAllReads) Add(other Tracker) {
	if other.Count() == 0 {
		return
	}
	rpws := other.EachInstance()
	db, wc := other.DirectionBias(), other.WeightedCount()
	d.mu.Lock()
	d.instances = append(d.instances, rpws...)
	d.directionBias += db
	d.weightedCount += wc
	d.mu.Unlock()
}

type Number interface {
	uint8 | uint16 | uint32 | float32 | float64
}

// Minimal is a bare counter. Integer instantiations count observations and
// saturate at their maximum, float instantiations accumulate weights.
type Minimal[T Number] struct {
	count T
}

func limit[T Number]() (uint64, bool) {
	var z T
	switch any(z).(type) {
	case uint8:
		return math.MaxUint8, true
	case uint16:
		return math.MaxUint16, true
	case uint32:
		return math.MaxUint32, true
	}
	return 0, false
}

func (d *Minimal[T]) Track(s *Stats, weight float64, forward bool, readID, pos uint32) bool {
	if s.IsDiscard(weight) {
		return false
	}
	if max, isInt := limit[T](); isInt {
		c := uint64(d.count)
		if c >= max {
			s.saturate(weight)
			return false
		}
		d.count = T(c + 1)
	} else {
		d.count += T(weight)
	}
	s.observe(weight, d.Count(), d.WeightedCount())
	return true
}

func (d *Minimal[T]) Count() uint64 {
	c := uint64(d.count)
	if float64(c) < float64(d.count) {
		c++
	}
	return c
}

func (d *Minimal[T]) WeightedCount() float64 { return float64(d.count) }
func (d *Minimal[T]) DirectionBias() uint64  { return d.Count() / 2 }
func (d *Minimal[T]) Reset()                 { d.count = 0 }

func (d *Minimal[T]) EachInstance() []ReadPositionWeight { return nil }

func (d *Minimal[T]) Add(other Tracker) {
	if max, isInt := limit[T](); isInt {
		d.count = T(satAdd(uint64(d.count), other.Count(), max))
	} else {
		d.count += T(other.WeightedCount())
	}
}

type (
	Minimal1  = Minimal[uint8]
	Minimal2  = Minimal[uint16]
	Minimal4  = Minimal[uint32]
	Minimal4f = Minimal[float32]
	Minimal8  = Minimal[float64]
)

// Variants lists the record names accepted by New
var Variants = []string{
	"data", "direction", "lastread", "singleton", "singletonpos", "allreads",
	"minimal1", "minimal2", "minimal4", "minimal4f", "minimal8",
}

// New returns a fresh record of the named variant, or nil for an unknown name
func New(name string) Tracker {
	switch name {
	case "data":
		return &Data{}
	case "direction":
		return &WithDirection{}
	case "lastread":
		return &WithLastRead{}
	case "singleton":
		return &Singleton{}
	case "singletonpos":
		return &SingletonWithReadPosition{}
	case "allreads":
		return &WithAllReads{}
	case "minimal1":
		return &Minimal1{}
	case "minimal2":
		return &Minimal2{}
	case "minimal4":
		return &Minimal4{}
	case "minimal4f":
		return &Minimal4f{}
	case "minimal8":
		return &Minimal8{}
	}
	return nil
}
