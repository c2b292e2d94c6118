package spectrum

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/twotwotwo/sorts"

	"kspec/kmer"
	"kspec/track"
)

const (
	dumpMagic   = "KSPC"
	dumpVersion = 1
)

// DumpHeader describes the spectrum a dump was written from
type DumpHeader struct {
	K        int
	ByteSize int
	Variant  string
	Rank     int
	Count    uint64
}

// DumpRecord is one kmer of a dump
type DumpRecord struct {
	Key           kmer.Key
	Count         uint64
	WeightedCount float64
	DirectionBias uint64
}

type dumpRecords []DumpRecord

func (d dumpRecords) Len() int           { return len(d) }
func (d dumpRecords) Less(i, j int) bool { return bytes.Compare(d[i].Key, d[j].Key) < 0 }
func (d dumpRecords) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }

// Records returns the records of s sorted by key
func Records[R track.Tracker](s *Spectrum[R]) []DumpRecord {
	recs := make([]DumpRecord, 0, s.Len())
	s.Range(func(key kmer.Key, rec R) bool {
		recs = append(recs, DumpRecord{
			Key:           key,
			Count:         rec.Count(),
			WeightedCount: rec.WeightedCount(),
			DirectionBias: rec.DirectionBias(),
		})
		return true
	})
	sorts.Quicksort(dumpRecords(recs))
	return recs
}

func recordSize(byteSize int) int { return byteSize + 24 }

// WriteDump writes the spectrum sorted by key and zstd compressed
func WriteDump[R track.Tracker](w io.Writer, s *Spectrum[R], rank int) error {
	recs := Records(s)
	hdr := DumpHeader{
		K:        s.sizer.K,
		ByteSize: s.sizer.ByteSize,
		Variant:  s.cfg.Variant,
		Rank:     rank,
		Count:    uint64(len(recs)),
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return errors.Wrap(err, "[WriteDump]")
	}
	buffp := bufio.NewWriterSize(zw, 1<<20)
	err = writeDumpHeader(buffp, hdr)
	buf := make([]byte, recordSize(hdr.ByteSize))
	for i := 0; err == nil && i < len(recs); i++ {
		r := &recs[i]
		n := copy(buf, r.Key)
		binary.LittleEndian.PutUint64(buf[n:], r.Count)
		binary.LittleEndian.PutUint64(buf[n+8:], math.Float64bits(r.WeightedCount))
		binary.LittleEndian.PutUint64(buf[n+16:], r.DirectionBias)
		_, err = buffp.Write(buf)
	}
	if err == nil {
		err = buffp.Flush()
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "[WriteDump]")
}

func writeDumpHeader(w io.Writer, hdr DumpHeader) error {
	if len(hdr.Variant) > math.MaxUint16 {
		return errors.Errorf("variant name of %d bytes", len(hdr.Variant))
	}
	b := make([]byte, 0, 32+len(hdr.Variant))
	b = append(b, dumpMagic...)
	b = binary.LittleEndian.AppendUint32(b, dumpVersion)
	b = binary.LittleEndian.AppendUint32(b, uint32(hdr.K))
	b = binary.LittleEndian.AppendUint32(b, uint32(hdr.ByteSize))
	b = binary.LittleEndian.AppendUint32(b, uint32(hdr.Rank))
	b = binary.LittleEndian.AppendUint64(b, hdr.Count)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(hdr.Variant)))
	b = append(b, hdr.Variant...)
	_, err := w.Write(b)
	return err
}

// DumpReader reads back a dump written by WriteDump
type DumpReader struct {
	Header DumpHeader
	zr     *zstd.Decoder
	r      *bufio.Reader
	buf    []byte
	read   uint64
}

func ReadDump(r io.Reader) (*DumpReader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "[ReadDump]")
	}
	d := &DumpReader{zr: zr, r: bufio.NewReaderSize(zr, 1<<20)}
	if err := d.readHeader(); err != nil {
		zr.Close()
		return nil, err
	}
	d.buf = make([]byte, recordSize(d.Header.ByteSize))
	return d, nil
}

func (d *DumpReader) readHeader() error {
	var fixed [30]byte
	if _, err := io.ReadFull(d.r, fixed[:]); err != nil {
		return errors.Wrap(err, "[ReadDump] header")
	}
	if string(fixed[:4]) != dumpMagic {
		return errors.Errorf("[ReadDump] bad magic %q", fixed[:4])
	}
	if v := binary.LittleEndian.Uint32(fixed[4:]); v != dumpVersion {
		return errors.Errorf("[ReadDump] unsupported version %d", v)
	}
	h := &d.Header
	h.K = int(binary.LittleEndian.Uint32(fixed[8:]))
	h.ByteSize = int(binary.LittleEndian.Uint32(fixed[12:]))
	h.Rank = int(binary.LittleEndian.Uint32(fixed[16:]))
	h.Count = binary.LittleEndian.Uint64(fixed[20:])
	variant := make([]byte, binary.LittleEndian.Uint16(fixed[28:]))
	if _, err := io.ReadFull(d.r, variant); err != nil {
		return errors.Wrap(err, "[ReadDump] variant")
	}
	h.Variant = string(variant)
	if sz, err := kmer.NewSizer(h.K); err != nil || sz.ByteSize != h.ByteSize {
		return errors.Errorf("[ReadDump] byte size %d does not fit k %d", h.ByteSize, h.K)
	}
	return nil
}

// Next returns the next record, or io.EOF after the last one. The key is
// freshly allocated.
func (d *DumpReader) Next() (DumpRecord, error) {
	if d.read == d.Header.Count {
		return DumpRecord{}, io.EOF
	}
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return DumpRecord{}, errors.Wrapf(err, "[DumpReader.Next] record %d of %d", d.read, d.Header.Count)
	}
	d.read++
	n := d.Header.ByteSize
	return DumpRecord{
		Key:           append(kmer.Key(nil), d.buf[:n]...),
		Count:         binary.LittleEndian.Uint64(d.buf[n:]),
		WeightedCount: math.Float64frombits(binary.LittleEndian.Uint64(d.buf[n+8:])),
		DirectionBias: binary.LittleEndian.Uint64(d.buf[n+16:]),
	}, nil
}

func (d *DumpReader) Close() {
	d.zr.Close()
}
