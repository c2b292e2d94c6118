package bnt

import (
	"bytes"
	"testing"
)

func TestPackUnpack(t *testing.T) {
	seq := Transform2Bnt([]byte("ACGTTGCAa"))
	packed := make([]byte, PackedLen(len(seq)))
	Pack(packed, seq)
	if len(packed) != 3 {
		t.Fatalf("packed len: %d, want 3", len(packed))
	}
	if packed[0] != 0x1B {
		t.Errorf("first byte: %#x, want 0x1b", packed[0])
	}
	got := Transform2Char(Unpack(packed, len(seq)))
	if string(got) != "ACGTTGCAA" {
		t.Errorf("unpack: %s", got)
	}
}

func TestPackReverseComplement(t *testing.T) {
	seq := Transform2Bnt([]byte("AACGT"))
	rc := make([]byte, PackedLen(len(seq)))
	PackReverseComplement(rc, seq)
	want := make([]byte, len(rc))
	Pack(want, Transform2Bnt([]byte("ACGTT")))
	if !bytes.Equal(rc, want) {
		t.Errorf("reverse complement: %v, want %v", rc, want)
	}
}

func TestUnknownBase(t *testing.T) {
	if Base2Bnt['N'] != BntN || Base2Bnt['x'] != BntN {
		t.Errorf("unknown bases must map to BntN")
	}
}

func Benchmark_Pack(b *testing.B) {
	seq := Transform2Bnt([]byte("ACGTTGCAACGTTGCAACGTTGCAACGTTGCA"))
	dst := make([]byte, PackedLen(len(seq)))
	for i := 0; i < b.N; i++ {
		Pack(dst, seq)
	}
}
