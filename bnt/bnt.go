package bnt

const (
	NumBitsInBase   = 2
	NumBaseInByte   = 8 / NumBitsInBase
	NumBaseInUint64 = 64 / NumBitsInBase
	BaseMask        = (1 << NumBitsInBase) - 1
	// BntN marks an ambiguous base, never packed into a key
	BntN = 4
)

// Base2Bnt maps an ASCII nucleotide to its 2-bit code, unknown letters map to BntN
var Base2Bnt [256]byte

// BntRev is the complement of a 2-bit base
var BntRev = [4]byte{3, 2, 1, 0}

var BitNtCharUp = []byte{'A', 'C', 'G', 'T', 'N'}

func init() {
	for i := range Base2Bnt {
		Base2Bnt[i] = BntN
	}
	for i, c := range BitNtCharUp[:4] {
		Base2Bnt[c] = byte(i)
		Base2Bnt[c+('a'-'A')] = byte(i)
	}
}

// Transform2Bnt converts an ASCII sequence to 2-bit base codes in place
func Transform2Bnt(seq []byte) []byte {
	for i, c := range seq {
		seq[i] = Base2Bnt[c]
	}
	return seq
}

// Transform2Char converts 2-bit base codes to ASCII letters
func Transform2Char(bs []byte) []byte {
	cs := make([]byte, len(bs))
	for i, b := range bs {
		if b > BntN {
			b = BntN
		}
		cs[i] = BitNtCharUp[b]
	}
	return cs
}

// PackedLen returns the number of bytes needed to hold n packed bases
func PackedLen(n int) int {
	return (n + NumBaseInByte - 1) / NumBaseInByte
}

// Pack writes the 2-bit bases of bs into dst, first base in the highest bits.
// Unused low bits of the last byte are zero.
func Pack(dst []byte, bs []byte) {
	for i := range dst[:PackedLen(len(bs))] {
		dst[i] = 0
	}
	for i, b := range bs {
		shift := uint(NumBitsInBase * (NumBaseInByte - 1 - i%NumBaseInByte))
		dst[i/NumBaseInByte] |= (b & BaseMask) << shift
	}
}

// PackReverseComplement writes the reverse complement of bs into dst using the Pack layout
func PackReverseComplement(dst []byte, bs []byte) {
	for i := range dst[:PackedLen(len(bs))] {
		dst[i] = 0
	}
	n := len(bs)
	for i := 0; i < n; i++ {
		b := BntRev[bs[n-1-i]&BaseMask]
		shift := uint(NumBitsInBase * (NumBaseInByte - 1 - i%NumBaseInByte))
		dst[i/NumBaseInByte] |= b << shift
	}
}

// Unpack expands n packed bases from src into 2-bit codes
func Unpack(src []byte, n int) []byte {
	bs := make([]byte, n)
	for i := 0; i < n; i++ {
		shift := uint(NumBitsInBase * (NumBaseInByte - 1 - i%NumBaseInByte))
		bs[i] = (src[i/NumBaseInByte] >> shift) & BaseMask
	}
	return bs
}
