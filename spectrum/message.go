package spectrum

import (
	"encoding/binary"
	"math"

	"kspec/kmer"
)

// PayloadSize is the counting payload following the key of every message:
// weight float32, read id uint32, position uint32 and a direction byte.
const PayloadSize = 13

// Message is one kmer observation as it travels to the owner rank
type Message struct {
	Key     kmer.Key
	Weight  float32
	ReadID  uint32
	Pos     uint32
	Forward bool
}

func MessageSize(s kmer.Sizer) int {
	return s.ByteSize + PayloadSize
}

// Put writes m into b, which must hold MessageSize bytes
func (m *Message) Put(b []byte) {
	n := copy(b, m.Key)
	putPayload(b[n:], m.Weight, m.ReadID, m.Pos, m.Forward)
}

func putPayload(b []byte, weight float32, readID, pos uint32, forward bool) {
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(weight))
	binary.LittleEndian.PutUint32(b[4:], readID)
	binary.LittleEndian.PutUint32(b[8:], pos)
	if forward {
		b[12] = 1
	} else {
		b[12] = 0
	}
}

// ReadMessage decodes a message. The key aliases b.
func ReadMessage(b []byte, byteSize int) Message {
	m := Message{Key: kmer.Key(b[:byteSize])}
	m.Weight, m.ReadID, m.Pos, m.Forward = readPayload(b[byteSize:])
	return m
}

func readPayload(b []byte) (weight float32, readID, pos uint32, forward bool) {
	_ = b[PayloadSize-1]
	weight = math.Float32frombits(binary.LittleEndian.Uint32(b[0:]))
	readID = binary.LittleEndian.Uint32(b[4:])
	pos = binary.LittleEndian.Uint32(b[8:])
	forward = b[12] != 0
	return
}
